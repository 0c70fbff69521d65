// Package gem models the kernel resource surface a GPU buffer manager sits
// on top of: creating and closing buffer handles, mapping them into the CPU
// address space, polling and waiting for GPU completion, residency
// advisories, and sharing handles across processes and devices.
//
// # Device Interface
//
// The core abstraction is the Device interface. Real drivers would back it
// with DRM ioctls; this module ships two implementations:
//
//   - Shmem: a software device backed by anonymous shared memory, usable for
//     tooling and integration runs.
//   - fake.Device (package fake): a deterministic double for tests, with
//     programmable busy countdowns and failure injection.
//
// # Handles and Names
//
// Handle and Name are distinct newtypes rather than raw integers so the
// manager's registry maps stay keyed by type. A Handle is only meaningful on
// the Device that issued it. A Name is a global identifier another process
// (or another Device) can import; a SharedFD is the dma-buf style equivalent.
//
// # Residency Advisories
//
// Advise lets the manager tell the kernel that an idle cached buffer's pages
// may be discarded (AdviseDontNeed) and later reclaim them (AdviseWillNeed).
// A WillNeed answer of retained=false means the content was purged while
// cached; the handle must be discarded and a fresh buffer allocated.
//
// # Error Semantics
//
// Wait with a finite timeout fails with ErrTimedOut when the object is still
// busy; this is recoverable and distinct from every other error. Create
// fails with ErrNoSpace on exhaustion. Transient tiling-change races are
// retried inside the implementation and never surface.
package gem
