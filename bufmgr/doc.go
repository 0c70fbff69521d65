// Package bufmgr allocates, caches, reclaims and tracks the lifetime of
// GPU-visible buffer objects backed by kernel handles.
//
// # Overview
//
// The Manager sits between driver subsystems and a gem.Device. An allocation
// request first queries a size-bucketed cache of idle reusable buffers; on a
// hit the buffer is revalidated (still resident, not GPU-busy) and reused, on
// a miss a fresh kernel object is created. GPU virtual addresses come from
// per-zone heaps (package vma) and are only reassigned when a cached buffer's
// existing address does not satisfy the requested zone or alignment.
//
// Releasing a buffer decrements an atomic reference count. At zero the
// manager either returns the buffer to the cache (reusable and the kernel
// accepted a don't-need advisory), defers it on a zombie queue (GPU work may
// still be in flight), or closes it outright. A debounced sweep ages cached
// buffers out and drains the zombie queue as objects go idle.
//
// # Buffer Lifecycle
//
// Per buffer the reclaimer is a small state machine:
//
//	live -> zero-ref-busy    refcount hits zero while last idle check said busy
//	zero-ref-busy -> zero-ref-idle   a non-blocking busy poll returns idle
//	zero-ref-idle -> cached  reusable and DONT_NEED advisory accepted
//	zero-ref-idle -> closed  otherwise
//	cached -> live           a later cache hit
//
// # Sharing
//
// Exported and imported buffers are tracked in handle and name registries so
// the same kernel resource is never wrapped twice: importing a handle that
// is already wrapped returns the existing *BO with its reference count
// bumped, even rescuing it off the zombie queue if an import races a
// deferred close. Exporting permanently disables reuse and cache-coherence
// assumptions. A per-foreign-device export cache keeps one handle per
// (buffer, device) pair so repeated exports don't re-import the same
// descriptor.
//
// # Concurrency
//
// One mutex per Manager guards the bucket lists, the address heaps, the
// registries and the zombie queue. Reference counting is lock-free; only the
// transition through zero takes the lock. Blocking kernel waits are issued
// without the lock. CPU mappings are established at most once per buffer via
// a compare-and-swap: a racing loser unmaps its redundant mapping.
//
// # Manager Lifecycle
//
// Managers are shared process-wide, keyed by device identity, through an
// explicit Registry with Acquire/Unref lifecycle:
//
//	reg := bufmgr.NewRegistry()
//	mgr, err := reg.Acquire(dev, bufmgr.Options{})
//	if err != nil { ... }
//	defer mgr.Unref()
//
//	bo, err := mgr.Alloc("vertex data", 64*1024, 4096, vma.ZoneOther, 0)
//	if err != nil { ... }
//	defer bo.Unref()
//
// # Related Packages
//
//   - github.com/gpukit/gpumem/gem: the kernel resource surface
//   - github.com/gpukit/gpumem/vma: zone layout and address heaps
//   - github.com/gpukit/gpumem/slab: sub-allocation of small entries
//   - github.com/gpukit/gpumem/sparse: page-level commitment of sparse buffers
package bufmgr
