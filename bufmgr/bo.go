package bufmgr

import (
	"sync/atomic"
	"time"

	"github.com/gpukit/gpumem/gem"
)

// AllocFlags modify an allocation request.
type AllocFlags uint32

const (
	// AllocZeroed guarantees the returned buffer reads as zeroes. Fresh
	// kernel objects already do; cached buffers are mapped and cleared, and
	// a buffer whose mapping fails is discarded in favor of a fresh one.
	AllocZeroed AllocFlags = 1 << iota

	// AllocCoherent requests a CPU-cache-coherent buffer even on devices
	// without a shared last-level cache. Granting it disables reuse.
	AllocCoherent
)

// MapFlags modify Map.
type MapFlags uint32

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	// MapAsync skips the wait for in-flight GPU work before returning the
	// mapping.
	MapAsync
)

// mapping wraps the CPU mapping so the pointer can be swapped atomically.
type mapping struct {
	data []byte
}

// deviceExport is one cached (foreign device, handle) pair for a buffer that
// was exported to another device's handle space.
type deviceExport struct {
	dev    gem.Device
	handle gem.Handle
}

// BO is a buffer object: a GPU-visible memory allocation wrapped with its
// kernel handle, virtual address and lifetime metadata.
//
// The manager owns BOs placed in its cache and zombie lists; a BO holds only
// a plain (non-counted) back-reference to its manager.
type BO struct {
	mgr    *Manager
	handle gem.Handle
	size   uint64

	refcount atomic.Int32
	// idle is the last known GPU completion status; a false value only means
	// "possibly busy".
	idle    atomic.Bool
	shared  atomic.Bool // exported or imported; readable without the lock
	mapping atomic.Pointer[mapping]

	// The remaining fields are guarded by mgr.mu, except where noted.
	addr       uint64 // canonical GPU address; stable while the BO is live
	name       string
	globalName gem.Name
	mapMode    gem.MapMode // set before the BO is published
	reusable   bool
	exported   bool
	imported   bool
	userptr    bool
	coherent   bool
	auxMapAddr uint64 // compression metadata range, revoked on cache reuse

	freeTime  time.Time // when the BO entered the cache
	zombie    bool      // logically dead, awaiting GPU-idle
	inZombie  bool      // physically present in the zombie queue
	finalized bool      // zero-ref transition already processed
	exports   []deviceExport
}

// Handle returns the kernel handle on the owning manager's device.
func (bo *BO) Handle() gem.Handle { return bo.handle }

// Size returns the buffer size in bytes (rounded up to its bucket or page).
func (bo *BO) Size() uint64 { return bo.size }

// Address returns the buffer's canonical GPU virtual address.
func (bo *BO) Address() uint64 { return bo.addr }

// Manager returns the owning manager.
func (bo *BO) Manager() *Manager { return bo.mgr }

// external reports whether the buffer is shared outside this manager.
func (bo *BO) external() bool { return bo.shared.Load() }

// Ref takes an additional reference. The caller must already hold one.
func (bo *BO) Ref() *BO {
	if bo.refcount.Add(1) <= 1 {
		panic("bufmgr: Ref on a buffer with no live reference")
	}
	return bo
}

// Unref drops a reference. At zero the buffer is cached, deferred on the
// zombie queue, or closed, and the debounced cache sweep runs.
func (bo *BO) Unref() {
	if bo == nil {
		return
	}
	n := bo.refcount.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("bufmgr: Unref of an already-released buffer")
	}

	m := bo.mgr
	now := m.clock()
	m.mu.Lock()
	// Re-check under the lock: an import may have revived the buffer, or a
	// racing Unref may already have finalized it.
	if bo.refcount.Load() == 0 && !bo.finalized {
		m.unrefFinalLocked(bo, now)
		m.cleanupLocked(now)
	}
	m.mu.Unlock()
}

// Map returns the buffer's CPU mapping, establishing it on first use. The
// mapping is created at most once: concurrent callers race a compare-and-set
// and the loser discards its redundant mapping. Unless MapAsync is given,
// Map waits for in-flight GPU work first.
func (bo *BO) Map(flags MapFlags) ([]byte, error) {
	if bo.mapping.Load() == nil {
		data, err := bo.mgr.dev.Mmap(bo.handle, bo.mapMode)
		if err != nil {
			return nil, err
		}
		if !bo.mapping.CompareAndSwap(nil, &mapping{data: data}) {
			_ = bo.mgr.dev.Munmap(data)
		}
	}
	if flags&MapAsync == 0 {
		bo.waitWithStallWarning("memory mapping")
	}
	return bo.mapping.Load().data, nil
}

// unmap atomically detaches and releases the CPU mapping, if any.
func (bo *BO) unmap() {
	if p := bo.mapping.Swap(nil); p != nil {
		_ = bo.mgr.dev.Munmap(p.data)
	}
}

// Busy polls, without blocking, whether GPU work still references the
// buffer, and refreshes the cached idle status.
func (bo *BO) Busy() bool {
	busy, err := bo.mgr.dev.Busy(bo.handle)
	if err != nil {
		return false
	}
	bo.idle.Store(!busy)
	return busy
}

// Wait blocks until the buffer is idle or timeoutNS elapses
// (gem.WaitForever blocks indefinitely). gem.ErrTimedOut is recoverable: the
// buffer simply remains busy.
func (bo *BO) Wait(timeoutNS int64) error {
	// Skip the kernel round trip when it is known idle. Shared buffers can
	// be made busy by other processes, so always ask for those.
	if bo.idle.Load() && !bo.external() {
		return nil
	}
	if err := bo.mgr.dev.Wait(bo.handle, timeoutNS); err != nil {
		return err
	}
	bo.idle.Store(true)
	return nil
}

// WaitRendering blocks until all GPU work referencing the buffer completes.
func (bo *BO) WaitRendering() {
	_ = bo.Wait(gem.WaitForever)
}

func (bo *BO) waitWithStallWarning(action string) {
	if bo.idle.Load() && !bo.external() {
		return
	}
	start := time.Now()
	bo.WaitRendering()
	if elapsed := time.Since(start); elapsed > 10*time.Microsecond {
		bo.mgr.log.Debug("stalled on busy buffer",
			"action", action, "handle", bo.handle, "elapsed", elapsed)
	}
}

// SetTiling changes the buffer's tiling description.
func (bo *BO) SetTiling(t gem.Tiling) error {
	return bo.mgr.dev.SetTiling(bo.handle, t)
}

// GetTiling reports the buffer's tiling description.
func (bo *BO) GetTiling() (gem.Tiling, error) {
	return bo.mgr.dev.GetTiling(bo.handle)
}

// SetAuxMapAddress records the compression metadata range associated with
// the buffer. The range is revoked automatically when the buffer is reused
// from the cache.
func (bo *BO) SetAuxMapAddress(addr uint64) {
	bo.mgr.mu.Lock()
	bo.auxMapAddr = addr
	bo.mgr.mu.Unlock()
}

// AuxMapAddress reports the recorded compression metadata range, or zero.
func (bo *BO) AuxMapAddress() uint64 {
	bo.mgr.mu.Lock()
	defer bo.mgr.mu.Unlock()
	return bo.auxMapAddr
}
