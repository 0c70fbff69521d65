package bufmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/gpukit/gpumem/gem"
	"github.com/gpukit/gpumem/vma"
)

// Manager is a buffer-object memory manager for one device.
type Manager struct {
	dev   gem.Device
	log   *slog.Logger
	clock func() time.Time

	reuse  bool
	hasLLC bool
	tick   time.Duration

	refs     atomic.Int32
	registry *Registry // nil when created outside a Registry

	mu          sync.Mutex
	closed      bool
	buckets     []bucket
	space       *vma.Space
	zombies     *queue.Queue // FIFO of zero-ref, possibly-busy *BO
	handleTable map[gem.Handle]*BO
	nameTable   map[gem.Name]*BO
	lastSweep   int64 // debounce: tick index of the last sweep
	stats       Stats
}

// New creates a standalone manager. Most callers should go through a
// Registry so multiple opens of one device share a manager.
func New(dev gem.Device, opts Options) (*Manager, error) {
	o := opts.withDefaults()
	space, err := vma.NewSpace(o.AddressSpace, o.MinAlignment)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dev:         dev,
		log:         o.Logger,
		clock:       o.Clock,
		reuse:       !o.DisableReuse,
		hasLLC:      o.HasLLC,
		tick:        o.CleanupTick,
		buckets:     initBuckets(),
		space:       space,
		zombies:     queue.New(),
		handleTable: make(map[gem.Handle]*BO),
		nameTable:   make(map[gem.Name]*BO),
	}
	m.refs.Store(1)
	return m, nil
}

// Device returns the underlying device.
func (m *Manager) Device() gem.Device { return m.dev }

// Alloc returns a buffer of at least size bytes at an address in the given
// zone. name is for debugging only. A zero alignment means "any". Allocation
// is fallible everywhere: callers must treat a non-nil error as the enclosing
// operation failing, not as fatal.
func (m *Manager) Alloc(name string, size, alignment uint64, zone vma.Zone, flags AllocFlags) (*BO, error) {
	if alignment == 0 {
		alignment = 1
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.stats.AllocCalls++

	// Round the size up to the bucket size, or if there is no caching at
	// this size, to a page multiple.
	b := m.bucketFor(size)
	boSize := max(alignUp(size, pageSize), pageSize)
	if b != nil {
		boSize = b.size
	}

	// First pass insists on a matching memory zone to avoid re-allocating
	// the virtual address; the second takes any cached buffer.
	bo := m.takeLocked(b, alignment, zone, flags, true)
	if bo == nil {
		bo = m.takeLocked(b, alignment, zone, flags, false)
	}
	if bo != nil {
		m.stats.CacheHits++
	}
	m.mu.Unlock()

	if bo == nil {
		h, err := m.dev.Create(boSize)
		if err != nil {
			return nil, fmt.Errorf("bufmgr: create %d bytes: %w", boSize, err)
		}
		bo = &BO{mgr: m, handle: h, size: boSize}
		bo.idle.Store(true) // fresh kernel objects are idle and zero-filled
		m.mu.Lock()
		m.stats.FreshAllocs++
		m.mu.Unlock()
	}

	if bo.addr == 0 {
		m.mu.Lock()
		addr, err := m.space.Alloc(zone, bo.size, alignment)
		if err != nil {
			m.freeLocked(bo)
			m.mu.Unlock()
			return nil, fmt.Errorf("bufmgr: assign address in %s: %w", zone, err)
		}
		bo.addr = addr
		m.mu.Unlock()
	}

	bo.name = name
	bo.refcount.Store(1)
	bo.finalized = false
	bo.reusable = b != nil && m.reuse
	bo.coherent = m.hasLLC

	desired := gem.MapWC
	if m.hasLLC || flags&AllocCoherent != 0 {
		desired = gem.MapWB
	}
	if bo.mapMode != desired {
		bo.unmap()
		bo.mapMode = desired
	}

	if flags&AllocCoherent != 0 && !bo.coherent {
		if err := m.dev.SetCaching(bo.handle, gem.CachingLLC); err == nil {
			bo.coherent = true
			bo.reusable = false
		}
	}

	m.log.Debug("bo_create", "handle", bo.handle, "name", name,
		"zone", zone.String(), "size", boSize, "addr", bo.addr)
	return bo, nil
}

// AllocUserptr wraps caller-owned memory as a buffer object. Userptr buffers
// are never reusable and are coherent by construction.
func (m *Manager) AllocUserptr(name string, mem []byte, zone vma.Zone) (*BO, error) {
	h, err := m.dev.CreateUserptr(mem)
	if err != nil {
		return nil, fmt.Errorf("bufmgr: userptr: %w", err)
	}

	bo := &BO{mgr: m, handle: h, size: uint64(len(mem))}
	bo.name = name
	bo.userptr = true
	bo.coherent = true
	bo.mapMode = gem.MapWB
	bo.idle.Store(true)
	bo.refcount.Store(1)
	bo.mapping.Store(&mapping{data: mem})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.dev.Close(h)
		return nil, ErrManagerClosed
	}
	addr, err := m.space.Alloc(zone, bo.size, 1)
	m.mu.Unlock()
	if err != nil {
		m.dev.Close(h)
		return nil, fmt.Errorf("bufmgr: assign address in %s: %w", zone, err)
	}
	bo.addr = addr
	return bo, nil
}

// AllocAddressRange reserves raw address space without a kernel object, for
// callers (sparse buffers) that manage their own backing.
func (m *Manager) AllocAddressRange(zone vma.Zone, size, alignment uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrManagerClosed
	}
	return m.space.Alloc(zone, size, alignment)
}

// FreeAddressRange releases a reservation made with AllocAddressRange.
func (m *Manager) FreeAddressRange(addr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.space.Free(addr, size)
}

// Cleanup runs the debounced cache sweep immediately. The manager also
// sweeps opportunistically on every reference count that reaches zero, so
// calling this is only needed on managers with long allocation-quiet spells.
func (m *Manager) Cleanup() {
	now := m.clock()
	m.mu.Lock()
	m.cleanupLocked(now)
	m.mu.Unlock()
}

// destroy closes every cached and zombie buffer. Callers: Unref.
func (m *Manager) destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true

	for i := range m.buckets {
		b := &m.buckets[i]
		for len(b.bos) > 0 {
			m.freeLocked(b.popOldest())
		}
	}
	// Teardown closes zombies regardless of busy state; the device is going
	// away with us.
	for m.zombies.Length() > 0 {
		bo := m.zombies.Remove().(*BO)
		bo.inZombie = false
		if bo.zombie {
			m.closeLocked(bo)
		}
	}
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}
