// Package slab suballocates many small fixed-size entries out of large
// reusable buffer objects, amortizing kernel-object overhead for allocations
// far below the page size.
//
// Entries come in power-of-two size classes (orders). Each slab is one
// backing buffer partitioned into 2^k entries of one order; freed entries
// pass through a reclaim queue and return to their slab only once the
// backing buffer's GPU work has drained. A slab whose entries are all free
// releases its backing buffer through the manager's normal reclamation path.
package slab

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/eapache/queue"

	"github.com/gpukit/gpumem/bufmgr"
	"github.com/gpukit/gpumem/vma"
)

var (
	// ErrTooLarge reports a request beyond the pool's largest entry order.
	// Callers should allocate such sizes directly from the manager.
	ErrTooLarge = errors.New("slab: request exceeds the largest entry size")

	// ErrZeroSize reports a zero-byte request.
	ErrZeroSize = errors.New("slab: zero-size request")
)

// Default tunables.
const (
	DefaultMinOrder = 8  // 256 B entries
	DefaultMaxOrder = 16 // 64 KiB entries
	DefaultSlabSize = uint64(1) << 20
)

// Options configures a Pool. The zero value is a working default.
type Options struct {
	// MinOrder and MaxOrder bound the entry size classes: entries are
	// 1<<MinOrder .. 1<<MaxOrder bytes. Defaults: DefaultMinOrder,
	// DefaultMaxOrder.
	MinOrder, MaxOrder uint

	// SlabSize is the backing buffer size per slab; a slab holds
	// SlabSize / entrySize entries (at least one). Default: DefaultSlabSize.
	SlabSize uint64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MinOrder == 0 {
		out.MinOrder = DefaultMinOrder
	}
	if out.MaxOrder == 0 {
		out.MaxOrder = DefaultMaxOrder
	}
	if out.SlabSize == 0 {
		out.SlabSize = DefaultSlabSize
	}
	return out
}

// groupKey identifies one free-slab list: an entry order within a zone.
type groupKey struct {
	order uint
	zone  vma.Zone
}

// slab is one backing buffer partitioned into fixed-size entries.
type slab struct {
	backing   *bufmgr.BO
	key       groupKey
	entrySize uint64
	total     int
	free      []*Entry
	inGroup   bool // linked into its group's partial list
}

// Entry is one fixed-size sub-allocation. It stays valid until Put.
type Entry struct {
	slab   *slab
	offset uint64
}

// Address returns the entry's GPU virtual address.
func (e *Entry) Address() uint64 { return e.slab.backing.Address() + e.offset }

// Size returns the entry's byte size (its order's size, not the request).
func (e *Entry) Size() uint64 { return e.slab.entrySize }

// Backing returns the slab's backing buffer, for busy queries and batch
// tracking. Callers must not Unref it.
func (e *Entry) Backing() *bufmgr.BO { return e.slab.backing }

// Bytes maps the backing buffer and returns the entry's sub-slice.
func (e *Entry) Bytes() ([]byte, error) {
	data, err := e.slab.backing.Map(bufmgr.MapRead | bufmgr.MapWrite)
	if err != nil {
		return nil, err
	}
	return data[e.offset : e.offset+e.slab.entrySize], nil
}

// Pool hands out slab entries over one manager.
type Pool struct {
	mgr      *bufmgr.Manager
	minOrder uint
	maxOrder uint
	slabSize uint64

	mu      sync.Mutex
	groups  map[groupKey][]*slab // slabs with free entries, per order+zone
	reclaim *queue.Queue         // FIFO of freed *Entry awaiting GPU-idle
}

// NewPool creates a pool over the manager.
func NewPool(mgr *bufmgr.Manager, opts Options) *Pool {
	o := opts.withDefaults()
	return &Pool{
		mgr:      mgr,
		minOrder: o.MinOrder,
		maxOrder: o.MaxOrder,
		slabSize: o.SlabSize,
		groups:   make(map[groupKey][]*slab),
		reclaim:  queue.New(),
	}
}

// orderFor rounds a byte size up to its entry order.
func (p *Pool) orderFor(size uint64) (uint, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}
	order := uint(bits.Len64(size - 1))
	if order < p.minOrder {
		order = p.minOrder
	}
	if order > p.maxOrder {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, uint64(1)<<p.maxOrder)
	}
	return order, nil
}

// Get returns an entry of at least size bytes at an address in the zone.
func (p *Pool) Get(size uint64, zone vma.Zone) (*Entry, error) {
	order, err := p.orderFor(size)
	if err != nil {
		return nil, err
	}
	key := groupKey{order: order, zone: zone}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Recycling freed entries is cheaper than growing a slab; drain what
	// the GPU has finished with before considering a new backing buffer.
	p.reclaimLocked(false)

	if len(p.groups[key]) == 0 {
		s, err := p.newSlabLocked(key)
		if err != nil {
			return nil, err
		}
		p.groups[key] = append(p.groups[key], s)
		s.inGroup = true
	}

	list := p.groups[key]
	s := list[len(list)-1]
	e := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	if len(s.free) == 0 {
		p.groups[key] = list[:len(list)-1]
		s.inGroup = false
	}
	return e, nil
}

// Put returns an entry to the pool. The entry may still be referenced by
// in-flight GPU work; it becomes reusable only after the backing buffer
// drains.
func (p *Pool) Put(e *Entry) {
	p.mu.Lock()
	p.reclaim.Add(e)
	p.mu.Unlock()
}

// Reclaim processes the freed-entry queue immediately. Get does this
// opportunistically, so calling it is only needed to release empty slabs on
// pools with long allocation-quiet spells.
func (p *Pool) Reclaim() {
	p.mu.Lock()
	p.reclaimLocked(false)
	p.mu.Unlock()
}

// canReclaim delegates to the backing buffer's non-blocking busy query.
func canReclaim(e *Entry) bool {
	return !e.slab.backing.Busy()
}

// reclaimLocked drains the freed-entry queue from the head, stopping at the
// first entry whose backing is still busy (completion roughly follows
// submission order). With wait set it blocks on each backing instead.
func (p *Pool) reclaimLocked(wait bool) {
	for p.reclaim.Length() > 0 {
		e := p.reclaim.Peek().(*Entry)
		if !canReclaim(e) {
			if !wait {
				return
			}
			e.slab.backing.WaitRendering()
		}
		p.reclaim.Remove()
		p.returnLocked(e)
	}
}

// returnLocked puts a drained entry back on its slab's free list, relinking
// the slab into its group or releasing the backing buffer when the slab has
// gone completely idle.
func (p *Pool) returnLocked(e *Entry) {
	s := e.slab
	s.free = append(s.free, e)

	if len(s.free) == s.total {
		if s.inGroup {
			p.unlinkLocked(s)
		}
		s.free = nil
		s.backing.Unref()
		return
	}
	if !s.inGroup {
		p.groups[s.key] = append(p.groups[s.key], s)
		s.inGroup = true
	}
}

func (p *Pool) unlinkLocked(s *slab) {
	list := p.groups[s.key]
	for i, cur := range list {
		if cur == s {
			p.groups[s.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.inGroup = false
}

// newSlabLocked allocates one backing buffer and partitions it. The backing
// is aligned to the entry size so every entry address keeps the order's
// natural alignment.
func (p *Pool) newSlabLocked(key groupKey) (*slab, error) {
	entrySize := uint64(1) << key.order
	count := int(p.slabSize / entrySize)
	if count < 1 {
		count = 1
	}

	bo, err := p.mgr.Alloc("slab", entrySize*uint64(count), entrySize, key.zone, 0)
	if err != nil {
		return nil, err
	}
	s := &slab{
		backing:   bo,
		key:       key,
		entrySize: entrySize,
		total:     count,
	}
	// Stack order: the lowest offset is handed out first.
	for i := count - 1; i >= 0; i-- {
		s.free = append(s.free, &Entry{slab: s, offset: uint64(i) * entrySize})
	}
	return s, nil
}

// Finish drains the reclaim queue, waiting for in-flight GPU work, and
// releases every idle slab. Entries still held by the caller are a bug.
func (p *Pool) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reclaimLocked(true)
	for key, list := range p.groups {
		for _, s := range list {
			if len(s.free) != s.total {
				panic("slab: Finish with live entries")
			}
			s.inGroup = false
			s.free = nil
			s.backing.Unref()
		}
		delete(p.groups, key)
	}
}
