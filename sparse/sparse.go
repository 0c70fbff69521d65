// Package sparse implements partially-backed buffers: a large virtual-only
// address reservation whose 64 KiB pages are committed to and released from
// real buffer objects on demand.
//
// Backing storage comes from a pool of real buffers, each split into chunks
// (contiguous page runs). Free chunks are kept sorted per backing buffer and
// chosen best-fit, so long-lived commitments fragment the pool slowly.
package sparse

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gpukit/gpumem/bufmgr"
	"github.com/gpukit/gpumem/vma"
)

// PageSize is the commitment granularity. Coarser than the CPU page size by
// design: the table stays small even for multi-gigabyte reservations.
const PageSize = 64 * 1024

// backingPages is the default size of one backing buffer, in pages (16 MiB).
const backingPages = 256

var ErrOutOfRange = errors.New("sparse: page range out of bounds")

// chunk is a contiguous run of pages inside one backing buffer: [begin, end).
type chunk struct {
	begin, end uint32
}

// backing is one real buffer serving page commitments.
type backing struct {
	bo    *bufmgr.BO
	pages uint32
	used  uint32
	free  []chunk // sorted by begin, coalesced
}

// commitment maps one virtual page to its backing page, or nil when the
// page is uncommitted.
type commitment struct {
	backing *backing
	page    uint32
}

// Buffer is a sparse buffer: an address reservation plus a commitment table.
type Buffer struct {
	mgr  *bufmgr.Manager
	zone vma.Zone
	addr uint64
	size uint64

	mu       sync.Mutex
	commits  []commitment
	backings []*backing
}

// New reserves address space for a sparse buffer of at least size bytes.
// No memory is committed yet.
func New(mgr *bufmgr.Manager, name string, size uint64, zone vma.Zone) (*Buffer, error) {
	pages := (size + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	addr, err := mgr.AllocAddressRange(zone, pages*PageSize, PageSize)
	if err != nil {
		return nil, fmt.Errorf("sparse: reserve %s: %w", name, err)
	}
	return &Buffer{
		mgr:     mgr,
		zone:    zone,
		addr:    addr,
		size:    pages * PageSize,
		commits: make([]commitment, pages),
	}, nil
}

// Address returns the reservation's canonical GPU virtual address.
func (b *Buffer) Address() uint64 { return b.addr }

// Size returns the reserved size in bytes (rounded up to whole pages).
func (b *Buffer) Size() uint64 { return b.size }

// Pages returns the number of commitment pages.
func (b *Buffer) Pages() uint32 { return uint32(len(b.commits)) }

// Committed reports whether the page is currently backed.
func (b *Buffer) Committed(page uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(page) < len(b.commits) && b.commits[page].backing != nil
}

// CommittedPages returns the number of pages currently backed.
func (b *Buffer) CommittedPages() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n uint32
	for _, bk := range b.backings {
		n += bk.used
	}
	return n
}

// Backings returns the number of live backing buffers.
func (b *Buffer) Backings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.backings)
}

// Commit backs (or, with commit=false, unbacks) count pages starting at
// first. Re-committing an already-committed page releases its old backing
// page before installing the new one. On allocation failure the pages
// committed so far by this call are rolled back.
func (b *Buffer) Commit(first, count uint32, commit bool) error {
	if uint64(first)+uint64(count) > uint64(len(b.commits)) {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, first, first+count, len(b.commits))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !commit {
		b.releaseLocked(first, count)
		return nil
	}

	// Old pages in the range go first, so a re-commit can reuse their
	// chunks.
	b.releaseLocked(first, count)

	done := uint32(0)
	for done < count {
		bk, start, got, err := b.allocChunkLocked(count - done)
		if err != nil {
			b.releaseLocked(first, done)
			return err
		}
		for i := uint32(0); i < got; i++ {
			b.commits[first+done+i] = commitment{backing: bk, page: start + i}
		}
		bk.used += got
		done += got
	}
	return nil
}

// Uncommit releases the pages' backing storage.
func (b *Buffer) Uncommit(first, count uint32) error {
	return b.Commit(first, count, false)
}

// Release unbacks every page and returns the address reservation. The
// buffer must not be used afterwards.
func (b *Buffer) Release() {
	b.mu.Lock()
	b.releaseLocked(0, uint32(len(b.commits)))
	b.mu.Unlock()
	b.mgr.FreeAddressRange(b.addr, b.size)
}

// allocChunkLocked carves up to want pages out of the pool: the best-fit
// (smallest sufficient) free chunk across all backings, the largest
// available chunk when none fits whole, or a fresh backing buffer when the
// pool is empty.
func (b *Buffer) allocChunkLocked(want uint32) (*backing, uint32, uint32, error) {
	var (
		bestBk  *backing
		bestIdx int
		bestLen uint32
	)
	for _, bk := range b.backings {
		for i, c := range bk.free {
			n := c.end - c.begin
			fits := n >= want
			switch {
			case bestLen == 0,
				fits && (bestLen < want || n < bestLen),
				!fits && bestLen < want && n > bestLen:
				bestBk, bestIdx, bestLen = bk, i, n
			}
		}
	}

	if bestBk == nil {
		bk, err := b.newBackingLocked(want)
		if err != nil {
			return nil, 0, 0, err
		}
		bestBk, bestIdx, bestLen = bk, 0, bk.pages
	}

	got := min(want, bestLen)
	c := &bestBk.free[bestIdx]
	start := c.begin
	c.begin += got
	if c.begin == c.end {
		bestBk.free = append(bestBk.free[:bestIdx], bestBk.free[bestIdx+1:]...)
	}
	return bestBk, start, got, nil
}

func (b *Buffer) newBackingLocked(want uint32) (*backing, error) {
	pages := uint32(backingPages)
	if want > pages {
		pages = want
	}
	bo, err := b.mgr.Alloc("sparse backing", uint64(pages)*PageSize, PageSize, b.zone, 0)
	if err != nil {
		return nil, fmt.Errorf("sparse: grow backing pool: %w", err)
	}
	bk := &backing{
		bo:    bo,
		pages: pages,
		free:  []chunk{{begin: 0, end: pages}},
	}
	b.backings = append(b.backings, bk)
	return bk, nil
}

// releaseLocked clears the commitments in [first, first+count), returning
// each page to its backing's free list. A backing with no used pages left
// is released through the manager's normal reclamation path.
func (b *Buffer) releaseLocked(first, count uint32) {
	for i := first; i < first+count; i++ {
		c := b.commits[i]
		if c.backing == nil {
			continue
		}
		b.commits[i] = commitment{}
		c.backing.freePage(c.page)
		c.backing.used--
		if c.backing.used == 0 {
			b.dropBackingLocked(c.backing)
		}
	}
}

func (b *Buffer) dropBackingLocked(bk *backing) {
	for i, cur := range b.backings {
		if cur == bk {
			b.backings = append(b.backings[:i], b.backings[i+1:]...)
			break
		}
	}
	bk.bo.Unref()
	bk.bo = nil
}

// freePage merges one page back into the sorted free list.
func (bk *backing) freePage(page uint32) {
	// Find the first chunk past the page.
	i := 0
	for i < len(bk.free) && bk.free[i].begin <= page {
		i++
	}

	mergePrev := i > 0 && bk.free[i-1].end == page
	mergeNext := i < len(bk.free) && bk.free[i].begin == page+1
	switch {
	case mergePrev && mergeNext:
		bk.free[i-1].end = bk.free[i].end
		bk.free = append(bk.free[:i], bk.free[i+1:]...)
	case mergePrev:
		bk.free[i-1].end = page + 1
	case mergeNext:
		bk.free[i].begin = page
	default:
		bk.free = append(bk.free, chunk{})
		copy(bk.free[i+1:], bk.free[i:])
		bk.free[i] = chunk{begin: page, end: page + 1}
	}
}
