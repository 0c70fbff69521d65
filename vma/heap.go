package vma

import "fmt"

// span is a free address range [start, start+size).
type span struct {
	start uint64
	size  uint64
}

func (s span) end() uint64 { return s.start + s.size }

// Heap is a first-fit free-range allocator over one zone's window. It is not
// safe for concurrent use; the owning manager's lock covers it.
type Heap struct {
	window span
	// free ranges, sorted by start, pairwise disjoint and non-adjacent
	free []span
}

// NewHeap creates a heap managing [start, start+size).
func NewHeap(start, size uint64) *Heap {
	return &Heap{
		window: span{start, size},
		free:   []span{{start, size}},
	}
}

// Alloc carves an aligned range of the given size out of the lowest-address
// free range that fits. Returns ErrNoSpace when nothing fits.
func (h *Heap) Alloc(size, alignment uint64) (uint64, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, ErrBadAlignment
	}
	if size == 0 {
		panic("vma: zero-size alloc")
	}
	for i, s := range h.free {
		addr := (s.start + alignment - 1) &^ (alignment - 1)
		if addr+size > s.end() || addr+size < addr {
			continue
		}
		h.carve(i, addr, size)
		return addr, nil
	}
	return 0, ErrNoSpace
}

// carve removes [addr, addr+size) from free range i, keeping any remainder
// before and after it.
func (h *Heap) carve(i int, addr, size uint64) {
	s := h.free[i]
	var repl []span
	if addr > s.start {
		repl = append(repl, span{s.start, addr - s.start})
	}
	if addr+size < s.end() {
		repl = append(repl, span{addr + size, s.end() - (addr + size)})
	}
	h.free = append(h.free[:i], append(repl, h.free[i+1:]...)...)
}

// Free returns [addr, addr+size) to the heap, coalescing with neighbors.
// Releasing a range that overlaps a free range is a double free and panics.
func (h *Heap) Free(addr, size uint64) {
	if addr < h.window.start || addr+size > h.window.end() {
		panic(fmt.Sprintf("vma: free of [%#x,%#x) outside window [%#x,%#x)",
			addr, addr+size, h.window.start, h.window.end()))
	}
	// Find insertion point (free list is small; zones hold few live spans).
	i := 0
	for i < len(h.free) && h.free[i].start < addr {
		i++
	}
	if i > 0 && h.free[i-1].end() > addr {
		panic(fmt.Sprintf("vma: double free at %#x", addr))
	}
	if i < len(h.free) && addr+size > h.free[i].start {
		panic(fmt.Sprintf("vma: double free at %#x", addr))
	}
	// Merge with predecessor and/or successor.
	mergePrev := i > 0 && h.free[i-1].end() == addr
	mergeNext := i < len(h.free) && h.free[i].start == addr+size
	switch {
	case mergePrev && mergeNext:
		h.free[i-1].size += size + h.free[i].size
		h.free = append(h.free[:i], h.free[i+1:]...)
	case mergePrev:
		h.free[i-1].size += size
	case mergeNext:
		h.free[i].start = addr
		h.free[i].size += size
	default:
		h.free = append(h.free, span{})
		copy(h.free[i+1:], h.free[i:])
		h.free[i] = span{addr, size}
	}
}

// FreeBytes reports the total size of all free ranges.
func (h *Heap) FreeBytes() uint64 {
	var n uint64
	for _, s := range h.free {
		n += s.size
	}
	return n
}

// FreeRanges reports how many disjoint free ranges the heap holds.
func (h *Heap) FreeRanges() int { return len(h.free) }
