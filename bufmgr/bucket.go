package bufmgr

import (
	"math/bits"

	"github.com/gpukit/gpumem/vma"
)

const (
	pageSize = uint64(vma.PageSize)

	// maxCacheSize is the largest power-of-two bucket octave. Buffers beyond
	// the last bucket are never cached.
	maxCacheSize = uint64(64) << 20
)

// bucket is one cache size class: a fixed byte size and a list of idle
// reusable buffers of exactly that size, oldest first.
type bucket struct {
	size uint64
	bos  []*BO
}

// initBuckets builds the size classes: 1, 2 and 3 pages, then four buckets
// per power-of-two octave (the base size plus three intermediate sizes at
// quarter-size granularity). Power-of-two-only buckets proved too wasteful;
// the quarter steps keep internal fragmentation below 25%.
func initBuckets() []bucket {
	bs := []bucket{
		{size: pageSize},
		{size: 2 * pageSize},
		{size: 3 * pageSize},
	}
	for size := 4 * pageSize; size <= maxCacheSize; size *= 2 {
		bs = append(bs,
			bucket{size: size},
			bucket{size: size + size*1/4},
			bucket{size: size + size*2/4},
			bucket{size: size + size*3/4},
		)
	}
	return bs
}

// bucketFor maps a byte size to the smallest bucket that holds it, in O(1)
// via a closed-form row/column decomposition, or nil when the size exceeds
// the largest cached class.
//
// Rows group buckets by octave; each row past the first two holds four
// columns at quarter-size steps:
//
//	row  bucket sizes (pages)   clz((p-1)|3)  col step
//	 0:   1  2  3  4                 30          1
//	 1:   5  6  7  8                 29          1
//	 2:  10 12 14 16                 28          2
//	 3:  20 24 28 32                 27          4
func (m *Manager) bucketFor(size uint64) *bucket {
	if size == 0 || size > m.buckets[len(m.buckets)-1].size {
		return nil
	}
	pages := uint32((size + pageSize - 1) / pageSize)

	row := 30 - bits.LeadingZeros32((pages-1)|3)
	rowMaxPages := uint32(4) << uint(row)

	// The &^ 2 is the row-1 special case: row 1's half-max is 2, but there
	// is no previous row so its maximum is zero. All other row maxima are
	// powers of two, so that is the only time the bit can be set.
	prevRowMaxPages := (rowMaxPages / 2) &^ 2
	colShift := row - 1
	if colShift < 0 {
		colShift = 0
	}
	col := (pages - prevRowMaxPages + (uint32(1) << uint(colShift)) - 1) >> uint(colShift)

	index := row*4 + int(col) - 1
	if index < 0 || index >= len(m.buckets) {
		return nil
	}
	return &m.buckets[index]
}

// take removes the i-th entry, preserving order.
func (b *bucket) take(i int) *BO {
	bo := b.bos[i]
	b.bos = append(b.bos[:i], b.bos[i+1:]...)
	return bo
}

// popOldest removes the head entry.
func (b *bucket) popOldest() *BO {
	return b.take(0)
}
