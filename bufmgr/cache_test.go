package bufmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/gpumem/fake"
	"github.com/gpukit/gpumem/vma"
)

// A zero-requested reuse of a dirty cached buffer must read as zeroes.
func TestZeroedReuseClearsContents(t *testing.T) {
	dev := fake.New()
	m, _ := newTestManager(t, dev, Options{HasLLC: true})

	bo, err := m.Alloc("dirty", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	data, err := bo.Map(MapWrite)
	require.NoError(t, err)
	for i := range data {
		data[i] = 0xAB
	}
	bo.Unref()

	bo2, err := m.Alloc("clean", 4096, 0, vma.ZoneOther, AllocZeroed)
	require.NoError(t, err)
	require.Equal(t, bo.Handle(), bo2.Handle())
	data2, err := bo2.Map(MapRead)
	require.NoError(t, err)
	for i, v := range data2 {
		if v != 0 {
			t.Fatalf("byte %d = %#x after zeroed reuse", i, v)
		}
	}
	bo2.Unref()
}

// If the zero-fill mapping fails, the cached buffer is discarded and a fresh
// kernel object (zero-filled by construction) is returned instead.
func TestZeroedReuseMapFailureFallsBack(t *testing.T) {
	dev := fake.New()
	m, _ := newTestManager(t, dev, Options{HasLLC: true})

	bo, err := m.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	h := bo.Handle()
	bo.Unref()

	dev.FailNextMmaps(1)
	bo2, err := m.Alloc("b", 4096, 0, vma.ZoneOther, AllocZeroed)
	require.NoError(t, err)
	require.NotEqual(t, h, bo2.Handle())
	require.Equal(t, 1, dev.CloseCount(h))
	require.EqualValues(t, 1, m.Stats().ZeroFillFails)
	require.EqualValues(t, 2, m.Stats().FreshAllocs)
	bo2.Unref()
}

// A cached buffer the kernel purged while it sat in the cache is thrown
// away during revalidation, not handed back empty.
func TestPurgedCacheEntryDiscarded(t *testing.T) {
	dev := fake.New()
	m, _ := newTestManager(t, dev, Options{HasLLC: true})

	bo, err := m.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	h := bo.Handle()
	bo.Unref()
	dev.Purge(h)

	bo2, err := m.Alloc("b", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	require.NotEqual(t, h, bo2.Handle())
	require.EqualValues(t, 1, m.Stats().PurgedDiscards)
	require.Equal(t, 1, dev.CloseCount(h))
	bo2.Unref()
}

// The cache scan stops at the first busy entry instead of scanning on, even
// when an idle entry sits behind it.
func TestCacheScanStopsAtFirstBusy(t *testing.T) {
	dev := fake.New()
	m, _ := newTestManager(t, dev, Options{HasLLC: true})

	bo1, err := m.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	bo2, err := m.Alloc("b", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	h1, h2 := bo1.Handle(), bo2.Handle()
	bo1.Unref()
	bo2.Unref()

	dev.SetBusyPolls(h1, 100)
	bo3, err := m.Alloc("c", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	require.NotEqual(t, h1, bo3.Handle())
	require.NotEqual(t, h2, bo3.Handle(), "scan must not skip past the busy head")
	require.Zero(t, m.Stats().CacheHits)
	bo3.Unref()
}

// When the kernel refuses the discard advisory the buffer cannot sit in the
// cache and is closed instead.
func TestDontNeedRejectionClosesInsteadOfCaching(t *testing.T) {
	dev := fake.New()
	m, _ := newTestManager(t, dev, Options{HasLLC: true})

	bo, err := m.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	h := bo.Handle()
	dev.RejectDontNeed(true)
	bo.Unref()

	require.EqualValues(t, 1, m.Stats().CacheCloses)
	require.Zero(t, m.Stats().CachePuts)
	require.False(t, dev.Live(h))
}

// A reused buffer must not keep a stale compression metadata range.
func TestReuseRevokesAuxMapping(t *testing.T) {
	dev := fake.New()
	m, _ := newTestManager(t, dev, Options{HasLLC: true})

	bo, err := m.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	bo.SetAuxMapAddress(0xf000)
	bo.Unref()

	bo2, err := m.Alloc("b", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	require.Equal(t, bo.Handle(), bo2.Handle())
	require.Zero(t, bo2.AuxMapAddress())
	bo2.Unref()
}
