package sparse

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/gpumem/bufmgr"
	"github.com/gpukit/gpumem/fake"
	"github.com/gpukit/gpumem/vma"
)

func newTestBuffer(t *testing.T, size uint64) (*Buffer, *bufmgr.Manager, *fake.Device) {
	t.Helper()
	dev := fake.New()
	mgr, err := bufmgr.New(dev, bufmgr.Options{HasLLC: true, AddressSpace: 1 << 40})
	require.NoError(t, err)
	t.Cleanup(mgr.Unref)

	buf, err := New(mgr, "streamout", size, vma.ZoneOther)
	require.NoError(t, err)
	return buf, mgr, dev
}

// checkAccounting verifies the core invariant: the per-backing used counts
// sum to exactly the number of committed table entries.
func checkAccounting(t *testing.T, b *Buffer) {
	t.Helper()
	var committed uint32
	for i := uint32(0); i < b.Pages(); i++ {
		if b.Committed(i) {
			committed++
		}
	}
	require.Equal(t, committed, b.CommittedPages())
}

func TestReservationOnly(t *testing.T) {
	buf, _, dev := newTestBuffer(t, 100*PageSize+1)

	require.EqualValues(t, 101, buf.Pages(), "size rounds up to whole pages")
	require.EqualValues(t, 101*PageSize, buf.Size())
	require.Equal(t, vma.ZoneOther, vma.ZoneForAddress(buf.Address()))
	require.Zero(t, dev.Counters().Creates, "no memory until the first commit")
}

func TestCommitUncommit(t *testing.T) {
	buf, _, dev := newTestBuffer(t, 64*PageSize)

	require.NoError(t, buf.Commit(8, 16, true))
	require.False(t, buf.Committed(7))
	require.True(t, buf.Committed(8))
	require.True(t, buf.Committed(23))
	require.False(t, buf.Committed(24))
	require.EqualValues(t, 16, buf.CommittedPages())
	require.Equal(t, 1, buf.Backings())
	require.Equal(t, 1, dev.Counters().Creates)
	checkAccounting(t, buf)

	// Adjacent commits share the backing buffer.
	require.NoError(t, buf.Commit(24, 8, true))
	require.Equal(t, 1, buf.Backings())
	require.EqualValues(t, 24, buf.CommittedPages())
	checkAccounting(t, buf)

	require.NoError(t, buf.Uncommit(8, 16))
	require.False(t, buf.Committed(8))
	require.True(t, buf.Committed(24))
	require.EqualValues(t, 8, buf.CommittedPages())
	checkAccounting(t, buf)
}

func TestCommitOutOfRange(t *testing.T) {
	buf, _, _ := newTestBuffer(t, 8*PageSize)

	require.ErrorIs(t, buf.Commit(7, 2, true), ErrOutOfRange)
	require.ErrorIs(t, buf.Uncommit(8, 1), ErrOutOfRange)
	require.NoError(t, buf.Commit(7, 1, true))
}

// Re-committing a committed page releases the old backing page first; the
// usage counts never double-count the page.
func TestRecommitReleasesOldPage(t *testing.T) {
	buf, _, _ := newTestBuffer(t, 16*PageSize)

	require.NoError(t, buf.Commit(0, 8, true))
	require.EqualValues(t, 8, buf.CommittedPages())

	require.NoError(t, buf.Commit(4, 8, true)) // overlaps [4, 8)
	require.EqualValues(t, 12, buf.CommittedPages())
	checkAccounting(t, buf)
}

// Releasing the last page of a backing buffer returns it to the manager's
// reclamation path.
func TestEmptyBackingReleased(t *testing.T) {
	buf, mgr, _ := newTestBuffer(t, 16*PageSize)

	require.NoError(t, buf.Commit(0, 16, true))
	require.Equal(t, 1, buf.Backings())

	require.NoError(t, buf.Uncommit(0, 16))
	require.Zero(t, buf.Backings())
	require.EqualValues(t, 1, mgr.Stats().CachePuts)
	checkAccounting(t, buf)
}

// The free-chunk search is best-fit: a small hole is preferred over
// splitting a large chunk.
func TestBestFitPrefersSmallHole(t *testing.T) {
	buf, _, dev := newTestBuffer(t, 64*PageSize)

	require.NoError(t, buf.Commit(0, 8, true))
	old := buf.commits[3]
	require.NoError(t, buf.Uncommit(3, 1)) // one-page hole inside the backing

	require.NoError(t, buf.Commit(32, 1, true))
	require.Equal(t, 1, buf.Backings(), "the hole serves the request")
	require.Equal(t, old.page, buf.commits[32].page, "best fit picked the hole, not the tail")
	require.Equal(t, 1, dev.Counters().Creates)
	checkAccounting(t, buf)
}

// A request larger than every free chunk is satisfied piecewise across
// chunks and, when the pool runs dry, a new backing buffer.
func TestCommitSpansBackings(t *testing.T) {
	buf, _, dev := newTestBuffer(t, 400*PageSize)

	require.NoError(t, buf.Commit(0, 200, true))
	require.Equal(t, 1, buf.Backings())

	require.NoError(t, buf.Commit(200, 112, true))
	require.Equal(t, 2, buf.Backings(), "56 leftover pages plus a fresh backing")
	require.Equal(t, 2, dev.Counters().Creates)
	require.EqualValues(t, 312, buf.CommittedPages())
	checkAccounting(t, buf)
}

// A huge single commit gets one appropriately-sized backing buffer.
func TestOversizedCommitSingleBacking(t *testing.T) {
	buf, _, dev := newTestBuffer(t, 400*PageSize)

	require.NoError(t, buf.Commit(0, 300, true))
	require.Equal(t, 1, buf.Backings())
	require.Equal(t, 1, dev.Counters().Creates)
	checkAccounting(t, buf)
}

// On allocation failure the pages committed so far by the call are rolled
// back; earlier commitments stay intact.
func TestCommitRollsBackOnFailure(t *testing.T) {
	buf, _, dev := newTestBuffer(t, 400*PageSize)

	require.NoError(t, buf.Commit(0, 200, true))

	dev.FailNextCreates(1)
	err := buf.Commit(200, 112, true) // needs 56 leftover pages plus a new backing
	require.Error(t, err)
	require.EqualValues(t, 200, buf.CommittedPages())
	for i := uint32(200); i < 312; i++ {
		require.False(t, buf.Committed(i))
	}
	checkAccounting(t, buf)
}

func TestRelease(t *testing.T) {
	buf, mgr, _ := newTestBuffer(t, 64*PageSize)

	require.NoError(t, buf.Commit(0, 64, true))
	addr := buf.Address()
	buf.Release()
	require.EqualValues(t, 1, mgr.Stats().CachePuts)

	// The address range is reusable immediately.
	got, err := mgr.AllocAddressRange(vma.ZoneOther, 64*PageSize, PageSize)
	require.NoError(t, err)
	require.Equal(t, addr, got)
	mgr.FreeAddressRange(got, 64*PageSize)
}
