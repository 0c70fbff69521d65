package bufmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gpukit/gpumem/fake"
	"github.com/gpukit/gpumem/vma"
)

// One underlying kernel object must never be wrapped by two live *BOs:
// re-imports return the existing wrapper with its reference count bumped.
func TestImportNameDeduplicates(t *testing.T) {
	realm := fake.NewRealm()
	devA, devB := realm.NewDevice(), realm.NewDevice()
	mA, _ := newTestManager(t, devA, Options{HasLLC: true})
	mB, _ := newTestManager(t, devB, Options{HasLLC: true})

	src, err := mA.Alloc("shared", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	name, err := src.ExportName()
	require.NoError(t, err)

	bo1, err := mB.ImportName("imported", name)
	require.NoError(t, err)
	bo2, err := mB.ImportName("imported again", name)
	require.NoError(t, err)
	require.Same(t, bo1, bo2)
	require.EqualValues(t, 2, bo1.refcount.Load())
	require.EqualValues(t, 1, mB.Stats().ImportHits)

	// An fd import of the same object resolves to the same wrapper via the
	// kernel's same-object-same-handle guarantee.
	fd, err := src.ExportFD()
	require.NoError(t, err)
	bo3, err := mB.ImportFD(fd)
	require.NoError(t, err)
	require.Same(t, bo1, bo3)
	require.EqualValues(t, 3, bo1.refcount.Load())

	bo1.Unref()
	bo2.Unref()
	bo3.Unref()
	src.Unref()
}

func TestExportNameIdempotent(t *testing.T) {
	dev := fake.New()
	m, _ := newTestManager(t, dev, Options{HasLLC: true})

	bo, err := m.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	n1, err := bo.ExportName()
	require.NoError(t, err)
	n2, err := bo.ExportName()
	require.NoError(t, err)
	require.Equal(t, n1, n2)
	require.EqualValues(t, 1, m.Stats().Exports)
	bo.Unref()
}

// Exporting makes a buffer shared: it leaves the reuse pool for good and
// stops being assumed coherent.
func TestExportDisablesReuse(t *testing.T) {
	dev := fake.New()
	m, _ := newTestManager(t, dev, Options{HasLLC: true})

	bo, err := m.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	h := bo.Handle()
	_, err = bo.ExportFD()
	require.NoError(t, err)
	bo.Unref()

	require.Zero(t, m.Stats().CachePuts)
	require.False(t, dev.Live(h))
}

// Exporting twice to the same foreign device issues exactly one import; the
// per-device handle is cached on the buffer.
func TestExportHandleForDeviceCached(t *testing.T) {
	realm := fake.NewRealm()
	devA, devB := realm.NewDevice(), realm.NewDevice()
	m, _ := newTestManager(t, devA, Options{HasLLC: true})

	bo, err := m.Alloc("scanout", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	h1, err := bo.ExportHandleForDevice(devB)
	require.NoError(t, err)
	h2, err := bo.ExportHandleForDevice(devB)
	require.NoError(t, err)
	require.Equal(t, h1, h2)
	require.Equal(t, 1, devB.Counters().ImportFDs)
	require.Equal(t, 1, devA.Counters().ExportFDs)

	// Same-device export short-circuits to the raw handle.
	hSame, err := bo.ExportHandleForDevice(devA)
	require.NoError(t, err)
	require.Equal(t, bo.Handle(), hSame)

	// Closing the buffer closes the cached foreign handle too.
	bo.Unref()
	require.Equal(t, 1, devB.CloseCount(h1))
	require.False(t, devA.Live(bo.Handle()))
}

// An import can race a deferred close: the buffer is rescued from the
// zombie queue instead of being wrapped twice or closed underneath the
// importer.
func TestImportRescuesZombie(t *testing.T) {
	dev := fake.New()
	m, clock := newTestManager(t, dev, Options{HasLLC: true})

	bo, err := m.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	h := bo.Handle()
	fd, err := bo.ExportFD()
	require.NoError(t, err)

	dev.SetBusyPolls(h, 1000)
	bo.Busy()
	bo.Unref()
	require.EqualValues(t, 1, m.Stats().ZombieEnqueues)
	require.True(t, dev.Live(h))

	bo2, err := m.ImportFD(fd)
	require.NoError(t, err)
	require.Same(t, bo, bo2)
	require.EqualValues(t, 1, m.Stats().ZombieRescues)
	require.EqualValues(t, 1, bo2.refcount.Load())

	// The stale queue entry is dropped without touching the handle.
	clock.Advance(2 * time.Second)
	m.Cleanup()
	require.True(t, dev.Live(h))
	require.Zero(t, dev.CloseCount(h))

	dev.SetBusyPolls(h, 0)
	bo2.Unref()
	clock.Advance(2 * time.Second)
	m.Cleanup()
	require.False(t, dev.Live(h))
	require.Equal(t, 1, dev.CloseCount(h))
}

func TestRegistryDeduplicatesManagers(t *testing.T) {
	realm := fake.NewRealm()
	dev := realm.NewDevice()
	reg := NewRegistry()

	m1, err := reg.Acquire(dev, Options{HasLLC: true})
	require.NoError(t, err)
	m2, err := reg.Acquire(dev, Options{HasLLC: true})
	require.NoError(t, err)
	require.Same(t, m1, m2)

	_, err = reg.Acquire(dev, Options{HasLLC: false})
	require.ErrorIs(t, err, ErrOptionsMismatch)

	other := realm.NewDevice()
	mOther, err := reg.Acquire(other, Options{HasLLC: true})
	require.NoError(t, err)
	require.NotSame(t, m1, mOther)

	// The manager survives until its last reference drops.
	m2.Unref()
	bo, err := m1.Alloc("a", 4096, 0, vma.ZoneOther, 0)
	require.NoError(t, err)
	bo.Unref()

	m1.Unref()
	_, err = m1.Alloc("b", 4096, 0, vma.ZoneOther, 0)
	require.ErrorIs(t, err, ErrManagerClosed)
	require.Len(t, reg.managers, 1)

	mOther.Unref()
	require.Empty(t, reg.managers)
}
