package gem

// Handle identifies a buffer object on one particular Device. The zero value
// is never a valid handle.
type Handle uint32

// Name is a global identifier under which a buffer can be shared between
// processes (the flink namespace). The zero value is never a valid name.
type Name uint32

// SharedFD is a dma-buf style file descriptor under which a buffer can be
// shared with another device or process.
type SharedFD int

// DeviceID is a stable identity for the underlying device node, used to
// collapse multiple opens of the same device onto one manager.
type DeviceID uint64

// MapMode selects the CPU caching behavior of a mapping.
type MapMode uint8

const (
	// MapWB is a write-back cached mapping, valid only when the CPU and GPU
	// share a coherent cache hierarchy.
	MapWB MapMode = iota
	// MapWC is a write-combined mapping.
	MapWC
	// MapUC is an uncached mapping.
	MapUC
)

// TilingMode is the layout of a buffer's contents in memory. The bit-exact
// hardware encoding of tiling belongs to the descriptor layer, not here.
type TilingMode uint8

const (
	TilingNone TilingMode = iota
	TilingX
	TilingY
)

// Tiling describes a buffer's tiling as a plain tagged value.
type Tiling struct {
	Mode     TilingMode
	RowPitch uint32 // bytes per row; 0 for TilingNone
}

// CachingMode selects the GPU-side caching behavior of a buffer.
type CachingMode uint8

const (
	CachingNone CachingMode = iota
	CachingLLC
)

// Advice is a residency hint passed to Advise.
type Advice uint8

const (
	// AdviseWillNeed asks the kernel to keep (or restore) the buffer's pages.
	AdviseWillNeed Advice = iota
	// AdviseDontNeed tells the kernel the buffer's content may be discarded
	// under memory pressure.
	AdviseDontNeed
)

// WaitForever is the Wait timeout sentinel meaning "block indefinitely".
const WaitForever int64 = -1

// Device is the syscall-like resource interface the buffer manager drives.
//
// Busy must be a non-blocking poll. Wait blocks up to timeoutNS nanoseconds
// (WaitForever blocks indefinitely) and returns ErrTimedOut if the object is
// still busy; there is no cancellation primitive, so callers wanting bounded
// latency pass a finite timeout and treat ErrTimedOut as non-fatal.
//
// Implementations must be safe for concurrent use: the manager issues
// blocking calls without holding its own lock.
type Device interface {
	// ID reports the identity of the underlying device node.
	ID() DeviceID

	// Create allocates a zero-filled buffer of the given size.
	// Returns ErrNoSpace on exhaustion.
	Create(size uint64) (Handle, error)

	// CreateUserptr wraps caller-owned memory as a buffer object. The caller
	// must keep mem alive and unmoved until the handle is closed.
	CreateUserptr(mem []byte) (Handle, error)

	// Close releases a handle. Closing an exported buffer's handle does not
	// invalidate copies held by other devices.
	Close(h Handle)

	// Mmap establishes a new CPU mapping of the buffer. Each call returns an
	// independent mapping; redundant mappings are released with Munmap.
	Mmap(h Handle, mode MapMode) ([]byte, error)

	// Munmap releases a mapping returned by Mmap.
	Munmap(data []byte) error

	// Busy polls, without blocking, whether GPU work still references h.
	Busy(h Handle) (bool, error)

	// Wait blocks until h is idle or the timeout elapses.
	Wait(h Handle, timeoutNS int64) error

	// Advise passes a residency hint. For AdviseWillNeed, retained=false
	// means the content was purged and the handle must be discarded. For
	// AdviseDontNeed, retained=false means the advisory was not accepted and
	// the buffer cannot be cached.
	Advise(h Handle, a Advice) (retained bool, err error)

	// SetTiling changes the buffer's tiling description. Transient kernel
	// races are retried internally and never surface.
	SetTiling(h Handle, t Tiling) error

	// GetTiling reports the buffer's current tiling description.
	GetTiling(h Handle) (Tiling, error)

	// SetCaching changes the buffer's GPU caching mode.
	SetCaching(h Handle, c CachingMode) error

	// ExportFD shares the buffer as a dma-buf style descriptor.
	ExportFD(h Handle) (SharedFD, error)

	// ImportFD wraps a shared descriptor, returning the local handle and the
	// buffer size. Importing the same underlying buffer twice yields the
	// same handle.
	ImportFD(fd SharedFD) (Handle, uint64, error)

	// ExportName publishes the buffer under a global name.
	ExportName(h Handle) (Name, error)

	// ImportName opens a buffer published under a global name, returning the
	// local handle and the buffer size. Importing the same name twice yields
	// the same handle.
	ImportName(n Name) (Handle, uint64, error)
}
