package bufmgr

import (
	"io"
	"log/slog"
	"time"
)

// Default tunables. The cleanup tick is a coarse debounce, not a semantic
// contract; tests inject a fake clock and a short tick.
const (
	DefaultAddressSpace = uint64(1) << 48
	DefaultCleanupTick  = time.Second
)

// Options configures a Manager. The zero value is a working default.
type Options struct {
	// DisableReuse turns the size-bucket cache off: every release closes or
	// zombies the buffer, every allocation is fresh.
	DisableReuse bool

	// HasLLC declares that the CPU and GPU share a last-level cache, making
	// write-back mappings coherent by default.
	HasLLC bool

	// AddressSpace is the total GPU virtual address space size.
	// Default: DefaultAddressSpace. Must exceed the static zone layout.
	AddressSpace uint64

	// MinAlignment is the device's minimum address granularity; every
	// allocation's effective alignment is at least this. Default: page size.
	MinAlignment uint64

	// CleanupTick is the debounce granularity of the cache sweep and the age
	// threshold for evicting cached buffers. Default: DefaultCleanupTick.
	CleanupTick time.Duration

	// Logger receives debug-level allocation traces. Default: discard.
	Logger *slog.Logger

	// Clock overrides the time source (tests). Default: time.Now.
	Clock func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.AddressSpace == 0 {
		out.AddressSpace = DefaultAddressSpace
	}
	if out.CleanupTick == 0 {
		out.CleanupTick = DefaultCleanupTick
	}
	if out.Logger == nil {
		out.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}
