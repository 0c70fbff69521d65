package vma

// Zone is a category of GPU-visible data with its own address window.
type Zone int

const (
	ZoneShader Zone = iota
	ZoneBinder
	ZoneSurface
	ZoneDynamic
	ZoneBorderColor // singleton address at the start of the dynamic window
	ZoneOther

	zoneCount
)

var zoneNames = [...]string{
	ZoneShader:      "shader",
	ZoneBinder:      "binder",
	ZoneSurface:     "surface",
	ZoneDynamic:     "dynamic",
	ZoneBorderColor: "border-color",
	ZoneOther:       "other",
}

func (z Zone) String() string {
	if z < 0 || int(z) >= len(zoneNames) {
		return "invalid"
	}
	return zoneNames[z]
}

const (
	// PageSize is the allocation granularity of the device.
	PageSize = 4096

	// AddressBits is the width of a GPU virtual address. Addresses are
	// canonicalized by sign-extending bit AddressBits-1.
	AddressBits = 48

	zoneWindow = uint64(1) << 32 // 4 GiB per zone

	// ShaderStart is 0; shader allocations begin one page in so a zero
	// address can always mean "no address assigned".
	ShaderStart  uint64 = 0
	BinderStart         = ShaderStart + zoneWindow
	SurfaceStart        = BinderStart + zoneWindow
	DynamicStart        = SurfaceStart + zoneWindow
	OtherStart          = DynamicStart + zoneWindow

	// BorderColorPoolAddress is the fixed address of the border-color pool,
	// a singleton carved out of the start of the dynamic window.
	BorderColorPoolAddress = DynamicStart
	BorderColorPoolSize    = 64 * 1024

	// topGuard keeps the last zone's worth of addresses unallocated so that
	// base+size arithmetic on any live range stays inside AddressBits.
	topGuard = zoneWindow
)

// Canonicalize sign-extends bit AddressBits-1 of a GPU address.
func Canonicalize(addr uint64) uint64 {
	const shift = 64 - AddressBits
	return uint64(int64(addr<<shift) >> shift)
}

// Uncanonicalize masks a canonical address back to its low AddressBits.
func Uncanonicalize(addr uint64) uint64 {
	return addr & ((uint64(1) << AddressBits) - 1)
}

// ZoneForAddress classifies a (canonical or raw) address by the window it
// falls in. This is the only authority on zone membership: releases must use
// it rather than trusting caller-supplied zone context.
func ZoneForAddress(addr uint64) Zone {
	addr = Uncanonicalize(addr)
	switch {
	case addr >= OtherStart:
		return ZoneOther
	case addr == BorderColorPoolAddress:
		return ZoneBorderColor
	case addr > DynamicStart:
		return ZoneDynamic
	case addr >= SurfaceStart:
		return ZoneSurface
	case addr >= BinderStart:
		return ZoneBinder
	default:
		return ZoneShader
	}
}
