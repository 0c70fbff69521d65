package vma

// Space owns one Heap per zone and applies the special cases: the
// border-color pool is a single fixed address, and the binder zone manages
// its own addresses, so both bypass the heaps.
//
// Space is not safe for concurrent use; the owning manager's lock covers it.
type Space struct {
	heaps    [zoneCount]*Heap
	minAlign uint64
}

// NewSpace lays the static zone partition over an address space of the given
// total size. minAlign is the device's minimum allocation granularity; every
// allocation's effective alignment is at least minAlign.
func NewSpace(totalSize, minAlign uint64) (*Space, error) {
	if totalSize <= OtherStart+topGuard {
		return nil, ErrTooSmall
	}
	if minAlign == 0 {
		minAlign = PageSize
	}
	s := &Space{minAlign: minAlign}
	// One page at each window edge stays out of the shader heap so that a
	// zero address stays invalid and base+size at the window top cannot
	// touch the next zone.
	s.heaps[ZoneShader] = NewHeap(ShaderStart+PageSize, zoneWindow-2*PageSize)
	s.heaps[ZoneSurface] = NewHeap(SurfaceStart, zoneWindow-PageSize)
	s.heaps[ZoneDynamic] = NewHeap(DynamicStart+BorderColorPoolSize,
		zoneWindow-BorderColorPoolSize-PageSize)
	s.heaps[ZoneOther] = NewHeap(OtherStart, totalSize-topGuard-OtherStart)
	return s, nil
}

// Alloc assigns a canonical address for size bytes in the given zone.
func (s *Space) Alloc(zone Zone, size, alignment uint64) (uint64, error) {
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return 0, ErrBadAlignment
	}
	if alignment < s.minAlign {
		alignment = s.minAlign
	}

	if zone == ZoneBorderColor {
		return BorderColorPoolAddress, nil
	}
	// The binder handles its own sub-allocation; return its window base as a
	// non-zero sentinel without consuming heap space.
	if zone == ZoneBinder {
		return BinderStart, nil
	}

	addr, err := s.heaps[zone].Alloc(size, alignment)
	if err != nil {
		return 0, err
	}
	return Canonicalize(addr), nil
}

// Free is the exact inverse of Alloc. It derives the zone from the address
// range itself and is a no-op for the two special addresses and for the zero
// (never-assigned) address.
func (s *Space) Free(addr, size uint64) {
	if addr == BorderColorPoolAddress {
		return
	}
	addr = Uncanonicalize(addr)
	if addr == 0 {
		return
	}
	zone := ZoneForAddress(addr)
	if zone == ZoneBinder {
		return
	}
	s.heaps[zone].Free(addr, size)
}

// Heap exposes a zone's heap for introspection. The border-color and binder
// pseudo-zones have none.
func (s *Space) Heap(zone Zone) *Heap { return s.heaps[zone] }
