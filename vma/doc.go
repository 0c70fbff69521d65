// Package vma manages the GPU virtual address space as a fixed partition of
// zones, each served by its own free-range heap.
//
// The zone layout is an external contract: other subsystems classify an
// address's zone purely from which window it falls in, via ZoneForAddress.
// Zones are contiguous, non-overlapping and statically ordered:
//
//	shader < binder < surface < dynamic < other
//
// with a singleton border-color address at the start of the dynamic zone and
// a guard band of one zone's worth of addresses left unused at the top of the
// space, so no base+size computation can overflow the addressable bits.
//
// Addresses handed out are canonical: bit 47 is sign-extended to the full 64
// bits, matching how the hardware interprets them. Free accepts canonical
// addresses and derives the zone from the address itself, never from caller
// context.
package vma
