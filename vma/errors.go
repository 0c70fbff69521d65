package vma

import "errors"

var (
	// ErrNoSpace indicates no free range large enough for the request.
	ErrNoSpace = errors.New("vma: address space exhausted")

	// ErrBadAlignment indicates a requested alignment that is not a power
	// of two.
	ErrBadAlignment = errors.New("vma: alignment must be a power of two")

	// ErrTooSmall indicates the device's address space cannot hold the
	// static zone layout.
	ErrTooSmall = errors.New("vma: address space smaller than zone layout")
)
