package gem

import "errors"

var (
	// ErrNoSpace indicates the kernel could not satisfy an allocation.
	ErrNoSpace = errors.New("gem: out of memory")

	// ErrTimedOut indicates a bounded Wait elapsed with the object still
	// busy. Recoverable: the caller may retry or treat the object as busy.
	ErrTimedOut = errors.New("gem: wait timed out")

	// ErrBadHandle indicates an operation on an unknown or closed handle.
	ErrBadHandle = errors.New("gem: bad handle")

	// ErrBadName indicates an import of an unknown global name.
	ErrBadName = errors.New("gem: bad global name")

	// ErrBadFD indicates an import of an unknown shared descriptor.
	ErrBadFD = errors.New("gem: bad shared fd")

	// ErrMapFailed indicates Mmap could not establish a CPU mapping.
	ErrMapFailed = errors.New("gem: mmap failed")
)
