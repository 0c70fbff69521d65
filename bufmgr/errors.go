package bufmgr

import "errors"

var (
	// ErrManagerClosed indicates an operation on a destroyed manager.
	ErrManagerClosed = errors.New("bufmgr: manager closed")

	// ErrOptionsMismatch indicates Registry.Acquire for a device whose
	// existing manager was created with conflicting options.
	ErrOptionsMismatch = errors.New("bufmgr: options differ from existing manager")
)
