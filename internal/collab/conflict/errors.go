package conflict

import "errors"

// Conflict-specific errors
var (
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrConflictUnresolved = errors.New("resource has an unresolved conflict")
	ErrInvalidResolution  = errors.New("invalid resolution choice")
)
