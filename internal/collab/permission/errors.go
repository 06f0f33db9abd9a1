package permission

import "errors"

// Permission-specific errors
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnknownUser      = errors.New("unknown user")
)
