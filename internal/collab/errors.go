package collab

import "errors"

// Session-specific errors
var (
	ErrSessionClosed   = errors.New("session is closed")
	ErrNotConnected    = errors.New("session is not connected")
	ErrFeatureDisabled = errors.New("feature is disabled for this session")
)
