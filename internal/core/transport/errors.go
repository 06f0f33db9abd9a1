package transport

import "errors"

// Transport-specific errors
var (
	ErrNotConnected    = errors.New("transport is not connected")
	ErrTransportClosed = errors.New("transport is closed")
	ErrSendQueueFull   = errors.New("outbound queue is full")
	ErrInvalidEnvelope = errors.New("invalid envelope")
)
