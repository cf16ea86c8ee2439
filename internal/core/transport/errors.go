package transport

import "errors"

// Transport-specific errors
var (
	ErrTimeout           = errors.New("request timed out")
	ErrDisposed          = errors.New("transport is disposed")
	ErrClosedPermanently = errors.New("reconnect budget exhausted")
	ErrAlreadyConnected  = errors.New("transport is already connected")
	ErrDuplicateRequest  = errors.New("request id already pending")
)
