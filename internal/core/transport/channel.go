package transport

import "context"

// Channel is the connection-capable message channel the transport drives.
// Implementations deliver whole frames, in order, and report closure exactly
// once through the OnClose callback. Callbacks must be set before Open.
type Channel interface {
	Open(ctx context.Context, endpoint string) error
	Send(data []byte) error
	Close() error

	OnMessage(fn func(data []byte))
	OnClose(fn func(err error))
}
