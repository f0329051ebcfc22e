package syncchan

import (
	"context"
	"errors"
)

// ErrChannelUnavailable is returned while no connection to the server is up.
var ErrChannelUnavailable = errors.New("sync channel unavailable")

// Transport opens connections to the sync server.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live connection. Send and Receive may be called from
// different goroutines; each is called from one goroutine at a time.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
