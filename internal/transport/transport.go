// Package transport moves opaque datagrams between addresses.
//
// UDP is the production endpoint. Switch provides in-process endpoints for
// tests, and Chaos wraps any endpoint with loss, duplication, reordering
// and jitter. Nothing here looks inside a datagram.
package transport

import (
	"context"
	"errors"
)

// Addr identifies a peer. For UDP it is "host:port".
type Addr string

var (
	ErrClosed             = errors.New("endpoint closed")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrQueueFull          = errors.New("destination queue full")
	ErrLinkDown           = errors.New("link down")
)

// Endpoint is the surface the server and client need.
type Endpoint interface {
	// RecvFrom blocks until a datagram arrives, ctx is done or the
	// endpoint is closed.
	RecvFrom(ctx context.Context) (Addr, []byte, error)
	Send(to Addr, datagram []byte) error
	Addr() Addr
	Close() error
}

type envelope struct {
	from Addr
	data []byte
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
