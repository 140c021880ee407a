package transport

import (
	"context"
	"fmt"
	"sync"
)

// Switch delivers datagrams between in-process endpoints.
type Switch struct {
	mu    sync.RWMutex
	inbox map[Addr]chan envelope
	depth int
}

// NewSwitch creates a switch whose endpoints buffer depth datagrams.
func NewSwitch(depth int) *Switch {
	if depth <= 0 {
		depth = 256
	}
	return &Switch{inbox: make(map[Addr]chan envelope), depth: depth}
}

// Mem is one endpoint on a Switch.
type Mem struct {
	sw     *Switch
	addr   Addr
	in     chan envelope
	closed chan struct{}
	once   sync.Once
}

// Listen registers addr on the switch.
func (s *Switch) Listen(addr Addr) (*Mem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.inbox[addr]; exists {
		return nil, fmt.Errorf("address already in use: %s", addr)
	}
	ch := make(chan envelope, s.depth)
	s.inbox[addr] = ch
	return &Mem{sw: s, addr: addr, in: ch, closed: make(chan struct{})}, nil
}

func (e *Mem) Addr() Addr { return e.addr }

func (e *Mem) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.sw.mu.Lock()
		delete(e.sw.inbox, e.addr)
		e.sw.mu.Unlock()
	})
	return nil
}

func (e *Mem) RecvFrom(ctx context.Context) (Addr, []byte, error) {
	select {
	case <-e.closed:
		return "", nil, ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case env := <-e.in:
		return env.from, env.data, nil
	}
}

// Send copies the datagram into the destination queue. A full queue
// drops it, as a congested socket would.
func (e *Mem) Send(to Addr, datagram []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	e.sw.mu.RLock()
	dst, ok := e.sw.inbox[to]
	e.sw.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", to, ErrUnknownDestination)
	}
	select {
	case dst <- envelope{from: e.addr, data: clone(datagram)}:
		return nil
	default:
		return ErrQueueFull
	}
}
