package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"grid-clash/internal/logger"
	"grid-clash/internal/metrics"

	"github.com/sirupsen/logrus"
)

// UDP is a datagram endpoint on a real socket. A reader goroutine copies
// each datagram into a bounded queue; when the queue is full the datagram
// is dropped, never blocking the socket.
type UDP struct {
	c      udpConn
	addr   Addr
	in     chan envelope
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	addrs map[Addr]*net.UDPAddr
}

// udpConn is the part of *net.UDPConn the endpoint uses.
type udpConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	LocalAddr() net.Addr
	Close() error
}

// readErrorBackoff paces the reader while the socket keeps failing.
const readErrorBackoff = 10 * time.Millisecond

// ListenUDP binds addr (":40000", "127.0.0.1:0") with a queue of depth
// datagrams between the socket and the consumer.
func ListenUDP(addr string, depth int) (*UDP, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	c, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}
	return newUDP(c, depth), nil
}

func newUDP(c udpConn, depth int) *UDP {
	if depth <= 0 {
		depth = 256
	}
	ep := &UDP{
		c:      c,
		addr:   Addr(c.LocalAddr().String()),
		in:     make(chan envelope, depth),
		closed: make(chan struct{}),
		addrs:  make(map[Addr]*net.UDPAddr),
	}
	go ep.readLoop()
	return ep
}

func (e *UDP) Addr() Addr { return e.addr }

func (e *UDP) Close() error {
	var err error
	e.once.Do(func() {
		close(e.closed)
		err = e.c.Close()
	})
	return err
}

func (e *UDP) RecvFrom(ctx context.Context) (Addr, []byte, error) {
	select {
	case <-e.closed:
		return "", nil, ErrClosed
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case env := <-e.in:
		return env.from, env.data, nil
	}
}

// Send writes one datagram. Resolved addresses are cached per peer.
func (e *UDP) Send(to Addr, datagram []byte) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	ra, err := e.resolve(to)
	if err != nil {
		return err
	}
	_, err = e.c.WriteToUDP(datagram, ra)
	return err
}

func (e *UDP) resolve(to Addr) (*net.UDPAddr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ra, ok := e.addrs[to]; ok {
		return ra, nil
	}
	ra, err := net.ResolveUDPAddr("udp", string(to))
	if err != nil {
		return nil, err
	}
	e.addrs[to] = ra
	return ra, nil
}

func (e *UDP) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, raddr, err := e.c.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				// socket gone underneath us; RecvFrom reports ErrClosed
				logger.Log.WithError(err).Warn("⚠️ UDP socket closed, endpoint shutting down")
				e.Close()
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// ICMP-induced resets and the like are per-datagram; keep reading
			metrics.RecordDropped("read_error")
			logger.Log.WithError(err).Warn("⚠️ UDP read failed")
			select {
			case <-e.closed:
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		select {
		case e.in <- envelope{from: Addr(raddr.String()), data: clone(buf[:n])}:
		case <-e.closed:
			return
		default:
			metrics.RecordDropped("queue_full")
			logger.Log.WithFields(logrus.Fields{"from": raddr.String(), "bytes": n}).Debug("inbound queue full, datagram dropped")
		}
	}
}

// ResolveUDP canonicalizes a host:port into the form RecvFrom reports
// ("localhost:40000" becomes "127.0.0.1:40000").
func ResolveUDP(addr string) (Addr, error) {
	ra, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return "", err
	}
	return Addr(ra.String()), nil
}
