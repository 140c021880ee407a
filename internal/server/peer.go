package server

import (
	"time"

	"grid-clash/internal/delta"
	"grid-clash/internal/grid"
	"grid-clash/internal/protocol"
	"grid-clash/internal/reliability"
	"grid-clash/internal/transport"

	"golang.org/x/time/rate"
)

// PeerState is a peer's position in the join lifecycle.
type PeerState uint8

const (
	Connecting PeerState = iota
	Active
	Disconnected
)

func (s PeerState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Peer is the server's record of one client. Only the tick goroutine
// touches it.
type Peer struct {
	ID    grid.PlayerID
	Addr  transport.Addr
	State PeerState

	JoinedAt  time.Time
	LastHeard time.Time

	// ASSIGN_ID is resent at this deadline until ASSIGN_ID_ACK arrives.
	assignDeadline time.Time

	limiter *rate.Limiter
	encoder *delta.Encoder
	outbox  *reliability.Outbox[protocol.Sequenced]

	// activated after game over; owed the final board before settling
	late bool

	LastAckedSnapshot uint32
	HasAcked          bool
}

func newPeer(id grid.PlayerID, addr transport.Addr, now time.Time, s *Server) *Peer {
	return &Peer{
		ID:             id,
		Addr:           addr,
		State:          Connecting,
		JoinedAt:       now,
		LastHeard:      now,
		assignDeadline: now.Add(s.cfg.RetryInterval),
		limiter:        rate.NewLimiter(rate.Limit(s.cfg.PeerRate), s.cfg.PeerBurst),
		encoder:        delta.NewEncoder(),
		outbox:         reliability.NewOutbox[protocol.Sequenced](s.cfg.RetryInterval),
	}
}

// Pending returns the number of unacknowledged reliable items.
func (p *Peer) Pending() int { return p.outbox.Len() }
