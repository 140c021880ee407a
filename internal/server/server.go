// Package server is the authoritative session manager.
//
// One goroutine owns the grid and every peer. The transport reader hands
// datagrams over through a bounded channel and each Tick drains at most
// MaxMessagesPerTick of them, resolves the claims collected, broadcasts
// acquire events on the reliable stream and a snapshot per active peer on
// the best-effort stream, retransmits what is overdue and expires silent
// peers. Other goroutines only ever see the published View.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"grid-clash/internal/config"
	"grid-clash/internal/delta"
	"grid-clash/internal/eventlog"
	"grid-clash/internal/grid"
	"grid-clash/internal/logger"
	"grid-clash/internal/metrics"
	"grid-clash/internal/protocol"
	"grid-clash/internal/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrCapacityExceeded  = errors.New("capacity exceeded")
)

type phase uint8

const (
	phasePlaying phase = iota
	phaseFinished
	phaseClosed
)

func (p phase) String() string {
	switch p {
	case phasePlaying:
		return "playing"
	case phaseFinished:
		return "finished"
	}
	return "closed"
}

// AcquireInfo describes an accepted claim for hooks.
type AcquireInfo struct {
	Seq    uint32
	Cell   grid.Coord
	Player grid.PlayerID
	Tick   uint64
}

// Outcome is the final result of a game.
type Outcome struct {
	GameID string
	Winner grid.PlayerID // Unowned on a tie
	Scores grid.Scoreboard
	Tick   uint64
}

type datagram struct {
	from transport.Addr
	data []byte
}

// Server runs one game.
type Server struct {
	cfg config.ServerConfig
	ep  transport.Endpoint

	gameID  string
	grid    *grid.Grid
	tracker *delta.Tracker
	phase   phase

	peers   map[transport.Addr]*Peer
	freeIDs []grid.PlayerID

	tick       uint64
	snapshotID uint32 // last snapshot id issued
	eventSeq   uint32 // last reliable sequence issued
	claimSeq   uint32 // last acquire event reflected in the grid
	arrivals   uint64
	pending    []Request
	gameOver   *protocol.GameOver

	inbound chan datagram
	stats   Stats
	view    atomic.Pointer[View]

	events *eventlog.EventLog

	// Hooks run on the tick goroutine and must not block.
	OnAcquire  func(AcquireInfo)
	OnGameOver func(Outcome)
}

// New creates a server for a size×size grid sending through ep.
func New(cfg config.ServerConfig, size int, ep transport.Endpoint) *Server {
	if cfg.MaxPlayers <= 0 || cfg.MaxPlayers > grid.MaxPlayers {
		cfg.MaxPlayers = grid.MaxPlayers
	}
	if cfg.MaxMessagesPerTick <= 0 {
		cfg.MaxMessagesPerTick = 256
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 1024
	}
	if size > config.MaxGridSize {
		size = config.MaxGridSize
	}

	s := &Server{
		cfg:     cfg,
		ep:      ep,
		gameID:  uuid.NewString(),
		grid:    grid.New(size),
		tracker: delta.NewTracker(size),
		peers:   make(map[transport.Addr]*Peer),
		inbound: make(chan datagram, cfg.InboundQueue),
	}
	for id := 1; id <= cfg.MaxPlayers; id++ {
		s.freeIDs = append(s.freeIDs, grid.PlayerID(id))
	}
	s.publish(time.Now())
	return s
}

// WithEventLog attaches an audit log. Call before Run.
func (s *Server) WithEventLog(el *eventlog.EventLog) *Server {
	s.events = el
	s.emit(eventlog.EventTypeGameStart, 0, eventlog.GameStartPayload{
		GridSize:   s.grid.Size(),
		MaxPlayers: s.cfg.MaxPlayers,
	})
	return s
}

// GameID identifies this game in logs and the API.
func (s *Server) GameID() string { return s.gameID }

// View returns the latest published session view. Safe from any goroutine.
func (s *Server) View() *View { return s.view.Load() }

// Deliver queues one inbound datagram for the next tick. It never blocks;
// it returns false when the queue is full and the datagram was dropped.
func (s *Server) Deliver(from transport.Addr, data []byte) bool {
	select {
	case s.inbound <- datagram{from: from, data: data}:
		return true
	default:
		metrics.RecordDropped("queue_full")
		return false
	}
}

// Run reads from the endpoint and ticks until the game is over and every
// peer has acknowledged GAME_OVER (or timed out), or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.readLoop(ctx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	logger.Log.WithFields(logrus.Fields{
		"addr":    s.ep.Addr(),
		"game_id": s.gameID,
		"grid":    s.grid.Size(),
		"tick":    s.cfg.TickInterval,
	}).Info("🎮 Grid server started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if s.Tick(now) {
				logger.Log.WithField("game_id", s.gameID).Info("🏁 Game closed, all peers settled")
				return nil
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context) {
	for {
		from, data, err := s.ep.RecvFrom(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				logger.Log.WithError(err).Warn("⚠️ Receive failed")
			}
			return
		}
		s.Deliver(from, data)
	}
}

// Tick runs one server step at now. It returns true once the game is over
// and nothing is left to deliver; the session is closed after that.
func (s *Server) Tick(now time.Time) bool {
	if s.phase == phaseClosed {
		return true
	}
	start := time.Now()
	s.tick++
	s.stats.Ticks++

	s.drain(now)
	s.resolve(now)

	if s.phase == phasePlaying {
		s.broadcastSnapshots(now)
		if s.grid.Complete() {
			s.finish(now)
		}
	}

	s.retransmit(now)
	s.expire(now)

	done := false
	if s.phase == phaseFinished && s.settled() {
		s.phase = phaseClosed
		done = true
	}

	s.publish(now)
	metrics.RecordTick(time.Since(start))
	return done
}

// drain processes up to MaxMessagesPerTick queued datagrams.
func (s *Server) drain(now time.Time) {
	for i := 0; i < s.cfg.MaxMessagesPerTick; i++ {
		select {
		case d := <-s.inbound:
			s.handleDatagram(d, now)
		default:
			return
		}
	}
	if n := len(s.inbound); n > 0 {
		s.stats.Deferred += uint64(n)
		metrics.RecordDropped("tick_cap")
	}
}

func (s *Server) handleDatagram(d datagram, now time.Time) {
	env, err := protocol.Decode(d.data)
	if err != nil {
		s.stats.Malformed++
		metrics.RecordDropped("malformed")
		logger.Log.WithFields(logrus.Fields{"from": d.from, "error": err}).Debug("malformed datagram dropped")
		return
	}
	s.stats.Received++
	metrics.RecordReceived(env.Type().String())

	p := s.peers[d.from]
	if p != nil && p.State != Disconnected && !p.limiter.AllowN(now, 1) {
		s.stats.RateLimited++
		metrics.RecordDropped("rate_limit")
		return
	}

	if err := s.route(env, d.from, p, now); err != nil {
		s.stats.Violations++
		metrics.RecordDropped("violation")
		logger.Log.WithFields(logrus.Fields{
			"from": d.from,
			"type": env.Type().String(),
		}).WithError(err).Debug("datagram rejected")
	}
}

// route dispatches a decoded message. Every message kind is listed; the
// ones only a server may send are violations when they come from a peer.
func (s *Server) route(env protocol.Envelope, from transport.Addr, p *Peer, now time.Time) error {
	if env.Role != protocol.RoleClient {
		return fmt.Errorf("sender role %s: %w", env.Role, ErrProtocolViolation)
	}
	if _, ok := env.Msg.(protocol.Init); !ok {
		if p == nil {
			return fmt.Errorf("%s from unknown address: %w", env.Type(), ErrProtocolViolation)
		}
		if p.State == Disconnected {
			return fmt.Errorf("%s from disconnected peer %d: %w", env.Type(), p.ID, ErrProtocolViolation)
		}
		p.LastHeard = now
	}

	switch m := env.Msg.(type) {
	case protocol.Init:
		return s.handleInit(from, p, now)
	case protocol.AssignIDAck:
		return s.handleAssignAck(p, m, now)
	case protocol.SnapshotAck:
		if p.State != Active {
			return fmt.Errorf("snapshot ack before activation: %w", ErrProtocolViolation)
		}
		if p.encoder.Ack(m.ID) {
			p.LastAckedSnapshot, p.HasAcked = m.ID, true
		}
		return nil
	case protocol.SnapshotNack:
		if p.State != Active {
			return fmt.Errorf("nack before activation: %w", ErrProtocolViolation)
		}
		if s.phase != phasePlaying {
			// no snapshots after game over, except the final board for a
			// peer that joined too late to see it
			if p.late && !p.HasAcked {
				s.sendFinalBoard(p, now)
			}
			return nil
		}
		s.stats.Nacks++
		metrics.RecordNack()
		p.encoder.ForceFull()
		s.emit(eventlog.EventTypeResync, uint8(p.ID), eventlog.ResyncPayload{LastGood: m.LastGood, HasLastGood: m.HasLastGood})
		return nil
	case protocol.AcquireReq:
		if p.State != Active {
			return fmt.Errorf("claim before activation: %w", ErrProtocolViolation)
		}
		if s.phase != phasePlaying {
			return nil
		}
		s.arrivals++
		s.pending = append(s.pending, Request{
			Player:  p.ID,
			Cell:    grid.Coord{Row: int(m.Row), Col: int(m.Col)},
			Arrival: s.arrivals,
		})
		return nil
	case protocol.AcquireAck:
		p.outbox.Ack(m.Seq)
		return nil
	case protocol.AssignID, protocol.Snapshot, protocol.AcquireEvent, protocol.GameOver:
		return fmt.Errorf("%s is server-only: %w", env.Type(), ErrProtocolViolation)
	}
	return fmt.Errorf("unhandled %s: %w", env.Type(), ErrProtocolViolation)
}

func (s *Server) handleInit(from transport.Addr, p *Peer, now time.Time) error {
	if p != nil {
		switch p.State {
		case Connecting, Active:
			// our ASSIGN_ID was lost; say it again
			p.LastHeard = now
			s.sendAssign(p, now)
			return nil
		default:
			s.reject(from, protocol.ReasonDisconnected, now)
			return nil
		}
	}

	if s.phase != phasePlaying {
		s.reject(from, protocol.ReasonGameOver, now)
		return nil
	}
	if s.live() >= s.cfg.MaxPlayers || len(s.freeIDs) == 0 {
		s.stats.Rejected++
		s.reject(from, protocol.ReasonServerFull, now)
		logger.Log.WithField("from", from).Warn("🚫 Join refused: server full")
		return fmt.Errorf("join from %s: %w", from, ErrCapacityExceeded)
	}

	id := s.freeIDs[0]
	s.freeIDs = s.freeIDs[1:]
	p = newPeer(id, from, now, s)
	s.peers[from] = p
	s.sendAssign(p, now)

	logger.Log.WithFields(logrus.Fields{"player": id, "addr": from}).Info("👋 Peer connecting")
	return nil
}

func (s *Server) handleAssignAck(p *Peer, m protocol.AssignIDAck, now time.Time) error {
	if grid.PlayerID(m.PlayerID) != p.ID {
		return fmt.Errorf("ack for id %d, assigned %d: %w", m.PlayerID, p.ID, ErrProtocolViolation)
	}
	if p.State != Connecting {
		return nil
	}
	if err := s.grid.AddPlayer(p.ID); err != nil {
		return err
	}
	p.State = Active
	p.encoder.ForceFull()
	metrics.SetPeersActive(s.countState(Active))
	s.emit(eventlog.EventTypePeerJoin, uint8(p.ID), eventlog.PeerPayload{PlayerID: uint8(p.ID), Addr: string(p.Addr)})

	logger.Log.WithFields(logrus.Fields{"player": p.ID, "addr": p.Addr}).Info("✅ Peer active")

	if s.gameOver != nil {
		p.late = true
		s.sendFinalBoard(p, now)
		p.outbox.Push(s.gameOver.Seq, *s.gameOver, now)
		s.send(p.Addr, s.gameOver.Seq, *s.gameOver, now)
	}
	return nil
}

// sendFinalBoard sends the finished board as a full snapshot whose event
// sequence lines the peer's inbox up right before GAME_OVER.
func (s *Server) sendFinalBoard(p *Peer, now time.Time) {
	p.encoder.ForceFull()
	for _, snap := range p.encoder.Encode(s.snapshotID, s.tick, s.grid, s.tracker, s.gameOver.Seq-1) {
		s.stats.SnapshotsSent++
		s.stats.FullSnapshots++
		metrics.RecordSnapshot(true)
		s.send(p.Addr, snap.EventSeq, snap, now)
	}
}

func (s *Server) sendAssign(p *Peer, now time.Time) {
	p.assignDeadline = now.Add(s.cfg.RetryInterval)
	s.send(p.Addr, 0, protocol.AssignID{PlayerID: uint8(p.ID), GridSize: uint8(s.grid.Size())}, now)
}

func (s *Server) reject(to transport.Addr, reason string, now time.Time) {
	s.send(to, 0, protocol.AssignID{Reason: reason}, now)
}

// resolve settles this tick's claims and queues one acquire event per
// accepted claim on every active peer's reliable stream.
func (s *Server) resolve(now time.Time) {
	if len(s.pending) == 0 {
		return
	}
	reqs := s.pending
	s.pending = s.pending[:0]

	for _, d := range Resolve(s.grid, s.tick, reqs) {
		if !d.Result.Accepted {
			s.stats.ClaimsLost++
			metrics.RecordClaim(d.Result.Reason.String())
			s.emit(eventlog.EventTypeClaimRejected, uint8(d.Player), eventlog.RejectPayload{
				Row: d.Cell.Row, Col: d.Cell.Col, Player: uint8(d.Player), Reason: d.Result.Reason.String(),
			})
			continue
		}

		s.stats.ClaimsWon++
		metrics.RecordClaim("accepted")
		s.eventSeq++
		s.claimSeq = s.eventSeq
		s.tracker.Mark(d.Cell, s.snapshotID+1)

		ev := protocol.AcquireEvent{
			Seq:      s.eventSeq,
			Row:      uint8(d.Cell.Row),
			Col:      uint8(d.Cell.Col),
			Claimant: uint8(d.Player),
			Tick:     s.tick,
		}
		s.broadcastReliable(ev, now)
		s.emit(eventlog.EventTypeClaim, uint8(d.Player), eventlog.ClaimPayload{
			Seq: ev.Seq, Row: d.Cell.Row, Col: d.Cell.Col, Player: uint8(d.Player),
		})
		if s.OnAcquire != nil {
			s.OnAcquire(AcquireInfo{Seq: ev.Seq, Cell: d.Cell, Player: d.Player, Tick: s.tick})
		}
	}
	metrics.SetCellsOwned(s.grid.Owned())
}

func (s *Server) broadcastReliable(m protocol.Sequenced, now time.Time) {
	for _, p := range s.activePeers() {
		p.outbox.Push(m.Sequence(), m, now)
		s.send(p.Addr, m.Sequence(), m, now)
	}
}

// broadcastSnapshots issues the next snapshot id and sends each active
// peer a delta against what it last acked, or the full board.
func (s *Server) broadcastSnapshots(now time.Time) {
	s.snapshotID++
	for _, p := range s.activePeers() {
		for _, snap := range p.encoder.Encode(s.snapshotID, s.tick, s.grid, s.tracker, s.claimSeq) {
			s.stats.SnapshotsSent++
			if snap.Full {
				s.stats.FullSnapshots++
			}
			metrics.RecordSnapshot(snap.Full)
			s.send(p.Addr, snap.EventSeq, snap, now)
		}
	}
}

// finish ends the game: the final snapshot has already gone out this
// tick, GAME_OVER follows on the reliable stream.
func (s *Server) finish(now time.Time) {
	sb := s.grid.Scoreboard()
	winner, ok := sb.Winner()
	if !ok {
		winner = grid.Unowned
	}

	s.eventSeq++
	gameOver := protocol.GameOver{Seq: s.eventSeq, Winner: uint8(winner)}
	for _, id := range sb.Players() {
		gameOver.Scores = append(gameOver.Scores, protocol.Score{Player: uint8(id), Cells: uint16(sb[id])})
	}
	s.gameOver = &gameOver
	s.phase = phaseFinished
	s.broadcastReliable(gameOver, now)

	metrics.RecordGameFinished()
	scores := make(map[uint8]int, len(sb))
	for id, n := range sb {
		scores[uint8(id)] = n
	}
	s.emit(eventlog.EventTypeGameOver, 0, eventlog.GameOverPayload{Winner: uint8(winner), Scores: scores})

	logger.Log.WithFields(logrus.Fields{
		"game_id": s.gameID,
		"winner":  winner,
		"scores":  scores,
		"tick":    s.tick,
	}).Info("🏆 Game over")

	if s.OnGameOver != nil {
		s.OnGameOver(Outcome{GameID: s.gameID, Winner: winner, Scores: sb, Tick: s.tick})
	}
}

// retransmit resends overdue reliable items and unanswered ASSIGN_IDs.
func (s *Server) retransmit(now time.Time) {
	for _, p := range s.sortedPeers() {
		switch p.State {
		case Connecting:
			if !now.Before(p.assignDeadline) {
				s.stats.Retransmits++
				metrics.RecordRetransmit()
				s.sendAssign(p, now)
			}
		case Active:
			for _, item := range p.outbox.Due(now) {
				s.stats.Retransmits++
				metrics.RecordRetransmit()
				s.send(p.Addr, item.Seq, item.Item, now)
			}
		}
	}
}

// expire drops connecting peers that never acked and disconnects silent
// active ones. A disconnected peer keeps its cells and its id.
func (s *Server) expire(now time.Time) {
	for _, p := range s.sortedPeers() {
		switch p.State {
		case Connecting:
			if now.Sub(p.JoinedAt) < s.cfg.ConnectTimeout {
				continue
			}
			delete(s.peers, p.Addr)
			s.releaseID(p.ID)
			logger.Log.WithFields(logrus.Fields{"player": p.ID, "addr": p.Addr}).Info("⌛ Connecting peer discarded")
		case Active:
			if now.Sub(p.LastHeard) < s.cfg.PeerTimeout {
				continue
			}
			p.State = Disconnected
			p.outbox.Clear()
			metrics.SetPeersActive(s.countState(Active))
			s.emit(eventlog.EventTypePeerLeave, uint8(p.ID), eventlog.PeerPayload{PlayerID: uint8(p.ID), Addr: string(p.Addr), Reason: "timeout"})
			logger.Log.WithFields(logrus.Fields{"player": p.ID, "addr": p.Addr}).Warn("🔌 Peer timed out")
		}
	}
}

func (s *Server) releaseID(id grid.PlayerID) {
	s.freeIDs = append(s.freeIDs, id)
	sort.Slice(s.freeIDs, func(i, j int) bool { return s.freeIDs[i] < s.freeIDs[j] })
}

// settled reports whether every active peer has acked everything. A peer
// still handshaking holds the session open until it activates or expires.
func (s *Server) settled() bool {
	for _, p := range s.peers {
		switch p.State {
		case Connecting:
			return false
		case Active:
			if !p.outbox.Empty() || (p.late && !p.HasAcked) {
				return false
			}
		}
	}
	return true
}

func (s *Server) send(to transport.Addr, seq uint32, m protocol.Message, now time.Time) {
	data, err := protocol.Encode(protocol.Envelope{
		Role:       protocol.RoleServer,
		SnapshotID: s.snapshotID,
		Seq:        seq,
		Timestamp:  uint64(now.UnixMilli()),
		Msg:        m,
	})
	if err != nil {
		logger.Log.WithError(err).WithField("type", m.Type().String()).Error("❌ Encode failed")
		return
	}
	if err := s.ep.Send(to, data); err != nil {
		s.stats.SendErrors++
		metrics.RecordSendError()
		logger.Log.WithFields(logrus.Fields{"to": to, "type": m.Type().String()}).WithError(err).Debug("send failed")
		return
	}
	metrics.RecordSent(m.Type().String())
}

func (s *Server) emit(t eventlog.EventType, player uint8, payload interface{}) {
	if s.events == nil {
		return
	}
	s.events.EmitSimple(t, s.gameID, s.tick, player, payload)
}

func (s *Server) live() int {
	n := 0
	for _, p := range s.peers {
		if p.State != Disconnected {
			n++
		}
	}
	return n
}

func (s *Server) countState(st PeerState) int {
	n := 0
	for _, p := range s.peers {
		if p.State == st {
			n++
		}
	}
	return n
}

// sortedPeers returns all peers by id so sends happen in a stable order.
func (s *Server) sortedPeers() []*Peer {
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) activePeers() []*Peer {
	all := s.sortedPeers()
	out := all[:0]
	for _, p := range all {
		if p.State == Active {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) publish(now time.Time) {
	v := &View{
		GameID:     s.gameID,
		Tick:       s.tick,
		SnapshotID: s.snapshotID,
		GridSize:   s.grid.Size(),
		Owners:     s.grid.Owners(),
		Scores:     s.grid.Scoreboard(),
		Owned:      s.grid.Owned(),
		Unowned:    s.grid.Unowned(),
		Phase:      s.phase.String(),
		Stats:      s.stats,
		UpdatedAt:  now,
	}
	if s.gameOver != nil {
		v.Winner = grid.PlayerID(s.gameOver.Winner)
	}
	for _, p := range s.sortedPeers() {
		v.Peers = append(v.Peers, PeerInfo{
			ID:                p.ID,
			Addr:              string(p.Addr),
			State:             p.State.String(),
			LastAckedSnapshot: p.LastAckedSnapshot,
			PendingReliable:   p.Pending(),
			JoinedAt:          p.JoinedAt,
			LastHeard:         p.LastHeard,
		})
	}
	s.view.Store(v)
}
