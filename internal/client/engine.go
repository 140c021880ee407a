package client

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"grid-clash/internal/config"
	"grid-clash/internal/delta"
	"grid-clash/internal/grid"
	"grid-clash/internal/logger"
	"grid-clash/internal/protocol"
	"grid-clash/internal/reliability"

	"github.com/sirupsen/logrus"
)

var (
	ErrServerFull     = errors.New("server full")
	ErrRejected       = errors.New("join rejected")
	ErrConnectionLost = errors.New("connection lost")
	ErrNotPlaying     = errors.New("not playing")
)

type pendingView struct {
	due  time.Time
	view *View
}

type outstandingClaim struct {
	sentAt time.Time
}

// Engine is the client's sync state machine. It does no I/O: Handle,
// Poll and Claim return the messages to send. All methods except View
// and Stats must be called from one goroutine.
type Engine struct {
	cfg config.ClientConfig

	state State
	err   error
	id    grid.PlayerID
	grid  *grid.Grid

	tracker *reliability.SnapshotTracker
	inbox   *reliability.Inbox[protocol.Sequenced]
	early   []protocol.Sequenced // reliable items seen before the first full snapshot
	asm     delta.Assembler

	tick       uint64
	startedAt  time.Time
	lastInit   time.Time
	lastNack   time.Time
	lastHeard  time.Time
	finishedAt time.Time
	winner     grid.PlayerID

	claims map[grid.Coord]outstandingClaim

	renderQ   []pendingView
	published atomic.Pointer[View]
	events    chan Event
	stats     Stats
	statsPub  atomic.Pointer[Stats]
}

// NewEngine creates an engine in the Joining state.
func NewEngine(cfg config.ClientConfig) *Engine {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 256
	}
	e := &Engine{
		cfg:    cfg,
		claims: make(map[grid.Coord]outstandingClaim),
		events: make(chan Event, 256),
	}
	e.published.Store(&View{State: Joining})
	e.statsPub.Store(&Stats{})
	return e
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Err is non-nil once the session failed (rejected or lost).
func (e *Engine) Err() error { return e.err }

// PlayerID is zero until ASSIGN_ID arrives.
func (e *Engine) PlayerID() grid.PlayerID { return e.id }

// View returns the latest published view. Safe from any goroutine.
func (e *Engine) View() *View { return e.published.Load() }

// Stats returns the counters as of the last Poll. Safe from any goroutine.
func (e *Engine) Stats() Stats { return *e.statsPub.Load() }

// Events delivers UI notifications. Events are dropped if nobody reads.
func (e *Engine) Events() <-chan Event { return e.events }

// FinishedAt is when GAME_OVER was applied.
func (e *Engine) FinishedAt() time.Time { return e.finishedAt }

// Start begins joining.
func (e *Engine) Start(now time.Time) []protocol.Message {
	e.startedAt = now
	e.lastHeard = now
	e.lastInit = now
	return []protocol.Message{protocol.Init{}}
}

// Handle processes one envelope from the server.
func (e *Engine) Handle(env protocol.Envelope, now time.Time) []protocol.Message {
	if env.Role != protocol.RoleServer || e.state == Lost || e.err != nil {
		return nil
	}
	e.lastHeard = now
	if env.Timestamp > 0 {
		e.stats.observeLatency(time.Duration(now.UnixMilli()-int64(env.Timestamp)) * time.Millisecond)
	}

	switch m := env.Msg.(type) {
	case protocol.AssignID:
		return e.handleAssign(m, now)
	case protocol.Snapshot:
		return e.handleSnapshot(m, now)
	case protocol.AcquireEvent:
		return e.handleReliable(m, now)
	case protocol.GameOver:
		return e.handleReliable(m, now)
	case protocol.Init, protocol.AssignIDAck, protocol.SnapshotAck, protocol.SnapshotNack,
		protocol.AcquireReq, protocol.AcquireAck:
		logger.Log.WithField("type", env.Type().String()).Debug("client-only message from server ignored")
	}
	return nil
}

func (e *Engine) handleAssign(m protocol.AssignID, now time.Time) []protocol.Message {
	if m.Rejected() {
		if e.state != Joining {
			return nil
		}
		if m.Reason == protocol.ReasonServerFull {
			e.err = ErrServerFull
		} else {
			e.err = fmt.Errorf("%s: %w", m.Reason, ErrRejected)
		}
		logger.Log.WithField("reason", m.Reason).Warn("🚫 Join rejected")
		return nil
	}

	if e.state == Joining {
		size := int(m.GridSize)
		if size < 1 {
			return nil
		}
		e.id = grid.PlayerID(m.PlayerID)
		e.grid = grid.New(size)
		e.tracker = reliability.NewSnapshotTracker(e.cfg.GapTolerance, e.cfg.WatchdogTimeout, now)
		e.setState(Syncing)
		e.queueView(now)
		logger.Log.WithFields(logrus.Fields{"player": e.id, "grid": size}).Info("🎫 Player id assigned")
	} else if grid.PlayerID(m.PlayerID) != e.id {
		return nil
	}
	// every copy is acked; the previous ack may have been lost
	return []protocol.Message{protocol.AssignIDAck{PlayerID: uint8(e.id)}}
}

func (e *Engine) handleSnapshot(s protocol.Snapshot, now time.Time) []protocol.Message {
	if e.state != Syncing && e.state != Playing {
		return nil
	}

	if s.Full {
		merged, ok := e.asm.Add(s)
		if !ok {
			return nil
		}
		if !e.tracker.Fresh(merged.ID) {
			e.stats.SnapshotsStale++
			return nil
		}
		return e.applyFull(merged, now)
	}

	if e.state == Syncing {
		// deltas mean nothing until a full board arrived
		return nil
	}
	if !e.tracker.Fresh(s.ID) {
		e.stats.SnapshotsStale++
		return nil
	}
	current, _ := e.tracker.Last()
	if s.BaseID > current {
		e.stats.DeltasRejected++
		return e.nack(now)
	}

	var out []protocol.Message
	if e.tracker.GapTooLarge(s.ID) {
		out = e.nack(now)
	}
	e.applyCells(s.Cells)
	e.tick = s.Tick
	e.tracker.Applied(s.ID, now)
	e.stats.SnapshotsApplied++
	e.queueView(now)
	return append(out, protocol.SnapshotAck{ID: s.ID})
}

// applyFull merges a full board into the local one and lines the reliable
// inbox up behind the snapshot's event sequence. The board is not cleared:
// events newer than the snapshot may already be applied, and ownership
// never reverts.
func (e *Engine) applyFull(s protocol.Snapshot, now time.Time) []protocol.Message {
	e.applyCells(s.Cells)
	e.tick = s.Tick
	e.tracker.Applied(s.ID, now)
	e.stats.SnapshotsApplied++

	var ready []protocol.Sequenced
	if e.inbox == nil {
		e.inbox = reliability.NewInbox[protocol.Sequenced](s.EventSeq+1, e.cfg.InboxCapacity, e.cfg.GapTimeout)
		sort.Slice(e.early, func(i, j int) bool { return e.early[i].Sequence() < e.early[j].Sequence() })
		for _, item := range e.early {
			if item.Sequence() <= s.EventSeq {
				continue
			}
			r, _ := e.inbox.Offer(item.Sequence(), item, now)
			ready = append(ready, r...)
		}
		e.early = nil
	} else {
		ready = e.inbox.Reset(s.EventSeq+1, now)
	}

	if e.state == Syncing {
		e.setState(Playing)
		logger.Log.WithFields(logrus.Fields{"player": e.id, "snapshot": s.ID}).Info("🟢 Synced, playing")
	}
	e.apply(ready, now)
	e.queueView(now)
	return []protocol.Message{protocol.SnapshotAck{ID: s.ID}}
}

func (e *Engine) applyCells(cells []protocol.CellUpdate) {
	for _, cu := range cells {
		c := grid.Coord{Row: int(cu.Row), Col: int(cu.Col)}
		if cu.Owner == 0 && e.grid.At(c).Owner != grid.Unowned {
			continue
		}
		e.grid.Set(c, grid.Cell{Owner: grid.PlayerID(cu.Owner), ClaimedAtTick: cu.Tick})
		if cu.Owner != 0 {
			delete(e.claims, c)
		}
	}
}

// handleReliable acks and orders acquire events and GAME_OVER.
func (e *Engine) handleReliable(m protocol.Sequenced, now time.Time) []protocol.Message {
	ack := []protocol.Message{protocol.AcquireAck{Seq: m.Sequence()}}

	switch e.state {
	case Joining:
		// not ours to ack yet; the server only sends these to active peers
		return nil
	case Finished:
		return ack
	}

	if e.inbox == nil {
		if len(e.early) >= e.cfg.InboxCapacity {
			return nil
		}
		for _, it := range e.early {
			if it.Sequence() == m.Sequence() {
				e.stats.EventDuplicates++
				return ack
			}
		}
		e.early = append(e.early, m)
		return ack
	}

	ready, out := e.inbox.Offer(m.Sequence(), m, now)
	if out == reliability.Duplicate {
		e.stats.EventDuplicates++
	}
	if !out.Acked() {
		return nil
	}
	e.apply(ready, now)
	return ack
}

// apply runs released reliable items in sequence order.
func (e *Engine) apply(items []protocol.Sequenced, now time.Time) {
	changed := false
	for _, item := range items {
		switch m := item.(type) {
		case protocol.AcquireEvent:
			cl := grid.Claim{
				Cell:   grid.Coord{Row: int(m.Row), Col: int(m.Col)},
				Player: grid.PlayerID(m.Claimant),
				Tick:   m.Tick,
			}
			e.grid.Apply(cl)
			delete(e.claims, cl.Cell)
			e.stats.EventsApplied++
			changed = true
			e.notify(Event{Kind: EventAcquired, Seq: m.Seq, Cell: cl.Cell, Player: cl.Player})
		case protocol.GameOver:
			e.finish(m, now)
			return
		}
	}
	if changed {
		e.queueView(now)
	}
}

func (e *Engine) finish(m protocol.GameOver, now time.Time) {
	e.winner = grid.PlayerID(m.Winner)
	e.finishedAt = now
	e.claims = map[grid.Coord]outstandingClaim{}
	e.setState(Finished)

	scores := make(grid.Scoreboard, len(m.Scores))
	for _, sc := range m.Scores {
		scores[grid.PlayerID(sc.Player)] = int(sc.Cells)
	}
	e.notify(Event{Kind: EventGameOver, Seq: m.Seq, Winner: e.winner, Scores: scores})

	// the final board is shown without render lag
	e.renderQ = nil
	v := e.snapshotView(now)
	v.Scores = scores
	e.published.Store(v)

	logger.Log.WithFields(logrus.Fields{"player": e.id, "winner": e.winner, "scores": scores}).Info("🏁 Game over")
}

// Claim asks for a cell. It is resent until an event or a snapshot shows
// the cell owned.
func (e *Engine) Claim(c grid.Coord, now time.Time) ([]protocol.Message, error) {
	if e.state != Playing {
		return nil, fmt.Errorf("claim %s while %s: %w", c, e.state, ErrNotPlaying)
	}
	if !e.grid.InBounds(c) {
		return nil, fmt.Errorf("claim %s: %w", c, grid.ErrOutOfBounds)
	}
	if e.grid.At(c).Owner != grid.Unowned {
		return nil, fmt.Errorf("claim %s: %w", c, grid.ErrAlreadyOwned)
	}
	e.claims[c] = outstandingClaim{sentAt: now}
	e.stats.ClaimsSent++
	return []protocol.Message{e.claimMsg(c)}, nil
}

func (e *Engine) claimMsg(c grid.Coord) protocol.AcquireReq {
	return protocol.AcquireReq{Row: uint8(c.Row), Col: uint8(c.Col), RequestedTick: e.tick}
}

// Poll runs timers: join retries, watchdog, gap timeout, claim resends,
// connection loss and the render-lag flush.
func (e *Engine) Poll(now time.Time) []protocol.Message {
	defer e.publishStats()
	if e.err != nil || e.state == Lost {
		return nil
	}

	var out []protocol.Message
	switch e.state {
	case Joining:
		if now.Sub(e.startedAt) >= e.cfg.LostTimeout {
			e.lose(now)
			return nil
		}
		if now.Sub(e.lastInit) >= e.cfg.InitRetry {
			e.lastInit = now
			out = append(out, protocol.Init{})
		}
	case Syncing, Playing:
		if now.Sub(e.lastHeard) >= e.cfg.LostTimeout {
			e.lose(now)
			return nil
		}
		if e.tracker.Expired(now) || (e.inbox != nil && e.inbox.Stalled(now)) {
			out = append(out, e.nack(now)...)
			e.tracker.Rearm(now)
		}
		out = append(out, e.resendClaims(now)...)
	}

	e.flushViews(now)
	return out
}

func (e *Engine) resendClaims(now time.Time) []protocol.Message {
	var out []protocol.Message
	for c, oc := range e.claims {
		if e.grid.At(c).Owner != grid.Unowned {
			delete(e.claims, c)
			continue
		}
		if now.Sub(oc.sentAt) < e.cfg.ClaimRetry {
			continue
		}
		e.claims[c] = outstandingClaim{sentAt: now}
		e.stats.ClaimResends++
		out = append(out, e.claimMsg(c))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].(protocol.AcquireReq), out[j].(protocol.AcquireReq)
		return a.Row < b.Row || (a.Row == b.Row && a.Col < b.Col)
	})
	return out
}

// nack asks for a full resync, at most once per cooldown.
func (e *Engine) nack(now time.Time) []protocol.Message {
	if !e.lastNack.IsZero() && now.Sub(e.lastNack) < e.cfg.NackCooldown {
		return nil
	}
	e.lastNack = now
	e.stats.Nacks++
	last, ok := e.tracker.Last()
	return []protocol.Message{protocol.SnapshotNack{LastGood: last, HasLastGood: ok}}
}

func (e *Engine) lose(now time.Time) {
	e.err = ErrConnectionLost
	e.setState(Lost)
	e.renderQ = nil
	e.published.Store(e.snapshotView(now))
	logger.Log.WithField("player", e.id).Warn("📡 Connection to server lost")
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.notify(Event{Kind: EventStateChanged, State: s})
}

func (e *Engine) notify(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.stats.EventsDropped++
	}
}

func (e *Engine) snapshotView(now time.Time) *View {
	v := &View{
		PlayerID:   e.id,
		State:      e.state,
		Tick:       e.tick,
		Winner:     e.winner,
		CapturedAt: now,
	}
	if e.tracker != nil {
		v.SnapshotID, _ = e.tracker.Last()
	}
	if e.grid != nil {
		v.GridSize = e.grid.Size()
		v.Owners = e.grid.Owners()
		v.Scores = e.grid.Scoreboard()
	}
	return v
}

// queueView captures the current state for publication after the render
// delay.
func (e *Engine) queueView(now time.Time) {
	v := e.snapshotView(now)
	if e.cfg.RenderDelay <= 0 {
		e.published.Store(v)
		return
	}
	e.renderQ = append(e.renderQ, pendingView{due: now.Add(e.cfg.RenderDelay), view: v})
}

// flushViews publishes the newest captured view whose delay has elapsed.
func (e *Engine) flushViews(now time.Time) {
	n := 0
	for n < len(e.renderQ) && !now.Before(e.renderQ[n].due) {
		n++
	}
	if n == 0 {
		return
	}
	e.published.Store(e.renderQ[n-1].view)
	e.renderQ = append(e.renderQ[:0], e.renderQ[n:]...)
}

func (e *Engine) publishStats() {
	s := e.stats
	e.statsPub.Store(&s)
}
