package client

import (
	"errors"
	"testing"
	"time"

	"grid-clash/internal/config"
	"grid-clash/internal/grid"
	"grid-clash/internal/protocol"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func testConfig() config.ClientConfig {
	cfg := config.DefaultClient()
	cfg.RenderDelay = 0
	return cfg
}

func fromServer(m protocol.Message) protocol.Envelope {
	return protocol.Envelope{Role: protocol.RoleServer, Msg: m}
}

func cell(row, col int, owner grid.PlayerID) protocol.CellUpdate {
	return protocol.CellUpdate{Row: uint8(row), Col: uint8(col), Owner: uint8(owner), Tick: 1}
}

func full(id, eventSeq uint32, cells ...protocol.CellUpdate) protocol.Snapshot {
	return protocol.Snapshot{ID: id, Tick: uint64(id), Full: true, Parts: 1, EventSeq: eventSeq, Cells: cells}
}

func deltaSnap(id, base uint32, cells ...protocol.CellUpdate) protocol.Snapshot {
	return protocol.Snapshot{ID: id, Tick: uint64(id), BaseID: base, Cells: cells}
}

// assigned returns an engine that holds player id 1 on a 3×3 board
func assigned(t *testing.T, cfg config.ClientConfig) *Engine {
	t.Helper()
	e := NewEngine(cfg)
	if out := e.Start(t0); len(out) != 1 || out[0].Type() != protocol.MsgInit {
		t.Fatalf("Start = %v, want INIT", out)
	}
	out := e.Handle(fromServer(protocol.AssignID{PlayerID: 1, GridSize: 3}), t0)
	if len(out) != 1 || out[0] != (protocol.AssignIDAck{PlayerID: 1}) {
		t.Fatalf("assign reply = %v", out)
	}
	if e.State() != Syncing {
		t.Fatalf("state = %v, want syncing", e.State())
	}
	return e
}

// playing returns an engine synced to full snapshot 1 with no events yet
func playing(t *testing.T, cfg config.ClientConfig) *Engine {
	t.Helper()
	e := assigned(t, cfg)
	out := e.Handle(fromServer(full(1, 0)), t0)
	if len(out) != 1 || out[0] != (protocol.SnapshotAck{ID: 1}) {
		t.Fatalf("full snapshot reply = %v", out)
	}
	if e.State() != Playing {
		t.Fatalf("state = %v, want playing", e.State())
	}
	return e
}

func has[T protocol.Message](out []protocol.Message) (T, bool) {
	for _, m := range out {
		if v, ok := m.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func drain(e *Engine) []Event {
	var out []Event
	for {
		select {
		case ev := <-e.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestJoinAndSync(t *testing.T) {
	e := assigned(t, testConfig())

	// a repeated ASSIGN_ID is acked again
	out := e.Handle(fromServer(protocol.AssignID{PlayerID: 1, GridSize: 3}), t0)
	if _, ok := has[protocol.AssignIDAck](out); !ok {
		t.Error("duplicate ASSIGN_ID not re-acked")
	}

	if out := e.Handle(fromServer(deltaSnap(1, 0, cell(0, 0, 2))), t0); out != nil {
		t.Errorf("delta before full produced %v", out)
	}
	if e.State() != Syncing {
		t.Fatal("delta moved engine out of syncing")
	}

	e.Handle(fromServer(full(2, 0, cell(0, 0, 2), cell(2, 1, 1))), t0)
	v := e.View()
	if v.State != Playing || v.PlayerID != 1 || v.SnapshotID != 2 || v.GridSize != 3 {
		t.Fatalf("view = %+v", v)
	}
	if v.Owner(0, 0) != 2 || v.Owner(2, 1) != 1 || v.Owner(1, 1) != grid.Unowned {
		t.Errorf("owners = %v", v.Owners)
	}
	if v.Scores[1] != 1 || v.Scores[2] != 1 {
		t.Errorf("scores = %v", v.Scores)
	}
}

func TestRejection(t *testing.T) {
	tests := []struct {
		reason string
		want   error
	}{
		{protocol.ReasonServerFull, ErrServerFull},
		{protocol.ReasonGameOver, ErrRejected},
		{protocol.ReasonDisconnected, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			e := NewEngine(testConfig())
			e.Start(t0)
			e.Handle(fromServer(protocol.AssignID{Reason: tt.reason}), t0)
			if !errors.Is(e.Err(), tt.want) {
				t.Errorf("Err = %v, want %v", e.Err(), tt.want)
			}
			if out := e.Poll(t0.Add(time.Hour)); out != nil {
				t.Errorf("rejected engine still sends %v", out)
			}
		})
	}
}

func TestJoinRetryAndLost(t *testing.T) {
	cfg := testConfig()
	e := NewEngine(cfg)
	e.Start(t0)

	if out := e.Poll(t0.Add(cfg.InitRetry / 2)); len(out) != 0 {
		t.Errorf("early retry: %v", out)
	}
	if _, ok := has[protocol.Init](e.Poll(t0.Add(cfg.InitRetry))); !ok {
		t.Error("INIT not resent")
	}
	e.Poll(t0.Add(cfg.LostTimeout))
	if e.State() != Lost || !errors.Is(e.Err(), ErrConnectionLost) {
		t.Errorf("state = %v err = %v, want lost", e.State(), e.Err())
	}
}

func TestSilentServerIsLost(t *testing.T) {
	cfg := testConfig()
	e := playing(t, cfg)
	e.Poll(t0.Add(cfg.LostTimeout - time.Millisecond))
	if e.State() != Playing {
		t.Fatalf("lost too early: %v", e.State())
	}
	e.Poll(t0.Add(cfg.LostTimeout))
	if e.State() != Lost || e.View().State != Lost {
		t.Errorf("state = %v, view %v", e.State(), e.View().State)
	}
}

// TestDuplicateEventAppliedOnce acks every copy but applies it once
func TestDuplicateEventAppliedOnce(t *testing.T) {
	e := playing(t, testConfig())
	drain(e)

	ev := protocol.AcquireEvent{Seq: 1, Row: 1, Col: 2, Claimant: 3, Tick: 4}
	for i := 0; i < 3; i++ {
		out := e.Handle(fromServer(ev), t0)
		if ack, ok := has[protocol.AcquireAck](out); !ok || ack.Seq != 1 {
			t.Fatalf("copy %d: reply %v", i, out)
		}
	}

	e.Poll(t0)
	stats := e.Stats()
	if stats.EventsApplied != 1 || stats.EventDuplicates != 2 {
		t.Errorf("applied=%d duplicates=%d", stats.EventsApplied, stats.EventDuplicates)
	}
	acquired := 0
	for _, ev := range drain(e) {
		if ev.Kind == EventAcquired {
			acquired++
			if ev.Cell != (grid.Coord{Row: 1, Col: 2}) || ev.Player != 3 {
				t.Errorf("event = %+v", ev)
			}
		}
	}
	if acquired != 1 {
		t.Errorf("%d acquired notifications, want 1", acquired)
	}
	if e.View().Owner(1, 2) != 3 {
		t.Error("claim not applied to the board")
	}
}

func TestEventsReleasedInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.WatchdogTimeout = time.Hour
	e := playing(t, cfg)
	drain(e)

	e.Handle(fromServer(protocol.AcquireEvent{Seq: 3, Row: 0, Col: 2, Claimant: 1}), t0)
	e.Handle(fromServer(protocol.AcquireEvent{Seq: 2, Row: 0, Col: 1, Claimant: 2}), t0)
	if e.View().Owner(0, 1) != grid.Unowned {
		t.Fatal("event applied across a gap")
	}

	// the gap stays open too long
	out := e.Poll(t0.Add(cfg.GapTimeout))
	if _, ok := has[protocol.SnapshotNack](out); !ok {
		t.Errorf("no NACK on a stalled stream: %v", out)
	}

	e.Handle(fromServer(protocol.AcquireEvent{Seq: 1, Row: 0, Col: 0, Claimant: 2}), t0)
	var order []uint32
	for _, ev := range drain(e) {
		if ev.Kind == EventAcquired {
			order = append(order, ev.Seq)
		}
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("applied order = %v", order)
	}
}

// TestEventsBeforeFirstSnapshot buffers reliable items that overtake the
// first full snapshot and drops the ones it already covers
func TestEventsBeforeFirstSnapshot(t *testing.T) {
	e := assigned(t, testConfig())

	for _, ev := range []protocol.AcquireEvent{
		{Seq: 2, Row: 1, Col: 1, Claimant: 2},
		{Seq: 1, Row: 0, Col: 0, Claimant: 1},
	} {
		if _, ok := has[protocol.AcquireAck](e.Handle(fromServer(ev), t0)); !ok {
			t.Fatalf("early seq %d not acked", ev.Seq)
		}
	}

	e.Handle(fromServer(full(4, 1, cell(0, 0, 1))), t0)
	e.Poll(t0)
	v := e.View()
	if v.Owner(0, 0) != 1 || v.Owner(1, 1) != 2 {
		t.Errorf("owners = %v", v.Owners)
	}
	if got := e.Stats().EventsApplied; got != 1 {
		t.Errorf("EventsApplied = %d, want 1", got)
	}
}

func TestWatchdogNack(t *testing.T) {
	cfg := testConfig()
	e := playing(t, cfg)

	if out := e.Poll(t0.Add(cfg.WatchdogTimeout - time.Millisecond)); len(out) != 0 {
		t.Fatalf("watchdog fired early: %v", out)
	}
	now := t0.Add(cfg.WatchdogTimeout)
	nack, ok := has[protocol.SnapshotNack](e.Poll(now))
	if !ok || !nack.HasLastGood || nack.LastGood != 1 {
		t.Fatalf("nack = %+v ok=%v", nack, ok)
	}
	if out := e.Poll(now.Add(10 * time.Millisecond)); len(out) != 0 {
		t.Errorf("NACK repeated right away: %v", out)
	}
}

func TestDeltaRules(t *testing.T) {
	cfg := testConfig()
	cfg.GapTolerance = 2
	e := playing(t, cfg)

	// the base is newer than anything applied here
	out := e.Handle(fromServer(deltaSnap(3, 2, cell(0, 0, 2))), t0)
	if _, ok := has[protocol.SnapshotNack](out); !ok {
		t.Fatalf("base mismatch reply = %v", out)
	}
	if e.View().Owner(0, 0) != grid.Unowned {
		t.Error("delta with unknown base was applied")
	}

	out = e.Handle(fromServer(deltaSnap(3, 1, cell(0, 0, 2))), t0)
	if ack, ok := has[protocol.SnapshotAck](out); !ok || ack.ID != 3 {
		t.Fatalf("delta reply = %v", out)
	}
	if e.View().Owner(0, 0) != 2 {
		t.Error("delta not applied")
	}

	// stale and duplicate ids are ignored
	if out := e.Handle(fromServer(deltaSnap(3, 1, cell(1, 0, 2))), t0); out != nil {
		t.Errorf("duplicate delta reply = %v", out)
	}

	// too many ids skipped: resync, but the delta is still good
	out = e.Handle(fromServer(deltaSnap(9, 3, cell(2, 2, 1))), t0.Add(time.Second))
	if _, ok := has[protocol.SnapshotNack](out); !ok {
		t.Errorf("large gap did not NACK: %v", out)
	}
	if _, ok := has[protocol.SnapshotAck](out); !ok || e.View().Owner(2, 2) != 1 {
		t.Errorf("large-gap delta not applied: %v", out)
	}

	e.Poll(t0.Add(time.Second))
	st := e.Stats()
	if st.DeltasRejected != 1 || st.SnapshotsStale != 1 {
		t.Errorf("stats = %+v", st)
	}
}

// TestConvergesFromLaterFullSnapshot loses deltas and events, then a full
// snapshot brings the board and the event stream back in line
func TestConvergesFromLaterFullSnapshot(t *testing.T) {
	e := playing(t, testConfig())

	e.Handle(fromServer(protocol.AcquireEvent{Seq: 3, Row: 2, Col: 2, Claimant: 2}), t0)
	e.Handle(fromServer(protocol.AcquireEvent{Seq: 6, Row: 1, Col: 1, Claimant: 1}), t0)

	authoritative := []protocol.CellUpdate{cell(0, 0, 1), cell(0, 1, 2), cell(2, 2, 2)}
	e.Handle(fromServer(full(7, 5, authoritative...)), t0)

	want := grid.New(3)
	for _, cu := range authoritative {
		want.Apply(grid.Claim{Cell: grid.Coord{Row: int(cu.Row), Col: int(cu.Col)}, Player: grid.PlayerID(cu.Owner)})
	}
	want.Apply(grid.Claim{Cell: grid.Coord{Row: 1, Col: 1}, Player: 1}) // seq 6 released after resync

	v := e.View()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			if got, exp := v.Owner(r, c), want.At(grid.Coord{Row: r, Col: c}).Owner; got != exp {
				t.Errorf("(%d,%d) = %d, want %d", r, c, got, exp)
			}
		}
	}

	// seq 3 was covered by the snapshot
	if _, ok := has[protocol.AcquireAck](e.Handle(fromServer(protocol.AcquireEvent{Seq: 3}), t0)); !ok {
		t.Error("old event not re-acked")
	}
	if e.inbox.Next() != 7 {
		t.Errorf("inbox next = %d, want 7", e.inbox.Next())
	}
}

// TestStaleFullSnapshotKeepsNewerCells delivers a full snapshot taken
// before an event the client already applied
func TestStaleFullSnapshotKeepsNewerCells(t *testing.T) {
	e := playing(t, testConfig())

	e.Handle(fromServer(protocol.AcquireEvent{Seq: 1, Row: 0, Col: 0, Claimant: 1}), t0)
	e.Handle(fromServer(full(2, 0, cell(2, 2, 2))), t0)

	v := e.View()
	if v.Owner(0, 0) != 1 || v.Owner(2, 2) != 2 {
		t.Fatalf("after stale full: (0,0)=%d (2,2)=%d, want 1 and 2", v.Owner(0, 0), v.Owner(2, 2))
	}
	if e.inbox.Next() != 2 {
		t.Errorf("inbox next = %d, want 2", e.inbox.Next())
	}

	// an explicit unowned entry never clears an owned cell either
	e.Handle(fromServer(full(3, 1, cell(0, 0, 0))), t0)
	if got := e.View().Owner(0, 0); got != 1 {
		t.Fatalf("(0,0) = %d after unowned entry, want 1", got)
	}

	e.Handle(fromServer(protocol.GameOver{Seq: 2, Winner: 0, Scores: []protocol.Score{{Player: 1, Cells: 1}, {Player: 2, Cells: 1}}}), t0)
	v = e.View()
	if v.State != Finished || v.Owner(0, 0) != 1 {
		t.Errorf("final view state=%v owner(0,0)=%d, want finished and 1", v.State, v.Owner(0, 0))
	}
}

func TestSplitFullSnapshot(t *testing.T) {
	e := assigned(t, testConfig())
	a := protocol.Snapshot{ID: 2, Full: true, Part: 0, Parts: 2, Cells: []protocol.CellUpdate{cell(0, 0, 1)}}
	b := protocol.Snapshot{ID: 2, Full: true, Part: 1, Parts: 2, Cells: []protocol.CellUpdate{cell(2, 2, 2)}}

	if out := e.Handle(fromServer(b), t0); out != nil {
		t.Fatalf("partial snapshot reply = %v", out)
	}
	if ack, ok := has[protocol.SnapshotAck](e.Handle(fromServer(a), t0)); !ok || ack.ID != 2 {
		t.Fatal("assembled snapshot not acked")
	}
	if v := e.View(); v.Owner(0, 0) != 1 || v.Owner(2, 2) != 2 {
		t.Errorf("owners = %v", v.Owners)
	}
}

func TestRenderDelay(t *testing.T) {
	cfg := testConfig()
	cfg.RenderDelay = 100 * time.Millisecond
	e := assigned(t, cfg)
	e.Handle(fromServer(full(1, 0, cell(1, 1, 2))), t0)

	e.Poll(t0.Add(99 * time.Millisecond))
	if e.View().Owner(1, 1) != grid.Unowned {
		t.Fatal("view published before the render delay")
	}
	e.Poll(t0.Add(100 * time.Millisecond))
	v := e.View()
	if v.Owner(1, 1) != 2 || v.State != Playing {
		t.Errorf("view after delay = %+v", v)
	}
}

func TestClaims(t *testing.T) {
	cfg := testConfig()
	cfg.WatchdogTimeout = time.Hour

	e := assigned(t, cfg)
	if _, err := e.Claim(grid.Coord{}, t0); !errors.Is(err, ErrNotPlaying) {
		t.Fatalf("claim while syncing: %v", err)
	}
	e.Handle(fromServer(full(1, 0, cell(0, 0, 2))), t0)

	tests := []struct {
		c    grid.Coord
		want error
	}{
		{grid.Coord{Row: 0, Col: 0}, grid.ErrAlreadyOwned},
		{grid.Coord{Row: 3, Col: 0}, grid.ErrOutOfBounds},
		{grid.Coord{Row: 1, Col: 1}, nil},
		{grid.Coord{Row: 2, Col: 0}, nil},
	}
	for _, tt := range tests {
		out, err := e.Claim(tt.c, t0)
		if !errors.Is(err, tt.want) {
			t.Errorf("Claim(%s) err = %v, want %v", tt.c, err, tt.want)
		}
		if tt.want == nil {
			req, ok := has[protocol.AcquireReq](out)
			if !ok || int(req.Row) != tt.c.Row || int(req.Col) != tt.c.Col {
				t.Errorf("Claim(%s) = %v", tt.c, out)
			}
		}
	}

	// (1,1) goes to someone else; only (2,0) is resent
	e.Handle(fromServer(protocol.AcquireEvent{Seq: 1, Row: 1, Col: 1, Claimant: 2}), t0)
	out := e.Poll(t0.Add(cfg.ClaimRetry))
	if len(out) != 1 {
		t.Fatalf("resend = %v", out)
	}
	if req := out[0].(protocol.AcquireReq); req.Row != 2 || req.Col != 0 {
		t.Errorf("resent %+v", req)
	}
	if e.Stats().ClaimResends != 1 {
		t.Errorf("ClaimResends = %d", e.Stats().ClaimResends)
	}
}

func TestGameOver(t *testing.T) {
	e := playing(t, testConfig())
	drain(e)

	over := protocol.GameOver{Seq: 2, Winner: 1, Scores: []protocol.Score{{Player: 1, Cells: 5}, {Player: 2, Cells: 4}}}
	e.Handle(fromServer(over), t0)
	if e.State() != Playing {
		t.Fatal("GAME_OVER applied ahead of seq 1")
	}
	e.Handle(fromServer(protocol.AcquireEvent{Seq: 1, Row: 2, Col: 2, Claimant: 1}), t0)

	if e.State() != Finished {
		t.Fatalf("state = %v, want finished", e.State())
	}
	v := e.View()
	if v.State != Finished || v.Winner != 1 || v.Scores[1] != 5 || v.Owner(2, 2) != 1 {
		t.Errorf("final view = %+v", v)
	}

	var kinds []EventKind
	for _, ev := range drain(e) {
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) != 3 || kinds[0] != EventAcquired || kinds[1] != EventStateChanged || kinds[2] != EventGameOver {
		t.Errorf("event kinds = %v", kinds)
	}

	// retransmits are still acked, snapshots are ignored
	if _, ok := has[protocol.AcquireAck](e.Handle(fromServer(over), t0)); !ok {
		t.Error("GAME_OVER retransmit not acked")
	}
	if out := e.Handle(fromServer(full(9, 2, cell(0, 0, 2))), t0); out != nil {
		t.Errorf("snapshot after game over: %v", out)
	}
	if _, err := e.Claim(grid.Coord{Row: 0, Col: 0}, t0); !errors.Is(err, ErrNotPlaying) {
		t.Errorf("claim after game over: %v", err)
	}
}

func TestIgnoresClientRole(t *testing.T) {
	e := playing(t, testConfig())
	env := protocol.Envelope{Role: protocol.RoleClient, Msg: protocol.AcquireEvent{Seq: 1, Claimant: 2}}
	if out := e.Handle(env, t0); out != nil {
		t.Errorf("reply to client-role datagram: %v", out)
	}
}
