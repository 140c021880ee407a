package client

import (
	"time"

	"grid-clash/internal/grid"
)

// State is the client's position in the session lifecycle.
type State uint8

const (
	Joining State = iota
	Syncing
	Playing
	Finished
	Lost
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Syncing:
		return "syncing"
	case Playing:
		return "playing"
	case Finished:
		return "finished"
	case Lost:
		return "lost"
	}
	return "unknown"
}

// View is what the renderer draws. Views are immutable once published.
type View struct {
	PlayerID   grid.PlayerID
	State      State
	SnapshotID uint32
	Tick       uint64
	GridSize   int
	Owners     [][]grid.PlayerID
	Scores     grid.Scoreboard
	Winner     grid.PlayerID // set once Finished; Unowned on a tie
	CapturedAt time.Time
}

// Owner returns the owner of a cell, Unowned when off the board.
func (v *View) Owner(row, col int) grid.PlayerID {
	if row < 0 || row >= len(v.Owners) || col < 0 || col >= len(v.Owners[row]) {
		return grid.Unowned
	}
	return v.Owners[row][col]
}

// EventKind classifies notifications for the UI.
type EventKind uint8

const (
	EventAcquired EventKind = iota
	EventGameOver
	EventStateChanged
)

// Event is a UI notification. Acquired events arrive in server order.
type Event struct {
	Kind   EventKind
	Seq    uint32
	Cell   grid.Coord
	Player grid.PlayerID
	Winner grid.PlayerID
	Scores grid.Scoreboard
	State  State
}

// Stats are cumulative counters of the sync engine.
type Stats struct {
	SnapshotsApplied uint64
	SnapshotsStale   uint64
	DeltasRejected   uint64
	Nacks            uint64
	EventsApplied    uint64
	EventDuplicates  uint64
	EventsDropped    uint64 // UI channel full
	ClaimsSent       uint64
	ClaimResends     uint64

	LatencyLast time.Duration
	LatencyMax  time.Duration
	LatencyAvg  time.Duration
	samples     uint64
	latencySum  time.Duration
}

func (s *Stats) observeLatency(d time.Duration) {
	if d < 0 {
		return
	}
	s.samples++
	s.latencySum += d
	s.LatencyLast = d
	if d > s.LatencyMax {
		s.LatencyMax = d
	}
	s.LatencyAvg = s.latencySum / time.Duration(s.samples)
}
