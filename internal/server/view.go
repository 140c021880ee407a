package server

import (
	"time"

	"grid-clash/internal/grid"
)

// PeerInfo is the read-only view of one peer.
type PeerInfo struct {
	ID                grid.PlayerID `json:"id"`
	Addr              string        `json:"addr"`
	State             string        `json:"state"`
	LastAckedSnapshot uint32        `json:"lastAckedSnapshot"`
	PendingReliable   int           `json:"pendingReliable"`
	JoinedAt          time.Time     `json:"joinedAt"`
	LastHeard         time.Time     `json:"lastHeard"`
}

// Stats are cumulative protocol counters.
type Stats struct {
	Ticks         uint64 `json:"ticks"`
	Received      uint64 `json:"received"`
	Malformed     uint64 `json:"malformed"`
	RateLimited   uint64 `json:"rateLimited"`
	Violations    uint64 `json:"violations"`
	Deferred      uint64 `json:"deferred"` // left in the queue by the per-tick cap
	Rejected      uint64 `json:"rejected"` // joins refused
	SnapshotsSent uint64 `json:"snapshotsSent"`
	FullSnapshots uint64 `json:"fullSnapshots"`
	Retransmits   uint64 `json:"retransmits"`
	Nacks         uint64 `json:"nacks"`
	ClaimsWon     uint64 `json:"claimsWon"`
	ClaimsLost    uint64 `json:"claimsLost"`
	SendErrors    uint64 `json:"sendErrors"`
}

// View is an immutable copy of the session published once per tick.
// Readers on other goroutines (HTTP, websocket, renderer) use it without
// touching the live grid.
type View struct {
	GameID     string            `json:"gameId"`
	Tick       uint64            `json:"tick"`
	SnapshotID uint32            `json:"snapshotId"`
	GridSize   int               `json:"gridSize"`
	Owners     [][]grid.PlayerID `json:"owners"`
	Scores     grid.Scoreboard   `json:"scores"`
	Owned      int               `json:"owned"`
	Unowned    int               `json:"unowned"`
	Phase      string            `json:"phase"`
	Winner     grid.PlayerID     `json:"winner"`
	Peers      []PeerInfo        `json:"peers"`
	Stats      Stats             `json:"stats"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Finished reports whether the game reached GAME_OVER.
func (v *View) Finished() bool { return v.Phase != phasePlaying.String() }
