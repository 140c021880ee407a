package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies an event.
type EventType uint8

const (
	EventTypeUnknown EventType = iota
	EventTypeGameStart
	EventTypePeerJoin
	EventTypePeerLeave
	EventTypeClaim
	EventTypeClaimRejected
	EventTypeResync
	EventTypeGameOver
)

// EventVersion for backwards compatibility in replay
const EventVersion uint8 = 1

var eventTypeNames = [...]string{
	EventTypeUnknown:       "unknown",
	EventTypeGameStart:     "game_start",
	EventTypePeerJoin:      "peer_join",
	EventTypePeerLeave:     "peer_leave",
	EventTypeClaim:         "claim",
	EventTypeClaimRejected: "claim_rejected",
	EventTypeResync:        "resync",
	EventTypeGameOver:      "game_over",
}

func (t EventType) String() string {
	if int(t) < len(eventTypeNames) {
		return eventTypeNames[t]
	}
	return "unknown"
}

// MarshalText writes the type by name so the log stays readable.
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	for i, name := range eventTypeNames {
		if name == string(b) {
			*t = EventType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", b)
}

// Critical events are needed to rebuild the grid and are never rate
// limited.
func (t EventType) Critical() bool {
	switch t {
	case EventTypeGameStart, EventTypePeerJoin, EventTypeClaim, EventTypeGameOver:
		return true
	}
	return false
}

// Event is one line of the JSONL log.
type Event struct {
	Version   uint8           `json:"version"`
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"` // Unix nano
	Sequence  uint64          `json:"sequence"`  // Assigned by the log
	GameID    string          `json:"gameId"`
	Tick      uint64          `json:"tick"`
	PlayerID  uint8           `json:"playerId,omitempty"` // Source player (for rate limiting)
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// GameStartPayload opens a game.
type GameStartPayload struct {
	GridSize   int `json:"gridSize"`
	MaxPlayers int `json:"maxPlayers"`
}

// PeerPayload describes a join or a leave.
type PeerPayload struct {
	PlayerID uint8  `json:"playerId"`
	Addr     string `json:"addr"`
	Reason   string `json:"reason,omitempty"`
}

// ClaimPayload is an accepted claim, in server order.
type ClaimPayload struct {
	Seq    uint32 `json:"seq"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Player uint8  `json:"player"`
}

// RejectPayload is a claim that lost or was invalid.
type RejectPayload struct {
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Player uint8  `json:"player"`
	Reason string `json:"reason"`
}

// ResyncPayload records a NACK.
type ResyncPayload struct {
	LastGood    uint32 `json:"lastGood"`
	HasLastGood bool   `json:"hasLastGood"`
}

// GameOverPayload closes a game.
type GameOverPayload struct {
	Winner uint8         `json:"winner"`
	Scores map[uint8]int `json:"scores"`
}

// EncodePayload marshals a payload to JSON bytes
func EncodePayload(payload interface{}) json.RawMessage {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, gameID string, tick uint64, playerID uint8, payload interface{}) Event {
	return Event{
		Version:   EventVersion,
		Type:      eventType,
		Timestamp: time.Now().UnixNano(),
		GameID:    gameID,
		Tick:      tick,
		PlayerID:  playerID,
		Payload:   EncodePayload(payload),
	}
}
