package protocol

// Message is the closed set of payloads that travel inside an Envelope.
// Only types in this file implement it; routing code type-switches over
// them exhaustively.
type Message interface {
	Type() MsgType
	sealed()
}

// Init asks the server for a player id.
type Init struct{}

// AssignID hands out a player id. PlayerID 0 is a rejection and Reason
// explains it with one of the Reason constants.
type AssignID struct {
	PlayerID uint8  `msgpack:"id"`
	GridSize uint8  `msgpack:"n"`
	Reason   string `msgpack:"reason,omitempty"`
}

// Rejection reasons carried in ASSIGN_ID.
const (
	ReasonServerFull   = "server full"
	ReasonGameOver     = "game over"
	ReasonDisconnected = "disconnected"
)

// Rejected reports whether this assignment is a refusal.
func (m AssignID) Rejected() bool { return m.PlayerID == 0 }

// AssignIDAck completes the handshake.
type AssignIDAck struct {
	PlayerID uint8 `msgpack:"id"`
}

// CellUpdate is one cell's authoritative state inside a snapshot.
type CellUpdate struct {
	_msgpack struct{} `msgpack:",as_array"`
	Row      uint8
	Col      uint8
	Owner    uint8
	Tick     uint64
}

// Snapshot carries either the full board (Full) or the cells changed since
// BaseID. A full board too big for one datagram is split into Parts pieces
// sharing the same ID; the receiver applies it once all parts arrived.
// EventSeq is the highest acquire sequence already reflected in the cells.
type Snapshot struct {
	ID       uint32       `msgpack:"id"`
	Tick     uint64       `msgpack:"tick"`
	Full     bool         `msgpack:"full"`
	BaseID   uint32       `msgpack:"base,omitempty"`
	Part     uint8        `msgpack:"part,omitempty"`
	Parts    uint8        `msgpack:"parts,omitempty"`
	EventSeq uint32       `msgpack:"eseq"`
	Cells    []CellUpdate `msgpack:"cells"`
}

// SnapshotAck confirms a snapshot was applied.
type SnapshotAck struct {
	ID uint32 `msgpack:"id"`
}

// SnapshotNack requests a full resync. HasLastGood is false when the
// client never applied any snapshot.
type SnapshotNack struct {
	LastGood    uint32 `msgpack:"last"`
	HasLastGood bool   `msgpack:"has"`
}

// AcquireReq is a client's claim on a cell. RequestedTick is advisory;
// the server orders claims by arrival, not by client clocks.
type AcquireReq struct {
	Row           uint8  `msgpack:"r"`
	Col           uint8  `msgpack:"c"`
	RequestedTick uint64 `msgpack:"t"`
}

// AcquireEvent is the reliable broadcast of an accepted claim.
type AcquireEvent struct {
	Seq      uint32 `msgpack:"seq"`
	Row      uint8  `msgpack:"r"`
	Col      uint8  `msgpack:"c"`
	Claimant uint8  `msgpack:"p"`
	Tick     uint64 `msgpack:"t"`
}

// AcquireAck acknowledges a reliable-stream item (acquire or game over).
type AcquireAck struct {
	Seq uint32 `msgpack:"seq"`
}

// Score is one scoreboard row.
type Score struct {
	_msgpack struct{} `msgpack:",as_array"`
	Player   uint8
	Cells    uint16
}

// GameOver closes the game. It rides the reliable stream after the last
// acquire event. Winner 0 means a tie.
type GameOver struct {
	Seq    uint32  `msgpack:"seq"`
	Winner uint8   `msgpack:"w"`
	Scores []Score `msgpack:"scores"`
}

func (Init) Type() MsgType         { return MsgInit }
func (AssignID) Type() MsgType     { return MsgAssignID }
func (AssignIDAck) Type() MsgType  { return MsgAssignIDAck }
func (Snapshot) Type() MsgType     { return MsgSnapshot }
func (SnapshotAck) Type() MsgType  { return MsgSnapshotAck }
func (SnapshotNack) Type() MsgType { return MsgSnapshotNack }
func (AcquireReq) Type() MsgType   { return MsgAcquireReq }
func (AcquireEvent) Type() MsgType { return MsgAcquireEvent }
func (AcquireAck) Type() MsgType   { return MsgAcquireAck }
func (GameOver) Type() MsgType     { return MsgGameOver }

func (Init) sealed()         {}
func (AssignID) sealed()     {}
func (AssignIDAck) sealed()  {}
func (Snapshot) sealed()     {}
func (SnapshotAck) sealed()  {}
func (SnapshotNack) sealed() {}
func (AcquireReq) sealed()   {}
func (AcquireEvent) sealed() {}
func (AcquireAck) sealed()   {}
func (GameOver) sealed()     {}

// Sequenced is implemented by reliable-stream messages.
type Sequenced interface {
	Message
	Sequence() uint32
}

func (m AcquireEvent) Sequence() uint32 { return m.Seq }
func (m GameOver) Sequence() uint32     { return m.Seq }

// newMessage returns a zero value pointer for decoding t.
func newMessage(t MsgType) (any, func(any) Message, bool) {
	switch t {
	case MsgInit:
		return &Init{}, func(v any) Message { return *v.(*Init) }, true
	case MsgAssignID:
		return &AssignID{}, func(v any) Message { return *v.(*AssignID) }, true
	case MsgAssignIDAck:
		return &AssignIDAck{}, func(v any) Message { return *v.(*AssignIDAck) }, true
	case MsgSnapshot:
		return &Snapshot{}, func(v any) Message { return *v.(*Snapshot) }, true
	case MsgSnapshotAck:
		return &SnapshotAck{}, func(v any) Message { return *v.(*SnapshotAck) }, true
	case MsgSnapshotNack:
		return &SnapshotNack{}, func(v any) Message { return *v.(*SnapshotNack) }, true
	case MsgAcquireReq:
		return &AcquireReq{}, func(v any) Message { return *v.(*AcquireReq) }, true
	case MsgAcquireEvent:
		return &AcquireEvent{}, func(v any) Message { return *v.(*AcquireEvent) }, true
	case MsgAcquireAck:
		return &AcquireAck{}, func(v any) Message { return *v.(*AcquireAck) }, true
	case MsgGameOver:
		return &GameOver{}, func(v any) Message { return *v.(*GameOver) }, true
	}
	return nil, nil, false
}
