// Package protocol frames game messages into datagrams.
//
// Every datagram is a fixed 29-byte big-endian header followed by a
// msgpack payload:
//
//	magic "MLSP" | version | type | role | snapshot id u32 | seq u32 |
//	timestamp ms u64 | payload len u16 | crc32 u32
//
// The checksum covers the header (with the crc field zeroed) plus the
// payload. Decode rejects anything that does not parse cleanly.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	Magic   = "MLSP"
	Version = 1

	HeaderSize      = 29
	MaxDatagramSize = 1200
	MaxPayloadSize  = MaxDatagramSize - HeaderSize

	// A packed CellUpdate is at most 16 bytes (array header, three uint8,
	// uint64). Keep headroom for the snapshot's own fields.
	cellUpdateSize      = 16
	snapshotOverhead    = 96
	MaxCellsPerSnapshot = (MaxPayloadSize - snapshotOverhead) / cellUpdateSize
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrPayloadTooLarge  = errors.New("payload too large")
)

// MsgType is the on-wire message kind.
type MsgType uint8

const (
	MsgInit         MsgType = 1
	MsgAssignID     MsgType = 2
	MsgSnapshot     MsgType = 3
	MsgAcquireReq   MsgType = 4
	MsgSnapshotAck  MsgType = 5
	MsgGameOver     MsgType = 6
	MsgSnapshotNack MsgType = 7
	MsgAssignIDAck  MsgType = 8
	MsgAcquireEvent MsgType = 9
	MsgAcquireAck   MsgType = 10
)

var typeNames = map[MsgType]string{
	MsgInit:         "INIT",
	MsgAssignID:     "ASSIGN_ID",
	MsgSnapshot:     "SNAPSHOT",
	MsgAcquireReq:   "ACQUIRE_REQ",
	MsgSnapshotAck:  "SNAPSHOT_ACK",
	MsgGameOver:     "GAME_OVER",
	MsgSnapshotNack: "SNAPSHOT_NACK",
	MsgAssignIDAck:  "ASSIGN_ID_ACK",
	MsgAcquireEvent: "ACQUIRE_EVENT",
	MsgAcquireAck:   "ACQUIRE_ACK",
}

func (t MsgType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// Role tags who sent a datagram.
type Role uint8

const (
	RoleServer Role = 1
	RoleClient Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Envelope is a decoded datagram.
type Envelope struct {
	Role       Role
	SnapshotID uint32
	Seq        uint32
	Timestamp  uint64 // sender wall clock, unix ms
	Msg        Message
}

// Type is a shorthand for e.Msg.Type().
func (e Envelope) Type() MsgType {
	if e.Msg == nil {
		return 0
	}
	return e.Msg.Type()
}

// Encode serializes env into a single datagram. It never truncates: a
// payload that would exceed MaxDatagramSize returns ErrPayloadTooLarge.
func Encode(env Envelope) ([]byte, error) {
	if env.Msg == nil {
		return nil, fmt.Errorf("encode: nil message: %w", ErrMalformedMessage)
	}
	payload, err := msgpack.Marshal(env.Msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Msg.Type(), err)
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("encode %s: %d bytes: %w", env.Msg.Type(), len(payload)+HeaderSize, ErrPayloadTooLarge)
	}

	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = byte(env.Msg.Type())
	buf[6] = byte(env.Role)
	binary.BigEndian.PutUint32(buf[7:11], env.SnapshotID)
	binary.BigEndian.PutUint32(buf[11:15], env.Seq)
	binary.BigEndian.PutUint64(buf[15:23], env.Timestamp)
	binary.BigEndian.PutUint16(buf[23:25], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)

	binary.BigEndian.PutUint32(buf[25:29], checksum(buf))
	return buf, nil
}

// Decode parses a datagram. Every failure wraps ErrMalformedMessage; it
// does not panic on arbitrary input.
func Decode(data []byte) (env Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			env = Envelope{}
			err = fmt.Errorf("decode panic %v: %w", r, ErrMalformedMessage)
		}
	}()

	if len(data) < HeaderSize {
		return Envelope{}, fmt.Errorf("short datagram (%d bytes): %w", len(data), ErrMalformedMessage)
	}
	if len(data) > MaxDatagramSize {
		return Envelope{}, fmt.Errorf("oversize datagram (%d bytes): %w", len(data), ErrMalformedMessage)
	}
	if !bytes.Equal(data[0:4], []byte(Magic)) {
		return Envelope{}, fmt.Errorf("bad magic: %w", ErrMalformedMessage)
	}
	if data[4] != Version {
		return Envelope{}, fmt.Errorf("version %d: %w", data[4], ErrMalformedMessage)
	}
	plen := int(binary.BigEndian.Uint16(data[23:25]))
	if HeaderSize+plen != len(data) {
		return Envelope{}, fmt.Errorf("length mismatch: header %d, got %d: %w", plen, len(data)-HeaderSize, ErrMalformedMessage)
	}
	if want := binary.BigEndian.Uint32(data[25:29]); checksum(data) != want {
		return Envelope{}, fmt.Errorf("checksum mismatch: %w", ErrMalformedMessage)
	}

	t := MsgType(data[5])
	target, deref, ok := newMessage(t)
	if !ok {
		return Envelope{}, fmt.Errorf("unknown type %d: %w", data[5], ErrMalformedMessage)
	}
	if err := msgpack.Unmarshal(data[HeaderSize:], target); err != nil {
		return Envelope{}, fmt.Errorf("payload %s: %v: %w", t, err, ErrMalformedMessage)
	}

	role := Role(data[6])
	if role != RoleServer && role != RoleClient {
		return Envelope{}, fmt.Errorf("role %d: %w", data[6], ErrMalformedMessage)
	}

	return Envelope{
		Role:       role,
		SnapshotID: binary.BigEndian.Uint32(data[7:11]),
		Seq:        binary.BigEndian.Uint32(data[11:15]),
		Timestamp:  binary.BigEndian.Uint64(data[15:23]),
		Msg:        deref(target),
	}, nil
}

// checksum is CRC32 (IEEE) over the datagram with its crc field zeroed.
func checksum(data []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(data[:25])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(data[HeaderSize:])
	return h.Sum32()
}
