// Package delta builds per-peer snapshot payloads.
//
// The Tracker remembers, for every cell, the snapshot id in which it last
// changed. An Encoder keeps one peer's acknowledged baseline and asks the
// Tracker for everything newer. Ownership only moves from unowned to owned,
// so a delta against any snapshot the peer has already applied is safe to
// apply on top of a newer one.
package delta

import (
	"grid-clash/internal/grid"
	"grid-clash/internal/protocol"
)

// Tracker records the snapshot id at which each cell last changed.
type Tracker struct {
	size    int
	changed []uint32
}

// NewTracker creates a tracker for a size×size board.
func NewTracker(size int) *Tracker {
	return &Tracker{size: size, changed: make([]uint32, size*size)}
}

// Mark notes that c changed in snapshot id.
func (t *Tracker) Mark(c grid.Coord, id uint32) {
	if c.Row < 0 || c.Row >= t.size || c.Col < 0 || c.Col >= t.size {
		return
	}
	t.changed[c.Row*t.size+c.Col] = id
}

// Since lists cells changed after base, in row-major order.
func (t *Tracker) Since(base uint32) []grid.Coord {
	var out []grid.Coord
	for i, id := range t.changed {
		if id > base {
			out = append(out, grid.Coord{Row: i / t.size, Col: i % t.size})
		}
	}
	return out
}

// Encoder produces the snapshots one peer should receive.
type Encoder struct {
	baseline    uint32
	hasBaseline bool
	lastSent    uint32
	needFull    bool
}

// NewEncoder starts with no baseline, so the first snapshot is full.
func NewEncoder() *Encoder {
	return &Encoder{needFull: true}
}

// Ack raises the baseline to id. Acks for ids never sent, or older than
// the current baseline, are ignored.
func (e *Encoder) Ack(id uint32) bool {
	if id > e.lastSent || (e.hasBaseline && id <= e.baseline) {
		return false
	}
	e.baseline = id
	e.hasBaseline = true
	return true
}

// ForceFull makes the next snapshot a full one (join or NACK).
func (e *Encoder) ForceFull() { e.needFull = true }

// Baseline returns the highest acked snapshot id.
func (e *Encoder) Baseline() (uint32, bool) { return e.baseline, e.hasBaseline }

// Encode builds snapshot id for this peer: a delta against the baseline
// when one exists, otherwise the full board. A delta too big for one
// datagram falls back to the full board, which Full splits into parts.
func (e *Encoder) Encode(id uint32, tick uint64, g *grid.Grid, tr *Tracker, eventSeq uint32) []protocol.Snapshot {
	e.lastSent = id

	if e.hasBaseline && !e.needFull {
		changed := tr.Since(e.baseline)
		if len(changed) <= protocol.MaxCellsPerSnapshot {
			return []protocol.Snapshot{{
				ID:       id,
				Tick:     tick,
				BaseID:   e.baseline,
				EventSeq: eventSeq,
				Cells:    updates(g, changed),
			}}
		}
	}

	e.needFull = false
	return Full(id, tick, g, eventSeq)
}

// Full splits every owned cell of g into as many parts as needed.
func Full(id uint32, tick uint64, g *grid.Grid, eventSeq uint32) []protocol.Snapshot {
	var owned []grid.Coord
	g.Each(func(c grid.Coord, cell grid.Cell) {
		if cell.Owner != grid.Unowned {
			owned = append(owned, c)
		}
	})

	parts := (len(owned) + protocol.MaxCellsPerSnapshot - 1) / protocol.MaxCellsPerSnapshot
	if parts == 0 {
		parts = 1
	}
	out := make([]protocol.Snapshot, 0, parts)
	for p := 0; p < parts; p++ {
		lo := p * protocol.MaxCellsPerSnapshot
		hi := min(lo+protocol.MaxCellsPerSnapshot, len(owned))
		out = append(out, protocol.Snapshot{
			ID:       id,
			Tick:     tick,
			Full:     true,
			Part:     uint8(p),
			Parts:    uint8(parts),
			EventSeq: eventSeq,
			Cells:    updates(g, owned[lo:hi]),
		})
	}
	return out
}

func updates(g *grid.Grid, coords []grid.Coord) []protocol.CellUpdate {
	out := make([]protocol.CellUpdate, 0, len(coords))
	for _, c := range coords {
		cell := g.At(c)
		out = append(out, protocol.CellUpdate{
			Row:   uint8(c.Row),
			Col:   uint8(c.Col),
			Owner: uint8(cell.Owner),
			Tick:  cell.ClaimedAtTick,
		})
	}
	return out
}

// Assembler collects the parts of split full snapshots on the receiving
// side. Only the newest id is kept; parts of an older id are discarded.
type Assembler struct {
	id    uint32
	parts []*protocol.Snapshot
	have  int
}

// Add stores one part. It returns the merged snapshot once every part of
// that id has arrived.
func (a *Assembler) Add(s protocol.Snapshot) (protocol.Snapshot, bool) {
	if !s.Full {
		return s, true
	}
	n := int(s.Parts)
	if n <= 1 {
		return s, true
	}
	if int(s.Part) >= n {
		return protocol.Snapshot{}, false
	}
	if a.parts != nil && s.ID < a.id {
		return protocol.Snapshot{}, false
	}
	if a.parts == nil || s.ID != a.id || len(a.parts) != n {
		a.id = s.ID
		a.parts = make([]*protocol.Snapshot, n)
		a.have = 0
	}
	if a.parts[s.Part] != nil {
		return protocol.Snapshot{}, false
	}
	part := s
	a.parts[s.Part] = &part
	a.have++
	if a.have < n {
		return protocol.Snapshot{}, false
	}

	merged := s
	merged.Part, merged.Parts = 0, 1
	merged.Cells = nil
	for _, p := range a.parts {
		merged.Cells = append(merged.Cells, p.Cells...)
	}
	a.parts = nil
	a.have = 0
	return merged, true
}
