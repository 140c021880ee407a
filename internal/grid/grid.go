// Package grid holds the authoritative ownership table.
//
// Grid is pure state plus validation: no I/O, no clocks, no randomness.
// Replaying the same ordered claims on a fresh Grid always yields the same
// cells, which is what lets every peer converge on the server's board.
package grid

import (
	"errors"
	"fmt"
	"sort"
)

// PlayerID identifies a participant. Zero means unowned.
type PlayerID uint8

const (
	Unowned    PlayerID = 0
	MaxPlayers          = 4
)

// Valid reports whether id is drawn from the fixed pool {1..4}.
func (id PlayerID) Valid() bool {
	return id >= 1 && id <= MaxPlayers
}

// Coord addresses a cell.
type Coord struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d)", c.Row, c.Col)
}

// Cell is one ownable square.
type Cell struct {
	Owner         PlayerID `json:"owner"`
	ClaimedAtTick uint64   `json:"claimedAtTick"`
}

// Claim is an accepted ownership change, the unit of the replay log.
type Claim struct {
	Cell   Coord    `json:"cell"`
	Player PlayerID `json:"player"`
	Tick   uint64   `json:"tick"`
}

// Reason explains a rejected claim.
type Reason uint8

const (
	ReasonNone Reason = iota
	AlreadyOwned
	OutOfBounds
	UnknownPlayer
)

func (r Reason) String() string {
	switch r {
	case AlreadyOwned:
		return "already_owned"
	case OutOfBounds:
		return "out_of_bounds"
	case UnknownPlayer:
		return "unknown_player"
	default:
		return "none"
	}
}

var (
	ErrAlreadyOwned  = errors.New("cell already owned")
	ErrOutOfBounds   = errors.New("cell out of bounds")
	ErrUnknownPlayer = errors.New("unknown player")
)

// Result is the outcome of TryClaim.
type Result struct {
	Accepted bool
	Reason   Reason
}

// Err maps a rejection onto its sentinel error; nil when accepted.
func (r Result) Err() error {
	switch r.Reason {
	case AlreadyOwned:
		return ErrAlreadyOwned
	case OutOfBounds:
		return ErrOutOfBounds
	case UnknownPlayer:
		return ErrUnknownPlayer
	}
	return nil
}

func accepted() Result              { return Result{Accepted: true} }
func rejected(reason Reason) Result { return Result{Reason: reason} }

// Grid is an N×N ownership table plus the roster of known players.
type Grid struct {
	size    int
	cells   []Cell
	owned   int
	players map[PlayerID]struct{}
}

// New creates an empty size×size grid.
func New(size int) *Grid {
	if size < 1 {
		size = 1
	}
	return &Grid{
		size:    size,
		cells:   make([]Cell, size*size),
		players: make(map[PlayerID]struct{}, MaxPlayers),
	}
}

// Size returns N.
func (g *Grid) Size() int { return g.size }

// AddPlayer registers id as a legal claimant.
func (g *Grid) AddPlayer(id PlayerID) error {
	if !id.Valid() {
		return fmt.Errorf("player %d: %w", id, ErrUnknownPlayer)
	}
	g.players[id] = struct{}{}
	return nil
}

// HasPlayer reports whether id may claim cells.
func (g *Grid) HasPlayer(id PlayerID) bool {
	_, ok := g.players[id]
	return ok
}

// InBounds reports whether c lies on the board.
func (g *Grid) InBounds(c Coord) bool {
	return c.Row >= 0 && c.Row < g.size && c.Col >= 0 && c.Col < g.size
}

func (g *Grid) index(c Coord) int { return c.Row*g.size + c.Col }

// At returns the cell at c. Out-of-bounds coordinates read as unowned.
func (g *Grid) At(c Coord) Cell {
	if !g.InBounds(c) {
		return Cell{}
	}
	return g.cells[g.index(c)]
}

// TryClaim gives c to player if it is on the board, unowned, and the
// player is registered. A rejected claim never mutates the grid.
func (g *Grid) TryClaim(c Coord, player PlayerID, tick uint64) Result {
	if !g.InBounds(c) {
		return rejected(OutOfBounds)
	}
	if !g.HasPlayer(player) {
		return rejected(UnknownPlayer)
	}
	cell := &g.cells[g.index(c)]
	if cell.Owner != Unowned {
		return rejected(AlreadyOwned)
	}
	cell.Owner = player
	cell.ClaimedAtTick = tick
	g.owned++
	return accepted()
}

// Apply writes an already-decided claim without roster checks. It is
// idempotent: applying the same claim twice leaves the grid unchanged, and
// an owned cell never changes hands. Returns true when the grid changed.
func (g *Grid) Apply(cl Claim) bool {
	if !g.InBounds(cl.Cell) || cl.Player == Unowned {
		return false
	}
	cell := &g.cells[g.index(cl.Cell)]
	if cell.Owner != Unowned {
		return false
	}
	cell.Owner = cl.Player
	cell.ClaimedAtTick = cl.Tick
	g.owned++
	return true
}

// Set overwrites a cell from an authoritative snapshot. Clients use it to
// mirror the server; the server never calls it.
func (g *Grid) Set(c Coord, cell Cell) {
	if !g.InBounds(c) {
		return
	}
	cur := &g.cells[g.index(c)]
	switch {
	case cur.Owner == Unowned && cell.Owner != Unowned:
		g.owned++
	case cur.Owner != Unowned && cell.Owner == Unowned:
		g.owned--
	}
	*cur = cell
}

// Owned returns the number of owned cells.
func (g *Grid) Owned() int { return g.owned }

// Unowned returns the number of cells still up for grabs.
func (g *Grid) Unowned() int { return len(g.cells) - g.owned }

// Complete reports whether every cell has an owner.
func (g *Grid) Complete() bool { return g.Unowned() == 0 }

// Reset clears ownership, keeping size and roster. Only a new game resets.
func (g *Grid) Reset() {
	for i := range g.cells {
		g.cells[i] = Cell{}
	}
	g.owned = 0
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	c := &Grid{
		size:    g.size,
		cells:   make([]Cell, len(g.cells)),
		owned:   g.owned,
		players: make(map[PlayerID]struct{}, len(g.players)),
	}
	copy(c.cells, g.cells)
	for id := range g.players {
		c.players[id] = struct{}{}
	}
	return c
}

// Equal compares sizes and cell ownership. ClaimedAtTick is ignored when
// ownersOnly is true, which is what a client mirror can guarantee.
func (g *Grid) Equal(o *Grid, ownersOnly bool) bool {
	if g.size != o.size {
		return false
	}
	for i := range g.cells {
		if g.cells[i].Owner != o.cells[i].Owner {
			return false
		}
		if !ownersOnly && g.cells[i].ClaimedAtTick != o.cells[i].ClaimedAtTick {
			return false
		}
	}
	return true
}

// Owners returns the board as rows of owner ids.
func (g *Grid) Owners() [][]PlayerID {
	out := make([][]PlayerID, g.size)
	for r := 0; r < g.size; r++ {
		row := make([]PlayerID, g.size)
		for c := 0; c < g.size; c++ {
			row[c] = g.cells[r*g.size+c].Owner
		}
		out[r] = row
	}
	return out
}

// Each visits every cell in row-major order.
func (g *Grid) Each(fn func(Coord, Cell)) {
	for i, cell := range g.cells {
		fn(Coord{Row: i / g.size, Col: i % g.size}, cell)
	}
}

// Scoreboard counts owned cells per player.
type Scoreboard map[PlayerID]int

// Scoreboard tallies the current board. Registered players with no cells
// appear with zero.
func (g *Grid) Scoreboard() Scoreboard {
	sb := make(Scoreboard, len(g.players))
	for id := range g.players {
		sb[id] = 0
	}
	for _, cell := range g.cells {
		if cell.Owner != Unowned {
			sb[cell.Owner]++
		}
	}
	return sb
}

// Players returns scoreboard ids in ascending order.
func (sb Scoreboard) Players() []PlayerID {
	ids := make([]PlayerID, 0, len(sb))
	for id := range sb {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Winner returns the player with the most cells. ok is false on a tie or
// an empty board.
func (sb Scoreboard) Winner() (winner PlayerID, ok bool) {
	best := -1
	for _, id := range sb.Players() {
		n := sb[id]
		switch {
		case n > best:
			best, winner, ok = n, id, true
		case n == best:
			ok = false
		}
	}
	if best <= 0 {
		return Unowned, false
	}
	if !ok {
		return Unowned, false
	}
	return winner, true
}

// Replay rebuilds a grid from an ordered claim log. Every claim is
// validated with TryClaim, so a log that the server would not have
// produced is reported instead of silently applied.
func Replay(size int, players []PlayerID, claims []Claim) (*Grid, error) {
	g := New(size)
	for _, id := range players {
		if err := g.AddPlayer(id); err != nil {
			return nil, err
		}
	}
	for i, cl := range claims {
		if res := g.TryClaim(cl.Cell, cl.Player, cl.Tick); !res.Accepted {
			return nil, fmt.Errorf("claim %d %s by %d: %w", i, cl.Cell, cl.Player, res.Err())
		}
	}
	return g, nil
}
