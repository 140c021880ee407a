package server

import (
	"sort"

	"grid-clash/internal/grid"
)

// Request is one ACQUIRE_REQ collected during a tick. Arrival is the
// server's receipt order; it is the only tie breaker.
type Request struct {
	Player  grid.PlayerID
	Cell    grid.Coord
	Arrival uint64
}

// Decision is the verdict on one request.
type Decision struct {
	Request
	Result grid.Result
}

// Resolve applies a tick's requests to g in receipt order. The first
// valid request for a cell wins; later ones are rejected as AlreadyOwned
// and get no reply of their own, the next snapshot shows the owner.
// Client-supplied ticks are never consulted.
func Resolve(g *grid.Grid, tick uint64, reqs []Request) []Decision {
	ordered := make([]Request, len(reqs))
	copy(ordered, reqs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Arrival < ordered[j].Arrival })

	out := make([]Decision, 0, len(ordered))
	for _, r := range ordered {
		out = append(out, Decision{Request: r, Result: g.TryClaim(r.Cell, r.Player, tick)})
	}
	return out
}
