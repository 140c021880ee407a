package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"grid-clash/internal/grid"
)

var ErrNoGame = errors.New("no game_start event in log")

// Read parses a JSONL event stream.
func Read(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// ReadFile reads every event in path.
func ReadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Game is the replayable part of one game's log.
type Game struct {
	ID       string
	GridSize int
	Players  []grid.PlayerID
	Claims   []grid.Claim
	Winner   uint8
	Finished bool
}

// Extract pulls one game out of a log. An empty gameID selects the last
// game started in the log. Claims are ordered by their server sequence.
func Extract(events []Event, gameID string) (*Game, error) {
	if gameID == "" {
		for _, ev := range events {
			if ev.Type == EventTypeGameStart {
				gameID = ev.GameID
			}
		}
	}

	g := &Game{ID: gameID}
	started := false
	type seqClaim struct {
		seq   uint32
		claim grid.Claim
	}
	var claims []seqClaim

	for _, ev := range events {
		if ev.GameID != gameID {
			continue
		}
		switch ev.Type {
		case EventTypeGameStart:
			var p GameStartPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("game_start: %w", err)
			}
			g.GridSize = p.GridSize
			started = true
		case EventTypePeerJoin:
			var p PeerPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("peer_join: %w", err)
			}
			g.Players = append(g.Players, grid.PlayerID(p.PlayerID))
		case EventTypeClaim:
			var p ClaimPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("claim: %w", err)
			}
			claims = append(claims, seqClaim{p.Seq, grid.Claim{
				Cell:   grid.Coord{Row: p.Row, Col: p.Col},
				Player: grid.PlayerID(p.Player),
				Tick:   ev.Tick,
			}})
		case EventTypeGameOver:
			var p GameOverPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				return nil, fmt.Errorf("game_over: %w", err)
			}
			g.Winner = p.Winner
			g.Finished = true
		}
	}
	if !started {
		return nil, ErrNoGame
	}

	sort.SliceStable(claims, func(i, j int) bool { return claims[i].seq < claims[j].seq })
	for _, c := range claims {
		g.Claims = append(g.Claims, c.claim)
	}
	return g, nil
}

// Rebuild replays the game's claims onto a fresh grid.
func (g *Game) Rebuild() (*grid.Grid, error) {
	return grid.Replay(g.GridSize, g.Players, g.Claims)
}
