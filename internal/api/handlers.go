package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"grid-clash/internal/grid"
	"grid-clash/internal/logger"
	"grid-clash/internal/render"
	"grid-clash/internal/server"
)

type scoreEntry struct {
	Player grid.PlayerID `json:"player"`
	Cells  int           `json:"cells"`
}

type scoreboardResponse struct {
	Scores  []scoreEntry  `json:"scores"`
	Winner  grid.PlayerID `json:"winner"`
	Phase   string        `json:"phase"`
	Owned   int           `json:"owned"`
	Unowned int           `json:"unowned"`
}

func (h *routerHandlers) view(w http.ResponseWriter) (*server.View, bool) {
	v := h.source.View()
	if v == nil {
		writeError(w, "game not started", http.StatusServiceUnavailable)
		return nil, false
	}
	return v, true
}

func (h *routerHandlers) handleGetState(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w)
	if !ok {
		return
	}
	writeJSON(w, map[string]interface{}{
		"gameId":     v.GameID,
		"tick":       v.Tick,
		"snapshotId": v.SnapshotID,
		"gridSize":   v.GridSize,
		"owners":     v.Owners,
		"phase":      v.Phase,
		"winner":     v.Winner,
		"updatedAt":  v.UpdatedAt,
	})
}

func scoreboard(v *server.View) scoreboardResponse {
	resp := scoreboardResponse{
		Scores:  make([]scoreEntry, 0, len(v.Scores)),
		Winner:  v.Winner,
		Phase:   v.Phase,
		Owned:   v.Owned,
		Unowned: v.Unowned,
	}
	for _, id := range v.Scores.Players() {
		resp.Scores = append(resp.Scores, scoreEntry{Player: id, Cells: v.Scores[id]})
	}
	return resp
}

func (h *routerHandlers) handleGetScoreboard(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w)
	if !ok {
		return
	}
	writeJSON(w, scoreboard(v))
}

func (h *routerHandlers) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w)
	if !ok {
		return
	}
	peers := v.Peers
	if peers == nil {
		peers = []server.PeerInfo{}
	}
	writeJSON(w, peers)
}

func (h *routerHandlers) handleGetStats(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w)
	if !ok {
		return
	}
	allowed, rejected := h.limiter.Counts()
	writeJSON(w, map[string]interface{}{
		"tick":  v.Tick,
		"phase": v.Phase,
		"peers": len(v.Peers),
		"stats": v.Stats,
		"http": map[string]uint64{
			"allowed":  allowed,
			"rejected": rejected,
		},
	})
}

// handleGridPNG draws the board. ?cell= sets the cell size in pixels.
func (h *routerHandlers) handleGridPNG(w http.ResponseWriter, r *http.Request) {
	v, ok := h.view(w)
	if !ok {
		return
	}
	opt := render.DefaultOptions()
	if s := r.URL.Query().Get("cell"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 4 || n > 128 {
			writeError(w, "cell must be between 4 and 128", http.StatusBadRequest)
			return
		}
		opt.CellSize = n
	}

	frame := render.Frame{
		Owners:  v.Owners,
		Scores:  v.Scores,
		Caption: fmt.Sprintf("tick %d  %s", v.Tick, v.Phase),
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := render.EncodePNG(w, frame, opt); err != nil {
		logger.Log.WithError(err).Warn("⚠️ PNG encode failed")
	}
}

func (h *routerHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	v := h.source.View()
	status := "ok"
	if v != nil && v.Phase == "closed" {
		status = "closed"
	}
	writeJSON(w, map[string]string{"status": status})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
