package api

import (
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"grid-clash/internal/config"
	"grid-clash/internal/grid"
	"grid-clash/internal/server"

	"github.com/gorilla/websocket"
)

type stubSource struct {
	view *server.View
}

func (s *stubSource) View() *server.View { return s.view }

func sampleView() *server.View {
	return &server.View{
		GameID:     "game-1",
		Tick:       42,
		SnapshotID: 40,
		GridSize:   2,
		Owners:     [][]grid.PlayerID{{1, 2}, {2, 0}},
		Scores:     grid.Scoreboard{2: 2, 1: 1},
		Owned:      3,
		Unowned:    1,
		Phase:      "playing",
		Peers: []server.PeerInfo{
			{ID: 1, Addr: "127.0.0.1:5001", State: "active"},
			{ID: 2, Addr: "127.0.0.1:5002", State: "active"},
		},
		Stats: server.Stats{Ticks: 42, Received: 100},
	}
}

func newTestServer(t *testing.T, src ViewSource, hub *Hub) *httptest.Server {
	t.Helper()
	rl := NewIPRateLimiter(RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000, CleanupInterval: time.Hour})
	t.Cleanup(rl.Stop)
	ts := httptest.NewServer(NewRouter(RouterConfig{
		Source:         src,
		Hub:            hub,
		RateLimiter:    rl,
		DisableLogging: true,
	}))
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestAPIGetState(t *testing.T) {
	ts := newTestServer(t, &stubSource{view: sampleView()}, nil)

	var state struct {
		GameID   string            `json:"gameId"`
		Tick     uint64            `json:"tick"`
		GridSize int               `json:"gridSize"`
		Owners   [][]grid.PlayerID `json:"owners"`
		Phase    string            `json:"phase"`
	}
	resp := getJSON(t, ts.URL+"/api/state", &state)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if state.GameID != "game-1" || state.Tick != 42 || state.GridSize != 2 || state.Phase != "playing" {
		t.Errorf("state = %+v", state)
	}
	if len(state.Owners) != 2 || state.Owners[0][1] != 2 {
		t.Errorf("owners = %v", state.Owners)
	}
}

func TestAPIScoreboardSorted(t *testing.T) {
	ts := newTestServer(t, &stubSource{view: sampleView()}, nil)

	var sb scoreboardResponse
	getJSON(t, ts.URL+"/api/scoreboard", &sb)
	if len(sb.Scores) != 2 || sb.Scores[0].Player != 1 || sb.Scores[1].Player != 2 {
		t.Fatalf("scores = %+v", sb.Scores)
	}
	if sb.Scores[1].Cells != 2 || sb.Owned != 3 || sb.Unowned != 1 {
		t.Errorf("scoreboard = %+v", sb)
	}
}

func TestAPIPeersAndStats(t *testing.T) {
	ts := newTestServer(t, &stubSource{view: sampleView()}, nil)

	var peers []server.PeerInfo
	getJSON(t, ts.URL+"/api/peers", &peers)
	if len(peers) != 2 || peers[1].ID != 2 {
		t.Errorf("peers = %+v", peers)
	}

	var stats struct {
		Peers int               `json:"peers"`
		Stats server.Stats      `json:"stats"`
		HTTP  map[string]uint64 `json:"http"`
	}
	getJSON(t, ts.URL+"/api/stats", &stats)
	if stats.Peers != 2 || stats.Stats.Received != 100 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.HTTP["allowed"] < 2 || stats.HTTP["rejected"] != 0 {
		t.Errorf("http counts = %v", stats.HTTP)
	}
}

func TestSpectatorSlots(t *testing.T) {
	s := newSpectatorSlots(3, 2)

	steps := []struct {
		ip       string
		wantOK   bool
		wantCode int
	}{
		{"a", true, 0},
		{"a", true, 0},
		{"a", false, http.StatusTooManyRequests},
		{"b", true, 0},
		{"c", false, http.StatusServiceUnavailable},
	}
	for i, st := range steps {
		code, ok := s.acquire(st.ip)
		if ok != st.wantOK || code != st.wantCode {
			t.Fatalf("step %d (%s): got (%d, %v), want (%d, %v)", i, st.ip, code, ok, st.wantCode, st.wantOK)
		}
	}

	s.release("a")
	if _, ok := s.acquire("c"); !ok {
		t.Fatal("slot not returned after release")
	}
	s.release("zzz") // unknown ip is a no-op
	if s.total != 3 {
		t.Errorf("total = %d, want 3", s.total)
	}
}

func TestAPIGridPNG(t *testing.T) {
	ts := newTestServer(t, &stubSource{view: sampleView()}, nil)

	resp, err := http.Get(ts.URL + "/api/grid.png?cell=8")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if _, err := png.Decode(resp.Body); err != nil {
		t.Errorf("body is not a PNG: %v", err)
	}

	bad := getJSON(t, ts.URL+"/api/grid.png?cell=2", nil)
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("cell=2 status = %d, want 400", bad.StatusCode)
	}
}

func TestAPINoViewYet(t *testing.T) {
	ts := newTestServer(t, &stubSource{}, nil)

	for _, path := range []string{"/api/state", "/api/scoreboard", "/api/peers", "/api/stats", "/api/grid.png"} {
		resp := getJSON(t, ts.URL+path, nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, resp.StatusCode)
		}
	}
	var health map[string]string
	getJSON(t, ts.URL+"/health", &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}
}

func TestAPICORSHeaders(t *testing.T) {
	ts := httptest.NewServer(NewRouter(RouterConfig{
		Source:         &stubSource{view: sampleView()},
		DisableLogging: true,
		CORSOrigins:    []string{"http://test.example.com"},
	}))
	defer ts.Close()

	req, _ := http.NewRequest("GET", ts.URL+"/api/state", nil)
	req.Header.Set("Origin", "http://test.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://test.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestAPIRateLimiting(t *testing.T) {
	router := NewRouter(RouterConfig{
		Source: &stubSource{view: sampleView()},
		RateLimitConfig: &RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             2,
			CleanupInterval:   time.Hour,
		},
		DisableLogging: true,
	})
	ts := httptest.NewServer(router)
	defer ts.Close()

	var gotRateLimited bool
	for i := 0; i < 10; i++ {
		resp, err := http.Get(ts.URL + "/api/state")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			gotRateLimited = true
			break
		}
	}
	if !gotRateLimited {
		t.Error("Expected to be rate limited after burst exceeded")
	}
}

func TestIsAllowedOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", false},
		{"http://localhost", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:8080", true},
		{"http://localhost.evil.com", false},
		{"https://example.com", false},
	}
	for _, tt := range tests {
		if got := IsAllowedOrigin(tt.origin); got != tt.want {
			t.Errorf("IsAllowedOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"remote addr", nil, "10.0.0.1:1234", "10.0.0.1"},
		{"forwarded", map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, "10.0.0.1:1234", "1.2.3.4"},
		{"real ip", map[string]string{"X-Real-IP": " 5.6.7.8 "}, "10.0.0.1:1234", "5.6.7.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := GetClientIP(r); got != tt.want {
				t.Errorf("GetClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDebugHandlerBasicAuth(t *testing.T) {
	cfg := config.DefaultObservability()
	cfg.BasicAuthUser, cfg.BasicAuthPass = "ops", "secret"
	ts := httptest.NewServer(DebugHandler(cfg))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no credentials: status %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/metrics", nil)
	req.SetBasicAuth("ops", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with credentials: status %d, want 200", resp.StatusCode)
	}
}

func TestDebugAddrForcedLocal(t *testing.T) {
	t.Setenv("ALLOW_DEBUG_EXTERNAL", "")
	tests := []struct{ in, want string }{
		{"127.0.0.1:6060", "127.0.0.1:6060"},
		{"localhost:7070", "localhost:7070"},
		{"0.0.0.0:6060", "127.0.0.1:6060"},
		{":9090", "127.0.0.1:9090"},
		{"garbage", "127.0.0.1:6060"},
	}
	for _, tt := range tests {
		if got := debugAddr(tt.in); got != tt.want {
			t.Errorf("debugAddr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHubBroadcastsToSpectators(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	ts := newTestServer(t, &stubSource{view: sampleView()}, hub)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("spectator never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	hub.Broadcast("acquire", map[string]int{"row": 1, "col": 0, "player": 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event string         `json:"event"`
		Data  map[string]int `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != "acquire" || msg.Data["player"] != 2 || msg.Data["row"] != 1 {
		t.Errorf("message = %+v", msg)
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	ts := newTestServer(t, &stubSource{view: sampleView()}, hub)
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", header)
	if err == nil {
		t.Fatal("dial from foreign origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}
