package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"grid-clash/internal/logger"
	"grid-clash/internal/metrics"
	"grid-clash/internal/server"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// MaxWSConnectionsTotal is the maximum number of spectator connections
	MaxWSConnectionsTotal = 200

	// MaxWSConnectionsPerIP is the maximum spectator connections per IP
	MaxWSConnectionsPerIP = 10

	wsWriteWait = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || IsAllowedOrigin(origin) {
			return true
		}
		logger.Log.WithField("origin", origin).Warn("⚠️ WebSocket connection rejected")
		metrics.RecordConnectionRejected("origin")
		return false
	},
}

type wsClient struct {
	conn *websocket.Conn
	ip   string
}

// wsMessage is the spectator wire format.
type wsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub fans game events out to websocket spectators. Broadcast never
// blocks, so it is safe to call from the server's tick hooks.
type Hub struct {
	clients    map[*websocket.Conn]*wsClient
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *websocket.Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	slots *spectatorSlots
}

// NewHub creates a hub with connection limiting. Call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]*wsClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		slots:      newSpectatorSlots(MaxWSConnectionsTotal, MaxWSConnectionsPerIP),
	}
}

// Run owns the connection set until Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn, c := range h.clients {
				h.slots.release(c.ip)
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.UpdateWSConnections(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.conn] = client
			count := len(h.clients)
			h.mu.Unlock()
			logger.Log.WithFields(logrus.Fields{"ip": client.ip, "total": count}).Info("📱 Spectator connected")
			metrics.UpdateWSConnections(count)

		case conn := <-h.unregister:
			h.drop(conn)

		case message := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()

			for _, conn := range conns {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.drop(conn)
					continue
				}
				metrics.IncrementWSMessages()
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	client, ok := h.clients[conn]
	if ok {
		h.slots.release(client.ip)
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	if ok {
		logger.Log.WithField("remaining", count).Info("📱 Spectator disconnected")
		metrics.UpdateWSConnections(count)
	}
}

// Stop closes every connection and ends Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues one event for every spectator. It drops the event when
// the queue is full.
func (h *Hub) Broadcast(event string, data interface{}) {
	jsonBytes, err := json.Marshal(wsMessage{Event: event, Data: data})
	if err != nil {
		return
	}
	select {
	case h.broadcast <- jsonBytes:
	default:
	}
}

// ClientCount returns the number of connected spectators.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Attach wires the game server's hooks to the hub. Call before the
// server runs.
func (h *Hub) Attach(s *server.Server) {
	s.OnAcquire = func(a server.AcquireInfo) {
		h.Broadcast("acquire", map[string]interface{}{
			"seq":    a.Seq,
			"row":    a.Cell.Row,
			"col":    a.Cell.Col,
			"player": a.Player,
			"tick":   a.Tick,
		})
	}
	s.OnGameOver = func(o server.Outcome) {
		h.Broadcast("game_over", map[string]interface{}{
			"gameId": o.GameID,
			"winner": o.Winner,
			"scores": o.Scores,
			"tick":   o.Tick,
		})
	}
}

// StartBroadcastLoop pushes the scoreboard every interval while anyone is
// watching.
func (h *Hub) StartBroadcastLoop(src ViewSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			if h.ClientCount() == 0 {
				continue
			}
			if v := src.View(); v != nil {
				h.Broadcast("state", map[string]interface{}{
					"tick":       v.Tick,
					"owners":     v.Owners,
					"scoreboard": scoreboard(v),
				})
			}
		}
	}()
}

// HandleWebSocket upgrades a spectator connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := GetClientIP(r)

	if code, ok := h.slots.acquire(ip); !ok {
		metrics.RecordConnectionRejected("ws_limit")
		writeError(w, "too many spectator connections", code)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.WithError(err).Debug("websocket upgrade failed")
		h.slots.release(ip)
		return
	}

	select {
	case h.register <- &wsClient{conn: conn, ip: ip}:
	case <-h.done:
		h.slots.release(ip)
		conn.Close()
		return
	}

	// spectators are read-only; reading only detects the close
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
