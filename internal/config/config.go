// Package config provides centralized configuration management.
// Defaults live here; every section can be overridden from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// =============================================================================
// GRID CONFIGURATION
// =============================================================================

// GridConfig describes the shared board.
type GridConfig struct {
	Size int // Board is Size x Size cells
}

// MaxGridSize keeps row/col inside a byte on the wire.
const MaxGridSize = 100

// DefaultGrid returns the default board settings.
func DefaultGrid() GridConfig {
	return GridConfig{Size: 5}
}

// GridFromEnv returns grid configuration with environment variable overrides.
func GridFromEnv() GridConfig {
	cfg := DefaultGrid()
	if n := getEnvInt("GRID_SIZE", 0); n > 0 && n <= MaxGridSize {
		cfg.Size = n
	}
	return cfg
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds the authoritative server settings.
type ServerConfig struct {
	Addr               string        // UDP listen address
	TickInterval       time.Duration // Broadcast/processing period
	MaxPlayers         int           // Hard cap on concurrent participants
	ConnectTimeout     time.Duration // Connecting peers are discarded after this
	PeerTimeout        time.Duration // Silence before an active peer is disconnected
	RetryInterval      time.Duration // Reliable stream retransmission backoff
	MaxMessagesPerTick int           // Inbound drain cap per tick
	InboundQueue       int           // Datagrams buffered between reader and tick loop
	PeerRate           float64       // Inbound datagrams per second per peer
	PeerBurst          int
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Addr:               ":40000",
		TickInterval:       50 * time.Millisecond, // 20 Hz
		MaxPlayers:         4,
		ConnectTimeout:     3 * time.Second,
		PeerTimeout:        10 * time.Second,
		RetryInterval:      150 * time.Millisecond,
		MaxMessagesPerTick: 256,
		InboundQueue:       1024,
		PeerRate:           200,
		PeerBurst:          50,
	}
}

// ServerFromEnv returns server configuration with environment variable overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()

	if a := os.Getenv("SERVER_ADDR"); a != "" {
		cfg.Addr = a
	}
	if d := getEnvDuration("TICK_INTERVAL", 0); d > 0 {
		cfg.TickInterval = d
	}
	if mp := getEnvInt("MAX_PLAYERS", 0); mp > 0 && mp <= 4 {
		cfg.MaxPlayers = mp
	}
	if d := getEnvDuration("CONNECT_TIMEOUT", 0); d > 0 {
		cfg.ConnectTimeout = d
	}
	if d := getEnvDuration("PEER_TIMEOUT", 0); d > 0 {
		cfg.PeerTimeout = d
	}
	if d := getEnvDuration("RETRY_INTERVAL", 0); d > 0 {
		cfg.RetryInterval = d
	}
	if n := getEnvInt("MAX_MESSAGES_PER_TICK", 0); n > 0 {
		cfg.MaxMessagesPerTick = n
	}
	if r := getEnvFloat("PEER_RATE", 0); r > 0 {
		cfg.PeerRate = r
	}
	if b := getEnvInt("PEER_BURST", 0); b > 0 {
		cfg.PeerBurst = b
	}

	return cfg
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds the sync engine settings.
type ClientConfig struct {
	ServerAddr      string
	InitRetry       time.Duration // MSG_INIT resend period while joining
	WatchdogTimeout time.Duration // Snapshot silence before a NACK
	RenderDelay     time.Duration // Render-lag buffer depth
	GapTolerance    uint32        // Missing snapshot ids tolerated before a NACK
	GapTimeout      time.Duration // Reliable stream gap tolerated before a NACK
	NackCooldown    time.Duration
	LostTimeout     time.Duration // No server traffic at all -> connection lost
	ClaimRetry      time.Duration // Resend period for unanswered claims
	PollInterval    time.Duration
	FinishLinger    time.Duration // Keep acking GAME_OVER retransmits this long
	InboxCapacity   int           // Out-of-order reliable events buffered
}

// DefaultClient returns the default client configuration.
func DefaultClient() ClientConfig {
	return ClientConfig{
		ServerAddr:      "127.0.0.1:40000",
		InitRetry:       500 * time.Millisecond,
		WatchdogTimeout: 1 * time.Second,
		RenderDelay:     100 * time.Millisecond,
		GapTolerance:    5,
		GapTimeout:      1 * time.Second,
		NackCooldown:    250 * time.Millisecond,
		LostTimeout:     10 * time.Second,
		ClaimRetry:      400 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		FinishLinger:    1 * time.Second,
		InboxCapacity:   256,
	}
}

// ClientFromEnv returns client configuration with environment variable overrides.
func ClientFromEnv() ClientConfig {
	cfg := DefaultClient()

	if a := os.Getenv("SERVER_HOST"); a != "" {
		cfg.ServerAddr = a
	}
	if d := getEnvDuration("WATCHDOG_TIMEOUT", 0); d > 0 {
		cfg.WatchdogTimeout = d
	}
	if d := getEnvDuration("RENDER_DELAY", -1); d >= 0 {
		cfg.RenderDelay = d
	}
	if n := getEnvInt("GAP_TOLERANCE", 0); n > 0 {
		cfg.GapTolerance = uint32(n)
	}
	if d := getEnvDuration("LOST_TIMEOUT", 0); d > 0 {
		cfg.LostTimeout = d
	}

	return cfg
}

// =============================================================================
// OBSERVABILITY CONFIGURATION
// =============================================================================

// ObservabilityConfig configures the HTTP side of the server process.
type ObservabilityConfig struct {
	APIAddr       string // chi router + websocket spectators
	DebugEnabled  bool
	DebugAddr     string // pprof + /metrics, localhost only
	BasicAuthUser string
	BasicAuthPass string
	EventLogPath  string // empty disables the JSONL event log
}

// DefaultObservability returns safe defaults.
func DefaultObservability() ObservabilityConfig {
	return ObservabilityConfig{
		APIAddr:      ":3000",
		DebugEnabled: true,
		DebugAddr:    "127.0.0.1:6060",
		EventLogPath: "events.jsonl",
	}
}

// ObservabilityFromEnv returns observability configuration with environment overrides.
func ObservabilityFromEnv() ObservabilityConfig {
	cfg := DefaultObservability()

	if a := os.Getenv("API_ADDR"); a != "" {
		cfg.APIAddr = a
	}
	if os.Getenv("DISABLE_DEBUG_SERVER") == "true" {
		cfg.DebugEnabled = false
	}
	cfg.BasicAuthUser = os.Getenv("DEBUG_USER")
	cfg.BasicAuthPass = os.Getenv("DEBUG_PASS")
	if p, ok := os.LookupEnv("EVENT_LOG_PATH"); ok {
		cfg.EventLogPath = p
	}

	return cfg
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Grid          GridConfig
	Server        ServerConfig
	Client        ClientConfig
	Observability ObservabilityConfig
}

// Load returns the complete configuration with environment overrides.
func Load() AppConfig {
	return AppConfig{
		Grid:          GridFromEnv(),
		Server:        ServerFromEnv(),
		Client:        ClientFromEnv(),
		Observability: ObservabilityFromEnv(),
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("75ms") or bare milliseconds ("75").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
