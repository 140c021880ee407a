package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Grid.Size != 5 {
		t.Errorf("Grid.Size = %d, want 5", cfg.Grid.Size)
	}
	if cfg.Server.Addr != ":40000" || cfg.Server.TickInterval != 50*time.Millisecond || cfg.Server.MaxPlayers != 4 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Client.RenderDelay != 100*time.Millisecond || cfg.Client.InboxCapacity != 256 {
		t.Errorf("Client = %+v", cfg.Client)
	}
	if !cfg.Observability.DebugEnabled || cfg.Observability.DebugAddr != "127.0.0.1:6060" {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GRID_SIZE", "8")
	t.Setenv("SERVER_ADDR", "127.0.0.1:41000")
	t.Setenv("TICK_INTERVAL", "25")
	t.Setenv("MAX_PLAYERS", "2")
	t.Setenv("PEER_RATE", "12.5")
	t.Setenv("RENDER_DELAY", "0s")
	t.Setenv("SERVER_HOST", "10.0.0.2:41000")
	t.Setenv("DISABLE_DEBUG_SERVER", "true")
	t.Setenv("EVENT_LOG_PATH", "")

	cfg := Load()
	if cfg.Grid.Size != 8 {
		t.Errorf("Grid.Size = %d", cfg.Grid.Size)
	}
	if cfg.Server.Addr != "127.0.0.1:41000" || cfg.Server.TickInterval != 25*time.Millisecond {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.MaxPlayers != 2 || cfg.Server.PeerRate != 12.5 {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Client.RenderDelay != 0 || cfg.Client.ServerAddr != "10.0.0.2:41000" {
		t.Errorf("Client = %+v", cfg.Client)
	}
	if cfg.Observability.DebugEnabled || cfg.Observability.EventLogPath != "" {
		t.Errorf("Observability = %+v", cfg.Observability)
	}
}

func TestInvalidEnvKeepsDefaults(t *testing.T) {
	tests := []struct {
		key, value string
		check      func(AppConfig) bool
	}{
		{"GRID_SIZE", "0", func(c AppConfig) bool { return c.Grid.Size == 5 }},
		{"GRID_SIZE", "500", func(c AppConfig) bool { return c.Grid.Size == 5 }},
		{"MAX_PLAYERS", "9", func(c AppConfig) bool { return c.Server.MaxPlayers == 4 }},
		{"TICK_INTERVAL", "soon", func(c AppConfig) bool { return c.Server.TickInterval == 50*time.Millisecond }},
		{"PEER_BURST", "-3", func(c AppConfig) bool { return c.Server.PeerBurst == 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if !tt.check(Load()) {
				t.Errorf("%s=%q changed the default", tt.key, tt.value)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Second},
		{"75ms", 75 * time.Millisecond},
		{"75", 75 * time.Millisecond},
		{"2s", 2 * time.Second},
		{"abc", time.Second},
	}
	for _, tt := range tests {
		t.Setenv("TEST_DURATION", tt.value)
		if got := getEnvDuration("TEST_DURATION", time.Second); got != tt.want {
			t.Errorf("getEnvDuration(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
