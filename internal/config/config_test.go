package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Client.ServerURL == "" {
		t.Error("default server_url should not be empty")
	}
	if cfg.Client.ReconnectDelay != time.Second {
		t.Errorf("default reconnect_delay = %v, want %v", cfg.Client.ReconnectDelay, time.Second)
	}
	if cfg.Client.MaxReconnectAttempts != 5 {
		t.Errorf("default max_reconnect_attempts = %d, want 5", cfg.Client.MaxReconnectAttempts)
	}
	if cfg.Notifications.PollInterval != 30*time.Second {
		t.Errorf("default poll_interval = %v, want %v", cfg.Notifications.PollInterval, 30*time.Second)
	}
	if cfg.Health.ListenAddress != "127.0.0.1:8091" {
		t.Errorf("default health.listen_address = %q, want %q", cfg.Health.ListenAddress, "127.0.0.1:8091")
	}
	if cfg.Hub.MaxConnections != 1000 {
		t.Errorf("default hub.max_connections = %d, want %d", cfg.Hub.MaxConnections, 1000)
	}
	if cfg.Push.Enabled {
		t.Error("push should be disabled by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
client:
  server_url: "wss://dash.example.com/socket"
  api_url: "https://dash.example.com/api"
  token: "file-token"
  reconnect_delay: "2s"
  max_reconnect_attempts: 3
  rooms: ["group:42", "project:7"]
notifications:
  poll_interval: "45s"
hub:
  listen_address: "127.0.0.1:9000"
  users:
    tok-alice: alice
  rate_limit:
    enabled: false
logging:
  level: "debug"
  format: "text"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Client.ServerURL != "wss://dash.example.com/socket" {
		t.Errorf("server_url = %q", cfg.Client.ServerURL)
	}
	if cfg.Client.Token != "file-token" {
		t.Errorf("token = %q, want %q", cfg.Client.Token, "file-token")
	}
	if cfg.Client.ReconnectDelay != 2*time.Second {
		t.Errorf("reconnect_delay = %v, want %v", cfg.Client.ReconnectDelay, 2*time.Second)
	}
	if cfg.Client.MaxReconnectAttempts != 3 {
		t.Errorf("max_reconnect_attempts = %d, want 3", cfg.Client.MaxReconnectAttempts)
	}
	if len(cfg.Client.Rooms) != 2 || cfg.Client.Rooms[1] != "project:7" {
		t.Errorf("rooms = %v", cfg.Client.Rooms)
	}
	if cfg.Notifications.PollInterval != 45*time.Second {
		t.Errorf("poll_interval = %v", cfg.Notifications.PollInterval)
	}
	if cfg.Hub.Users["tok-alice"] != "alice" {
		t.Errorf("hub.users = %v", cfg.Hub.Users)
	}
	if cfg.Hub.RateLimit.Enabled {
		t.Error("rate_limit.enabled should be false")
	}
	// Untouched fields keep their defaults
	if cfg.Client.SendQueueSize != 64 {
		t.Errorf("send_queue_size = %d, want default 64", cfg.Client.SendQueueSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() error = %v, want not found", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load('') error: %v", err)
	}
	if cfg.Client.APIURL != "http://127.0.0.1:8090/api" {
		t.Errorf("api_url = %q, want default", cfg.Client.APIURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DASHSYNC_CLIENT_TOKEN", "env-token")
	t.Setenv("DASHSYNC_CLIENT_ROOMS", "group:1, project:2")
	t.Setenv("DASHSYNC_CLIENT_RECONNECT_DELAY", "250ms")
	t.Setenv("DASHSYNC_LOGGING_LEVEL", "debug")
	t.Setenv("DASHSYNC_PUSH_ENABLED", "yes")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Client.Token != "env-token" {
		t.Errorf("token = %q, want %q", cfg.Client.Token, "env-token")
	}
	if len(cfg.Client.Rooms) != 2 || cfg.Client.Rooms[0] != "group:1" || cfg.Client.Rooms[1] != "project:2" {
		t.Errorf("rooms = %v", cfg.Client.Rooms)
	}
	if cfg.Client.ReconnectDelay != 250*time.Millisecond {
		t.Errorf("reconnect_delay = %v", cfg.Client.ReconnectDelay)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Push.Enabled {
		t.Error("push.enabled should be true from env override")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "valid default",
			modify:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty server_url",
			modify:  func(c *Config) { c.Client.ServerURL = "" },
			wantErr: "client.server_url is required",
		},
		{
			name:    "bad server_url scheme",
			modify:  func(c *Config) { c.Client.ServerURL = "ftp://host/socket" },
			wantErr: "client.server_url must use",
		},
		{
			name:    "bad api_url scheme",
			modify:  func(c *Config) { c.Client.APIURL = "ws://host/api" },
			wantErr: "client.api_url must use",
		},
		{
			name:    "zero reconnect_delay",
			modify:  func(c *Config) { c.Client.ReconnectDelay = 0 },
			wantErr: "client.reconnect_delay must be positive",
		},
		{
			name:    "negative max attempts",
			modify:  func(c *Config) { c.Client.MaxReconnectAttempts = -1 },
			wantErr: "client.max_reconnect_attempts must not be negative",
		},
		{
			name:    "bad room",
			modify:  func(c *Config) { c.Client.Rooms = []string{"channel:1"} },
			wantErr: "client.rooms entry",
		},
		{
			name:    "room without id",
			modify:  func(c *Config) { c.Client.Rooms = []string{"group:"} },
			wantErr: "client.rooms entry",
		},
		{
			name:    "poll interval too short",
			modify:  func(c *Config) { c.Notifications.PollInterval = 100 * time.Millisecond },
			wantErr: "notifications.poll_interval must be at least 1s",
		},
		{
			name: "push without https endpoint",
			modify: func(c *Config) {
				c.Push.Enabled = true
				c.Push.Endpoint = "http://insecure"
			},
			wantErr: "push.endpoint must be an https://",
		},
		{
			name:    "invalid hub listen_address",
			modify:  func(c *Config) { c.Hub.ListenAddress = "not-a-host-port" },
			wantErr: "hub.listen_address is invalid",
		},
		{
			name:    "per-ip above global",
			modify:  func(c *Config) { c.Hub.MaxConnectionsPerIP = c.Hub.MaxConnections + 1 },
			wantErr: "hub.max_connections_per_ip must not exceed",
		},
		{
			name:    "empty hub user",
			modify:  func(c *Config) { c.Hub.Users = map[string]string{"tok": ""} },
			wantErr: "hub.users entries",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level must be one of",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "csv" },
			wantErr: "logging.format must be one of",
		},
		{
			name:    "health on public address",
			modify:  func(c *Config) { c.Health.ListenAddress = "10.1.2.3:8091" },
			wantErr: "health.listen_address should bind to a loopback address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Validate() error = %q, want containing %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func TestIsReloadSafe(t *testing.T) {
	old := DefaultConfig()
	new := DefaultConfig()

	warnings := IsReloadSafe(old, new)
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}

	new.Hub.ListenAddress = "127.0.0.1:9999"
	warnings = IsReloadSafe(old, new)
	if len(warnings) != 1 {
		t.Errorf("expected 1 warning, got %d: %v", len(warnings), warnings)
	}

	new.Client.ServerURL = "ws://other/socket"
	warnings = IsReloadSafe(old, new)
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestApplyReloadableFields(t *testing.T) {
	old := DefaultConfig()
	new := DefaultConfig()
	new.Hub.Users = map[string]string{"t": "u"}
	new.Logging.Level = "debug"
	new.Hub.ListenAddress = "127.0.0.1:9999"

	updated := old.ApplyReloadableFields(new)

	if updated.Hub.Users["t"] != "u" {
		t.Errorf("hub.users not reloaded")
	}
	if updated.Logging.Level != "debug" {
		t.Errorf("log level not reloaded")
	}
	if updated.Hub.ListenAddress != old.Hub.ListenAddress {
		t.Errorf("listen_address must not be reloaded")
	}
	if old.Logging.Level != "info" {
		t.Errorf("original config was mutated")
	}
}
