package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for dashsync.
type Config struct {
	Client        ClientConfig        `yaml:"client"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Push          PushConfig          `yaml:"push"`
	Hub           HubConfig           `yaml:"hub"`
	Logging       LoggingConfig       `yaml:"logging"`
	Health        HealthConfig        `yaml:"health"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

// ClientConfig contains the realtime client settings.
type ClientConfig struct {
	ServerURL            string        `yaml:"server_url"`
	APIURL               string        `yaml:"api_url"`
	Token                string        `yaml:"token"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	DialTimeout          time.Duration `yaml:"dial_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	MaxMessageSize       int64         `yaml:"max_message_size"`
	SendQueueSize        int           `yaml:"send_queue_size"`
	TypingIdleTimeout    time.Duration `yaml:"typing_idle_timeout"`
	Rooms                []string      `yaml:"rooms"`
}

// NotificationsConfig controls the notification synchronizer.
type NotificationsConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxRoomMessages int           `yaml:"max_room_messages"`
}

// PushConfig controls the out-of-band push channel.
type PushConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Icon     string `yaml:"icon"`
}

// HubConfig contains the development hub settings.
type HubConfig struct {
	ListenAddress       string            `yaml:"listen_address"`
	Users               map[string]string `yaml:"users"` // token -> user id
	MaxConnections      int               `yaml:"max_connections"`
	MaxConnectionsPerIP int               `yaml:"max_connections_per_ip"`
	MaxMessageSize      int64             `yaml:"max_message_size"`
	PingInterval        time.Duration     `yaml:"ping_interval"`
	PongTimeout         time.Duration     `yaml:"pong_timeout"`
	WriteTimeout        time.Duration     `yaml:"write_timeout"`
	DrainTimeout        time.Duration     `yaml:"drain_timeout"`
	RateLimit           RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
	MessagesPerSecond    int  `yaml:"messages_per_second"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig contains health check endpoint settings.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Endpoint      string `yaml:"endpoint"`
	ListenAddress string `yaml:"listen_address"`
	Detailed      bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			ServerURL:            "ws://127.0.0.1:8090/socket",
			APIURL:               "http://127.0.0.1:8090/api",
			ReconnectDelay:       1 * time.Second,
			MaxReconnectAttempts: 5,
			DialTimeout:          10 * time.Second,
			PingInterval:         25 * time.Second,
			PongTimeout:          10 * time.Second,
			WriteTimeout:         10 * time.Second,
			MaxMessageSize:       1048576, // 1MB
			SendQueueSize:        64,
			TypingIdleTimeout:    3 * time.Second,
		},
		Notifications: NotificationsConfig{
			PollInterval:    30 * time.Second,
			FetchTimeout:    10 * time.Second,
			MaxRoomMessages: 200,
		},
		Push: PushConfig{
			Enabled:  false,
			Endpoint: "https://push.dashsync.local/send",
		},
		Hub: HubConfig{
			ListenAddress:       "127.0.0.1:8090",
			MaxConnections:      1000,
			MaxConnectionsPerIP: 20,
			MaxMessageSize:      1048576,
			PingInterval:        30 * time.Second,
			PongTimeout:         10 * time.Second,
			WriteTimeout:        10 * time.Second,
			DrainTimeout:        15 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
				MessagesPerSecond:    50,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Health: HealthConfig{
			Enabled:       true,
			Endpoint:      "/health",
			ListenAddress: "127.0.0.1:8091",
			Detailed:      true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Client validation
	if c.Client.ServerURL == "" {
		return fmt.Errorf("client.server_url is required")
	}
	if u, err := url.Parse(c.Client.ServerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("client.server_url must use ws://, wss://, http:// or https:// scheme")
	}
	if c.Client.APIURL == "" {
		return fmt.Errorf("client.api_url is required")
	}
	if u, err := url.Parse(c.Client.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("client.api_url must use http:// or https:// scheme")
	}
	if c.Client.ReconnectDelay <= 0 {
		return fmt.Errorf("client.reconnect_delay must be positive")
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("client.max_reconnect_attempts must not be negative")
	}
	if c.Client.MaxReconnectAttempts > 100 {
		return fmt.Errorf("client.max_reconnect_attempts must not exceed 100")
	}
	if c.Client.DialTimeout <= 0 {
		return fmt.Errorf("client.dial_timeout must be positive")
	}
	if c.Client.WriteTimeout <= 0 {
		return fmt.Errorf("client.write_timeout must be positive")
	}
	if c.Client.MaxMessageSize <= 0 {
		return fmt.Errorf("client.max_message_size must be positive")
	}
	if c.Client.MaxMessageSize > 67108864 {
		return fmt.Errorf("client.max_message_size must not exceed 67108864 (64MB)")
	}
	if c.Client.SendQueueSize <= 0 {
		return fmt.Errorf("client.send_queue_size must be positive")
	}
	if c.Client.TypingIdleTimeout <= 0 {
		return fmt.Errorf("client.typing_idle_timeout must be positive")
	}
	if c.Client.ReconnectDelay > 5*time.Minute {
		return fmt.Errorf("client.reconnect_delay must not exceed 5m")
	}
	if c.Client.DialTimeout > 5*time.Minute {
		return fmt.Errorf("client.dial_timeout must not exceed 5m")
	}
	for _, r := range c.Client.Rooms {
		typ, id, ok := strings.Cut(r, ":")
		if !ok || id == "" || (typ != "group" && typ != "project") {
			return fmt.Errorf("client.rooms entry %q must look like group:<id> or project:<id>", r)
		}
	}

	// Notifications validation
	if c.Notifications.PollInterval <= 0 {
		return fmt.Errorf("notifications.poll_interval must be positive")
	}
	if c.Notifications.PollInterval < time.Second {
		return fmt.Errorf("notifications.poll_interval must be at least 1s")
	}
	if c.Notifications.FetchTimeout <= 0 {
		return fmt.Errorf("notifications.fetch_timeout must be positive")
	}
	if c.Notifications.MaxRoomMessages <= 0 {
		return fmt.Errorf("notifications.max_room_messages must be positive")
	}

	// Push validation
	if c.Push.Enabled {
		if u, err := url.Parse(c.Push.Endpoint); err != nil || u.Scheme != "https" {
			return fmt.Errorf("push.endpoint must be an https:// URL when push is enabled")
		}
	}

	// Hub validation
	if c.Hub.ListenAddress == "" {
		return fmt.Errorf("hub.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Hub.ListenAddress); err != nil {
		return fmt.Errorf("hub.listen_address is invalid: %w", err)
	}
	if c.Hub.MaxConnections <= 0 {
		return fmt.Errorf("hub.max_connections must be positive")
	}
	if c.Hub.MaxConnections > 65535 {
		return fmt.Errorf("hub.max_connections must not exceed 65535")
	}
	if c.Hub.MaxConnectionsPerIP <= 0 {
		return fmt.Errorf("hub.max_connections_per_ip must be positive")
	}
	if c.Hub.MaxConnectionsPerIP > c.Hub.MaxConnections {
		return fmt.Errorf("hub.max_connections_per_ip must not exceed hub.max_connections")
	}
	if c.Hub.MaxMessageSize <= 0 {
		return fmt.Errorf("hub.max_message_size must be positive")
	}
	if c.Hub.WriteTimeout <= 0 {
		return fmt.Errorf("hub.write_timeout must be positive")
	}
	if c.Hub.DrainTimeout <= 0 {
		return fmt.Errorf("hub.drain_timeout must be positive")
	}
	if c.Hub.RateLimit.Enabled {
		if c.Hub.RateLimit.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("hub.rate_limit.connections_per_minute must be positive")
		}
	}
	for token, user := range c.Hub.Users {
		if token == "" || user == "" {
			return fmt.Errorf("hub.users entries need a non-empty token and user id")
		}
	}

	// Logging validation
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Health validation
	if c.Health.Enabled {
		if c.Health.ListenAddress == "" {
			return fmt.Errorf("health.listen_address is required when health is enabled")
		}
		host, _, err := net.SplitHostPort(c.Health.ListenAddress)
		if err != nil {
			return fmt.Errorf("health.listen_address is invalid: %w", err)
		}
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("health.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics")
		}
		if c.Hub.ListenAddress == c.Health.ListenAddress {
			return fmt.Errorf("hub.listen_address and health.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies DASHSYNC_ prefixed environment variables.
// Convention: DASHSYNC_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"DASHSYNC_CLIENT_SERVER_URL":      func(v string) { cfg.Client.ServerURL = v },
		"DASHSYNC_CLIENT_API_URL":         func(v string) { cfg.Client.APIURL = v },
		"DASHSYNC_CLIENT_TOKEN":           func(v string) { cfg.Client.Token = v },
		"DASHSYNC_CLIENT_RECONNECT_DELAY": func(v string) { cfg.Client.ReconnectDelay = parseDuration(v, cfg.Client.ReconnectDelay) },
		"DASHSYNC_CLIENT_MAX_RECONNECT_ATTEMPTS": func(v string) {
			cfg.Client.MaxReconnectAttempts = parseInt(v, cfg.Client.MaxReconnectAttempts)
		},
		"DASHSYNC_CLIENT_DIAL_TIMEOUT":         func(v string) { cfg.Client.DialTimeout = parseDuration(v, cfg.Client.DialTimeout) },
		"DASHSYNC_CLIENT_PING_INTERVAL":        func(v string) { cfg.Client.PingInterval = parseDuration(v, cfg.Client.PingInterval) },
		"DASHSYNC_CLIENT_WRITE_TIMEOUT":        func(v string) { cfg.Client.WriteTimeout = parseDuration(v, cfg.Client.WriteTimeout) },
		"DASHSYNC_CLIENT_MAX_MESSAGE_SIZE":     func(v string) { cfg.Client.MaxMessageSize = parseInt64(v, cfg.Client.MaxMessageSize) },
		"DASHSYNC_CLIENT_ROOMS":                func(v string) { cfg.Client.Rooms = splitList(v) },
		"DASHSYNC_NOTIFICATIONS_POLL_INTERVAL": func(v string) { cfg.Notifications.PollInterval = parseDuration(v, cfg.Notifications.PollInterval) },
		"DASHSYNC_PUSH_ENABLED":                func(v string) { cfg.Push.Enabled = parseBool(v, cfg.Push.Enabled) },
		"DASHSYNC_PUSH_ENDPOINT":               func(v string) { cfg.Push.Endpoint = v },
		"DASHSYNC_HUB_LISTEN_ADDRESS":          func(v string) { cfg.Hub.ListenAddress = v },
		"DASHSYNC_HUB_MAX_CONNECTIONS":         func(v string) { cfg.Hub.MaxConnections = parseInt(v, cfg.Hub.MaxConnections) },
		"DASHSYNC_HUB_MAX_CONNECTIONS_PER_IP":  func(v string) { cfg.Hub.MaxConnectionsPerIP = parseInt(v, cfg.Hub.MaxConnectionsPerIP) },
		"DASHSYNC_HUB_RATE_LIMIT_ENABLED":      func(v string) { cfg.Hub.RateLimit.Enabled = parseBool(v, cfg.Hub.RateLimit.Enabled) },
		"DASHSYNC_LOGGING_LEVEL":               func(v string) { cfg.Logging.Level = v },
		"DASHSYNC_LOGGING_FORMAT":              func(v string) { cfg.Logging.Format = v },
		"DASHSYNC_LOGGING_FILE":                func(v string) { cfg.Logging.File = v },
		"DASHSYNC_HEALTH_ENABLED":              func(v string) { cfg.Health.Enabled = parseBool(v, cfg.Health.Enabled) },
		"DASHSYNC_HEALTH_LISTEN_ADDRESS":       func(v string) { cfg.Health.ListenAddress = v },
		"DASHSYNC_MONITORING_METRICS_ENABLED":  func(v string) { cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled) },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: hub.listen_address, health.listen_address, client.server_url
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Hub.RateLimit = newCfg.Hub.RateLimit
	updated.Hub.Users = newCfg.Hub.Users
	updated.Hub.MaxConnections = newCfg.Hub.MaxConnections
	updated.Hub.MaxConnectionsPerIP = newCfg.Hub.MaxConnectionsPerIP
	updated.Hub.MaxMessageSize = newCfg.Hub.MaxMessageSize
	updated.Logging.Level = newCfg.Logging.Level
	updated.Notifications.PollInterval = newCfg.Notifications.PollInterval
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Hub.ListenAddress != new.Hub.ListenAddress {
		warnings = append(warnings, "hub.listen_address requires restart")
	}
	if old.Health.ListenAddress != new.Health.ListenAddress {
		warnings = append(warnings, "health.listen_address requires restart")
	}
	if old.Client.ServerURL != new.Client.ServerURL {
		warnings = append(warnings, "client.server_url requires restart")
	}
	if !reflect.DeepEqual(old.Push, new.Push) {
		warnings = append(warnings, "push requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
