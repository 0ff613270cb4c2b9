// Package config loads and exposes client configuration (TOML, or YAML by file extension).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Default configuration values used when a field is missing in the file.
const (
	DefaultConfigPath          = "chatsync.toml"
	DefaultAPIURL              = "http://localhost:3333"
	DefaultPushURL             = "ws://localhost:3333/socket"
	DefaultTimeoutSeconds      = 30
	DefaultStoragePath         = "chatsync.db"
	DefaultReconnectDelayMS    = 1000
	DefaultMaxReconnectDelayMS = 30000
	DefaultHandshakeTimeoutMS  = 5000
	DefaultSyncSchedule        = "@every 5m"
	DefaultSyncRateLimit       = 5.0
	DefaultSyncBurst           = 2

	// MemoryStoragePath selects the in-memory preference store.
	MemoryStoragePath = ":memory:"
)

// Config is the root client configuration.
type Config struct {
	Log     LogConfig     `toml:"log" yaml:"log"`
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Auth    AuthConfig    `toml:"auth" yaml:"auth"`
	Storage StorageConfig `toml:"storage" yaml:"storage"`
	Push    PushConfig    `toml:"push" yaml:"push"`
	Sync    SyncConfig    `toml:"sync" yaml:"sync"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// ServerConfig holds the HTTP API base URL, the push endpoint and the request timeout.
type ServerConfig struct {
	APIURL         string `toml:"api_url" yaml:"api_url"`
	PushURL        string `toml:"push_url" yaml:"push_url"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout returns the HTTP request timeout.
func (c ServerConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AuthConfig holds an optional bearer token; CHATSYNC_TOKEN overrides it.
type AuthConfig struct {
	Token string `toml:"token" yaml:"token"`
}

// StorageConfig holds the preference database path. Use ":memory:" to keep nothing on disk.
type StorageConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// InMemory reports whether preferences should live in process memory only.
func (c StorageConfig) InMemory() bool {
	path := strings.TrimSpace(c.Path)
	return path == "" || path == MemoryStoragePath
}

// PushConfig controls the websocket transport.
type PushConfig struct {
	Reconnect           bool `toml:"reconnect" yaml:"reconnect"`
	ReconnectDelayMS    int  `toml:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	MaxReconnectDelayMS int  `toml:"max_reconnect_delay_ms" yaml:"max_reconnect_delay_ms"`
	HandshakeTimeoutMS  int  `toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
}

// ReconnectDelay returns the initial reconnect delay.
func (c PushConfig) ReconnectDelay() time.Duration {
	return millis(c.ReconnectDelayMS, DefaultReconnectDelayMS)
}

// MaxReconnectDelay returns the reconnect delay ceiling.
func (c PushConfig) MaxReconnectDelay() time.Duration {
	return millis(c.MaxReconnectDelayMS, DefaultMaxReconnectDelayMS)
}

// HandshakeTimeout bounds the websocket dial and auth exchange.
func (c PushConfig) HandshakeTimeout() time.Duration {
	return millis(c.HandshakeTimeoutMS, DefaultHandshakeTimeoutMS)
}

// SyncConfig controls catch-up sync scheduling and HTTP request pacing.
// An empty Schedule disables periodic passes; passes on connect always run.
type SyncConfig struct {
	Schedule  string  `toml:"schedule" yaml:"schedule"`
	RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
	Burst     int     `toml:"burst" yaml:"burst"`
}

func millis(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Millisecond
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			APIURL:         DefaultAPIURL,
			PushURL:        DefaultPushURL,
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		Storage: StorageConfig{
			Path: DefaultStoragePath,
		},
		Push: PushConfig{
			Reconnect:           true,
			ReconnectDelayMS:    DefaultReconnectDelayMS,
			MaxReconnectDelayMS: DefaultMaxReconnectDelayMS,
			HandshakeTimeoutMS:  DefaultHandshakeTimeoutMS,
		},
		Sync: SyncConfig{
			Schedule:  DefaultSyncSchedule,
			RateLimit: DefaultSyncRateLimit,
			Burst:     DefaultSyncBurst,
		},
	}
}

// Load reads and parses the config file at path and applies default values for missing fields.
// A missing file is not an error. Files ending in .yaml or .yml are decoded as YAML.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return applyEnv(cfg), nil
		}
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, err
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	return applyEnv(cfg), nil
}

func applyEnv(cfg Config) Config {
	if token := strings.TrimSpace(os.Getenv("CHATSYNC_TOKEN")); token != "" {
		cfg.Auth.Token = token
	}
	return cfg
}
