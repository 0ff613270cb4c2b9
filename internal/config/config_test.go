package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Server.APIURL != DefaultAPIURL {
		t.Fatalf("unexpected api url: %s", cfg.Server.APIURL)
	}
	if !cfg.Push.Reconnect {
		t.Fatal("expected reconnect enabled by default")
	}
	if cfg.Sync.Schedule != DefaultSyncSchedule {
		t.Fatalf("unexpected schedule: %s", cfg.Sync.Schedule)
	}
}

func TestLoadTOMLOverridesDefaults(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "")
	path := filepath.Join(t.TempDir(), "chatsync.toml")
	content := `
[log]
level = "debug"

[server]
api_url = "https://chat.example.com"
timeout_seconds = 5

[storage]
path = ":memory:"

[push]
reconnect = false
reconnect_delay_ms = 250
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("unexpected level: %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Fatalf("default format should survive partial section: %s", cfg.Log.Format)
	}
	if cfg.Server.APIURL != "https://chat.example.com" {
		t.Fatalf("unexpected api url: %s", cfg.Server.APIURL)
	}
	if cfg.Server.PushURL != DefaultPushURL {
		t.Fatalf("unexpected push url: %s", cfg.Server.PushURL)
	}
	if cfg.Server.Timeout() != 5*time.Second {
		t.Fatalf("unexpected timeout: %v", cfg.Server.Timeout())
	}
	if !cfg.Storage.InMemory() {
		t.Fatal("expected in-memory storage")
	}
	if cfg.Push.Reconnect {
		t.Fatal("expected reconnect disabled")
	}
	if cfg.Push.ReconnectDelay() != 250*time.Millisecond {
		t.Fatalf("unexpected reconnect delay: %v", cfg.Push.ReconnectDelay())
	}
	if cfg.Push.MaxReconnectDelay() != DefaultMaxReconnectDelayMS*time.Millisecond {
		t.Fatalf("unexpected max reconnect delay: %v", cfg.Push.MaxReconnectDelay())
	}
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "")
	path := filepath.Join(t.TempDir(), "chatsync.yaml")
	content := "sync:\n  schedule: \"\"\n  rate_limit: 1.5\nauth:\n  token: abc\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Sync.Schedule != "" {
		t.Fatalf("expected schedule disabled, got %q", cfg.Sync.Schedule)
	}
	if cfg.Sync.RateLimit != 1.5 {
		t.Fatalf("unexpected rate limit: %v", cfg.Sync.RateLimit)
	}
	if cfg.Sync.Burst != DefaultSyncBurst {
		t.Fatalf("unexpected burst: %d", cfg.Sync.Burst)
	}
	if cfg.Auth.Token != "abc" {
		t.Fatalf("unexpected token: %s", cfg.Auth.Token)
	}
}

func TestLoadTokenFromEnv(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "from-env")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Auth.Token != "from-env" {
		t.Fatalf("unexpected token: %s", cfg.Auth.Token)
	}
}
