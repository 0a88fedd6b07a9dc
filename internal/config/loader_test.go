package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	logger := zerolog.Nop()

	cfg, resolved, err := Load(&logger, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != path {
		t.Fatalf("expected %s, got %s", path, resolved)
	}
	if cfg.Server.Addr != ":8080" || cfg.Session.IdleTimeout != 5*time.Minute {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if !strings.Contains(string(data), "idle_timeout: 5m0s") {
		t.Fatalf("durations should be written readable:\n%s", data)
	}

	again, _, err := Load(&logger, path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Offline.Retention != cfg.Offline.Retention || again.Guard.Rate != cfg.Guard.Rate {
		t.Fatalf("written defaults should round trip, got %+v", again.Offline)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "server:\n  addr: \":9000\"\nsession:\n  idle_timeout: 30s\ndelivery:\n  echo_sender: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("WIRECHAT_SESSION_IDLE_TIMEOUT", "45s")
	t.Setenv("WIRECHAT_GUARD_RATE", "2.5")

	logger := zerolog.Nop()
	cfg, _, err := Load(&logger, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("file should override defaults, got %q", cfg.Server.Addr)
	}
	if !cfg.Delivery.EchoSender {
		t.Fatal("echo_sender from file not applied")
	}
	if cfg.Session.IdleTimeout != 45*time.Second {
		t.Fatalf("env should override file, got %s", cfg.Session.IdleTimeout)
	}
	if cfg.Guard.Rate != 2.5 {
		t.Fatalf("env should reach keys absent from the file, got %v", cfg.Guard.Rate)
	}
	if cfg.Offline.DrainBatch != 100 {
		t.Fatalf("untouched keys keep defaults, got %d", cfg.Offline.DrainBatch)
	}

	cfg.UpdateFrom(Config{Server: ServerConfig{Addr: ":7000"}})
	if cfg.Server.Addr != ":7000" {
		t.Fatalf("caller overrides win, got %q", cfg.Server.Addr)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must be valid: %v", err)
	}

	cfg.Store.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown store driver accepted")
	}

	cfg = Default()
	cfg.Auth.JWTSecret = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("empty jwt secret accepted")
	}
}

func TestReadLeavesDiskAlone(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Read(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.Server.LogFormat != "console" {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); !os.IsNotExist(err) {
		t.Fatalf("read must not create a file, stat err = %v", err)
	}
}

func TestLoadDirectoryAndStarterHeader(t *testing.T) {
	dir := t.TempDir()
	logger := zerolog.Nop()

	_, resolved, err := Load(&logger, dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if resolved != filepath.Join(dir, "config.yaml") {
		t.Fatalf("directory should resolve to config.yaml, got %s", resolved)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		t.Fatalf("starter not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "# wirechat-relay configuration.") {
		t.Fatalf("starter header missing:\n%s", data)
	}
}

func TestLoadRotationSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "auth:\n  jwt_secret: new\n  previous_secrets:\n    - old\n  leeway: 5s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cfg.Auth.JWTSecret != "new" || len(cfg.Auth.PreviousSecrets) != 1 || cfg.Auth.PreviousSecrets[0] != "old" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.Auth.Leeway != 5*time.Second {
		t.Fatalf("unexpected leeway %s", cfg.Auth.Leeway)
	}
	if j := cfg.Auth.JWT(); string(j.Secret) != "new" || len(j.PreviousSecrets) != 1 || string(j.PreviousSecrets[0]) != "old" {
		t.Fatalf("unexpected jwt config: %+v", j)
	}
}
