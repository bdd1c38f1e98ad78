package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("FirstRunGeneratesSecret", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		cfg, err := loadConfig(dir)
		if err != nil {
			t.Fatalf("loadConfig() failed: %v", err)
		}
		if cfg.JWTSecret == "" {
			t.Fatal("no secret generated on first run")
		}
		// The generated file round-trips.
		again, err := loadConfig(dir)
		if err != nil {
			t.Fatalf("loadConfig() reload failed: %v", err)
		}
		if again.JWTSecret != cfg.JWTSecret {
			t.Errorf("secret changed across loads: %q != %q", again.JWTSecret, cfg.JWTSecret)
		}
	})

	t.Run("EmptySecretRejected", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, configName), []byte("jwt_secret: \"\"\n"), 0o600); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
		if _, err := loadConfig(dir); err == nil {
			t.Fatal("empty secret accepted")
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	data := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, line := range data {
		got, err := parseLogLevel(line.in)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) failed: %v", line.in, err)
		}
		if got != line.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", line.in, got, line.want)
		}
	}
	for _, in := range []string{"", "loud", "DEBUG"} {
		if _, err := parseLogLevel(in); err == nil {
			t.Errorf("parseLogLevel(%q) accepted", in)
		}
	}
}

func TestApplyLogLevel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ll := &slog.LevelVar{}

	// The generated first-run config has no log_level; the level is left alone.
	if _, err := loadConfig(dir); err != nil {
		t.Fatalf("loadConfig() failed: %v", err)
	}
	if err := applyLogLevel(dir, ll); err != nil {
		t.Fatalf("applyLogLevel() failed: %v", err)
	}
	if ll.Level() != slog.LevelInfo {
		t.Fatalf("level = %v, want info", ll.Level())
	}

	path := filepath.Join(dir, configName)
	if err := os.WriteFile(path, []byte("jwt_secret: s\nlog_level: debug\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := applyLogLevel(dir, ll); err != nil {
		t.Fatalf("applyLogLevel() failed: %v", err)
	}
	if ll.Level() != slog.LevelDebug {
		t.Fatalf("level = %v, want debug", ll.Level())
	}

	// A bad level is an error and the current level stays.
	if err := os.WriteFile(path, []byte("jwt_secret: s\nlog_level: loud\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if err := applyLogLevel(dir, ll); err == nil {
		t.Fatal("bad level accepted")
	}
	if ll.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug after rejected edit", ll.Level())
	}
}
