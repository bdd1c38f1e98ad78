package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// configName is the config file inside the data directory.
const configName = "briefhub.yaml"

// config is the server configuration stored in briefhub.yaml.
type config struct {
	// JWTSecret signs briefcase session tokens. Generated on first run; keep
	// it stable or every issued token is invalidated.
	JWTSecret string `yaml:"jwt_secret"`
	// LogLevel overrides the -log-level flag when set. Edits to the config
	// file apply without a restart.
	LogLevel string `yaml:"log_level,omitempty"`
}

// loadConfig reads briefhub.yaml from the data directory, creating it with a
// fresh random secret on first run.
func loadConfig(dataDir string) (*config, error) {
	path := filepath.Join(dataDir, configName)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir flag, not user input
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		cfg := &config{JWTSecret: newSecret()}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode config: %w", err)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg := &config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%s: jwt_secret must not be empty", path)
	}
	return cfg, nil
}

// parseLogLevel maps a flag or config value to a slog level.
func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level: %q", s)
}

// applyLogLevel re-reads the config and applies its log level. An unset
// log_level leaves the current level alone; a bad one is an error and the
// level stays unchanged.
func applyLogLevel(dataDir string, ll *slog.LevelVar) error {
	cfg, err := loadConfig(dataDir)
	if err != nil {
		return err
	}
	if cfg.LogLevel == "" {
		return nil
	}
	lvl, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	ll.Set(lvl)
	return nil
}

func newSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
