package api

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration, loadable from a YAML file with
// flag/environment overrides applied by the binary.
type Config struct {
	ListenAddr         string        `yaml:"listen_addr"`
	DBPath             string        `yaml:"db_path"`
	ConflictResolution string        `yaml:"conflict_resolution"` // server_wins | client_wins | manual
	TokenValidity      time.Duration `yaml:"token_validity"`
	LogLevel           string        `yaml:"log_level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":8080",
		DBPath:             "shopsync-server.db",
		ConflictResolution: "server_wins",
		TokenValidity:      24 * time.Hour,
		LogLevel:           "info",
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file
// is not an error; the defaults stand.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	switch cfg.ConflictResolution {
	case "", "server_wins", "client_wins", "manual":
	default:
		return cfg, fmt.Errorf("invalid conflict_resolution: %q", cfg.ConflictResolution)
	}
	return cfg, nil
}
