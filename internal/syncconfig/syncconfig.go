// Package syncconfig stores client-side sync settings and credentials as
// JSON files under the user config dir, and generates the stable client
// instance id sent with every request.
package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncConfig holds sync-related settings.
type SyncConfig struct {
	ServerURL      string `json:"server_url"`
	Interval       string `json:"interval,omitempty"`        // duration string, default "30s"
	BatchSize      int    `json:"batch_size,omitempty"`      // default 50
	PullLimit      int    `json:"pull_limit,omitempty"`      // default 500
	ConflictPolicy string `json:"conflict_policy,omitempty"` // server_wins | manual
}

// Config is the global shopsync config stored at
// ~/.config/shopsync/config.json.
type Config struct {
	Sync SyncConfig `json:"sync"`
}

// Credentials is the authentication state at ~/.config/shopsync/auth.json.
type Credentials struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    string `json:"expires_at,omitempty"`
	ClientID     string `json:"client_id"`
}

const defaultServerURL = "http://localhost:8080"

// configDirOverride redirects the config dir, for tests.
var configDirOverride string

// SetConfigDir overrides the config directory. Pass "" to restore the
// default. Test hook.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// ConfigDir returns ~/.config/shopsync, creating it if necessary.
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		if err := os.MkdirAll(configDirOverride, 0755); err != nil {
			return "", fmt.Errorf("create config dir: %w", err)
		}
		return configDirOverride, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "shopsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config, returning defaults when absent.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the global config.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// GetServerURL returns the configured server URL or the default.
func GetServerURL() string {
	if v := os.Getenv("SHOPSYNC_SERVER_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.ServerURL != "" {
		return cfg.Sync.ServerURL
	}
	return defaultServerURL
}

// Interval returns the configured base cycle interval.
func (c *Config) Interval() time.Duration {
	if c.Sync.Interval != "" {
		if d, err := time.ParseDuration(c.Sync.Interval); err == nil && d > 0 {
			return d
		}
	}
	return 30 * time.Second
}

// --- credentials ---

// CredStore persists the token pair and implements the transport token
// source. Safe for concurrent use.
type CredStore struct {
	mu sync.Mutex
}

// NewCredStore returns the credential store over the auth file.
func NewCredStore() *CredStore {
	return &CredStore{}
}

func authPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "auth.json"), nil
}

func (c *CredStore) load() Credentials {
	path, err := authPath()
	if err != nil {
		return Credentials{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}
	}
	var creds Credentials
	if json.Unmarshal(data, &creds) != nil {
		return Credentials{}
	}
	return creds
}

func (c *CredStore) save(creds Credentials) error {
	path, err := authPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	// Credentials are secrets: owner-only.
	return os.WriteFile(path, data, 0600)
}

// Token returns the current bearer token, empty when logged out.
func (c *CredStore) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load().Token
}

// RefreshToken returns the current refresh token.
func (c *CredStore) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load().RefreshToken
}

// SetTokens replaces the token pair, keeping the client id.
func (c *CredStore) SetTokens(token, refreshToken string, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds := c.load()
	creds.Token = token
	creds.RefreshToken = refreshToken
	if !expiresAt.IsZero() {
		creds.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
	}
	return c.save(creds)
}

// Clear wipes the token pair (logout / failed refresh), preserving the
// client id so the instance identity survives re-login.
func (c *CredStore) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds := c.load()
	creds.Token = ""
	creds.RefreshToken = ""
	creds.ExpiresAt = ""
	return c.save(creds)
}

// IsAuthenticated reports whether a bearer token is present.
func (c *CredStore) IsAuthenticated() bool {
	return c.Token() != ""
}

// ClientID returns the stable client instance id, generating and
// persisting one on first use.
func (c *CredStore) ClientID() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	creds := c.load()
	if creds.ClientID != "" {
		return creds.ClientID, nil
	}
	creds.ClientID = "cl-" + uuid.NewString()
	if err := c.save(creds); err != nil {
		return "", err
	}
	return creds.ClientID, nil
}
