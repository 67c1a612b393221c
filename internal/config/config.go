// Package config loads and resolves the arkivault configuration:
// defaults, then the TOML config file, then environment variables,
// then CLI flags. Unknown keys in the file are fatal.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
)

// Default concurrency bounds for the upload queue.
const (
	DefaultGlobalLimit = 4
	DefaultVideoLimit  = 2
)

// Config is the on-disk TOML shape plus resolved defaults.
type Config struct {
	// Endpoint is the catalog service base URL, no trailing slash.
	Endpoint string `toml:"endpoint"`
	// Token is the static API auth token (X-Auth-Token).
	Token string `toml:"token"`
	// EventsURL is the account events websocket; empty disables it.
	EventsURL string `toml:"events_url"`
	// OwnerID is the account's numeric user ID.
	OwnerID int64 `toml:"owner_id"`
	// MasterKey is the base64 account master key. Collection keys are
	// unwrapped with it client side; it never leaves the machine.
	MasterKey string `toml:"master_key"`
	// DataDir holds the sqlite database.
	DataDir string `toml:"data_dir"`
	// TempDir holds encrypted upload artifacts.
	TempDir string `toml:"temp_dir"`
	// MediaDir is watched for deletions; empty disables the watcher.
	MediaDir string `toml:"media_dir"`
	// AllowMobileData permits uploads off Wi-Fi.
	AllowMobileData bool `toml:"allow_mobile_data"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	Limits LimitsConfig `toml:"limits"`
}

// LimitsConfig bounds concurrent uploads.
type LimitsConfig struct {
	// Global caps all in-progress uploads.
	Global int `toml:"global"`
	// Video caps in-progress video uploads; video saturation never
	// blocks image progress.
	Video int `toml:"video"`
}

// DefaultConfig returns a Config with all defaults populated.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "https://api.arkivault.io",
		DataDir:  defaultDataDir(),
		TempDir:  filepath.Join(os.TempDir(), "arkivault"),
		LogLevel: "info",
		Limits: LimitsConfig{
			Global: DefaultGlobalLimit,
			Video:  DefaultVideoLimit,
		},
	}
}

// DefaultConfigPath returns the standard config file location.
func DefaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "arkivault", "config.toml")
	}

	return filepath.Join(".", "arkivault.toml")
}

// DBPath returns the sqlite database path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "arkivault.db")
}

// MasterKeyBytes decodes the base64 master key. An empty key returns
// nil; commands that need it check for that.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("config: master_key is not valid base64: %w", err)
	}

	return key, nil
}

// Validate rejects configurations the engine cannot run with.
func Validate(c *Config) error {
	if c.Endpoint == "" {
		return fmt.Errorf("config: endpoint must not be empty")
	}

	if c.Limits.Global < 1 {
		return fmt.Errorf("config: limits.global must be at least 1, got %d", c.Limits.Global)
	}

	if c.Limits.Video < 1 {
		return fmt.Errorf("config: limits.video must be at least 1, got %d", c.Limits.Video)
	}

	if c.Limits.Video > c.Limits.Global {
		return fmt.Errorf("config: limits.video (%d) cannot exceed limits.global (%d)",
			c.Limits.Video, c.Limits.Global)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}

	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "arkivault")
	}

	return filepath.Join(".", "arkivault-data")
}
