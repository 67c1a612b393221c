package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config. Unknown keys are fatal so a typo in the file
// surfaces immediately.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise
// returns a Config populated with defaults so first runs work without
// a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables. CLI flags are
// applied by the commands on top of the result.
func Resolve(path string) (*Config, error) {
	// Precedence for the file location: CLI flag > env > default.
	if path == "" {
		path = os.Getenv("ARKIVAULT_CONFIG")
	}

	if path == "" {
		path = DefaultConfigPath()
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides string fields from the environment. The token is
// the common case: keeping it out of the config file keeps it out of
// backups and dotfile repos.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARKIVAULT_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}

	if v := os.Getenv("ARKIVAULT_TOKEN"); v != "" {
		cfg.Token = v
	}

	if v := os.Getenv("ARKIVAULT_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}

	if v := os.Getenv("ARKIVAULT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("ARKIVAULT_TEMP_DIR"); v != "" {
		cfg.TempDir = v
	}
}
