// Package config loads the per-working-copy configuration from
// {root}/.wcdrawer/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"wcengine/internal/artifacts"
	"wcengine/internal/collider"
	"wcengine/internal/common"
)

// DrawerName is the reserved directory at the working-copy root holding the
// database, timestamp cache and config.
const DrawerName = ".wcdrawer"

// File names inside the drawer.
const (
	ConfigFileName     = "config.yaml"
	DatabaseFileName   = "wc.db"
	TimestampsFileName = "timestamps.db"
	LockFileName       = "wc.lock"
	RepoFileName       = "repo.db"
)

// Environment overrides.
const (
	EnvBusyTimeout = "WCENGINE_BUSY_TIMEOUT"
	EnvUser        = "WCENGINE_USER"
)

const (
	DefaultBusyTimeout      = 5000
	DefaultParkMaxAttempts  = 100
	DefaultMaxCommentLength = 16384
)

// Config is the working-copy configuration.
type Config struct {
	LogLevel         string   `yaml:"log_level"`          // none, error, warn, info, debug, trace
	BusyTimeout      int      `yaml:"busy_timeout"`       // SQLite busy_timeout (ms)
	Attrbits         []string `yaml:"attrbits"`           // default: [exec]
	Portability      []string `yaml:"portability"`        // default: [all]
	Gitignore        *bool    `yaml:"gitignore"`          // default: true (pointer to detect missing)
	Ignores          []string `yaml:"ignores"`            // extra glob patterns
	ParkMaxAttempts  int      `yaml:"park_max_attempts"`  // default: 100
	MaxCommentLength int      `yaml:"max_comment_length"` // default: 16384
	User             string   `yaml:"user"`               // default: $WCENGINE_USER or $USER
}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Attrbits == nil {
		cfg.Attrbits = []string{"exec"}
	}
	if cfg.Portability == nil {
		cfg.Portability = []string{"all"}
	}
	if cfg.Gitignore == nil {
		t := true
		cfg.Gitignore = &t
	}
	if cfg.ParkMaxAttempts <= 0 {
		cfg.ParkMaxAttempts = DefaultParkMaxAttempts
	}
	if cfg.MaxCommentLength <= 0 {
		cfg.MaxCommentLength = DefaultMaxCommentLength
	}
	if cfg.User == "" {
		cfg.User = os.Getenv(EnvUser)
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
}

// GitignoreEnabled returns whether .wcignore files are honoured (defaults to true).
func (cfg *Config) GitignoreEnabled() bool {
	if cfg.Gitignore == nil {
		return true
	}
	return *cfg.Gitignore
}

// Level returns the normalized (lowercase) logging level.
func (cfg *Config) Level() string {
	return strings.ToLower(cfg.LogLevel)
}

// AttrbitsMask parses the attrbits list.
func (cfg *Config) AttrbitsMask() (common.Attrbits, error) {
	return common.ParseAttrbitsMask(cfg.Attrbits)
}

// PortabilityMask parses the portability list.
func (cfg *Config) PortabilityMask() (collider.Flags, error) {
	return collider.ParseMask(cfg.Portability)
}

// EffectiveBusyTimeout returns the busy timeout with the environment
// override applied.
func (cfg *Config) EffectiveBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		var n int
		if _, err := fmt.Sscanf(val, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return cfg.BusyTimeout
}

// Default returns the embedded default configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.DefaultConfig, &cfg); err != nil {
		panic("failed to parse embedded default config: " + err.Error())
	}
	cfg.ApplyDefaults()
	return &cfg
}

// Path returns the config file path of the working copy rooted at root.
func Path(root string) string {
	return filepath.Join(root, DrawerName, ConfigFileName)
}

// Load loads the config of the working copy rooted at root. A missing file
// yields the embedded defaults.
func Load(root string) (*Config, error) {
	return LoadFromPath(Path(root))
}

// LoadFromPath loads the config from a specific file path.
func LoadFromPath(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
	}
	cfg.ApplyDefaults()
	if _, err := cfg.AttrbitsMask(); err != nil {
		return nil, err
	}
	if _, err := cfg.PortabilityMask(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WriteDefault writes the embedded default config to root's drawer unless a
// config already exists. It reports whether a file was written.
func WriteDefault(root string) (bool, error) {
	p := Path(root)
	if _, err := os.Stat(p); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return false, fmt.Errorf("failed to create %s: %w", DrawerName, err)
	}
	if err := os.WriteFile(p, artifacts.DefaultConfig, 0644); err != nil {
		return false, fmt.Errorf("failed to write config.yaml: %w", err)
	}
	return true, nil
}
