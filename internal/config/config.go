package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Remote     RemoteConfig         `yaml:"remote"`
	Workspaces map[string]Workspace `yaml:"workspaces"`
	Cache      CacheConfig          `yaml:"cache"`
	Sync       SyncConfig           `yaml:"sync"`
	Render     RenderConfig         `yaml:"render"`
	Mount      MountConfig          `yaml:"mount"`
	Log        LogConfig            `yaml:"log"`
}

type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Workspace is a named saved query against the remote tracker.
type Workspace struct {
	Query string `yaml:"query"`
}

type CacheConfig struct {
	StorePath string        `yaml:"store_path"`
	TTL       time.Duration `yaml:"ttl"`
}

type SyncConfig struct {
	Interval             time.Duration `yaml:"interval"`
	Budget               int           `yaml:"budget"`
	MaxConcurrentFetches int           `yaml:"max_concurrent_fetches"`
	PageSize             int           `yaml:"page_size"`
}

type RenderConfig struct {
	CommentsInlineLimit int `yaml:"comments_inline_limit"`
}

type MountConfig struct {
	DefaultPath string `yaml:"default_path"`
	AllowOther  bool   `yaml:"allow_other"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

var workspaceNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			TTL: 60 * time.Second,
		},
		Sync: SyncConfig{
			Interval:             2 * time.Minute,
			Budget:               200,
			MaxConcurrentFetches: 4,
			PageSize:             100,
		},
		Render: RenderConfig{
			CommentsInlineLimit: 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration using the real environment.
func Load() (*Config, error) {
	return LoadWithEnv(os.Getenv)
}

// LoadWithEnv loads configuration using the provided environment lookup function.
// This allows tests to provide isolated environment values.
func LoadWithEnv(getenv func(string) string) (*Config, error) {
	return LoadFile(PathWithEnv(getenv), getenv)
}

// LoadFile loads configuration from an explicit path, applying defaults and
// environment overrides.
func LoadFile(path string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables override config file
	if token := getenv("ISSUEFS_TOKEN"); token != "" {
		cfg.Remote.Token = token
	}

	if cfg.Cache.StorePath == "" {
		cfg.Cache.StorePath = DefaultStorePathWithEnv(getenv)
	}

	return cfg, nil
}

// Save writes the configuration back to the given path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks the configuration for construction-time errors.
// An invalid configuration prevents mount.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if len(c.Workspaces) == 0 {
		return fmt.Errorf("at least one workspace must be configured")
	}
	for name, ws := range c.Workspaces {
		if !workspaceNameRe.MatchString(name) {
			return fmt.Errorf("invalid workspace name %q: must match [A-Za-z0-9_-]+", name)
		}
		if ws.Query == "" {
			return fmt.Errorf("workspace %q has an empty query", name)
		}
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("sync.max_concurrent_fetches must be positive")
	}
	if c.Sync.Budget <= 0 {
		return fmt.Errorf("sync.budget must be positive")
	}
	if c.Render.CommentsInlineLimit < 0 {
		return fmt.Errorf("render.comments_inline_limit must not be negative")
	}
	return nil
}

// WorkspaceNames returns the configured workspace names in sorted order.
func (c *Config) WorkspaceNames() []string {
	names := make([]string, 0, len(c.Workspaces))
	for name := range c.Workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path returns the config file path for the real environment.
func Path() string {
	return PathWithEnv(os.Getenv)
}

func PathWithEnv(getenv func(string) string) string {
	if xdgConfig := getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "issuefs", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "issuefs", "config.yaml")
}

// DefaultStorePath returns the default SQLite store path.
func DefaultStorePath() string {
	return DefaultStorePathWithEnv(os.Getenv)
}

func DefaultStorePathWithEnv(getenv func(string) string) string {
	if xdgState := getenv("XDG_STATE_HOME"); xdgState != "" {
		return filepath.Join(xdgState, "issuefs", "cache.db")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "issuefs", "cache.db")
}
