package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultRoom    = "default"
)

type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Animation AnimationConfig `toml:"animation"`
	Canvas    CanvasConfig    `toml:"canvas"`
	Journal   JournalConfig   `toml:"journal"`
	Feed      FeedConfig      `toml:"feed"`
	Raw       map[string]any  `toml:"-"`
	Path      string          `toml:"-"`
}

type BackendConfig struct {
	BaseURL   string `toml:"base_url"`
	Room      string `toml:"room"`
	TimeoutMS int    `toml:"timeout_ms"`
}

type AnimationConfig struct {
	UnitMS int `toml:"unit_ms"`
}

type CanvasConfig struct {
	Width  int `toml:"width"`
	Height int `toml:"height"`
}

type JournalConfig struct {
	DBPath  string `toml:"db_path"`
	Enabled *bool  `toml:"enabled"`
}

type FeedConfig struct {
	Enabled bool `toml:"enabled"`
}

// Load reads the TOML file at path. An empty path means the default location;
// a missing default file yields the built-in defaults, while a missing
// explicit path is an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			cfg := Config{Raw: map[string]any{}}
			return cfg.withDefaults()
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg.withDefaults()
}

func (c Config) withDefaults() (Config, error) {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		c.Backend.BaseURL = DefaultBaseURL
	}
	if strings.TrimSpace(c.Backend.Room) == "" {
		c.Backend.Room = DefaultRoom
	}
	if c.Backend.TimeoutMS <= 0 {
		c.Backend.TimeoutMS = 120000
	}
	if c.Animation.UnitMS <= 0 {
		c.Animation.UnitMS = 1000
	}
	if c.Canvas.Width <= 0 {
		c.Canvas.Width = 800
	}
	if c.Canvas.Height <= 0 {
		c.Canvas.Height = 700
	}
	if strings.TrimSpace(c.Journal.DBPath) == "" {
		c.Journal.DBPath = filepath.Join("~", ".agent_town", "journal.db")
	}
	dbPath, err := expandHome(c.Journal.DBPath)
	if err != nil {
		return Config{}, err
	}
	c.Journal.DBPath = filepath.Clean(dbPath)
	return c, nil
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutMS) * time.Millisecond
}

func (c Config) AnimationUnit() time.Duration {
	return time.Duration(c.Animation.UnitMS) * time.Millisecond
}

// JournalEnabled defaults to true when the key is absent.
func (c Config) JournalEnabled() bool {
	return c.Journal.Enabled == nil || *c.Journal.Enabled
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(p, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent_town/config.toml"
	}
	return filepath.Join(home, ".agent_town", "config.toml")
}
