package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"cfdb/internal/engine"
	"cfdb/internal/logging"
)

type Config struct {
	Database DatabaseConfig                  `toml:"database"`
	Logging  LoggingConfig                   `toml:"logging"`
	Reclaim  ReclaimConfig                   `toml:"reclaim"`
	Families map[string]engine.FamilyOptions `toml:"families"`
}

type DatabaseConfig struct {
	Path            string   `toml:"path"`
	Backend         string   `toml:"backend"`
	CreateIfMissing bool     `toml:"create_if_missing"`
	LockTimeout     Duration `toml:"lock_timeout"`
	// DefaultFamily applies to families with no other options.
	DefaultFamily engine.FamilyOptions `toml:"default_family"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ReclaimConfig struct {
	Workers int `toml:"workers"`
}

// Duration is a time.Duration written as a string ("1s", "250ms").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

var backends = map[string]bool{"bolt": true, "badger": true, "memory": true}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "~/.cfdb/data",
			Backend:         "bolt",
			CreateIfMissing: true,
			LockTimeout:     Duration{time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Reclaim: ReclaimConfig{
			Workers: 2,
		},
	}
}

// Load reads a TOML config file and returns the parsed Config.
// If path is empty, ~/.cfdb/config.toml is used when it exists, otherwise
// only defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.cfdb/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing config: unknown key %q", undecoded[0].String())
	}

	return cfg, nil
}

// Validate reports the first invalid setting, named by its TOML key.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path: must not be empty")
	}
	if !backends[strings.ToLower(c.Database.Backend)] {
		return fmt.Errorf("database.backend: unknown backend %q (want bolt, badger or memory)", c.Database.Backend)
	}
	if c.Database.LockTimeout.Duration < 0 {
		return fmt.Errorf("database.lock_timeout: must not be negative")
	}
	if err := c.Database.DefaultFamily.Validate(); err != nil {
		return fmt.Errorf("database.default_family: %w", err)
	}
	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if c.Reclaim.Workers < 1 {
		return fmt.Errorf("reclaim.workers: must be at least 1")
	}
	for name, fo := range c.Families {
		if name == "" {
			return fmt.Errorf("families: empty family name")
		}
		if err := fo.Validate(); err != nil {
			return fmt.Errorf("families.%s: %w", name, err)
		}
	}
	return nil
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
