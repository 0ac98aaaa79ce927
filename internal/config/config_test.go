package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cfdb/internal/engine"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Database.Backend != "bolt" {
		t.Errorf("Backend: got %q, want bolt", cfg.Database.Backend)
	}
	if cfg.Database.Path != "~/.cfdb/data" {
		t.Errorf("Path: got %q, want ~/.cfdb/data", cfg.Database.Path)
	}
	if !cfg.Database.CreateIfMissing {
		t.Error("CreateIfMissing should default to true")
	}
	if cfg.Database.LockTimeout.Duration != time.Second {
		t.Errorf("LockTimeout: got %v, want 1s", cfg.Database.LockTimeout)
	}
	if cfg.Reclaim.Workers != 2 {
		t.Errorf("Workers: got %d, want 2", cfg.Reclaim.Workers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadNoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Backend != "bolt" {
		t.Errorf("Backend: got %q, want bolt", cfg.Database.Backend)
	}
}

func TestLoadDefaultLocation(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".cfdb"), 0700); err != nil {
		t.Fatal(err)
	}
	data := "[reclaim]\nworkers = 7\n"
	if err := os.WriteFile(filepath.Join(home, ".cfdb", "config.toml"), []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Reclaim.Workers != 7 {
		t.Errorf("Workers: got %d, want 7", cfg.Reclaim.Workers)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := `
[database]
path = "/var/lib/cfdb"
backend = "badger"
create_if_missing = false
lock_timeout = "250ms"

[database.default_family]
fill_percent = 0.7

[logging]
level = "debug"
format = "json"

[reclaim]
workers = 4

[families.default]
fill_percent = 0.5

[families.users]
max_value_size = 4096
comment = "user records"
`
	if err := os.WriteFile(path, []byte(toml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/var/lib/cfdb" {
		t.Errorf("Path: got %q", cfg.Database.Path)
	}
	if cfg.Database.Backend != "badger" {
		t.Errorf("Backend: got %q", cfg.Database.Backend)
	}
	if cfg.Database.CreateIfMissing {
		t.Error("CreateIfMissing: got true, want false")
	}
	if cfg.Database.LockTimeout.Duration != 250*time.Millisecond {
		t.Errorf("LockTimeout: got %v", cfg.Database.LockTimeout)
	}
	if cfg.Database.DefaultFamily.FillPercent != 0.7 {
		t.Errorf("DefaultFamily.FillPercent: got %v", cfg.Database.DefaultFamily.FillPercent)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.Reclaim.Workers != 4 {
		t.Errorf("Workers: got %d", cfg.Reclaim.Workers)
	}
	if len(cfg.Families) != 2 {
		t.Fatalf("Families: got %d entries, want 2", len(cfg.Families))
	}
	users := cfg.Families["users"]
	if users.MaxValueSize != 4096 || users.Comment != "user records" {
		t.Errorf("families.users: got %+v", users)
	}
	if cfg.Families["default"].FillPercent != 0.5 {
		t.Errorf("families.default: got %+v", cfg.Families["default"])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"warn\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level: got %q", cfg.Logging.Level)
	}
	if cfg.Database.Backend != "bolt" || cfg.Reclaim.Workers != 2 {
		t.Error("unset sections should keep their defaults")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"syntax", "[database\n", "parsing config"},
		{"unknown key", "[database]\nbackends = \"bolt\"\n", "unknown key"},
		{"unknown family option", "[families.x]\ncolour = \"red\"\n", "unknown key"},
		{"bad duration", "[database]\nlock_timeout = \"soon\"\n", "parsing config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.data), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("explicit missing path should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"empty path", func(c *Config) { c.Database.Path = " " }, "database.path"},
		{"backend", func(c *Config) { c.Database.Backend = "rocks" }, "database.backend"},
		{"negative timeout", func(c *Config) { c.Database.LockTimeout.Duration = -time.Second }, "database.lock_timeout"},
		{"default family", func(c *Config) { c.Database.DefaultFamily.FillPercent = 2 }, "database.default_family"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"workers", func(c *Config) { c.Reclaim.Workers = 0 }, "reclaim.workers"},
		{"family options", func(c *Config) {
			c.Families = map[string]engine.FamilyOptions{"users": {MaxValueSize: -1}}
		}, "families.users"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error should mention %q: %v", tt.key, err)
			}
		})
	}
}

func TestValidateAcceptsMixedCase(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Backend = "Badger"
	cfg.Logging.Format = "JSON"
	cfg.Logging.Level = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandHome("~/.cfdb/data"); got != filepath.Join(home, ".cfdb/data") {
		t.Errorf("ExpandHome: got %q", got)
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %q", got)
	}
}
