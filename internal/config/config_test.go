package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load() returned an unexpected error: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Expected defaults %+v but got %+v", Default(), cfg)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ankimport.yaml")
	yaml := `
database:
  driver: postgres
  dsn: postgres://file
import:
  batch_size: 50
  failure_threshold: 0.2
storage:
  public_url: https://cdn.example/media
telemetry:
  interval: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ANKIMPORT_DATABASE_DSN", "postgres://env")
	t.Setenv("ANKIMPORT_IMPORT_MEDIA_WORKERS", "8")
	t.Setenv("ANKIMPORT_STORAGE_REQUESTS_PER_SECOND", "2.5")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--config", path, "--batch-size", "75", "--log-format", "json"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load() returned an unexpected error: %v", err)
	}

	checks := []struct {
		name     string
		got      any
		expected any
	}{
		{"driver from file", cfg.Database.Driver, "postgres"},
		{"dsn from env over file", cfg.Database.DSN, "postgres://env"},
		{"batch size from flag over file", cfg.Import.BatchSize, 75},
		{"threshold from file", cfg.Import.FailureThreshold, 0.2},
		{"workers from env", cfg.Import.MediaWorkers, 8},
		{"rate from env", cfg.Storage.RequestsPerSecond, 2.5},
		{"public url from file", cfg.Storage.PublicURL, "https://cdn.example/media"},
		{"log format from flag", cfg.Log.Format, "json"},
		{"log level default kept", cfg.Log.Level, "info"},
		{"addr default kept despite flag default", cfg.HTTP.Addr, ":8080"},
		{"interval from file", cfg.Telemetry.Interval, 30 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.expected {
			t.Errorf("%s: expected %v but got %v", c.name, c.expected, c.got)
		}
	}
}

func TestUnchangedFlagsDoNotOverrideEnv(t *testing.T) {
	t.Setenv("ANKIMPORT_HTTP_ADDR", ":9999")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load() returned an unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("Expected addr :9999 but got %s", cfg.HTTP.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil); err == nil {
		t.Error("Expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	testCases := map[string]func(c *Config){
		"unknown driver":         func(c *Config) { c.Database.Driver = "mysql" },
		"empty dsn":              func(c *Config) { c.Database.DSN = "" },
		"unknown storage":        func(c *Config) { c.Storage.Kind = "s3" },
		"http without endpoint":  func(c *Config) { c.Storage.Kind = "http"; c.Storage.Bucket = "media" },
		"http without bucket":    func(c *Config) { c.Storage.Kind = "http"; c.Storage.Endpoint = "https://store.example" },
		"fs with bad public url": func(c *Config) { c.Storage.PublicURL = "not a url" },
		"zero batch size":        func(c *Config) { c.Import.BatchSize = 0 },
		"threshold above one":    func(c *Config) { c.Import.FailureThreshold = 1.5 },
		"zero threshold":         func(c *Config) { c.Import.FailureThreshold = 0 },
		"too many workers":       func(c *Config) { c.Import.MediaWorkers = 1000 },
		"bad log level":          func(c *Config) { c.Log.Level = "verbose" },
		"bad log format":         func(c *Config) { c.Log.Format = "xml" },
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid but got %v", err)
			}
		})
	}

	valid := Default()
	valid.Storage = StorageConfig{Kind: "http", Endpoint: "https://store.example", Bucket: "media"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected http storage config to be valid, got %v", err)
	}
}
