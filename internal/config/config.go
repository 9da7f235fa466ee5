// Package config loads service configuration from defaults, an optional YAML
// file, ANKIMPORT_* environment variables and command line flags, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ANKIMPORT_"

// ErrInvalid wraps every validation failure returned by Load.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Database  DatabaseConfig  `koanf:"database"`
	Storage   StorageConfig   `koanf:"storage"`
	Import    ImportConfig    `koanf:"import"`
	HTTP      HTTPConfig      `koanf:"http"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `koanf:"dsn" validate:"required"`
}

// StorageConfig selects the object store media is uploaded to.
type StorageConfig struct {
	Kind              string  `koanf:"kind" validate:"required,oneof=fs http"`
	Root              string  `koanf:"root" validate:"required_if=Kind fs"`
	PublicURL         string  `koanf:"public_url" validate:"required_if=Kind fs"`
	Endpoint          string  `koanf:"endpoint" validate:"required_if=Kind http"`
	Bucket            string  `koanf:"bucket" validate:"required_if=Kind http"`
	APIKey            string  `koanf:"api_key"`
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"gte=0"`
}

type ImportConfig struct {
	BatchSize        int     `koanf:"batch_size" validate:"gte=1,lte=10000"`
	FailureThreshold float64 `koanf:"failure_threshold" validate:"gt=0,lte=1"`
	MediaWorkers     int     `koanf:"media_workers" validate:"gte=1,lte=64"`
	MaxArchiveBytes  int64   `koanf:"max_archive_bytes" validate:"gte=1"`
	MaxEntryBytes    int64   `koanf:"max_entry_bytes" validate:"gte=1"`
	TempDir          string  `koanf:"temp_dir"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr" validate:"required"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type TelemetryConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gte=0"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "ankimport.db"},
		Storage: StorageConfig{
			Kind:              "fs",
			Root:              "media",
			PublicURL:         "http://localhost:8080/media",
			RequestsPerSecond: 10,
		},
		Import: ImportConfig{
			BatchSize:        200,
			FailureThreshold: 0.10,
			MediaWorkers:     5,
			MaxArchiveBytes:  256 << 20,
			MaxEntryBytes:    1 << 30,
		},
		HTTP:      HTTPConfig{Addr: ":8080"},
		Log:       LogConfig{Level: "info", Format: "text"},
		Telemetry: TelemetryConfig{Interval: time.Minute},
	}
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"db-driver":     "database.driver",
	"db":            "database.dsn",
	"storage":       "storage.kind",
	"media-root":    "storage.root",
	"public-url":    "storage.public_url",
	"batch-size":    "import.batch_size",
	"media-workers": "import.media_workers",
	"addr":          "http.addr",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"telemetry":     "telemetry.enabled",
}

// RegisterFlags adds the configuration flags to fs. Their defaults are only
// shown in help; an unset flag never overrides the file or environment.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("config", "", "Path to a YAML config file")
	fs.String("db-driver", d.Database.Driver, "Database driver (sqlite or postgres)")
	fs.String("db", d.Database.DSN, "Database DSN")
	fs.String("storage", d.Storage.Kind, "Object store kind (fs or http)")
	fs.String("media-root", d.Storage.Root, "Directory for the fs object store")
	fs.String("public-url", d.Storage.PublicURL, "Public URL prefix for the fs object store")
	fs.Int("batch-size", d.Import.BatchSize, "Cards committed per batch")
	fs.Int("media-workers", d.Import.MediaWorkers, "Concurrent media uploads")
	fs.String("addr", d.HTTP.Addr, "HTTP listen address")
	fs.String("log-level", d.Log.Level, "Log level (debug, info, warn, error)")
	fs.String("log-format", d.Log.Format, "Log format (text or json)")
	fs.Bool("telemetry", d.Telemetry.Enabled, "Export import metrics to stderr")
}

// Load builds the configuration. fs may be nil; when it carries a changed
// --config flag that file is read, otherwise path is used if non-empty.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// ANKIMPORT_STORAGE_PUBLIC_URL -> storage.public_url
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.Replace(key, "_", ".", 1)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	if fs != nil {
		if err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		}), nil); err != nil {
			return Config{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the URLs the object stores need.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Storage.Kind {
	case "fs":
		if err := checkURL(c.Storage.PublicURL); err != nil {
			return fmt.Errorf("%w: storage.public_url: %v", ErrInvalid, err)
		}
	case "http":
		if err := checkURL(c.Storage.Endpoint); err != nil {
			return fmt.Errorf("%w: storage.endpoint: %v", ErrInvalid, err)
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must be an http or https URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
