package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conorfennell/ankimport/internal/config"
	"github.com/conorfennell/ankimport/internal/importer"
	"github.com/conorfennell/ankimport/internal/objectstore"
	"github.com/conorfennell/ankimport/internal/storage"
	"github.com/conorfennell/ankimport/internal/telemetry"
)

// cfg is loaded once before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "ankimport",
	Short: "Import Anki deck packages into the card store",
	Long: `ankimport reads .apkg deck packages, recreates their deck hierarchy,
uploads their images and stores every card with its study state.

Configuration is read from --config, ANKIMPORT_* environment variables
and flags, in increasing order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load("", cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		slog.SetDefault(newLogger(cfg.Log, os.Stderr))
		return nil
	},
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from the log settings.
func newLogger(lc config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// services are the collaborators shared by every subcommand.
type services struct {
	db       *storage.DB
	uploader objectstore.Uploader
	importer *importer.Importer
	// mediaDir is the fs object store root, empty for remote stores.
	mediaDir string
	shutdown func(context.Context) error
}

func openServices(c config.Config) (*services, error) {
	db, err := storage.Open(c.Database.Driver, c.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	slog.Info("Database opened", "driver", c.Database.Driver)

	svc := &services{db: db, shutdown: func(context.Context) error { return nil }}
	switch c.Storage.Kind {
	case "http":
		up, err := objectstore.NewHTTP(objectstore.HTTPConfig{
			Endpoint:          c.Storage.Endpoint,
			Bucket:            c.Storage.Bucket,
			APIKey:            c.Storage.APIKey,
			RequestsPerSecond: c.Storage.RequestsPerSecond,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		svc.uploader = up
	default:
		up, err := objectstore.NewFS(c.Storage.Root, c.Storage.PublicURL)
		if err != nil {
			db.Close()
			return nil, err
		}
		svc.uploader = up
		svc.mediaDir = up.Root()
	}

	if c.Telemetry.Enabled {
		shutdown, err := telemetry.Init(os.Stderr, c.Telemetry.Interval)
		if err != nil {
			db.Close()
			return nil, err
		}
		svc.shutdown = shutdown
	}

	svc.importer = importer.New(db, svc.uploader, importer.Options{
		BatchSize:        c.Import.BatchSize,
		FailureThreshold: c.Import.FailureThreshold,
		MediaWorkers:     c.Import.MediaWorkers,
		MaxEntryBytes:    c.Import.MaxEntryBytes,
		TempDir:          c.Import.TempDir,
		Metrics:          telemetry.NewMetrics(nil),
	})
	return svc, nil
}

func (s *services) Close() {
	if err := s.shutdown(context.Background()); err != nil {
		slog.Warn("Failed to flush metrics", "error", err)
	}
	if err := s.db.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}
