package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conorfennell/ankimport/internal/web"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the import HTTP API",
	Long: `Serves POST /imports and GET /imports/{id}. Callers are identified by the
X-Owner-Id header set by the upstream auth layer. With the fs object store
uploaded media is also served under /media/.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices(cfg)
		if err != nil {
			return err
		}
		defer svc.Close()

		srv := &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: web.NewServer(svc.importer, svc.db, web.Options{
				MaxArchiveBytes: cfg.Import.MaxArchiveBytes,
				MediaDir:        svc.mediaDir,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			slog.Info("Starting server", "addr", cfg.HTTP.Addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		slog.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
