package importer

import (
	"context"
	"log/slog"
	"time"

	"github.com/conorfennell/ankimport/internal/domain"
)

const progressTimeout = 5 * time.Second

// progressWriter is the part of the store that persists progress records.
type progressWriter interface {
	UpdateImport(ctx context.Context, p domain.ImportProgress) error
}

// progressReporter writes progress snapshots from a background goroutine.
// Report never blocks: a pending snapshot that has not been written yet is
// replaced by the newer one. Failures are logged and otherwise ignored.
type progressReporter struct {
	store   progressWriter
	updates chan domain.ImportProgress
	done    chan struct{}
}

func newProgressReporter(ctx context.Context, store progressWriter) *progressReporter {
	r := &progressReporter{
		store:   store,
		updates: make(chan domain.ImportProgress, 1),
		done:    make(chan struct{}),
	}
	// Progress outlives request cancellation so the final status lands.
	base := context.WithoutCancel(ctx)
	go func() {
		defer close(r.done)
		for p := range r.updates {
			writeCtx, cancel := context.WithTimeout(base, progressTimeout)
			if err := r.store.UpdateImport(writeCtx, p); err != nil {
				slog.Warn("Failed to update import progress", "import_id", p.ID, "status", p.Status, "error", err)
			}
			cancel()
		}
	}()
	return r
}

// Report queues p, replacing any snapshot still waiting. It must only be
// called from one goroutine.
func (r *progressReporter) Report(p domain.ImportProgress) {
	select {
	case r.updates <- p:
		return
	default:
	}
	select {
	case <-r.updates:
	default:
	}
	select {
	case r.updates <- p:
	default:
	}
}

// Close waits for the last queued snapshot to be written.
func (r *progressReporter) Close() {
	close(r.updates)
	<-r.done
}
