// Package telemetry records import metrics through OpenTelemetry. Until
// Init installs a provider the global no-op meter is used.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const scopeName = "github.com/conorfennell/ankimport/importer"

// Init installs a meter provider exporting to w every interval and returns
// its shutdown function.
func Init(w io.Writer, interval time.Duration) (func(context.Context) error, error) {
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Metrics holds the importer's instruments.
type Metrics struct {
	imports       metric.Int64Counter
	cardsImported metric.Int64Counter
	cardsFailed   metric.Int64Counter
	cardsSkipped  metric.Int64Counter
	mediaUploaded metric.Int64Counter
	mediaFailed   metric.Int64Counter
}

// NewMetrics creates instruments from the global meter provider, or from mp
// when it is non-nil.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(scopeName)
	imports, _ := m.Int64Counter("ankimport.imports",
		metric.WithDescription("Import invocations by outcome"))
	imported, _ := m.Int64Counter("ankimport.cards.imported",
		metric.WithDescription("Cards committed to the datastore"))
	failed, _ := m.Int64Counter("ankimport.cards.failed",
		metric.WithDescription("Cards dropped by validation or failed inserts"))
	skipped, _ := m.Int64Counter("ankimport.cards.skipped_default_deck",
		metric.WithDescription("Cards skipped because they sit in the reserved default deck"))
	uploaded, _ := m.Int64Counter("ankimport.media.uploaded",
		metric.WithDescription("Media assets uploaded"))
	mediaFailed, _ := m.Int64Counter("ankimport.media.failed",
		metric.WithDescription("Media assets that failed to upload"))
	return &Metrics{
		imports:       imports,
		cardsImported: imported,
		cardsFailed:   failed,
		cardsSkipped:  skipped,
		mediaUploaded: uploaded,
		mediaFailed:   mediaFailed,
	}
}

// Summary is the per-import tally recorded at the end of an import.
type Summary struct {
	Outcome       string
	Imported      int
	Failed        int
	SkippedDeck   int
	MediaUploaded int
	MediaFailed   int
}

// Record adds one finished import to the counters.
func (m *Metrics) Record(ctx context.Context, s Summary) {
	if m == nil {
		return
	}
	m.imports.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", s.Outcome)))
	m.cardsImported.Add(ctx, int64(s.Imported))
	m.cardsFailed.Add(ctx, int64(s.Failed))
	m.cardsSkipped.Add(ctx, int64(s.SkippedDeck))
	m.mediaUploaded.Add(ctx, int64(s.MediaUploaded))
	m.mediaFailed.Add(ctx, int64(s.MediaFailed))
}
