package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecordCountsImport(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewMetrics(mp)

	ctx := context.Background()
	m.Record(ctx, Summary{Outcome: "success", Imported: 850, Failed: 150, SkippedDeck: 3, MediaUploaded: 2})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[md.Name] += dp.Value
			}
		}
	}
	require.Equal(t, int64(1), totals["ankimport.imports"])
	require.Equal(t, int64(850), totals["ankimport.cards.imported"])
	require.Equal(t, int64(150), totals["ankimport.cards.failed"])
	require.Equal(t, int64(3), totals["ankimport.cards.skipped_default_deck"])
	require.Equal(t, int64(2), totals["ankimport.media.uploaded"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Record(context.Background(), Summary{Outcome: "error"})
}
