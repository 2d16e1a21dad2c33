package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecordOnSDKProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	ctx := context.Background()
	m := NewMetrics(mp.Meter("test"))
	m.Issued(ctx, "team-1", 5)
	m.Issued(ctx, "team-1", 2.5)
	m.Objection(ctx, "team-1", true)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			names[md.Name] = true
			if md.Name == "cookline.ledger.cook" {
				sum, ok := md.Data.(metricdata.Sum[float64])
				require.True(t, ok)
				require.Len(t, sum.DataPoints, 1)
				assert.Equal(t, 7.5, sum.DataPoints[0].Value)
			}
		}
	}
	assert.True(t, names["cookline.ledger.entries"])
	assert.True(t, names["cookline.governance.escalations"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Issued(context.Background(), "t", 1)
	m.SyncDropped(context.Background(), "t")
}

func TestInitDisabledInstallsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), "cookline", "test", Options{}))
	Shutdown(context.Background())
}
