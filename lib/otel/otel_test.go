package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "pdocker"})
	require.NoError(t, err)
	require.NotNil(t, p.Meter)
	require.NotNil(t, p.Tracer)

	_, span := p.Tracer.Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewImageMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")

	m, err := NewImageMetrics(meter)
	require.NoError(t, err)
	m.PullsTotal.Add(context.Background(), 2)
	m.PulledBytes.Add(context.Background(), 1024)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					names[metric.Name] += dp.Value
				}
			}
		}
	}
	assert.EqualValues(t, 2, names["pdocker_images_pulls_total"])
	assert.EqualValues(t, 1024, names["pdocker_images_pulled_bytes_total"])
}

func TestNewExecMetrics(t *testing.T) {
	meter := sdkmetric.NewMeterProvider().Meter("test")
	m, err := NewExecMetrics(meter)
	require.NoError(t, err)
	assert.NotNil(t, m.SessionsTotal)
	assert.NotNil(t, m.Duration)
}
