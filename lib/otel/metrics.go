package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// ImageMetrics holds metrics for the image cache.
type ImageMetrics struct {
	ImagesTotal metric.Int64ObservableGauge
	PullsTotal  metric.Int64Counter
	PulledBytes metric.Int64Counter
}

// NewImageMetrics creates metrics for the image cache.
func NewImageMetrics(meter metric.Meter) (*ImageMetrics, error) {
	imagesTotal, err := meter.Int64ObservableGauge(
		"pdocker_images_total",
		metric.WithDescription("Total number of cached images"),
	)
	if err != nil {
		return nil, err
	}

	pullsTotal, err := meter.Int64Counter(
		"pdocker_images_pulls_total",
		metric.WithDescription("Total number of image pulls from registries"),
	)
	if err != nil {
		return nil, err
	}

	pulledBytes, err := meter.Int64Counter(
		"pdocker_images_pulled_bytes_total",
		metric.WithDescription("Compressed layer bytes referenced by pulled images"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &ImageMetrics{
		ImagesTotal: imagesTotal,
		PullsTotal:  pullsTotal,
		PulledBytes: pulledBytes,
	}, nil
}

// ExecMetrics holds metrics for exec sessions.
type ExecMetrics struct {
	SessionsTotal metric.Int64Counter
	Duration      metric.Float64Histogram
}

// NewExecMetrics creates metrics for exec sessions.
func NewExecMetrics(meter metric.Meter) (*ExecMetrics, error) {
	sessionsTotal, err := meter.Int64Counter(
		"pdocker_exec_sessions_total",
		metric.WithDescription("Total number of exec sessions"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"pdocker_exec_duration_seconds",
		metric.WithDescription("Exec session duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ExecMetrics{
		SessionsTotal: sessionsTotal,
		Duration:      duration,
	}, nil
}
