package containers

import (
	"context"
	"time"

	pdotel "github.com/onkernel/pdocker/lib/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for container operations.
type Metrics struct {
	pullDuration     metric.Float64Histogram
	createDuration   metric.Float64Histogram
	startDuration    metric.Float64Histogram
	stopDuration     metric.Float64Histogram
	stateTransitions metric.Int64Counter
	exec             *pdotel.ExecMetrics
	tracer           trace.Tracer
}

// newContainerMetrics creates and registers all container metrics.
func newContainerMetrics(meter metric.Meter, tracer trace.Tracer, m *manager) (*Metrics, error) {
	pullDuration, err := meter.Float64Histogram(
		"pdocker_images_pull_duration_seconds",
		metric.WithDescription("Time to make an image available locally"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	createDuration, err := meter.Float64Histogram(
		"pdocker_containers_create_duration_seconds",
		metric.WithDescription("Time to create a container, including its rootfs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	startDuration, err := meter.Float64Histogram(
		"pdocker_containers_start_duration_seconds",
		metric.WithDescription("Time to start a container"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stopDuration, err := meter.Float64Histogram(
		"pdocker_containers_stop_duration_seconds",
		metric.WithDescription("Time to stop a container"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"pdocker_containers_state_transitions_total",
		metric.WithDescription("Total number of container state transitions"),
	)
	if err != nil {
		return nil, err
	}

	exec, err := pdotel.NewExecMetrics(meter)
	if err != nil {
		return nil, err
	}

	containersTotal, err := meter.Int64ObservableGauge(
		"pdocker_containers_total",
		metric.WithDescription("Total number of containers by state"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			all, err := m.store.List(ctx, true)
			if err != nil {
				return nil
			}
			counts := make(map[string]int64)
			for _, c := range all {
				counts[string(c.State)]++
			}
			for state, count := range counts {
				o.ObserveInt64(containersTotal, count,
					metric.WithAttributes(attribute.String("state", state)))
			}
			return nil
		},
		containersTotal,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		pullDuration:     pullDuration,
		createDuration:   createDuration,
		startDuration:    startDuration,
		stopDuration:     stopDuration,
		stateTransitions: stateTransitions,
		exec:             exec,
		tracer:           tracer,
	}, nil
}

// recordDuration records operation duration with a status label.
func (m *manager) recordDuration(ctx context.Context, histogram metric.Float64Histogram, start time.Time, status string) {
	if m.metrics == nil {
		return
	}
	histogram.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// recordStateTransition records a state transition.
func (m *manager) recordStateTransition(ctx context.Context, fromState, toState string) {
	if m.metrics == nil || fromState == toState {
		return
	}
	m.metrics.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", fromState),
		attribute.String("to", toState),
	))
}

// recordExec records a finished exec session.
func (m *manager) recordExec(ctx context.Context, start time.Time, err error) {
	if m.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status(err)))
	m.metrics.exec.SessionsTotal.Add(ctx, 1, attrs)
	m.metrics.exec.Duration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// startSpan opens a span when tracing is configured.
func (m *manager) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if m.metrics == nil || m.metrics.tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return m.metrics.tracer.Start(ctx, "containers."+name)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
