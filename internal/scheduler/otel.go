package scheduler

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/geohunt/engine/internal/scheduler"

type metrics struct {
	passes   metric.Int64Counter
	outcomes metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics() (*metrics, error) {
	m := otel.Meter(instrumentationName)

	passes, err := m.Int64Counter(
		"scheduler.passes",
		metric.WithDescription("Placement passes run"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating passes counter: %w", err)
	}

	outcomes, err := m.Int64Counter(
		"scheduler.placements",
		metric.WithDescription("Placement outcomes by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating placements counter: %w", err)
	}

	duration, err := m.Float64Histogram(
		"scheduler.pass.duration",
		metric.WithDescription("Placement pass duration"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating pass duration histogram: %w", err)
	}

	return &metrics{passes: passes, outcomes: outcomes, duration: duration}, nil
}

func (m *metrics) record(ctx context.Context, ps PassStats) {
	skipped := attribute.Bool("skipped", ps.Skipped != "")
	m.passes.Add(ctx, 1, metric.WithAttributes(skipped))
	m.duration.Record(ctx, float64(ps.Duration.Microseconds())/1000)

	for result, n := range map[string]int{
		"placed":   ps.Placed,
		"fallback": ps.Fallbacks,
		"warning":  ps.Warnings,
		"failure":  ps.Failures,
		"deferred": ps.Deferred,
		"stale":    ps.Stale,
		"unplaced": ps.Unplaced,
	} {
		if n > 0 {
			m.outcomes.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
		}
	}
}
