package syncchan

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/geohunt/engine/internal/syncchan"

type metrics struct {
	outbox metric.Int64ObservableGauge
	reg    metric.Registration
}

func newMetrics(c *Channel) (*metrics, error) {
	m := otel.Meter(instrumentationName)

	outbox, err := m.Int64ObservableGauge(
		"syncchan.outbox.size",
		metric.WithDescription("Frames waiting for send or acknowledgement"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating outbox gauge: %w", err)
	}

	reg, err := m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(outbox, int64(c.Pending()))
			return nil
		},
		outbox,
	)
	if err != nil {
		return nil, fmt.Errorf("registering outbox callback: %w", err)
	}
	return &metrics{outbox: outbox, reg: reg}, nil
}
