package geometry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/geohunt/engine/internal/geometry"

var probeCounter = sync.OnceValue(func() metric.Int64Counter {
	c, err := otel.Meter(instrumentationName).Int64Counter(
		"geometry.ground.lookups",
		metric.WithDescription("Ground height lookups by source"),
	)
	if err != nil {
		otel.Handle(err)
	}
	return c
})

func recordProbe(ctx context.Context, src GroundSource) {
	if c := probeCounter(); c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(src))))
	}
}
