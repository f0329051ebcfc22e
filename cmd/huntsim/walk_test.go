package main

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/dispatcher"
	"github.com/geohunt/engine/internal/engine"
	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/geometry"
	"github.com/geohunt/engine/internal/handlers"
	"github.com/geohunt/engine/internal/logging"
	"github.com/geohunt/engine/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = core.NewGeoPoint(52.3702, 4.8952)

func north(t *testing.T, dist float64) core.GeoPoint {
	t.Helper()
	p, err := geo.ToGeo(start, core.Vec3{Z: -dist})
	require.NoError(t, err)
	return p
}

func newOfflineSim(t *testing.T) (*dispatcher.Dispatcher, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	cfg := engine.DefaultConfig()
	cfg.DeviceID = "sim-test"
	cfg.Placement.ProbeRate = 1000
	cfg.Placement.ProbeBurst = 100
	eng, err := engine.New(cfg, engine.Dependencies{
		Prober: geometry.ProberFunc(func(ctx context.Context, x, z float64) (float64, bool, error) {
			return 0, true, nil
		}),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	d, err := dispatcher.New(logging.NewDispatcherLogger(logger))
	require.NoError(t, err)
	t.Cleanup(d.Close)
	handlers.NewService(handlers.Dependencies{Engine: eng, Logger: logger}).Register(d)
	return d, eng
}

func TestWalk_CollectsObjectsOnPath(t *testing.T) {
	d, eng := newOfflineSim(t)

	chest := core.PlaceableObject{
		ID:        "chest-1",
		Kind:      core.KindChest,
		Anchor:    north(t, 10),
		State:     core.StatePending,
		Source:    core.SourceServer,
		CreatedAt: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}
	chalice := chest
	chalice.ID = "chalice-1"
	chalice.Kind = core.KindChalice
	chalice.Anchor = north(t, 20)
	chalice.TagID = "tag-7"
	for _, obj := range []core.PlaceableObject{chest, chalice} {
		_, err := eng.Store().Upsert(obj, 1)
		require.NoError(t, err)
	}

	end := north(t, 30)
	raw := fmt.Sprintf("[[%f,%f],[%f,%f]]", start.Lon, start.Lat, end.Lon, end.Lat)
	path, err := loadPath(raw, 1)
	require.NoError(t, err)
	require.Greater(t, len(path), 20)

	w := newWalker(d, eng, slog.New(slog.DiscardHandler))
	stats, err := w.walk(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, len(path), stats.Steps)
	assert.Equal(t, len(path), stats.Frames)
	assert.Equal(t, 2, stats.Outcomes[discovery.Accepted])
	for _, id := range []string{"chest-1", "chalice-1"} {
		obj, ok := eng.Store().Get(id)
		require.True(t, ok, id)
		assert.Equal(t, core.StateCollected, obj.State, id)
		assert.Equal(t, "sim-test", obj.CollectedBy, id)
	}
}

func TestWalk_Empty(t *testing.T) {
	d, eng := newOfflineSim(t)
	stats, err := newWalker(d, eng, slog.New(slog.DiscardHandler)).walk(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Steps)
}

func TestWalk_Canceled(t *testing.T) {
	d, eng := newOfflineSim(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newWalker(d, eng, slog.New(slog.DiscardHandler)).walk(ctx, []core.GeoPoint{start})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPToWS(t *testing.T) {
	assert.Equal(t, "ws://localhost:7480", httpToWS("http://localhost:7480/"))
	assert.Equal(t, "wss://hunt.example.com", httpToWS("https://hunt.example.com"))
}
