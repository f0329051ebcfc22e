package engine

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/geohunt/engine/internal/config"
	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/geometry"
	"github.com/geohunt/engine/internal/scheduler"
	"github.com/geohunt/engine/internal/server"
	"github.com/geohunt/engine/internal/storage/memory"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/internal/syncchan"
	"github.com/geohunt/engine/internal/visibility"
	"github.com/geohunt/engine/pkg/core"
	"github.com/geohunt/engine/pkg/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var here = core.NewGeoPoint(52.3702, 4.8952)

func flatGround() geometry.Prober {
	return geometry.ProberFunc(func(ctx context.Context, x, z float64) (float64, bool, error) {
		return 0, true, nil
	})
}

func camera() core.CameraPose {
	return core.CameraPose{
		Position: core.Vec3{Y: 1.6},
		Forward:  core.Vec3{Z: -1},
		Up:       core.Vec3{Y: 1},
	}
}

func newTestEngine(t *testing.T, deps Dependencies) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DeviceID = "dev-test"
	cfg.Scheduler.Interval = 20 * time.Millisecond
	cfg.Placement.ProbeRate = 1000
	cfg.Placement.ProbeBurst = 100
	cfg.Sync.AckTimeout = 200 * time.Millisecond
	cfg.Sync.MinBackoff = 10 * time.Millisecond
	cfg.Sync.MaxBackoff = 50 * time.Millisecond
	if deps.Prober == nil {
		deps.Prober = flatGround()
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	return e
}

// ready gives e a usable session with its AR origin at here.
func ready(t *testing.T, e *Engine) {
	t.Helper()
	e.OnFrame(camera(), core.TrackingNormal)
	set, err := e.OnLocation(core.LocationFix{Point: here, Accuracy: 3})
	require.NoError(t, err)
	require.True(t, set)
}

// ahead returns a server object dist meters north of here.
func ahead(t *testing.T, id string, dist float64) core.PlaceableObject {
	t.Helper()
	anchor, err := geo.ToGeo(here, core.Vec3{Z: -dist})
	require.NoError(t, err)
	return core.PlaceableObject{
		ID:        id,
		Kind:      core.KindChest,
		Anchor:    anchor,
		State:     core.StatePending,
		Source:    core.SourceServer,
		CreatedAt: time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestNew_RandomDeviceID(t *testing.T) {
	e, err := New(DefaultConfig(), Dependencies{})
	require.NoError(t, err)
	defer e.Stop()
	assert.NotEmpty(t, e.DeviceID())
	assert.Equal(t, e.DeviceID(), e.Session().DeviceID)
}

func TestOnLocation_WaitsForTracking(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()

	set, err := e.OnLocation(core.LocationFix{Point: here, Accuracy: 5})
	require.NoError(t, err)
	assert.False(t, set)

	e.OnFrame(camera(), core.TrackingLimited)
	set, err = e.OnLocation(core.LocationFix{Point: here, Accuracy: 5})
	require.NoError(t, err)
	assert.True(t, set)
	require.NotNil(t, e.Session().Origin)

	_, err = e.OnLocation(core.LocationFix{Point: core.NewGeoPoint(95, 0)})
	assert.True(t, errors.Is(err, geo.ErrInvalidCoordinates))
}

func TestPass_PlacesNearbyObjectAndFrameSeesIt(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()
	ready(t, e)

	_, err := e.Store().ApplyRemote(ahead(t, "chest-1", 5), 1)
	require.NoError(t, err)

	ps := e.Pass(context.Background())
	assert.Equal(t, 1, ps.Placed)

	p, ok := e.Store().Placement("chest-1")
	require.True(t, ok)
	assert.InDelta(t, -5, p.Position.Z, 0.01)
	assert.InDelta(t, 0, p.Position.Y, 1e-9)

	var seen []visibility.FrameResult
	e.OnVisibility(func(r visibility.FrameResult) { seen = append(seen, r) })
	res := e.OnFrame(camera(), core.TrackingNormal)
	assert.Equal(t, []string{"chest-1"}, res.Entered)
	assert.Equal(t, []string{"chest-1"}, res.Spotted)
	assert.Len(t, seen, 1)
}

func TestOnFrame_TrackingLostResetsPlacements(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()
	ready(t, e)
	_, err := e.Store().ApplyRemote(ahead(t, "chest-1", 5), 1)
	require.NoError(t, err)
	e.Pass(context.Background())
	e.OnFrame(camera(), core.TrackingNormal)

	res := e.OnFrame(camera(), core.TrackingNotAvailable)
	assert.Zero(t, res.Checked)

	obj, _ := e.Store().Get("chest-1")
	assert.Equal(t, core.StatePending, obj.State)
	_, ok := e.Store().Placement("chest-1")
	assert.False(t, ok)
	assert.Zero(t, e.Status().Visible)

	ps := e.Pass(context.Background())
	assert.NotEmpty(t, ps.Skipped, "no pass runs without tracking")

	e.OnTracking(core.TrackingNormal)
	ps = e.Pass(context.Background())
	assert.Equal(t, 1, ps.Placed)
}

func TestResetSession_DropsOrigin(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()
	ready(t, e)
	before := e.Session().SessionID
	_, err := e.Store().ApplyRemote(ahead(t, "chest-1", 5), 1)
	require.NoError(t, err)
	e.Pass(context.Background())

	id := e.ResetSession(context.Background())
	assert.NotEqual(t, before, id)
	assert.Nil(t, e.Session().Origin)
	obj, _ := e.Store().Get("chest-1")
	assert.Equal(t, core.StatePending, obj.State)
}

func TestSetOrigin_ReplacesOriginAndResets(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()
	ready(t, e)
	_, err := e.Store().ApplyRemote(ahead(t, "chest-1", 5), 1)
	require.NoError(t, err)
	e.Pass(context.Background())

	require.NoError(t, e.SetOrigin(core.NewGeoPoint(52.37, 4.89)))
	obj, _ := e.Store().Get("chest-1")
	assert.Equal(t, core.StatePending, obj.State)
	assert.Error(t, e.SetOrigin(core.NewGeoPoint(0, 200)))
}

func TestReportGround_FeedsPlacement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeviceID = "dev-test"
	cfg.Placement.ProbeRate = 1000
	cfg.Placement.ProbeBurst = 100
	e, err := New(cfg, Dependencies{})
	require.NoError(t, err)
	defer e.Stop()
	ready(t, e)

	assert.Equal(t, 1, e.ReportGround([]core.Vec3{{X: 0.2, Y: -1.1, Z: -5}, {X: 0, Y: math.NaN(), Z: 0}}))
	_, err = e.Store().ApplyRemote(ahead(t, "chest-1", 5), 1)
	require.NoError(t, err)
	_, err = e.Store().ApplyRemote(ahead(t, "chest-2", 12), 1)
	require.NoError(t, err)

	ps := e.Pass(context.Background())
	assert.Equal(t, 2, ps.Placed)

	p, ok := e.Store().Placement("chest-1")
	require.True(t, ok)
	assert.Equal(t, -1.1, p.GroundY, "reported hit")
	p, ok = e.Store().Placement("chest-2")
	require.True(t, ok)
	assert.InDelta(t, 1.6-1.5, p.GroundY, 1e-9, "no hit nearby")

	require.NoError(t, e.SetOrigin(core.NewGeoPoint(52.37, 4.89)))
	assert.Zero(t, e.hits.Len())
}

func TestPlaceUserObject(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()

	_, err := e.PlaceUserObject(context.Background(), UserPlacement{Kind: core.KindCoin})
	require.True(t, errors.Is(err, ErrNotReady))

	ready(t, e)
	_, err = e.PlaceUserObject(context.Background(), UserPlacement{Kind: "dragon"})
	require.Error(t, err)

	obj, err := e.PlaceUserObject(context.Background(), UserPlacement{Kind: core.KindCoin, Radius: 2, GameModes: []string{"night"}})
	require.NoError(t, err)
	assert.Equal(t, core.StatePlaced, obj.State)
	assert.Equal(t, core.SourceUser, obj.Source)
	assert.Equal(t, "dev-test", obj.CreatorID)
	assert.Equal(t, uint64(1), obj.Version)
	require.NotNil(t, obj.AROffset)
	require.NotNil(t, obj.AROrigin)
	assert.InDelta(t, -1.5, obj.AROffset.Z, 1e-9)
	assert.True(t, obj.AROrigin.Equal(here))

	d, err := geo.Distance(here, obj.Anchor)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, d, 0.01)

	p, ok := e.Store().Placement(obj.ID)
	require.True(t, ok)
	assert.Equal(t, *obj.AROffset, p.Position)
}

func TestPlaceUserObject_KeepsClearance(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()
	ready(t, e)

	var placed []core.Vec3
	for range 3 {
		obj, err := e.PlaceUserObject(context.Background(), UserPlacement{Kind: core.KindCoin})
		require.NoError(t, err)
		p, ok := e.Store().Placement(obj.ID)
		require.True(t, ok)
		assert.False(t, p.Warning, p.Reason)
		assert.Equal(t, *obj.AROffset, p.Position)
		placed = append(placed, p.Position)
	}
	for i := range placed {
		for j := i + 1; j < len(placed); j++ {
			assert.GreaterOrEqual(t, placed[i].HorizontalDistance(placed[j]), 3.0-1e-9)
		}
	}
}

func TestPlaceTaggedObject(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()
	ready(t, e)

	reader := discovery.TagReaderFunc(func(ctx context.Context) (string, error) { return "04:A2:1F", nil })
	obj, err := e.PlaceTaggedObject(context.Background(), UserPlacement{Kind: core.KindChest}, reader)
	require.NoError(t, err)
	assert.Equal(t, "04:A2:1F", obj.TagID)
	assert.Equal(t, core.SourceNFC, obj.Source)

	res, err := e.Collect(obj.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, discovery.TagRequired, res.Outcome)

	res, err = e.CollectWithReader(context.Background(), obj.ID, reader)
	require.NoError(t, err)
	assert.Equal(t, discovery.Accepted, res.Outcome)
	assert.Equal(t, "dev-test", res.Object.CollectedBy)

	failing := discovery.TagReaderFunc(func(ctx context.Context) (string, error) { return "", discovery.ErrNFCTimeout })
	_, err = e.PlaceTaggedObject(context.Background(), UserPlacement{Kind: core.KindChest}, failing)
	assert.True(t, errors.Is(err, discovery.ErrNFCTimeout))
}

func TestCollect_NearAnchor(t *testing.T) {
	e := newTestEngine(t, Dependencies{})
	defer e.Stop()
	ready(t, e)
	_, err := e.Store().ApplyRemote(ahead(t, "chest-1", 3), 1)
	require.NoError(t, err)
	_, err = e.Store().ApplyRemote(ahead(t, "chest-far", 40), 1)
	require.NoError(t, err)

	res, err := e.Collect("chest-far", nil)
	require.NoError(t, err)
	assert.Equal(t, discovery.TooFar, res.Outcome)

	res, err = e.Collect("chest-1", nil)
	require.NoError(t, err)
	assert.Equal(t, discovery.Accepted, res.Outcome)

	res, err = e.Collect("chest-1", nil)
	require.NoError(t, err)
	assert.Equal(t, discovery.AlreadyCollected, res.Outcome)

	st := e.Status()
	assert.Equal(t, uint64(1), st.Discovery[discovery.Accepted])
	assert.Equal(t, 1, st.Store.ByState[core.StateCollected])
}

type passCounter struct {
	passes chan scheduler.PassStats
}

func (p *passCounter) RecordPass(ps scheduler.PassStats) {
	select {
	case p.passes <- ps:
	default:
	}
}

func TestStartStop_RunsScheduler(t *testing.T) {
	rec := &passCounter{passes: make(chan scheduler.PassStats, 16)}
	e := newTestEngine(t, Dependencies{Passes: rec})
	ready(t, e)
	_, err := e.Store().ApplyRemote(ahead(t, "chest-1", 5), 1)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, errors.Is(e.Start(context.Background()), ErrStarted))

	require.Eventually(t, func() bool {
		obj, _ := e.Store().Get("chest-1")
		return obj.State == core.StatePlaced
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-rec.passes:
	case <-time.After(2 * time.Second):
		t.Fatal("no pass recorded")
	}

	st := e.Status()
	assert.Nil(t, st.Sync)
	assert.Nil(t, st.Cache)
	assert.NotZero(t, st.Scheduler.Passes)
	e.Stop()
}

func TestOfflineCache_SurvivesRestart(t *testing.T) {
	backend := memory.New(config.MemoryConfig{}, nil)
	require.NoError(t, backend.Init())
	defer backend.Close()

	e := newTestEngine(t, Dependencies{Backend: backend})
	require.NoError(t, e.Start(context.Background()))
	ready(t, e)
	obj, err := e.PlaceUserObject(context.Background(), UserPlacement{Kind: core.KindSphere})
	require.NoError(t, err)

	st := e.Status()
	require.NotNil(t, st.Cache)
	e.Stop()

	saved, err := backend.LoadObjects()
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, obj.ID, saved[0].ID)
	assert.Equal(t, core.StatePending, saved[0].State, "placements are device-scoped")

	again := newTestEngine(t, Dependencies{Backend: backend})
	require.NoError(t, again.Start(context.Background()))
	defer again.Stop()
	restored, ok := again.Store().Get(obj.ID)
	require.True(t, ok)
	assert.Equal(t, core.StatePending, restored.State)
	assert.Equal(t, obj.Version, restored.Version)
}

func TestDevicesShareCollections(t *testing.T) {
	srvStore := store.New()
	defer srvStore.Close()
	srv := server.New(config.ServerConfig{}, srvStore, nil)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"

	_, err := srv.Seed([]core.PlaceableObject{ahead(t, "chest-1", 3)})
	require.NoError(t, err)

	start := func(id string) *Engine {
		tr := syncchan.NewWebSocketTransport(wsURL, "", id, streaming.MsgpackCodec{}, nil)
		cfg := DefaultConfig()
		cfg.DeviceID = id
		cfg.Sync.MinBackoff = 10 * time.Millisecond
		cfg.Sync.MaxBackoff = 50 * time.Millisecond
		e, err := New(cfg, Dependencies{Prober: flatGround(), Transport: tr, Codec: streaming.MsgpackCodec{}})
		require.NoError(t, err)
		require.NoError(t, e.Start(context.Background()))
		ready(t, e)
		return e
	}
	a := start("dev-a")
	defer a.Stop()
	b := start("dev-b")
	defer b.Stop()

	for _, e := range []*Engine{a, b} {
		require.Eventually(t, func() bool {
			_, ok := e.Store().Get("chest-1")
			return ok
		}, 2*time.Second, 10*time.Millisecond)
	}

	res, err := a.Collect("chest-1", nil)
	require.NoError(t, err)
	require.Equal(t, discovery.Accepted, res.Outcome)

	require.Eventually(t, func() bool {
		obj, _ := b.Store().Get("chest-1")
		return obj.State == core.StateCollected && obj.CollectedBy == "dev-a"
	}, 2*time.Second, 10*time.Millisecond)

	res, err = b.Collect("chest-1", nil)
	require.NoError(t, err)
	assert.Equal(t, discovery.AlreadyCollected, res.Outcome)

	st := a.Status()
	require.NotNil(t, st.Sync)
	assert.True(t, st.Sync.Connected)
}
