package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/dispatcher"
	"github.com/geohunt/engine/internal/engine"
	"github.com/geohunt/engine/internal/logging"
	"github.com/geohunt/engine/internal/visibility"
	"github.com/geohunt/engine/pkg/core"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine implements Engine for testing
type fakeEngine struct {
	mu sync.Mutex

	fixes     []core.LocationFix
	frames    []core.CameraPose
	tracking  []core.TrackingQuality
	origins   []core.GeoPoint
	hits      []core.Vec3
	collects  []string
	tags      []*string
	placed    []engine.UserPlacement
	resets    int
	locErr    error
	placeErr  error
	hasDeadln bool
}

func (f *fakeEngine) OnLocation(fix core.LocationFix) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locErr != nil {
		return false, f.locErr
	}
	f.fixes = append(f.fixes, fix)
	return len(f.fixes) == 1, nil
}

func (f *fakeEngine) OnFrame(cam core.CameraPose, tracking core.TrackingQuality) visibility.FrameResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, cam)
	f.tracking = append(f.tracking, tracking)
	return visibility.FrameResult{Entered: []string{"obj-1"}, Checked: 1, Visible: 1}
}

func (f *fakeEngine) OnTracking(tracking core.TrackingQuality) visibility.FrameResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracking = append(f.tracking, tracking)
	return visibility.FrameResult{}
}

func (f *fakeEngine) SetOrigin(origin core.GeoPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.origins = append(f.origins, origin)
	return nil
}

func (f *fakeEngine) ReportGround(hits []core.Vec3) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits = append(f.hits, hits...)
	return len(hits)
}

func (f *fakeEngine) Collect(id string, tag *string) (discovery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collects = append(f.collects, id)
	f.tags = append(f.tags, tag)
	if id == "far" {
		return discovery.Result{Outcome: discovery.TooFar, Distance: 42}, nil
	}
	return discovery.Result{Outcome: discovery.Accepted, Object: core.PlaceableObject{ID: id}}, nil
}

func (f *fakeEngine) PlaceUserObject(ctx context.Context, p engine.UserPlacement) (core.PlaceableObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.hasDeadln = ctx.Deadline()
	if f.placeErr != nil {
		return core.PlaceableObject{}, f.placeErr
	}
	f.placed = append(f.placed, p)
	return core.PlaceableObject{ID: "user-1", Kind: p.Kind, TagID: p.Tag}, nil
}

func (f *fakeEngine) ResetSession(ctx context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return "session-2"
}

func (f *fakeEngine) Status() engine.Status {
	return engine.Status{DeviceID: "dev-1", SessionID: "session-1", Tracking: core.TrackingNormal}
}

// fakeWriter implements PointWriter for testing
type fakeWriter struct {
	mu     sync.Mutex
	points []*influxdb2_write.Point
	err    error
}

func (w *fakeWriter) WritePoint(p *influxdb2_write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, p)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

func newTestService(t *testing.T, metrics PointWriter) (*fakeEngine, *dispatcher.Dispatcher) {
	t.Helper()
	eng := &fakeEngine{}
	d, err := dispatcher.New(logging.NewDispatcherLogger(slog.Default()))
	require.NoError(t, err)
	t.Cleanup(d.Close)

	NewService(Dependencies{Engine: eng, Metrics: metrics, Logger: slog.Default()}).Register(d)
	return eng, d
}

func dispatch(d *dispatcher.Dispatcher, cmd string, args ...string) (any, error) {
	return d.Dispatch(dispatcher.Event{Command: cmd, Args: args})
}

func TestRegister_Commands(t *testing.T) {
	_, d := newTestService(t, nil)
	for _, cmd := range []string{CmdLocation, CmdFrame, CmdTracking, CmdOrigin, CmdGround, CmdCollect, CmdPlace, CmdSessionReset, CmdStatus} {
		assert.True(t, d.HasHandler(cmd), cmd)
	}
	assert.False(t, d.HasHandler(CmdMetric), "metric needs a sink")

	_, d = newTestService(t, &fakeWriter{})
	assert.True(t, d.HasHandler(CmdMetric))
}

func TestHandleLocation(t *testing.T) {
	eng, d := newTestService(t, nil)

	res, err := dispatch(d, CmdLocation, `"52.37"`, "4.89", "4", "90")
	require.NoError(t, err)
	assert.Equal(t, LocationResult{OriginSet: true}, res)
	require.Len(t, eng.fixes, 1)
	assert.Equal(t, 52.37, eng.fixes[0].Point.Lat)
	assert.Equal(t, 90.0, eng.fixes[0].Heading)

	res, err = dispatch(d, CmdLocation, "52.37", "4.89", "4")
	require.NoError(t, err)
	assert.Equal(t, LocationResult{OriginSet: false}, res)

	_, err = dispatch(d, CmdLocation, "52.37")
	assert.Error(t, err)

	eng.locErr = errors.New("bad fix")
	_, err = dispatch(d, CmdLocation, "52.37", "4.89", "4")
	assert.ErrorContains(t, err, "bad fix")
}

func TestHandleFrame(t *testing.T) {
	eng, d := newTestService(t, nil)

	res, err := dispatch(d, CmdFrame, "[0,1.6,0]", "[0,0,-2]", "normal", "60")
	require.NoError(t, err)
	fr, ok := res.(visibility.FrameResult)
	require.True(t, ok)
	assert.Equal(t, []string{"obj-1"}, fr.Entered)

	require.Len(t, eng.frames, 1)
	assert.Equal(t, -1.0, eng.frames[0].Forward.Z)
	assert.Equal(t, 60.0, eng.frames[0].FOV)
	assert.Equal(t, core.TrackingNormal, eng.tracking[0])

	_, err = dispatch(d, CmdFrame, "0,0,0", "0,0,-1", "sideways")
	assert.Error(t, err)
}

func TestHandleTrackingAndOrigin(t *testing.T) {
	eng, d := newTestService(t, nil)

	_, err := dispatch(d, CmdTracking, "limited")
	require.NoError(t, err)
	assert.Equal(t, []core.TrackingQuality{core.TrackingLimited}, eng.tracking)

	res, err := dispatch(d, CmdOrigin, "52.37", "4.89")
	require.NoError(t, err)
	assert.Nil(t, res)
	require.Len(t, eng.origins, 1)
	assert.Equal(t, 4.89, eng.origins[0].Lon)

	_, err = dispatch(d, CmdOrigin, "95", "4.89")
	assert.Error(t, err)
}

func TestHandleGround(t *testing.T) {
	eng, d := newTestService(t, nil)

	res, err := dispatch(d, CmdGround, "0,-1.4,-3", "1,-1.3,-4")
	require.NoError(t, err)
	assert.Equal(t, GroundResult{Accepted: 2}, res)
	assert.Equal(t, core.Vec3{X: 1, Y: -1.3, Z: -4}, eng.hits[1])

	_, err = dispatch(d, CmdGround, "0,-1.4")
	assert.Error(t, err)
}

func TestHandleCollect(t *testing.T) {
	eng, d := newTestService(t, nil)

	res, err := dispatch(d, CmdCollect, "obj-1")
	require.NoError(t, err)
	assert.Equal(t, discovery.Accepted, res.(discovery.Result).Outcome)
	assert.Nil(t, eng.tags[0])

	res, err = dispatch(d, CmdCollect, "far", "04:A2")
	require.NoError(t, err)
	assert.Equal(t, discovery.TooFar, res.(discovery.Result).Outcome)
	require.NotNil(t, eng.tags[1])
	assert.Equal(t, "04:A2", *eng.tags[1])

	_, err = dispatch(d, CmdCollect)
	assert.Error(t, err)
}

func TestHandlePlace(t *testing.T) {
	eng, d := newTestService(t, nil)

	res, err := dispatch(d, CmdPlace, "chest", "2", "tag-7", "classic")
	require.NoError(t, err)
	obj := res.(core.PlaceableObject)
	assert.Equal(t, core.KindChest, obj.Kind)
	assert.Equal(t, "tag-7", obj.TagID)
	assert.True(t, eng.hasDeadln, "placement runs with a timeout")
	require.Len(t, eng.placed, 1)
	assert.Equal(t, []string{"classic"}, eng.placed[0].GameModes)

	eng.placeErr = engine.ErrNotReady
	_, err = dispatch(d, CmdPlace, "coin")
	assert.ErrorIs(t, err, engine.ErrNotReady)

	_, err = dispatch(d, CmdPlace, "dragon")
	assert.Error(t, err)
}

func TestHandleSessionResetAndStatus(t *testing.T) {
	eng, d := newTestService(t, nil)

	res, err := dispatch(d, CmdSessionReset)
	require.NoError(t, err)
	assert.Equal(t, SessionResult{SessionID: "session-2"}, res)
	assert.Equal(t, 1, eng.resets)

	res, err = dispatch(d, CmdStatus)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", res.(engine.Status).DeviceID)
}

func TestHandleMetric(t *testing.T) {
	w := &fakeWriter{}
	_, d := newTestService(t, w)

	_, err := dispatch(d, CmdMetric, "host_fps", "tag::scene::hunt", "field::float::fps::58.5")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 5*time.Millisecond)

	w.mu.Lock()
	p := w.points[0]
	w.mu.Unlock()
	assert.Equal(t, "host_fps", p.Name())
	assert.False(t, p.Time().IsZero())
}

func TestHandleMetric_Errors(t *testing.T) {
	svc := NewService(Dependencies{Engine: &fakeEngine{}})
	_, err := svc.handleMetric(dispatcher.Event{Args: []string{"m", "field::float::v::1"}})
	assert.ErrorIs(t, err, ErrNoMetrics)

	w := &fakeWriter{err: errors.New("down")}
	svc = NewService(Dependencies{Engine: &fakeEngine{}, Metrics: w})
	_, err = svc.handleMetric(dispatcher.Event{Args: []string{"m", "field::float::v::1"}, Timestamp: time.Now()})
	assert.ErrorContains(t, err, "down")

	_, err = svc.handleMetric(dispatcher.Event{Args: []string{"m"}})
	assert.ErrorContains(t, err, "at least one field")
}
