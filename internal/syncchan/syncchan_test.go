package syncchan

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/pkg/core"
	"github.com/geohunt/engine/pkg/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var origin = core.NewGeoPoint(37.7749, -122.4194)

func chest(id string) core.PlaceableObject {
	return core.PlaceableObject{ID: id, Kind: core.KindChest, Anchor: origin, State: core.StatePending}
}

// pipeConn is one end of an in-memory connection.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func (p *pipeConn) Send(ctx context.Context, frame []byte) error {
	select {
	case p.out <- frame:
		return nil
	case <-p.closed:
		return ErrChannelUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, ErrChannelUnavailable
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// peer is the server side of a pipeConn.
type peer struct {
	t     *testing.T
	conn  *pipeConn
	codec streaming.Codec
}

func (p *peer) next() streaming.Envelope {
	p.t.Helper()
	select {
	case data := <-p.conn.out:
		var env streaming.Envelope
		require.NoError(p.t, p.codec.Unmarshal(data, &env))
		return env
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out waiting for a frame")
		return streaming.Envelope{}
	}
}

func (p *peer) nextOf(typ string) streaming.Envelope {
	p.t.Helper()
	for {
		if env := p.next(); env.Type == typ {
			return env
		}
	}
}

func (p *peer) send(env streaming.Envelope) {
	p.t.Helper()
	data, err := p.codec.Marshal(env)
	require.NoError(p.t, err)
	select {
	case p.conn.in <- data:
	case <-time.After(2 * time.Second):
		p.t.Fatal("timed out delivering a frame")
	}
}

func (p *peer) quiet(d time.Duration) {
	p.t.Helper()
	select {
	case data := <-p.conn.out:
		p.t.Fatalf("unexpected frame: %s", data)
	case <-time.After(d):
	}
}

type pipeTransport struct {
	t        *testing.T
	accepted chan *peer
	failures atomic.Int32
}

func newPipeTransport(t *testing.T) *pipeTransport {
	return &pipeTransport{t: t, accepted: make(chan *peer, 8)}
}

func (pt *pipeTransport) Dial(ctx context.Context) (Conn, error) {
	if pt.failures.Load() > 0 {
		pt.failures.Add(-1)
		return nil, errors.New("connection refused")
	}
	c := &pipeConn{in: make(chan []byte, 64), out: make(chan []byte, 64), closed: make(chan struct{})}
	pt.accepted <- &peer{t: pt.t, conn: c, codec: streaming.JSONCodec{}}
	return c, nil
}

func (pt *pipeTransport) accept() *peer {
	pt.t.Helper()
	select {
	case p := <-pt.accepted:
		return p
	case <-time.After(2 * time.Second):
		pt.t.Fatal("timed out waiting for a dial")
		return nil
	}
}

func testConfig() Config {
	return Config{
		DeviceID:   "device-a",
		SessionID:  func() string { return "session-1" },
		AckTimeout: time.Hour,
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}
}

func newTestChannel(t *testing.T, cfg Config) (*Channel, *store.Store, *pipeTransport) {
	t.Helper()
	st := store.New()
	t.Cleanup(st.Close)
	tr := newPipeTransport(t)
	c, err := New(cfg, tr, streaming.JSONCodec{}, st, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, st, tr
}

func run(t *testing.T, c *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestChannel_ResyncOnConnect(t *testing.T) {
	c, _, tr := newTestChannel(t, testConfig())
	run(t, c)

	p := tr.accept()
	env := p.next()
	assert.Equal(t, streaming.TypeResyncRequest, env.Type)
	assert.Equal(t, "device-a", env.Payload.DeviceID)
	assert.Equal(t, "session-1", env.Payload.SessionID)
	assert.Eventually(t, c.Connected, time.Second, 5*time.Millisecond)
}

func TestChannel_PublishesLocalChanges(t *testing.T) {
	c, st, tr := newTestChannel(t, testConfig())
	run(t, c)
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	_, err := st.Upsert(chest("c1"), 1)
	require.NoError(t, err)

	env := p.nextOf(streaming.TypeObjectEvent)
	require.NotNil(t, env.Payload.Event)
	assert.Equal(t, core.ChangeCreated, env.Payload.Event.Type)
	assert.Equal(t, "c1", env.Payload.Event.Object.ID)
	assert.Equal(t, uint64(1), env.Payload.Event.Version)
	assert.Equal(t, "device-a", env.Payload.Event.DeviceID)

	assert.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)
	p.send(streaming.NewAck(env.ID))
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Acked)
}

func TestChannel_DeviceScopedAndRemoteChangesStayLocal(t *testing.T) {
	c, st, tr := newTestChannel(t, testConfig())
	run(t, c)
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	_, err := st.ApplyRemote(chest("c1"), 1)
	require.NoError(t, err)
	require.NoError(t, st.Place("c1", 1, core.Placement{Position: core.Vec3{X: 1}}))
	require.NoError(t, st.Unplace("c1", 1))
	st.Drain()

	p.quiet(50 * time.Millisecond)
	assert.Equal(t, 0, c.Pending())
}

func TestChannel_AppliesRemoteEvents(t *testing.T) {
	c, st, tr := newTestChannel(t, testConfig())
	run(t, c)
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	obj := chest("c1")
	obj.Version = 3
	p.send(streaming.NewObjectEvent("srv-1", core.ChangeCreated, obj, "device-b"))

	assert.Eventually(t, func() bool {
		got, ok := st.Get("c1")
		return ok && got.Version == 3
	}, time.Second, 5*time.Millisecond)
	st.Drain()
	p.quiet(50 * time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Applied)
}

func TestChannel_ResyncResponseMerges(t *testing.T) {
	c, st, tr := newTestChannel(t, testConfig())
	_, err := st.ApplyRemote(chest("old"), 1)
	require.NoError(t, err)
	run(t, c)
	p := tr.accept()
	req := p.nextOf(streaming.TypeResyncRequest)

	a, b := chest("a"), chest("old")
	a.Version, b.Version = 2, 4
	b.State = core.StateCollected
	p.send(streaming.NewResyncResponse(req.ID, []core.PlaceableObject{a, b}))

	assert.Eventually(t, func() bool {
		got, ok := st.Get("old")
		return ok && got.State == core.StateCollected && st.Len() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_RejectedAppliesAuthoritativeState(t *testing.T) {
	c, st, tr := newTestChannel(t, testConfig())
	_, err := st.ApplyRemote(chest("c1"), 1)
	require.NoError(t, err)
	run(t, c)
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	require.NoError(t, st.Transition("c1", core.StatePending, core.StateCollected, 2, store.CollectedBy("device-a", time.Now())))
	env := p.nextOf(streaming.TypeObjectEvent)
	assert.Equal(t, core.ChangeCollected, env.Payload.Event.Type)

	winner := chest("c1")
	winner.State = core.StateCollected
	winner.CollectedBy = "device-b"
	winner.Version = 3
	p.send(streaming.NewRejected(env.ID, "already collected", &winner))

	assert.Eventually(t, func() bool {
		got, _ := st.Get("c1")
		return got.CollectedBy == "device-b" && got.Version == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, uint64(1), c.Stats().Rejected)
}

func TestChannel_QueuesWhileDisconnectedAndCoalesces(t *testing.T) {
	c, st, tr := newTestChannel(t, testConfig())

	_, err := st.Upsert(chest("c1"), 1)
	require.NoError(t, err)
	moved := chest("c1")
	moved.Anchor = core.NewGeoPoint(origin.Lat+0.0001, origin.Lon)
	_, err = st.Upsert(moved, 2)
	require.NoError(t, err)
	_, err = st.Upsert(chest("c2"), 1)
	require.NoError(t, err)
	st.Drain()

	assert.Equal(t, 2, c.Pending())
	assert.Equal(t, uint64(1), c.Stats().Coalesced)
	assert.ErrorIs(t, c.Resync(context.Background()), ErrChannelUnavailable)

	run(t, c)
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	first := p.nextOf(streaming.TypeObjectEvent)
	second := p.nextOf(streaming.TypeObjectEvent)
	assert.Equal(t, "c1", first.Payload.Event.Object.ID)
	assert.Equal(t, uint64(2), first.Payload.Event.Version)
	assert.Equal(t, "c2", second.Payload.Event.Object.ID)
}

func TestChannel_ResendsUnackedAfterReconnect(t *testing.T) {
	c, st, tr := newTestChannel(t, testConfig())
	run(t, c)
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	_, err := st.Upsert(chest("c1"), 1)
	require.NoError(t, err)
	sent := p.nextOf(streaming.TypeObjectEvent)

	require.NoError(t, p.conn.Close())

	p2 := tr.accept()
	p2.nextOf(streaming.TypeResyncRequest)
	again := p2.nextOf(streaming.TypeObjectEvent)
	assert.Equal(t, sent.ID, again.ID)

	p2.send(streaming.NewAck(again.ID))
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, c.Stats().Resent, uint64(1))
	assert.Equal(t, uint64(2), c.Stats().Connects)
}

func TestChannel_ResendsAfterAckTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AckTimeout = 40 * time.Millisecond
	c, st, tr := newTestChannel(t, cfg)
	run(t, c)
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	_, err := st.Upsert(chest("c1"), 1)
	require.NoError(t, err)
	first := p.nextOf(streaming.TypeObjectEvent)
	second := p.nextOf(streaming.TypeObjectEvent)
	assert.Equal(t, first.ID, second.ID)

	p.send(streaming.NewAck(first.ID))
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestChannel_BacksOffOnDialFailure(t *testing.T) {
	c, _, tr := newTestChannel(t, testConfig())
	tr.failures.Store(3)
	run(t, c)

	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)
	assert.Equal(t, uint64(3), c.Stats().DialFailures)
}

// recordWaits makes c log its reconnect delays instead of sleeping them.
func recordWaits(c *Channel) func() []time.Duration {
	var mu sync.Mutex
	var waits []time.Duration
	c.wait = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err() == nil
	}
	return func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(waits)
	}
}

func TestChannel_ShortLivedConnectionsBackOff(t *testing.T) {
	cfg := testConfig()
	cfg.StableAfter = time.Hour
	c, _, tr := newTestChannel(t, cfg)
	waits := recordWaits(c)
	run(t, c)

	for range 4 {
		p := tr.accept()
		p.nextOf(streaming.TypeResyncRequest)
		require.NoError(t, p.conn.Close())
	}
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	got := waits()
	require.GreaterOrEqual(t, len(got), 4)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond, 20 * time.Millisecond}, got[:4])
}

func TestChannel_StableConnectionResetsBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.StableAfter = time.Nanosecond
	c, _, tr := newTestChannel(t, cfg)
	tr.failures.Store(2)
	waits := recordWaits(c)
	run(t, c)

	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)
	time.Sleep(time.Millisecond)
	require.NoError(t, p.conn.Close())
	p = tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	got := waits()
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 5 * time.Millisecond}, got[:3])
}

func TestChannel_DropsUndecodableFrames(t *testing.T) {
	c, _, tr := newTestChannel(t, testConfig())
	run(t, c)
	p := tr.accept()
	p.nextOf(streaming.TypeResyncRequest)

	p.conn.in <- []byte("{not json")
	assert.Eventually(t, func() bool { return c.Stats().DecodeErrors == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, c.Connected())
}

func TestChannel_OutboxLimitDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.OutboxLimit = 2
	c, st, _ := newTestChannel(t, cfg)

	for _, id := range []string{"a", "b", "c"} {
		_, err := st.Upsert(chest(id), 1)
		require.NoError(t, err)
	}
	st.Drain()

	assert.Equal(t, 2, c.Pending())
	assert.Equal(t, uint64(1), c.Stats().Dropped)
}
