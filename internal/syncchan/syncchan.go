// Package syncchan keeps the local object store and the sync server in
// agreement: local global changes go out through an acknowledged outbox,
// remote changes come back through version-gated upserts.
package syncchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geohunt/engine/internal/channel"
	"github.com/geohunt/engine/internal/queue"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/pkg/core"
	"github.com/geohunt/engine/pkg/streaming"
	"github.com/google/uuid"
)

// Config holds the channel constants.
type Config struct {
	DeviceID string
	// SessionID is sent with every resync request.
	SessionID   func() string
	AckTimeout  time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// StableAfter is how long a connection must last before a drop
	// resets the backoff to MinBackoff.
	StableAfter time.Duration
	OutboxLimit int
}

// DefaultConfig returns the stock channel constants.
func DefaultConfig() Config {
	return Config{
		AckTimeout:  5 * time.Second,
		MinBackoff:  time.Second,
		MaxBackoff:  30 * time.Second,
		StableAfter: 30 * time.Second,
		OutboxLimit: 10_000,
	}
}

// Store is the part of the object store the channel needs.
type Store interface {
	Subscribe(fn store.Listener) (cancel func())
	ApplyRemote(obj core.PlaceableObject, version uint64) (bool, error)
}

// Stats counts channel activity.
type Stats struct {
	Connected    bool   `json:"connected"`
	Pending      int    `json:"pending"`
	Inflight     int    `json:"inflight"`
	Sent         uint64 `json:"sent"`
	Acked        uint64 `json:"acked"`
	Resent       uint64 `json:"resent"`
	Coalesced    uint64 `json:"coalesced"`
	Dropped      uint64 `json:"dropped"`
	Received     uint64 `json:"received"`
	Applied      uint64 `json:"applied"`
	Rejected     uint64 `json:"rejected"`
	Resyncs      uint64 `json:"resyncs"`
	DecodeErrors uint64 `json:"decodeErrors"`
	Connects     uint64 `json:"connects"`
	DialFailures uint64 `json:"dialFailures"`
}

type frame struct {
	id       string
	objectID string
	data     []byte
	sentAt   time.Time
	attempts int
}

// Channel is the device side of the sync protocol.
type Channel struct {
	cfg       Config
	transport Transport
	codec     streaming.Codec
	store     Store
	logger    *slog.Logger
	metrics   *metrics

	outbox *queue.Queue[*frame]
	wake   channel.Channel[struct{}]

	mu       sync.Mutex
	conn     Conn
	inflight map[string]*frame

	sent, acked, resent, coalesced, dropped   atomic.Uint64
	received, applied, rejected, resyncs      atomic.Uint64
	decodeErrors, connects, dialFailures      atomic.Uint64

	cancelSub func()
	now       func() time.Time
	wait      func(ctx context.Context, d time.Duration) bool
}

// New creates a Channel and subscribes it to st. Nothing is sent until Run.
func New(cfg Config, tr Transport, codec streaming.Codec, st Store, logger *slog.Logger) (*Channel, error) {
	def := DefaultConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = def.MinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.MinBackoff)
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = def.StableAfter
	}
	if codec == nil {
		codec = streaming.JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Channel{
		cfg:       cfg,
		transport: tr,
		codec:     codec,
		store:     st,
		logger:    logger,
		outbox:    queue.NewBounded[*frame](cfg.OutboxLimit),
		wake:      channel.Signal(),
		inflight:  make(map[string]*frame),
		now:       time.Now,
		wait:      sleep,
	}
	m, err := newMetrics(c)
	if err != nil {
		return nil, err
	}
	c.metrics = m
	c.cancelSub = st.Subscribe(c.onChange)
	return c, nil
}

// onChange queues local global changes. Remote-origin and device-scoped
// events are never echoed back.
func (c *Channel) onChange(e core.ChangeEvent) {
	if e.Origin != core.OriginLocal || !e.Type.Global() {
		return
	}
	if err := c.Publish(e.Type, e.Object); err != nil {
		c.logger.Error("failed to queue change", "id", e.ID, "error", err)
	}
}

// Publish queues an object change for the server.
func (c *Channel) Publish(typ core.ChangeType, obj core.PlaceableObject) error {
	id := uuid.NewString()
	data, err := c.codec.Marshal(streaming.NewObjectEvent(id, typ, obj, c.cfg.DeviceID))
	if err != nil {
		return err
	}
	// An unsent older frame for the same object is superseded.
	if n := c.outbox.RemoveFunc(func(f *frame) bool { return f.objectID == obj.ID && f.attempts == 0 }); n > 0 {
		c.coalesced.Add(uint64(n))
	}
	if n := c.outbox.Push(&frame{id: id, objectID: obj.ID, data: data}); n > 0 {
		c.dropped.Add(uint64(n))
		c.logger.Warn("outbox full, dropped oldest frames", "dropped", n)
	}
	c.wake.TrySend(struct{}{})
	return nil
}

// Run keeps a connection to the server until ctx is done, reconnecting
// with exponential backoff.
func (c *Channel) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	for {
		conn, err := c.transport.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.dialFailures.Add(1)
			c.logger.Warn("sync connect failed", "backoff", backoff, "error", err)
			if !c.wait(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}

		c.connects.Add(1)
		c.logger.Info("sync connected", "pending", c.outbox.Len())
		connectedAt := c.now()
		err = c.serve(ctx, conn)
		_ = conn.Close()
		c.setConn(nil)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A server that accepts and drops at once keeps backing off.
		stable := c.now().Sub(connectedAt) >= c.cfg.StableAfter
		if stable {
			backoff = c.cfg.MinBackoff
		}
		c.logger.Warn("sync connection lost", "error", err, "backoff", backoff)
		if !c.wait(ctx, backoff) {
			return ctx.Err()
		}
		if !stable {
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}
	}
}

func (c *Channel) serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Frames sent on a previous connection but never acknowledged go first.
	c.requeueInflight(func(*frame) bool { return true })
	c.setConn(conn)

	if err := c.sendResync(ctx, conn); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := conn.Receive(ctx)
			if err != nil {
				readErr <- err
				return
			}
			c.handle(data)
		}
	}()

	ticker := time.NewTicker(max(c.cfg.AckTimeout/2, 10*time.Millisecond))
	defer ticker.Stop()
	for {
		if err := c.flush(ctx, conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-c.wake.Receive():
		case <-ticker.C:
			now := c.now()
			c.requeueInflight(func(f *frame) bool { return now.Sub(f.sentAt) >= c.cfg.AckTimeout })
		}
	}
}

func (c *Channel) flush(ctx context.Context, conn Conn) error {
	for {
		f, ok := c.outbox.Pop()
		if !ok {
			return nil
		}
		if err := conn.Send(ctx, f.data); err != nil {
			c.outbox.PushFront(f)
			return fmt.Errorf("send %s: %w", f.id, err)
		}
		f.attempts++
		f.sentAt = c.now()
		if f.attempts > 1 {
			c.resent.Add(1)
		}
		c.sent.Add(1)
		c.mu.Lock()
		c.inflight[f.id] = f
		c.mu.Unlock()
	}
}

// requeueInflight moves matching unacknowledged frames back to the head
// of the outbox in their original send order.
func (c *Channel) requeueInflight(match func(*frame) bool) {
	c.mu.Lock()
	var frames []*frame
	for id, f := range c.inflight {
		if match(f) {
			frames = append(frames, f)
			delete(c.inflight, id)
		}
	}
	c.mu.Unlock()
	if len(frames) == 0 {
		return
	}
	slices.SortFunc(frames, func(a, b *frame) int { return a.sentAt.Compare(b.sentAt) })
	c.outbox.PushFront(frames...)
}

func (c *Channel) sendResync(ctx context.Context, conn Conn) error {
	var session string
	if c.cfg.SessionID != nil {
		session = c.cfg.SessionID()
	}
	data, err := c.codec.Marshal(streaming.NewResyncRequest(uuid.NewString(), c.cfg.DeviceID, session))
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, data); err != nil {
		return fmt.Errorf("send resync request: %w", err)
	}
	c.resyncs.Add(1)
	return nil
}

// Resync asks the server for its full state on the current connection.
func (c *Channel) Resync(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrChannelUnavailable
	}
	return c.sendResync(ctx, conn)
}

func (c *Channel) handle(data []byte) {
	c.received.Add(1)
	var env streaming.Envelope
	if err := c.codec.Unmarshal(data, &env); err != nil {
		c.decodeErrors.Add(1)
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch env.Type {
	case streaming.TypeAck:
		c.ack(env.Payload.For)
	case streaming.TypeRejected:
		c.ack(env.Payload.For)
		c.rejected.Add(1)
		c.logger.Info("change rejected by server", "frame", env.Payload.For, "reason", env.Payload.Reason)
		if cur := env.Payload.Current; cur != nil {
			c.apply(*cur, cur.Version)
		}
	case streaming.TypeObjectEvent:
		if ev := env.Payload.Event; ev != nil {
			c.apply(ev.Object, ev.Version)
		}
	case streaming.TypeResyncResponse:
		for _, obj := range env.Payload.Objects {
			c.apply(obj, obj.Version)
		}
		c.logger.Debug("resync merged", "objects", len(env.Payload.Objects))
	default:
		c.logger.Debug("ignoring frame", "type", env.Type)
	}
}

func (c *Channel) ack(id string) {
	c.mu.Lock()
	_, ok := c.inflight[id]
	delete(c.inflight, id)
	c.mu.Unlock()
	if ok {
		c.acked.Add(1)
		return
	}
	// Acked after a timeout requeued it: drop the pending resend.
	if n := c.outbox.RemoveFunc(func(f *frame) bool { return f.id == id }); n > 0 {
		c.acked.Add(1)
	}
}

func (c *Channel) apply(obj core.PlaceableObject, version uint64) {
	changed, err := c.store.ApplyRemote(obj, version)
	if err != nil {
		c.logger.Warn("rejecting remote object", "id", obj.ID, "error", err)
		return
	}
	if changed {
		c.applied.Add(1)
	}
}

func (c *Channel) setConn(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// Connected reports whether a connection is up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Pending returns the number of frames not yet acknowledged.
func (c *Channel) Pending() int {
	c.mu.Lock()
	n := len(c.inflight)
	c.mu.Unlock()
	return n + c.outbox.Len()
}

// Stats returns the channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	inflight := len(c.inflight)
	connected := c.conn != nil
	c.mu.Unlock()
	return Stats{
		Connected:    connected,
		Pending:      c.outbox.Len(),
		Inflight:     inflight,
		Sent:         c.sent.Load(),
		Acked:        c.acked.Load(),
		Resent:       c.resent.Load(),
		Coalesced:    c.coalesced.Load(),
		Dropped:      c.dropped.Load(),
		Received:     c.received.Load(),
		Applied:      c.applied.Load(),
		Rejected:     c.rejected.Load(),
		Resyncs:      c.resyncs.Load(),
		DecodeErrors: c.decodeErrors.Load(),
		Connects:     c.connects.Load(),
		DialFailures: c.dialFailures.Load(),
	}
}

// Close unsubscribes from the store. Run stops with its context.
func (c *Channel) Close() {
	if c.cancelSub != nil {
		c.cancelSub()
	}
	if c.metrics != nil {
		_ = c.metrics.reg.Unregister()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// IsUnavailable reports whether err means the server could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrChannelUnavailable)
}
