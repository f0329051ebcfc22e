package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/geohunt/engine/internal/channel"
	"github.com/geohunt/engine/internal/queue"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/pkg/core"
)

// Subscriber is the part of the object store the persister listens to.
type Subscriber interface {
	Subscribe(fn store.Listener) (cancel func())
}

// Applier is the part of the object store Restore writes into.
type Applier interface {
	ApplyRemote(obj core.PlaceableObject, version uint64) (bool, error)
}

// PersistStats counts persister activity.
type PersistStats struct {
	Queued  uint64
	Saved   uint64
	Failed  uint64
	Pending int
}

// Persister writes global store changes to a backend from a background
// goroutine, so store listeners never block on disk or network.
type Persister struct {
	backend Backend
	pending *queue.Queue[core.PlaceableObject]
	wake    channel.Channel[struct{}]
	log     *slog.Logger

	mu     sync.Mutex
	queued atomic.Uint64
	saved  atomic.Uint64
	failed atomic.Uint64
}

// NewPersister creates a persister writing to b.
func NewPersister(b Backend, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		backend: b,
		pending: queue.New[core.PlaceableObject](),
		wake:    channel.Signal(),
		log:     logger,
	}
}

// Attach subscribes the persister to st. Every global change, local or
// remote, queues its object for saving.
func (p *Persister) Attach(st Subscriber) (cancel func()) {
	return st.Subscribe(func(e core.ChangeEvent) {
		if !e.Type.Global() {
			return
		}
		p.Enqueue(e.Object)
	})
}

// Enqueue queues obj for the next flush.
func (p *Persister) Enqueue(obj core.PlaceableObject) {
	p.pending.Push(obj)
	p.queued.Add(1)
	p.wake.TrySend(struct{}{})
}

// Run flushes queued objects until ctx is cancelled, then flushes once more.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if err := p.Flush(); err != nil {
				p.log.Error("Final flush failed", "error", err)
			}
			return
		case <-p.wake.Receive():
			if err := p.Flush(); err != nil {
				p.log.Error("Flush failed", "error", err)
			}
		}
	}
}

// Flush saves everything queued so far. Only the newest version of each
// object is written.
func (p *Persister) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	items := p.pending.GetAndEmpty()
	if len(items) == 0 {
		return nil
	}

	latest := make(map[string]int, len(items))
	order := make([]string, 0, len(items))
	for i, obj := range items {
		prev, ok := latest[obj.ID]
		if !ok {
			order = append(order, obj.ID)
		}
		if !ok || items[prev].Version <= obj.Version {
			latest[obj.ID] = i
		}
	}

	var errs []error
	for _, id := range order {
		obj := items[latest[id]]
		if err := p.backend.SaveObject(obj); err != nil {
			p.failed.Add(1)
			errs = append(errs, err)
			continue
		}
		p.saved.Add(1)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	p.log.Debug("Flushed objects", "count", len(order))
	return nil
}

// Stats returns the persister counters.
func (p *Persister) Stats() PersistStats {
	return PersistStats{
		Queued:  p.queued.Load(),
		Saved:   p.saved.Load(),
		Failed:  p.failed.Load(),
		Pending: p.pending.Len(),
	}
}

// Restore loads every stored object into st at its stored version.
// Objects the store refuses are logged and skipped.
func Restore(b Backend, st Applier, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	objs, err := b.LoadObjects()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, obj := range objs {
		changed, err := st.ApplyRemote(obj, obj.Version)
		if err != nil {
			logger.Warn("Skipping stored object", "id", obj.ID, "error", err)
			continue
		}
		if changed {
			n++
		}
	}
	return n, nil
}
