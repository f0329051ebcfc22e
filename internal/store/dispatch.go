package store

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/geohunt/engine/internal/channel"
	"github.com/geohunt/engine/internal/queue"
	"github.com/geohunt/engine/pkg/core"
)

// Listener receives change events. Listeners run on the store's dispatch
// goroutine, one event at a time, in the order mutations were applied.
type Listener func(core.ChangeEvent)

// fanout delivers queued events to listeners outside the store lock.
type fanout struct {
	events *queue.Queue[core.ChangeEvent]
	wake   channel.Channel[struct{}]
	done   chan struct{}
	exited chan struct{}
	logger *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	listeners map[uint64]Listener
	nextID    uint64
	enqueued  uint64
	delivered uint64
	closed    bool
}

func newFanout(logger *slog.Logger) *fanout {
	f := &fanout{
		events:    queue.New[core.ChangeEvent](),
		wake:      channel.Signal(),
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
		logger:    logger,
		listeners: make(map[uint64]Listener),
	}
	f.cond = sync.NewCond(&f.mu)
	go f.loop()
	return f
}

func (f *fanout) subscribe(fn Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.listeners, id)
			f.mu.Unlock()
		})
	}
}

// publish must be called while the store write lock is held so queue
// order matches application order.
func (f *fanout) publish(events ...core.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.enqueued += uint64(len(events))
	f.mu.Unlock()
	f.events.Push(events...)
	f.wake.TrySend(struct{}{})
}

func (f *fanout) loop() {
	defer close(f.exited)
	for {
		select {
		case <-f.done:
			return
		case <-f.wake.Receive():
		}
		for {
			e, ok := f.events.Pop()
			if !ok {
				break
			}
			f.deliver(e)
		}
	}
}

func (f *fanout) deliver(e core.ChangeEvent) {
	f.mu.Lock()
	ls := make([]Listener, 0, len(f.listeners))
	for _, id := range slices.Sorted(maps.Keys(f.listeners)) {
		ls = append(ls, f.listeners[id])
	}
	f.mu.Unlock()

	for _, l := range ls {
		f.call(l, e)
	}

	f.mu.Lock()
	f.delivered++
	f.cond.Broadcast()
	f.mu.Unlock()
}

func (f *fanout) call(l Listener, e core.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("store listener panicked", "event", e.Type, "id", e.ID, "panic", r)
		}
	}()
	l(e)
}

// drain blocks until every event published before the call was delivered.
func (f *fanout) drain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.enqueued
	for f.delivered < target && !f.closed {
		f.cond.Wait()
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
	close(f.done)
	<-f.exited
}
