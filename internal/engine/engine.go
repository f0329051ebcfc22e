// Package engine wires the device-side services together: spatial
// session, object store, placement scheduler, discovery, visibility,
// server sync and the optional offline cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/geometry"
	"github.com/geohunt/engine/internal/scheduler"
	"github.com/geohunt/engine/internal/session"
	"github.com/geohunt/engine/internal/storage"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/internal/syncchan"
	"github.com/geohunt/engine/internal/visibility"
	"github.com/geohunt/engine/pkg/streaming"
)

var (
	// ErrStarted is returned by Start on a running engine.
	ErrStarted = errors.New("engine already started")
	// ErrNotReady is returned by user placement before the AR origin is
	// known or while tracking is unusable.
	ErrNotReady = errors.New("spatial context not ready")
)

// Config holds the settings of every engine service.
type Config struct {
	DeviceID      string
	Placement     geometry.Config
	Scheduler     scheduler.Config
	Discovery     discovery.Config
	Visibility    visibility.Config
	Sync          syncchan.Config
	IndexCellSize float64
	// UserPlaceDistance is how far in front of the camera user-placed
	// objects are put, in meters.
	UserPlaceDistance float64
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Placement:         geometry.DefaultConfig(),
		Scheduler:         scheduler.DefaultConfig(),
		Discovery:         discovery.DefaultConfig(),
		Visibility:        visibility.DefaultConfig(),
		Sync:              syncchan.DefaultConfig(),
		IndexCellSize:     store.DefaultCellSize,
		UserPlaceDistance: 1.5,
	}
}

// PassRecorder receives scheduler pass statistics, e.g. for a metrics sink.
type PassRecorder interface {
	RecordPass(ps scheduler.PassStats)
}

// Dependencies are the optional collaborators of an Engine.
type Dependencies struct {
	// Prober answers ground height queries. Nil means the hits reported
	// through ReportGround, and synthetic ground where there are none.
	Prober geometry.Prober
	// Transport connects to the sync server. Nil disables sync.
	Transport syncchan.Transport
	Codec     streaming.Codec
	// Backend is an initialized offline cache. It is restored on Start
	// and kept current while running. The caller closes it.
	Backend storage.Backend
	Passes  PassRecorder
	Logger  *slog.Logger
}

// Engine is one device's running hunt.
type Engine struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	session   *session.Context
	store     *store.Store
	ground    *geometry.GroundResolver
	hits      *geometry.HitMap
	placer    *geometry.Placer
	scheduler *scheduler.Scheduler
	validator *discovery.Validator
	tracker   *visibility.Tracker
	channel   *syncchan.Channel
	backend   storage.Backend

	mu            sync.Mutex
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	persister     *storage.Persister
	cancelPersist func()
}

// New builds an Engine. Nothing runs until Start.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.UserPlaceDistance <= 0 {
		cfg.UserPlaceDistance = DefaultConfig().UserPlaceDistance
	}

	e := &Engine{
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
		session: session.NewContext(cfg.DeviceID),
		backend: deps.Backend,
	}
	e.cfg.DeviceID = e.session.DeviceID()

	storeOpts := []store.Option{store.WithLogger(logger.With("component", "store"))}
	if cfg.IndexCellSize > 0 {
		storeOpts = append(storeOpts, store.WithCellSize(cfg.IndexCellSize))
	}
	e.store = store.New(storeOpts...)

	e.hits = geometry.NewHitMap(cfg.Placement)
	var prober geometry.Prober = e.hits
	if deps.Prober != nil {
		prober = deps.Prober
	}
	e.ground = geometry.NewGroundResolver(prober, cfg.Placement)
	e.placer = geometry.NewPlacer(cfg.Placement, e.ground)

	var err error
	e.scheduler, err = scheduler.New(cfg.Scheduler, e.store, e.placer, e.session, logger.With("component", "scheduler"))
	if err != nil {
		e.store.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if deps.Passes != nil {
		e.scheduler.OnPass(deps.Passes.RecordPass)
	}

	e.validator, err = discovery.New(e.store, e.session, cfg.Discovery, logger.With("component", "discovery"))
	if err != nil {
		e.store.Close()
		return nil, fmt.Errorf("discovery: %w", err)
	}

	e.tracker = visibility.New(e.store, cfg.Visibility)

	if deps.Transport != nil {
		sc := cfg.Sync
		sc.DeviceID = e.cfg.DeviceID
		sc.SessionID = func() string { return e.session.Snapshot().SessionID }
		e.channel, err = syncchan.New(sc, deps.Transport, deps.Codec, e.store, logger.With("component", "sync"))
		if err != nil {
			e.store.Close()
			return nil, fmt.Errorf("sync channel: %w", err)
		}
	}

	return e, nil
}

// Start restores the offline cache and launches the scheduler, the sync
// channel and the cache writer. They stop when ctx is done or on Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrStarted
	}

	if e.backend != nil {
		n, err := storage.Restore(e.backend, e.store, e.log)
		if err != nil {
			e.log.Warn("Restoring offline cache failed, starting empty", "error", err)
		} else {
			e.log.Info("Restored offline cache", "objects", n)
		}
		e.persister = storage.NewPersister(e.backend, e.log.With("component", "persister"))
		e.cancelPersist = e.persister.Attach(e.store)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.goRun(runCtx, "scheduler", e.scheduler.Run)
	if e.channel != nil {
		e.goRun(runCtx, "sync", e.channel.Run)
	}
	if e.persister != nil {
		e.goRun(runCtx, "persister", func(ctx context.Context) error {
			e.persister.Run(ctx)
			return nil
		})
	}

	e.log.Info("Engine started",
		"deviceId", e.cfg.DeviceID,
		"sync", e.channel != nil,
		"offlineCache", e.backend != nil)
	return nil
}

func (e *Engine) goRun(ctx context.Context, name string, fn func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.log.Error("Engine service stopped", "service", name, "error", err)
		}
	}()
}

// Stop halts every service, writes pending cache entries and releases
// the store. The engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, cancelPersist := e.cancel, e.cancelPersist
	e.mu.Unlock()

	// Deliver queued change events so the cache writer sees every change
	// before its final flush.
	e.store.Drain()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if e.channel != nil {
		e.channel.Close()
	}
	if cancelPersist != nil {
		cancelPersist()
	}
	e.store.Close()
	e.log.Info("Engine stopped", "deviceId", e.cfg.DeviceID)
}

// DeviceID returns the device identifier used for sync and collection.
func (e *Engine) DeviceID() string {
	return e.cfg.DeviceID
}

// Store returns the object store for read access and subscriptions.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Session returns a copy of the current spatial context.
func (e *Engine) Session() session.Snapshot {
	return e.session.Snapshot()
}

// Subscribe registers fn for every store change.
func (e *Engine) Subscribe(fn store.Listener) (cancel func()) {
	return e.store.Subscribe(fn)
}

// OnVisibility registers fn for frames that changed the visible set.
func (e *Engine) OnVisibility(fn visibility.Listener) {
	e.tracker.OnChange(fn)
}

// Pass runs one scheduling pass immediately.
func (e *Engine) Pass(ctx context.Context) scheduler.PassStats {
	return e.scheduler.Pass(ctx, e.now())
}
