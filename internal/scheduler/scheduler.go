// Package scheduler drives pending objects into the AR frame on a fixed
// cadence, bounded per pass so the frame path never pays for a backlog.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/cache"
	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/geometry"
	"github.com/geohunt/engine/internal/session"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/pkg/core"
)

// Config holds the scheduling constants.
type Config struct {
	Interval        time.Duration
	MaxPerPass      int
	ProximityRadius float64
	// Hysteresis is how far beyond ProximityRadius a placed object must be
	// before it is unplaced.
	Hysteresis float64
	MaxRetries int
	GameMode   string
}

// DefaultConfig returns the stock scheduling constants.
func DefaultConfig() Config {
	return Config{
		Interval:        500 * time.Millisecond,
		MaxPerPass:      5,
		ProximityRadius: 100,
		Hysteresis:      20,
		MaxRetries:      3,
	}
}

// Store is the part of the object store the scheduler needs.
type Store interface {
	Near(center core.GeoPoint, radius float64, pred store.Predicate) iter.Seq[core.PlaceableObject]
	Placements() iter.Seq2[core.PlaceableObject, core.Placement]
	Place(id string, version uint64, p core.Placement) error
	Unplace(id string, version uint64) error
}

// Placer computes placements.
type Placer interface {
	Place(ctx context.Context, req geometry.Request) (core.Placement, error)
	Fallback(req geometry.Request, reason string) core.Placement
}

// SessionSource provides the device's spatial context.
type SessionSource interface {
	Snapshot() session.Snapshot
}

// PassStats describes one pass.
type PassStats struct {
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	Skipped    string        `json:"skipped,omitempty"`
	Candidates int           `json:"candidates"`
	Placed     int           `json:"placed"`
	Fallbacks  int           `json:"fallbacks"`
	Warnings   int           `json:"warnings"`
	Failures   int           `json:"failures"`
	Deferred   int           `json:"deferred"`
	Stale      int           `json:"stale"`
	Unplaced   int           `json:"unplaced"`
}

// Stats accumulates pass results.
type Stats struct {
	Passes    uint64    `json:"passes"`
	Skipped   uint64    `json:"skipped"`
	Placed    uint64    `json:"placed"`
	Fallbacks uint64    `json:"fallbacks"`
	Warnings  uint64    `json:"warnings"`
	Failures  uint64    `json:"failures"`
	Deferred  uint64    `json:"deferred"`
	Stale     uint64    `json:"stale"`
	Unplaced  uint64    `json:"unplaced"`
	Retrying  int       `json:"retrying"`
	Last      PassStats `json:"last"`
}

// Scheduler runs placement passes.
type Scheduler struct {
	cfg     Config
	store   Store
	placer  Placer
	session SessionSource
	retries *cache.CounterCache
	logger  *slog.Logger
	metrics *metrics

	passMu sync.Mutex

	mu     sync.Mutex
	stats  Stats
	onPass []func(PassStats)
}

// New creates a Scheduler. Metrics use the global OTel meter.
func New(cfg Config, st Store, placer Placer, sess SessionSource, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxPerPass <= 0 {
		cfg.MaxPerPass = DefaultConfig().MaxPerPass
	}
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newMetrics()
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		placer:  placer,
		session: sess,
		retries: cache.NewCounterCache(),
		logger:  logger,
		metrics: m,
	}, nil
}

// OnPass registers fn to receive the stats of every completed pass.
func (s *Scheduler) OnPass(fn func(PassStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPass = append(s.onPass, fn)
}

// Run executes a pass every Interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Pass(ctx, now)
		}
	}
}

// Pass runs one placement pass. Concurrent calls are serialized.
func (s *Scheduler) Pass(ctx context.Context, now time.Time) PassStats {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	ps := PassStats{At: now}
	defer func() {
		ps.Duration = time.Since(start)
		s.finish(ctx, ps)
	}()

	snap := s.session.Snapshot()
	switch {
	case !snap.Tracking.Usable():
		ps.Skipped = "tracking " + string(snap.Tracking)
		return ps
	case snap.Origin == nil:
		ps.Skipped = "no origin"
		return ps
	}
	device, ok := snap.DevicePoint()
	if !ok {
		ps.Skipped = "no location"
		return ps
	}

	occupied := s.unplaceDistant(device, &ps)

	mode := s.cfg.GameMode
	pending := func(o *core.PlaceableObject) bool {
		return o.State == core.StatePending && o.ActiveIn(mode)
	}
	type candidate struct {
		obj  core.PlaceableObject
		dist float64
	}
	var cands []candidate
	for obj := range s.store.Near(device, s.cfg.ProximityRadius, pending) {
		cands = append(cands, candidate{obj: obj, dist: geo.GreatCircleDistance(device, obj.Anchor)})
	}
	slices.SortFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		return cmp.Compare(a.obj.ID, b.obj.ID)
	})
	ps.Candidates = len(cands)
	if len(cands) > s.cfg.MaxPerPass {
		cands = cands[:s.cfg.MaxPerPass]
	}

	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}
		req := geometry.Request{Object: c.obj, Origin: *snap.Origin, Camera: snap.Camera, Occupied: occupied}
		p, ok := s.placeOne(ctx, req, &ps)
		if ok {
			occupied = append(occupied, geometry.Occupant{ID: c.obj.ID, CoLocateWith: c.obj.CoLocateWith, Position: p.Position})
		}
	}
	return ps
}

func (s *Scheduler) placeOne(ctx context.Context, req geometry.Request, ps *PassStats) (core.Placement, bool) {
	obj := req.Object
	p, err := s.placer.Place(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, geometry.ErrOutOfRange):
		ps.Deferred++
		return core.Placement{}, false
	case errors.Is(err, geometry.ErrGeometryFailure):
		n := s.retries.Inc(obj.ID)
		if n < s.cfg.MaxRetries {
			ps.Failures++
			s.logger.Debug("placement failed, retrying next pass", "id", obj.ID, "attempt", n, "error", err)
			return core.Placement{}, false
		}
		p = s.placer.Fallback(req, fmt.Sprintf("fallback after %d failed passes", n))
	default:
		ps.Failures++
		s.logger.Warn("placement rejected", "id", obj.ID, "error", err)
		return core.Placement{}, false
	}

	if err := s.store.Place(obj.ID, obj.Version, p); err != nil {
		if errors.Is(err, store.ErrStaleTransition) || errors.Is(err, store.ErrNotFound) {
			ps.Stale++
			s.logger.Debug("discarding stale placement", "id", obj.ID, "version", obj.Version)
			return core.Placement{}, false
		}
		ps.Failures++
		s.logger.Warn("storing placement failed", "id", obj.ID, "error", err)
		return core.Placement{}, false
	}

	s.retries.Delete(obj.ID)
	ps.Placed++
	if p.Fallback {
		ps.Fallbacks++
	}
	if p.Warning {
		ps.Warnings++
	}
	return p, true
}

// unplaceDistant sends placed objects far outside the proximity radius back
// to pending and returns the remaining occupants.
func (s *Scheduler) unplaceDistant(device core.GeoPoint, ps *PassStats) []geometry.Occupant {
	limit := s.cfg.ProximityRadius + s.cfg.Hysteresis
	var occupied []geometry.Occupant
	for obj, p := range s.store.Placements() {
		if geo.GreatCircleDistance(device, obj.Anchor) > limit {
			if err := s.store.Unplace(obj.ID, obj.Version); err == nil {
				ps.Unplaced++
			}
			continue
		}
		occupied = append(occupied, geometry.Occupant{ID: obj.ID, CoLocateWith: obj.CoLocateWith, Position: p.Position})
	}
	return occupied
}

// ResetRetries forgets every retry counter, used when the AR session restarts.
func (s *Scheduler) ResetRetries() {
	s.retries.Reset()
}

// Stats returns accumulated pass statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Retrying = s.retries.Len()
	return st
}

func (s *Scheduler) finish(ctx context.Context, ps PassStats) {
	s.mu.Lock()
	s.stats.Passes++
	if ps.Skipped != "" {
		s.stats.Skipped++
	}
	s.stats.Placed += uint64(ps.Placed)
	s.stats.Fallbacks += uint64(ps.Fallbacks)
	s.stats.Warnings += uint64(ps.Warnings)
	s.stats.Failures += uint64(ps.Failures)
	s.stats.Deferred += uint64(ps.Deferred)
	s.stats.Stale += uint64(ps.Stale)
	s.stats.Unplaced += uint64(ps.Unplaced)
	s.stats.Last = ps
	hooks := slices.Clone(s.onPass)
	s.mu.Unlock()

	s.metrics.record(ctx, ps)
	for _, fn := range hooks {
		fn(ps)
	}
}
