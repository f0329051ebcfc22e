package geometry

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/geohunt/engine/internal/cache"
	"golang.org/x/time/rate"
)

// Prober is the AR session's surface raycast. It returns the height of the
// first horizontal surface under the local position (x, z). hit is false
// when the ray found nothing.
type Prober interface {
	ProbeGround(ctx context.Context, x, z float64) (y float64, hit bool, err error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, x, z float64) (float64, bool, error)

// ProbeGround calls f.
func (f ProberFunc) ProbeGround(ctx context.Context, x, z float64) (float64, bool, error) {
	return f(ctx, x, z)
}

// GroundSource tells where a ground height came from.
type GroundSource string

const (
	GroundProbe     GroundSource = "probe"
	GroundCache     GroundSource = "cache"
	GroundLastKnown GroundSource = "lastKnown"
	GroundSynthetic GroundSource = "synthetic"
)

// Surface reports whether the height belongs to a detected surface.
func (s GroundSource) Surface() bool {
	return s != GroundSynthetic
}

type cellKey struct {
	x, z int64
}

// GroundStats counts probe outcomes.
type GroundStats struct {
	Probes    uint64 `json:"probes"`
	Hits      uint64 `json:"hits"`
	CacheHits uint64 `json:"cacheHits"`
	Throttled uint64 `json:"throttled"`
	Failures  uint64 `json:"failures"`
}

// GroundResolver answers ground height queries without blocking the frame:
// probes are rate limited, cached per grid cell and bounded by a timeout.
type GroundResolver struct {
	prober   Prober
	limiter  *rate.Limiter
	cache    *cache.TTLCache[cellKey, float64]
	cellSize float64
	timeout  time.Duration
	offset   float64
	now      func() time.Time

	probes, hits, cacheHits, throttled, failures atomic.Uint64
}

// NewGroundResolver wraps prober with the limits from cfg. A nil prober
// always yields synthetic ground.
func NewGroundResolver(prober Prober, cfg Config) *GroundResolver {
	burst := cfg.ProbeBurst
	if burst <= 0 {
		burst = 1
	}
	return &GroundResolver{
		prober:   prober,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ProbeRate), burst),
		cache:    cache.NewTTLCache[cellKey, float64](cfg.ProbeCacheTTL, maxCachedCells),
		cellSize: cfg.ProbeCellSize,
		timeout:  cfg.ProbeTimeout,
		offset:   cfg.SyntheticGroundOffset,
		now:      time.Now,
	}
}

const maxCachedCells = 4096

// Ground returns the ground height under (x, z). cameraY anchors the
// synthetic height used when nothing better is known.
func (g *GroundResolver) Ground(ctx context.Context, cameraY, x, z float64) (float64, GroundSource) {
	now := g.now()
	key := g.cell(x, z)

	last, fresh, known := g.cache.Lookup(key, now)
	if known && fresh {
		g.cacheHits.Add(1)
		recordProbe(ctx, GroundCache)
		return last, GroundCache
	}

	fallback := func() (float64, GroundSource) {
		if known {
			recordProbe(ctx, GroundLastKnown)
			return last, GroundLastKnown
		}
		recordProbe(ctx, GroundSynthetic)
		return g.Synthetic(cameraY), GroundSynthetic
	}

	if g.prober == nil {
		return fallback()
	}
	if !g.limiter.AllowN(now, 1) {
		g.throttled.Add(1)
		return fallback()
	}

	g.probes.Add(1)
	pctx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	y, hit, err := g.prober.ProbeGround(pctx, x, z)
	if err != nil || !hit || math.IsNaN(y) || math.IsInf(y, 0) {
		g.failures.Add(1)
		return fallback()
	}

	g.hits.Add(1)
	g.cache.Set(key, y, now)
	recordProbe(ctx, GroundProbe)
	return y, GroundProbe
}

// Synthetic is the assumed ground height for a camera at cameraY.
func (g *GroundResolver) Synthetic(cameraY float64) float64 {
	return cameraY - g.offset
}

// Reset forgets every cached height, used when the AR frame changes.
func (g *GroundResolver) Reset() {
	g.cache.Reset()
}

// Stats returns the probe counters.
func (g *GroundResolver) Stats() GroundStats {
	return GroundStats{
		Probes:    g.probes.Load(),
		Hits:      g.hits.Load(),
		CacheHits: g.cacheHits.Load(),
		Throttled: g.throttled.Load(),
		Failures:  g.failures.Load(),
	}
}

func (g *GroundResolver) cell(x, z float64) cellKey {
	size := g.cellSize
	if size <= 0 {
		size = DefaultConfig().ProbeCellSize
	}
	return cellKey{x: int64(math.Floor(x / size)), z: int64(math.Floor(z / size))}
}
