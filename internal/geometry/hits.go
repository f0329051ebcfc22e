package geometry

import (
	"context"
	"math"
	"time"

	"github.com/geohunt/engine/internal/cache"
	"github.com/geohunt/engine/pkg/core"
)

// HitMap is a Prober fed by raycast hits the host reports. A query is
// answered by the nearest fresh hit within HostHitRadius.
type HitMap struct {
	cells    *cache.TTLCache[cellKey, core.Vec3]
	cellSize float64
	radius   float64
	reach    int64
	now      func() time.Time
}

// NewHitMap keeps hits for cfg.HostHitTTL on the probe cell grid.
func NewHitMap(cfg Config) *HitMap {
	def := DefaultConfig()
	size := cfg.ProbeCellSize
	if size <= 0 {
		size = def.ProbeCellSize
	}
	ttl := cfg.HostHitTTL
	if ttl <= 0 {
		ttl = def.HostHitTTL
	}
	radius := cfg.HostHitRadius
	if radius <= 0 {
		radius = def.HostHitRadius
	}
	return &HitMap{
		cells:    cache.NewTTLCache[cellKey, core.Vec3](ttl, maxCachedCells),
		cellSize: size,
		radius:   radius,
		reach:    int64(math.Ceil(radius / size)),
		now:      time.Now,
	}
}

// Report records surface hits and returns how many were kept. A later
// hit replaces an earlier one in the same cell.
func (h *HitMap) Report(hits ...core.Vec3) int {
	now := h.now()
	n := 0
	for _, p := range hits {
		if !p.Finite() {
			continue
		}
		h.cells.Set(h.cell(p.X, p.Z), p, now)
		n++
	}
	return n
}

// ProbeGround implements Prober.
func (h *HitMap) ProbeGround(ctx context.Context, x, z float64) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	now := h.now()
	at := h.cell(x, z)
	best, found := h.radius, false
	var y float64
	for dx := -h.reach; dx <= h.reach; dx++ {
		for dz := -h.reach; dz <= h.reach; dz++ {
			p, fresh, ok := h.cells.Lookup(cellKey{x: at.x + dx, z: at.z + dz}, now)
			if !ok || !fresh {
				continue
			}
			if d := math.Hypot(p.X-x, p.Z-z); d <= best {
				best, y, found = d, p.Y, true
			}
		}
	}
	return y, found, nil
}

// Len is the number of cells holding a hit.
func (h *HitMap) Len() int {
	return h.cells.Len()
}

// Reset drops every hit, used when the AR frame changes.
func (h *HitMap) Reset() {
	h.cells.Reset()
}

func (h *HitMap) cell(x, z float64) cellKey {
	return cellKey{x: int64(math.Floor(x / h.cellSize)), z: int64(math.Floor(z / h.cellSize))}
}
