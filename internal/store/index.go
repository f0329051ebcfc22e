package store

import (
	"math"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/pkg/core"
)

// DefaultCellSize is the grid cell edge in Web Mercator meters.
const DefaultCellSize = 100.0

type cellKey struct {
	x, y int64
}

// grid buckets object ids by Web Mercator cell so proximity queries only
// touch the cells a search bound overlaps.
type grid struct {
	size  float64
	cells map[cellKey]map[string]struct{}
}

func newGrid(size float64) *grid {
	if size <= 0 {
		size = DefaultCellSize
	}
	return &grid{size: size, cells: make(map[cellKey]map[string]struct{})}
}

// mercatorLimit keeps polar anchors inside the projection's domain.
const mercatorLimit = 85.05

func (g *grid) key(lon, lat float64) cellKey {
	lat = max(-mercatorLimit, min(mercatorLimit, lat))
	x, y := geo.WebMercator(lon, lat)
	return cellKey{x: int64(math.Floor(x / g.size)), y: int64(math.Floor(y / g.size))}
}

func (g *grid) keyOf(p core.GeoPoint) cellKey {
	return g.key(p.Lon, p.Lat)
}

func (g *grid) insert(k cellKey, id string) {
	bucket, ok := g.cells[k]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[k] = bucket
	}
	bucket[id] = struct{}{}
}

func (g *grid) remove(k cellKey, id string) {
	bucket, ok := g.cells[k]
	if !ok {
		return
	}
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(g.cells, k)
	}
}

func (g *grid) move(from, to cellKey, id string) {
	if from == to {
		return
	}
	g.remove(from, id)
	g.insert(to, id)
}

// candidates returns ids in every cell overlapping the bound of radius
// meters around center. ok is false when the bound wraps the antimeridian
// and the caller has to scan instead.
func (g *grid) candidates(center core.GeoPoint, radius float64) (ids []string, ok bool) {
	b := geo.BoundAround(center, radius)
	if b.Min.Lon() < -180 || b.Max.Lon() > 180 {
		return nil, false
	}
	lo := g.key(b.Min.Lon(), b.Min.Lat())
	hi := g.key(b.Max.Lon(), b.Max.Lat())
	for x := lo.x; x <= hi.x; x++ {
		for y := lo.y; y <= hi.y; y++ {
			for id := range g.cells[cellKey{x: x, y: y}] {
				ids = append(ids, id)
			}
		}
	}
	return ids, true
}

func (g *grid) len() int {
	return len(g.cells)
}
