package geo

import (
	"encoding/json"
	"fmt"

	"github.com/geohunt/engine/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// ParsePath parses a JSON array of coordinates into a geom.LineString and
// the matching GeoPoints. Input format: "[[lon1,lat1],[lon2,lat2],...]"
func ParsePath(input string) (geom.LineString, []core.GeoPoint, error) {
	var coords [][]float64
	if err := json.Unmarshal([]byte(input), &coords); err != nil {
		return geom.LineString{}, nil, fmt.Errorf("failed to parse path JSON: %w", err)
	}

	if len(coords) < 2 {
		return geom.LineString{}, nil, fmt.Errorf("path must have at least 2 points, got %d", len(coords))
	}

	flatCoords := make([]float64, 0, len(coords)*2)
	points := make([]core.GeoPoint, len(coords))
	for i, coord := range coords {
		if len(coord) < 2 {
			return geom.LineString{}, nil, fmt.Errorf("coordinate %d has insufficient values", i)
		}
		p := core.NewGeoPoint(coord[1], coord[0])
		if err := Validate(p); err != nil {
			return geom.LineString{}, nil, fmt.Errorf("coordinate %d: %w", i, err)
		}
		points[i] = p
		flatCoords = append(flatCoords, coord[0], coord[1])
	}

	ls, err := geom.NewLineString(geom.NewSequence(flatCoords, geom.DimXY))
	if err != nil {
		return geom.LineString{}, nil, fmt.Errorf("invalid path: %w", err)
	}
	return ls, points, nil
}

// Interpolate returns evenly spaced points along path with at most step
// meters between consecutive points. The first and last points are kept.
func Interpolate(path []core.GeoPoint, step float64) ([]core.GeoPoint, error) {
	if len(path) == 0 {
		return nil, nil
	}
	if step <= 0 {
		return nil, fmt.Errorf("step must be positive, got %f", step)
	}
	out := []core.GeoPoint{path[0]}
	for i := 1; i < len(path); i++ {
		from, to := path[i-1], path[i]
		local, err := ToLocal(from, to)
		if err != nil {
			return nil, err
		}
		d := local.HorizontalDistance(core.Vec3{})
		n := int(d / step)
		for k := 1; k <= n; k++ {
			t := float64(k) * step / d
			if t >= 1 {
				break
			}
			p, err := ToGeo(from, core.Vec3{X: local.X * t, Z: local.Z * t})
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		out = append(out, to)
	}
	return out, nil
}
