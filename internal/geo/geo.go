package geo

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/geohunt/engine/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// GEO POINTS
// Anchors are kept as EPSG:4326 lon/lat(/alt). Storage persists them as WKB
// points through simplefeatures. The grid index keys cells in EPSG:3857 meters.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// ErrUnsupportedLatitude is returned for origins too close to a pole for the
// tangent-plane approximation.
var ErrUnsupportedLatitude = errors.New("latitude outside supported range")

// ParseAnchor parses a string in the format "long,lat" or "long,lat,elev" into
// a WKB-ready point and the matching GeoPoint. Elevation is optional.
func ParseAnchor(coords string) (geom.Point, core.GeoPoint, error) {
	empty := geom.NewEmptyPoint(geom.DimXYZ)
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) < 2 {
		return empty, core.GeoPoint{}, ErrInvalidCoordinates
	}
	long, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil {
		return empty, core.GeoPoint{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil {
		return empty, core.GeoPoint{}, ErrInvalidCoordinates
	}
	p := core.NewGeoPoint(lat, long)
	if len(coordsSplit) > 2 {
		elev, err := strconv.ParseFloat(strings.TrimSpace(coordsSplit[2]), 64)
		if err != nil {
			return empty, core.GeoPoint{}, ErrInvalidCoordinates
		}
		p = p.WithAlt(elev)
	}
	if err := Validate(p); err != nil {
		return empty, core.GeoPoint{}, err
	}
	pt, err := AnchorToPoint(p)
	if err != nil {
		return empty, core.GeoPoint{}, fmt.Errorf("%w: %w", ErrInvalidCoordinates, err)
	}
	return pt, p, nil
}

// Validate rejects NaN, infinite and out-of-range coordinates.
func Validate(p core.GeoPoint) error {
	if !p.Finite() {
		return ErrInvalidCoordinates
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return ErrInvalidCoordinates
	}
	return nil
}

// AnchorToPoint converts a GeoPoint into an XYZ point (x = lon, y = lat, z = alt).
func AnchorToPoint(p core.GeoPoint) (geom.Point, error) {
	return geom.NewPoint(
		geom.Coordinates{
			XY:   geom.XY{X: p.Lon, Y: p.Lat},
			Z:    p.Altitude(),
			Type: geom.CoordinatesType(geom.DimXYZ),
		},
	)
}

// PointToAnchor converts a stored point back into a GeoPoint. Returns false
// for empty points.
func PointToAnchor(pt geom.Point) (core.GeoPoint, bool) {
	coords, ok := pt.Coordinates()
	if !ok {
		return core.GeoPoint{}, false
	}
	p := core.NewGeoPoint(coords.Y, coords.X)
	if coords.Type.Is3D() {
		p = p.WithAlt(coords.Z)
	}
	return p, true
}

var mercator = sync.OnceValue(func() func(a, b, c float64) (float64, float64, float64) {
	epsg := wgs84.EPSG()
	return epsg.Transform(4326, 3857)
})

// WebMercator converts a longitude and latitude into EPSG:3857 meters.
func WebMercator(longitude, latitude float64) (x, y float64) {
	f := mercator()
	x, y, _ = f(longitude, latitude, 0)
	return x, y
}
