package geo

import (
	"fmt"
	"math"

	"github.com/geohunt/engine/pkg/core"
	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// WGS84 ellipsoid.
const (
	semiMajorAxis = 6378137.0
	flattening    = 1 / 298.257223563
	eccentricity2 = flattening * (2 - flattening)
)

// MaxLatitude bounds the origins accepted by the tangent-plane transform.
const MaxLatitude = 85.0

// MaxLocalRange is the distance up to which the tangent plane is used for
// game logic. Beyond it callers should prefilter with GreatCircleDistance.
const MaxLocalRange = 10_000.0

// frame holds the meters-per-radian scale factors at an origin.
type frame struct {
	origin   core.GeoPoint
	northPer float64 // meters per radian of latitude
	eastPer  float64 // meters per radian of longitude
}

func newFrame(origin core.GeoPoint) (frame, error) {
	if err := Validate(origin); err != nil {
		return frame{}, err
	}
	if math.Abs(origin.Lat) > MaxLatitude {
		return frame{}, fmt.Errorf("%w: %f", ErrUnsupportedLatitude, origin.Lat)
	}
	phi := origin.Lat * math.Pi / 180
	sin := math.Sin(phi)
	w := 1 - eccentricity2*sin*sin
	// meridional and prime-vertical radii of curvature
	m := semiMajorAxis * (1 - eccentricity2) / (w * math.Sqrt(w))
	n := semiMajorAxis / math.Sqrt(w)
	h := origin.Altitude()
	return frame{
		origin:   origin,
		northPer: m + h,
		eastPer:  (n + h) * math.Cos(phi),
	}, nil
}

// ToLocal converts point into the local AR frame anchored at origin.
// X is east, Y is up (zero unless both carry altitude) and Z is south.
func ToLocal(origin, point core.GeoPoint) (core.Vec3, error) {
	f, err := newFrame(origin)
	if err != nil {
		return core.Vec3{}, err
	}
	if err := Validate(point); err != nil {
		return core.Vec3{}, err
	}
	east, north := f.project(point)
	var up float64
	if point.Alt != nil && origin.Alt != nil {
		up = *point.Alt - *origin.Alt
	}
	return core.Vec3{X: east, Y: up, Z: -north}, nil
}

// ToGeo is the inverse of ToLocal.
func ToGeo(origin core.GeoPoint, local core.Vec3) (core.GeoPoint, error) {
	f, err := newFrame(origin)
	if err != nil {
		return core.GeoPoint{}, err
	}
	if !local.Finite() {
		return core.GeoPoint{}, ErrInvalidCoordinates
	}
	lat := origin.Lat + (-local.Z/f.northPer)*180/math.Pi
	lon := normalizeLon(origin.Lon + (local.X/f.eastPer)*180/math.Pi)
	p := core.NewGeoPoint(lat, lon)
	if origin.Alt != nil {
		p = p.WithAlt(*origin.Alt + local.Y)
	}
	return p, nil
}

// BearingAndDistance returns the initial bearing in degrees [0, 360) and the
// horizontal distance in meters from a to b on a's tangent plane.
func BearingAndDistance(a, b core.GeoPoint) (bearing, meters float64, err error) {
	f, err := newFrame(a)
	if err != nil {
		return 0, 0, err
	}
	if err := Validate(b); err != nil {
		return 0, 0, err
	}
	east, north := f.project(b)
	meters = math.Hypot(east, north)
	if meters == 0 {
		return 0, 0, nil
	}
	bearing = math.Atan2(east, north) * 180 / math.Pi
	if bearing < 0 {
		bearing += 360
	}
	return bearing, meters, nil
}

// Distance is BearingAndDistance without the bearing.
func Distance(a, b core.GeoPoint) (float64, error) {
	_, d, err := BearingAndDistance(a, b)
	return d, err
}

// GreatCircleDistance is the haversine distance in meters. It is valid at any
// range and is used for coarse filtering only.
func GreatCircleDistance(a, b core.GeoPoint) float64 {
	return orbgeo.DistanceHaversine(orbPoint(a), orbPoint(b))
}

// BoundAround returns the lon/lat bounding box covering radius meters around p.
func BoundAround(p core.GeoPoint, radius float64) orb.Bound {
	return orbgeo.NewBoundAroundPoint(orbPoint(p), radius)
}

// ResolveAnchor returns the local position to use for obj given the current AR
// origin. The recorded AR offset wins when the object's AR origin lies within
// maxOffsetTrust meters of the current origin; otherwise GPS is used.
func ResolveAnchor(obj *core.PlaceableObject, origin core.GeoPoint, maxOffsetTrust float64) (pos core.Vec3, usedOffset bool, err error) {
	if obj.AROffset != nil && obj.AROrigin != nil && obj.AROffset.Finite() {
		d, derr := Distance(origin, *obj.AROrigin)
		if derr == nil && d <= maxOffsetTrust {
			base, berr := ToLocal(origin, *obj.AROrigin)
			if berr == nil {
				return core.FromR3(base.R3().Add(obj.AROffset.R3())), true, nil
			}
		}
	}
	pos, err = ToLocal(origin, obj.Anchor)
	return pos, false, err
}

func (f frame) project(p core.GeoPoint) (east, north float64) {
	dLat := (p.Lat - f.origin.Lat) * math.Pi / 180
	dLon := normalizeLon(p.Lon-f.origin.Lon) * math.Pi / 180
	return dLon * f.eastPer, dLat * f.northPer
}

func normalizeLon(lon float64) float64 {
	for lon >= 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

func orbPoint(p core.GeoPoint) orb.Point {
	return orb.Point{p.Lon, p.Lat}
}
