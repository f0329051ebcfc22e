package core

import (
	"math"

	"github.com/golang/geo/r3"
)

// GeoPoint is a WGS84 coordinate. Alt is optional and in meters.
type GeoPoint struct {
	Lat float64  `json:"lat" msgpack:"lat"`
	Lon float64  `json:"lon" msgpack:"lon"`
	Alt *float64 `json:"alt,omitempty" msgpack:"alt,omitempty"`
}

// NewGeoPoint builds a GeoPoint without altitude.
func NewGeoPoint(lat, lon float64) GeoPoint {
	return GeoPoint{Lat: lat, Lon: lon}
}

// WithAlt returns a copy of p carrying the given altitude.
func (p GeoPoint) WithAlt(alt float64) GeoPoint {
	p.Alt = &alt
	return p
}

// Altitude returns the altitude or 0 when unset.
func (p GeoPoint) Altitude() float64 {
	if p.Alt == nil {
		return 0
	}
	return *p.Alt
}

// Finite reports whether all components are real numbers.
func (p GeoPoint) Finite() bool {
	if !finite(p.Lat) || !finite(p.Lon) {
		return false
	}
	return p.Alt == nil || finite(*p.Alt)
}

// Clone copies the altitude pointer.
func (p GeoPoint) Clone() GeoPoint {
	if p.Alt != nil {
		a := *p.Alt
		p.Alt = &a
	}
	return p
}

// Equal compares coordinates and altitude.
func (p GeoPoint) Equal(o GeoPoint) bool {
	if p.Lat != o.Lat || p.Lon != o.Lon {
		return false
	}
	if (p.Alt == nil) != (o.Alt == nil) {
		return false
	}
	return p.Alt == nil || *p.Alt == *o.Alt
}

// Vec3 is a position in a device's local AR frame, in meters.
// X points east, Y up and Z south (negative north), matching ARKit's
// gravity-and-heading world alignment.
type Vec3 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	Z float64 `json:"z" msgpack:"z"`
}

// R3 converts to an r3.Vector for vector math.
func (v Vec3) R3() r3.Vector {
	return r3.Vector{X: v.X, Y: v.Y, Z: v.Z}
}

// FromR3 converts an r3.Vector back into a Vec3.
func FromR3(v r3.Vector) Vec3 {
	return Vec3{X: v.X, Y: v.Y, Z: v.Z}
}

// Finite reports whether all components are real numbers.
func (v Vec3) Finite() bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

// HorizontalDistance is the distance between v and o ignoring height.
func (v Vec3) HorizontalDistance(o Vec3) float64 {
	return math.Hypot(v.X-o.X, v.Z-o.Z)
}

// Placement is the local world transform assigned to a placed object.
type Placement struct {
	Position Vec3    `json:"position"`
	GroundY  float64 `json:"groundY"`
	Attempts int     `json:"attempts"`
	// Fallback is set when no surface was found and the object was put
	// at a fixed distance in front of the camera.
	Fallback bool `json:"fallback"`
	// Warning is set when the position was accepted despite a clearance violation.
	Warning bool   `json:"warning"`
	Reason  string `json:"reason,omitempty"`
}

// TrackingQuality mirrors the AR session's tracking state.
type TrackingQuality string

const (
	TrackingNotAvailable TrackingQuality = "notAvailable"
	TrackingLimited      TrackingQuality = "limited"
	TrackingNormal       TrackingQuality = "normal"
)

// Usable reports whether placements can be computed under q.
func (q TrackingQuality) Usable() bool {
	return q == TrackingNormal || q == TrackingLimited
}

// CameraPose is the camera world transform reduced to what the engine needs.
type CameraPose struct {
	Position Vec3 `json:"position"`
	// Forward is the unit direction the camera looks at.
	Forward Vec3 `json:"forward"`
	// Up is the camera's up vector. Defaults to world up when zero.
	Up Vec3 `json:"up"`
	// FOV is the vertical field of view in degrees.
	FOV    float64 `json:"fov"`
	Aspect float64 `json:"aspect"`
	Near   float64 `json:"near"`
	Far    float64 `json:"far"`
}

// LocationFix is a GPS reading.
type LocationFix struct {
	Point GeoPoint `json:"point"`
	// Accuracy is the horizontal accuracy in meters.
	Accuracy float64 `json:"accuracy"`
	Heading  float64 `json:"heading"`
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
