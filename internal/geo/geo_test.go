package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/geohunt/engine/pkg/core"
)

func TestParseAnchor_ValidWithElevation(t *testing.T) {
	point, anchor, err := ParseAnchor("-122.4194,37.7749,12.5")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	coords, ok := point.Coordinates()
	if !ok {
		t.Fatal("expected valid coordinates")
	}
	if coords.X != -122.4194 {
		t.Errorf("expected X=-122.4194, got %f", coords.X)
	}
	if coords.Y != 37.7749 {
		t.Errorf("expected Y=37.7749, got %f", coords.Y)
	}
	if anchor.Lat != 37.7749 || anchor.Lon != -122.4194 {
		t.Errorf("unexpected anchor %+v", anchor)
	}
	if anchor.Alt == nil || *anchor.Alt != 12.5 {
		t.Errorf("expected altitude 12.5, got %v", anchor.Alt)
	}
}

func TestParseAnchor_ValidWithoutElevation(t *testing.T) {
	_, anchor, err := ParseAnchor("2.2945, 48.8584")

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if anchor.Alt != nil {
		t.Errorf("expected no altitude, got %v", *anchor.Alt)
	}
	if anchor.Lat != 48.8584 {
		t.Errorf("expected lat=48.8584, got %f", anchor.Lat)
	}
}

func TestParseAnchor_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"100.5",
		"abc,20",
		"10,xyz",
		"10,20,invalid",
		"200,20",
		"10,95",
		"NaN,10",
	}
	for _, in := range inputs {
		_, _, err := ParseAnchor(in)
		if !errors.Is(err, ErrInvalidCoordinates) {
			t.Errorf("ParseAnchor(%q): expected ErrInvalidCoordinates, got %v", in, err)
		}
	}
}

func TestPointToAnchor_RoundTrip(t *testing.T) {
	in := core.NewGeoPoint(-33.8568, 151.2153).WithAlt(4)
	pt, err := AnchorToPoint(in)
	if err != nil {
		t.Fatalf("AnchorToPoint: %v", err)
	}
	out, ok := PointToAnchor(pt)
	if !ok {
		t.Fatal("expected non-empty point")
	}
	if !out.Equal(in) {
		t.Errorf("expected %+v, got %+v", in, out)
	}
}

func TestAnchorToPoint_RejectsNaN(t *testing.T) {
	if _, err := AnchorToPoint(core.NewGeoPoint(math.NaN(), 4)); err == nil {
		t.Error("expected an error for a NaN latitude")
	}
}

func TestWebMercator_Origin(t *testing.T) {
	x, y := WebMercator(0, 0)
	if math.Abs(x) > 1e-6 || math.Abs(y) > 1e-6 {
		t.Errorf("expected (0,0) at origin, got (%f,%f)", x, y)
	}
}

func TestWebMercator_Quadrants(t *testing.T) {
	x, y := WebMercator(10, 10)
	if x <= 0 || y <= 0 {
		t.Errorf("expected positive coordinates, got (%f,%f)", x, y)
	}
	x, y = WebMercator(-45, -30)
	if x >= 0 || y >= 0 {
		t.Errorf("expected negative coordinates, got (%f,%f)", x, y)
	}
}

func TestToLocal_Axes(t *testing.T) {
	origin := core.NewGeoPoint(37.7749, -122.4194)

	north, err := ToGeo(origin, core.Vec3{Z: -100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if north.Lat <= origin.Lat || math.Abs(north.Lon-origin.Lon) > 1e-12 {
		t.Errorf("expected a point due north, got %+v", north)
	}

	east, err := ToGeo(origin, core.Vec3{X: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if east.Lon <= origin.Lon || math.Abs(east.Lat-origin.Lat) > 1e-12 {
		t.Errorf("expected a point due east, got %+v", east)
	}
}

func TestRoundTrip_WithinOneCentimeter(t *testing.T) {
	origins := []core.GeoPoint{
		core.NewGeoPoint(37.7749, -122.4194),
		core.NewGeoPoint(-33.8568, 151.2153),
		core.NewGeoPoint(0, 0),
		core.NewGeoPoint(64.1466, -21.9426).WithAlt(30),
		core.NewGeoPoint(-16.5, 179.99),
	}
	offsets := []float64{-9000, -2500, -50, -0.3, 0, 0.7, 42, 3100, 9000}

	for _, origin := range origins {
		for _, dx := range offsets {
			for _, dz := range offsets {
				local := core.Vec3{X: dx, Z: dz}
				p, err := ToGeo(origin, local)
				if err != nil {
					t.Fatalf("ToGeo(%+v, %+v): %v", origin, local, err)
				}
				back, err := ToLocal(origin, p)
				if err != nil {
					t.Fatalf("ToLocal(%+v, %+v): %v", origin, p, err)
				}
				if d := back.R3().Distance(local.R3()); d > 0.01 {
					t.Errorf("origin %+v offset %+v: round trip error %f m", origin, local, d)
				}

				again, err := ToGeo(origin, back)
				if err != nil {
					t.Fatalf("ToGeo: %v", err)
				}
				if d, _ := Distance(p, again); d > 0.01 {
					t.Errorf("origin %+v offset %+v: geo round trip error %f m", origin, local, d)
				}
			}
		}
	}
}

func TestToLocal_Altitude(t *testing.T) {
	origin := core.NewGeoPoint(37.7749, -122.4194).WithAlt(10)
	p := core.NewGeoPoint(37.7749, -122.4194).WithAlt(12.5)

	local, err := ToLocal(origin, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(local.Y-2.5) > 1e-9 {
		t.Errorf("expected Y=2.5, got %f", local.Y)
	}

	noAlt, err := ToLocal(origin, core.NewGeoPoint(37.7749, -122.4194))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if noAlt.Y != 0 {
		t.Errorf("expected Y=0 without altitude, got %f", noAlt.Y)
	}
}

func TestToLocal_InvalidInput(t *testing.T) {
	origin := core.NewGeoPoint(37.7749, -122.4194)

	if _, err := ToLocal(origin, core.NewGeoPoint(math.NaN(), 0)); !errors.Is(err, ErrInvalidCoordinates) {
		t.Errorf("expected ErrInvalidCoordinates for NaN, got %v", err)
	}
	if _, err := ToGeo(origin, core.Vec3{X: math.Inf(1)}); !errors.Is(err, ErrInvalidCoordinates) {
		t.Errorf("expected ErrInvalidCoordinates for Inf, got %v", err)
	}
	if _, err := ToLocal(core.NewGeoPoint(89.5, 0), origin); !errors.Is(err, ErrUnsupportedLatitude) {
		t.Errorf("expected ErrUnsupportedLatitude, got %v", err)
	}
}

func TestBearingAndDistance_Cardinals(t *testing.T) {
	origin := core.NewGeoPoint(37.7749, -122.4194)

	tests := []struct {
		name    string
		local   core.Vec3
		bearing float64
	}{
		{"north", core.Vec3{Z: -50}, 0},
		{"east", core.Vec3{X: 50}, 90},
		{"south", core.Vec3{Z: 50}, 180},
		{"west", core.Vec3{X: -50}, 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ToGeo(origin, tt.local)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			bearing, meters, err := BearingAndDistance(origin, p)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(bearing-tt.bearing) > 1e-6 {
				t.Errorf("expected bearing %f, got %f", tt.bearing, bearing)
			}
			if math.Abs(meters-50) > 1e-6 {
				t.Errorf("expected 50 m, got %f", meters)
			}
		})
	}
}

func TestBearingAndDistance_SamePoint(t *testing.T) {
	p := core.NewGeoPoint(37.7749, -122.4194)
	bearing, meters, err := BearingAndDistance(p, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bearing != 0 || meters != 0 {
		t.Errorf("expected zero bearing and distance, got %f, %f", bearing, meters)
	}
}

func TestGreatCircleDistance_AgreesWithTangentPlane(t *testing.T) {
	origin := core.NewGeoPoint(37.7749, -122.4194)
	p, err := ToGeo(origin, core.Vec3{X: 600, Z: -800})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plane, err := Distance(origin, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sphere := GreatCircleDistance(origin, p)
	if math.Abs(plane-sphere)/plane > 0.01 {
		t.Errorf("tangent plane %f m and haversine %f m disagree", plane, sphere)
	}
}

func TestBoundAround_ContainsCenter(t *testing.T) {
	p := core.NewGeoPoint(37.7749, -122.4194)
	b := BoundAround(p, 250)
	if !b.Contains(orbPoint(p)) {
		t.Error("expected bound to contain its center")
	}
	if b.Min[0] >= p.Lon || b.Max[0] <= p.Lon {
		t.Errorf("unexpected bound %+v", b)
	}
}

func TestResolveAnchor_TrustsNearbyOffset(t *testing.T) {
	arOrigin := core.NewGeoPoint(37.7749, -122.4194)
	current, err := ToGeo(arOrigin, core.Vec3{X: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obj := &core.PlaceableObject{
		Anchor:   core.NewGeoPoint(37.9, -122.4),
		AROrigin: &arOrigin,
		AROffset: &core.Vec3{X: 1, Y: 0, Z: -2},
	}

	pos, used, err := ResolveAnchor(obj, current, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !used {
		t.Fatal("expected the AR offset to be used")
	}
	want := core.Vec3{X: -2, Z: -2}
	if pos.R3().Distance(want.R3()) > 0.01 {
		t.Errorf("expected %+v, got %+v", want, pos)
	}
}

func TestResolveAnchor_FallsBackToGPS(t *testing.T) {
	arOrigin := core.NewGeoPoint(37.7749, -122.4194)
	current, err := ToGeo(arOrigin, core.Vec3{X: 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	obj := &core.PlaceableObject{
		Anchor:   current,
		AROrigin: &arOrigin,
		AROffset: &core.Vec3{X: 1},
	}

	pos, used, err := ResolveAnchor(obj, current, 12)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used {
		t.Fatal("expected GPS positioning beyond the trust distance")
	}
	if pos.R3().Norm() > 1e-6 {
		t.Errorf("expected the origin, got %+v", pos)
	}
}
