// Package geometry decides where an object goes in the device's local AR
// frame: ground height, clearance against placed objects and the camera,
// and the fallback when no surface can be found.
package geometry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/pkg/core"
	"github.com/golang/geo/r3"
)

var (
	// ErrGeometryFailure is returned when no surface was found within the
	// attempt bound. Callers retry on a later pass.
	ErrGeometryFailure = errors.New("geometry failure")

	// ErrOutOfRange is returned when the anchor lies beyond the maximum
	// camera distance. It is not counted as a failure.
	ErrOutOfRange = errors.New("anchor out of placement range")
)

// Config holds the placement constants.
type Config struct {
	MinSeparation     float64
	MinCameraDistance float64
	MaxCameraDistance float64
	FallbackDistance  float64
	MaxAttempts       int
	SpiralStep        float64
	MaxOffsetTrust    float64

	ProbeRate             float64
	ProbeBurst            int
	ProbeCacheTTL         time.Duration
	ProbeCellSize         float64
	ProbeTimeout          time.Duration
	SyntheticGroundOffset float64

	// HostHitTTL and HostHitRadius bound which host-reported raycast hits
	// answer a ground query.
	HostHitTTL    time.Duration
	HostHitRadius float64
}

// DefaultConfig returns the stock placement constants.
func DefaultConfig() Config {
	return Config{
		MinSeparation:         3,
		MinCameraDistance:     1,
		MaxCameraDistance:     25,
		FallbackDistance:      2,
		MaxAttempts:           8,
		SpiralStep:            0.75,
		MaxOffsetTrust:        12,
		ProbeRate:             10,
		ProbeBurst:            1,
		ProbeCacheTTL:         500 * time.Millisecond,
		ProbeCellSize:         0.5,
		ProbeTimeout:          4 * time.Millisecond,
		SyntheticGroundOffset: 1.5,
		HostHitTTL:            10 * time.Second,
		HostHitRadius:         2,
	}
}

// Occupant is an already placed object the candidate must keep clear of.
type Occupant struct {
	ID           string
	CoLocateWith string
	Position     core.Vec3
}

// Request is one placement computation.
type Request struct {
	Object   core.PlaceableObject
	Origin   core.GeoPoint
	Camera   core.CameraPose
	Occupied []Occupant
}

// Placer computes placements. It is safe for concurrent use if the
// GroundResolver's Prober is.
type Placer struct {
	cfg    Config
	ground *GroundResolver
}

// NewPlacer creates a Placer using ground for height queries.
func NewPlacer(cfg Config, ground *GroundResolver) *Placer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Placer{cfg: cfg, ground: ground}
}

// Ground returns the resolver used by p.
func (p *Placer) Ground() *GroundResolver {
	return p.ground
}

type candidate struct {
	pos        core.Vec3
	groundY    float64
	collisions int
}

// Place returns a position for req.Object. The first candidate is the
// resolved anchor; violations move it along a spiral for at most
// MaxAttempts candidates. Heights come from the GroundResolver whatever
// its source: a throttled or failed probe yields the last known or the
// synthetic height, and a surface found earlier in the same call is
// preferred over a synthetic one. When every candidate only collides with
// other objects the least crowded one is accepted with Warning set.
func (p *Placer) Place(ctx context.Context, req Request) (core.Placement, error) {
	anchor, usedOffset, err := geo.ResolveAnchor(&req.Object, req.Origin, p.cfg.MaxOffsetTrust)
	if err != nil {
		return core.Placement{}, fmt.Errorf("%w: %s: %w", ErrGeometryFailure, req.Object.ID, err)
	}

	cam := req.Camera.Position
	if d := anchor.HorizontalDistance(cam); d > p.cfg.MaxCameraDistance {
		return core.Placement{}, fmt.Errorf("%w: %s is %.1fm away", ErrOutOfRange, req.Object.ID, d)
	}

	resolve := p.resolver(ctx, cam.Y)
	height := func(pos core.Vec3, attempt int) (float64, bool) {
		if usedOffset && attempt == 0 {
			return pos.Y, false
		}
		return resolve(pos, attempt)
	}

	pl, err := p.search(ctx, req, anchor, height)
	if err != nil {
		return core.Placement{}, fmt.Errorf("%w: %s after %d attempts: %w", ErrGeometryFailure, req.Object.ID, p.cfg.MaxAttempts, err)
	}
	return pl, nil
}

// PlaceAt runs the clearance search around a local start point, for
// objects created at the camera rather than from an anchor. It always
// returns a position; Warning is set when nothing around start is clear.
func (p *Placer) PlaceAt(ctx context.Context, req Request, start core.Vec3) core.Placement {
	resolve := p.resolver(ctx, req.Camera.Position.Y)
	pl, err := p.search(ctx, req, start, resolve)
	if err != nil {
		y, _ := resolve(start, 0)
		start.Y = y
		return core.Placement{Position: start, GroundY: y, Attempts: p.cfg.MaxAttempts, Warning: true, Reason: err.Error()}
	}
	return pl
}

// resolver returns a height lookup for one search. A surface found by an
// earlier candidate is reused when a later probe is throttled or misses.
func (p *Placer) resolver(ctx context.Context, cameraY float64) func(core.Vec3, int) (float64, bool) {
	var surface *float64
	return func(pos core.Vec3, _ int) (float64, bool) {
		y, src := p.ground.Ground(ctx, cameraY, pos.X, pos.Z)
		switch {
		case src.Surface():
			surface = &y
		case surface != nil:
			return *surface, false
		}
		return y, !src.Surface()
	}
}

// Fallback places the object FallbackDistance in front of the camera at
// the synthetic ground height. The point goes through the same clearance
// search as Place; when nothing around it is clear the least crowded
// candidate is returned with Warning set.
func (p *Placer) Fallback(req Request, reason string) core.Placement {
	cam := req.Camera
	fwd := cam.Forward.R3()
	fwd.Y = 0
	if fwd.Norm() < 1e-6 {
		fwd = r3.Vector{Z: -1}
	}
	fwd = fwd.Normalize()

	y := p.ground.Synthetic(cam.Position.Y)
	front := core.FromR3(cam.Position.R3().Add(fwd.Mul(p.cfg.FallbackDistance)))
	front.Y = y

	pl, err := p.search(context.Background(), req, front, func(core.Vec3, int) (float64, bool) { return y, false })
	if err != nil {
		// every candidate broke the camera limits; keep the plain point
		pl = core.Placement{Position: front, GroundY: y, Attempts: p.cfg.MaxAttempts, Warning: true, Reason: err.Error()}
	}
	pl.Fallback = true
	if pl.Reason == "" {
		pl.Reason = reason
	} else if reason != "" {
		pl.Reason = reason + ": " + pl.Reason
	}
	return pl
}

// search walks the spiral around start. height returns the ground height
// of a candidate and whether it is synthetic.
func (p *Placer) search(ctx context.Context, req Request, start core.Vec3, height func(core.Vec3, int) (float64, bool)) (core.Placement, error) {
	cam := req.Camera.Position
	var (
		best      *candidate
		lastCause = "camera distance"
	)
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.Placement{}, err
		}
		pos := p.spiral(start, attempt)
		y, synthetic := height(pos, attempt)
		pos.Y = y

		if d := pos.HorizontalDistance(cam); d < p.cfg.MinCameraDistance || d > p.cfg.MaxCameraDistance {
			lastCause = "camera distance"
			continue
		}

		n := p.collisions(req, pos)
		if n == 0 {
			pl := core.Placement{Position: pos, GroundY: y, Attempts: attempt + 1}
			if synthetic {
				pl.Reason = "synthetic ground"
			}
			return pl, nil
		}
		lastCause = fmt.Sprintf("collides with %d objects", n)
		if best == nil || n < best.collisions {
			best = &candidate{pos: pos, groundY: y, collisions: n}
		}
	}

	if best != nil {
		return core.Placement{
			Position: best.pos,
			GroundY:  best.groundY,
			Attempts: p.cfg.MaxAttempts,
			Warning:  true,
			Reason:   fmt.Sprintf("collides with %d objects", best.collisions),
		}, nil
	}
	return core.Placement{}, errors.New(lastCause)
}

// Clear reports whether pos respects the minimum separation to every
// occupant of req and the camera distance limits.
func (p *Placer) Clear(req Request, pos core.Vec3) bool {
	d := pos.HorizontalDistance(req.Camera.Position)
	if d < p.cfg.MinCameraDistance || d > p.cfg.MaxCameraDistance {
		return false
	}
	return p.collisions(req, pos) == 0
}

func (p *Placer) collisions(req Request, pos core.Vec3) int {
	n := 0
	for _, o := range req.Occupied {
		if o.ID == req.Object.ID {
			continue
		}
		if o.ID == req.Object.CoLocateWith || o.CoLocateWith == req.Object.ID {
			continue
		}
		if pos.HorizontalDistance(o.Position) < p.cfg.MinSeparation {
			n++
		}
	}
	return n
}

// goldenAngle spreads consecutive spiral samples evenly around the anchor.
var goldenAngle = math.Pi * (3 - math.Sqrt(5))

func (p *Placer) spiral(anchor core.Vec3, attempt int) core.Vec3 {
	if attempt == 0 {
		return anchor
	}
	r := p.cfg.SpiralStep * float64(attempt)
	theta := float64(attempt) * goldenAngle
	return core.Vec3{
		X: anchor.X + r*math.Cos(theta),
		Y: anchor.Y,
		Z: anchor.Z + r*math.Sin(theta),
	}
}
