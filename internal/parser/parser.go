// Package parser converts host command arguments into engine values.
// It has no dependencies beyond a logger and never touches engine state.
package parser

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/util"
	"github.com/geohunt/engine/pkg/core"
)

// CollectRequest is a parsed :COLLECT: command.
type CollectRequest struct {
	ID  string
	Tag *string
}

// PlaceRequest is a parsed :PLACE: command.
type PlaceRequest struct {
	Kind      core.Kind
	Radius    float64
	Tag       string
	GameModes []string
}

// Frame is a parsed :FRAME: command.
type Frame struct {
	Camera   core.CameraPose
	Tracking core.TrackingQuality
}

// parseFloat parses a finite number.
func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parseFloat: %q is not finite", s)
	}
	return f, nil
}

func parseVec3(s string) (core.Vec3, error) {
	v, err := util.ParseFloats(s, 3)
	if err != nil {
		return core.Vec3{}, err
	}
	out := core.Vec3{X: v[0], Y: v[1], Z: v[2]}
	if !out.Finite() {
		return core.Vec3{}, fmt.Errorf("parseVec3: %q is not finite", s)
	}
	return out, nil
}

// Parser provides pure []string -> engine value conversion.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a new parser with only a logger dependency
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger}
}

// ParseTracking parses an AR tracking state name.
func ParseTracking(s string) (core.TrackingQuality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal":
		return core.TrackingNormal, nil
	case "limited":
		return core.TrackingLimited, nil
	case "notavailable", "not_available", "unavailable", "none":
		return core.TrackingNotAvailable, nil
	}
	return "", fmt.Errorf("unknown tracking state %q", s)
}

// ParseTrackingArgs parses :TRACKING: args.
// Args: [tracking]
func (p *Parser) ParseTrackingArgs(data []string) (core.TrackingQuality, error) {
	if len(data) < 1 {
		return "", fmt.Errorf("insufficient data fields: got %d, need 1", len(data))
	}
	util.CleanArgs(data)
	return ParseTracking(data[0])
}

// ParseLocation parses a GPS fix.
// Args: [lat, lon, accuracy, heading?, alt?]
func (p *Parser) ParseLocation(data []string) (core.LocationFix, error) {
	var result core.LocationFix

	if len(data) < 3 {
		return result, fmt.Errorf("insufficient data fields: got %d, need 3", len(data))
	}
	util.CleanArgs(data)

	// [0] lat, [1] lon
	lat, err := parseFloat(data[0])
	if err != nil {
		return result, fmt.Errorf("error parsing lat: %w", err)
	}
	lon, err := parseFloat(data[1])
	if err != nil {
		return result, fmt.Errorf("error parsing lon: %w", err)
	}
	result.Point = core.NewGeoPoint(lat, lon)

	// [2] horizontal accuracy
	result.Accuracy, err = parseFloat(data[2])
	if err != nil {
		return result, fmt.Errorf("error parsing accuracy: %w", err)
	}
	if result.Accuracy < 0 {
		return result, fmt.Errorf("negative accuracy %v", result.Accuracy)
	}

	// [3] heading (optional)
	if v, ok := util.Optional(data, 3); ok {
		result.Heading, err = parseFloat(v)
		if err != nil {
			return result, fmt.Errorf("error parsing heading: %w", err)
		}
	}

	// [4] altitude (optional)
	if v, ok := util.Optional(data, 4); ok {
		alt, err := parseFloat(v)
		if err != nil {
			return result, fmt.Errorf("error parsing altitude: %w", err)
		}
		result.Point = result.Point.WithAlt(alt)
	}

	if err := geo.Validate(result.Point); err != nil {
		return result, err
	}
	return result, nil
}

// ParseOrigin parses a host-supplied AR origin.
// Args: [lat, lon, alt?]
func (p *Parser) ParseOrigin(data []string) (core.GeoPoint, error) {
	if len(data) < 2 {
		return core.GeoPoint{}, fmt.Errorf("insufficient data fields: got %d, need 2", len(data))
	}
	util.CleanArgs(data)

	lat, err := parseFloat(data[0])
	if err != nil {
		return core.GeoPoint{}, fmt.Errorf("error parsing lat: %w", err)
	}
	lon, err := parseFloat(data[1])
	if err != nil {
		return core.GeoPoint{}, fmt.Errorf("error parsing lon: %w", err)
	}
	origin := core.NewGeoPoint(lat, lon)
	if v, ok := util.Optional(data, 2); ok {
		alt, err := parseFloat(v)
		if err != nil {
			return core.GeoPoint{}, fmt.Errorf("error parsing altitude: %w", err)
		}
		origin = origin.WithAlt(alt)
	}
	if err := geo.Validate(origin); err != nil {
		return core.GeoPoint{}, err
	}
	return origin, nil
}

// ParseFrame parses a camera pose with its tracking state.
// Args: ["x,y,z", "fx,fy,fz", tracking, fov?, aspect?, "ux,uy,uz"?]
func (p *Parser) ParseFrame(data []string) (Frame, error) {
	var result Frame

	if len(data) < 3 {
		return result, fmt.Errorf("insufficient data fields: got %d, need 3", len(data))
	}
	util.CleanArgs(data)

	// [0] position
	pos, err := parseVec3(data[0])
	if err != nil {
		return result, fmt.Errorf("error parsing position: %w", err)
	}
	result.Camera.Position = pos

	// [1] forward
	fwd, err := parseVec3(data[1])
	if err != nil {
		return result, fmt.Errorf("error parsing forward: %w", err)
	}
	if fwd.R3().Norm() < 1e-9 {
		return result, fmt.Errorf("forward vector is zero")
	}
	result.Camera.Forward = core.FromR3(fwd.R3().Normalize())

	// [2] tracking
	result.Tracking, err = ParseTracking(data[2])
	if err != nil {
		return result, err
	}

	// [3] vertical field of view in degrees (optional)
	if v, ok := util.Optional(data, 3); ok {
		result.Camera.FOV, err = parseFloat(v)
		if err != nil {
			return result, fmt.Errorf("error parsing fov: %w", err)
		}
	}

	// [4] aspect ratio (optional)
	if v, ok := util.Optional(data, 4); ok {
		result.Camera.Aspect, err = parseFloat(v)
		if err != nil {
			return result, fmt.Errorf("error parsing aspect: %w", err)
		}
	}

	// [5] up (optional)
	if v, ok := util.Optional(data, 5); ok {
		up, err := parseVec3(v)
		if err != nil {
			return result, fmt.Errorf("error parsing up: %w", err)
		}
		result.Camera.Up = up
	}

	return result, nil
}

// ParseGround parses surface raycast hits in AR-local coordinates.
// Args: ["x,y,z", ...]
func (p *Parser) ParseGround(data []string) ([]core.Vec3, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("insufficient data fields: got %d, need 1", len(data))
	}
	util.CleanArgs(data)

	hits := make([]core.Vec3, 0, len(data))
	for i, v := range data {
		hit, err := parseVec3(v)
		if err != nil {
			return nil, fmt.Errorf("error parsing hit %d: %w", i, err)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// ParseCollect parses a collection attempt.
// Args: [id, tag?]
func (p *Parser) ParseCollect(data []string) (CollectRequest, error) {
	var result CollectRequest

	if len(data) < 1 {
		return result, fmt.Errorf("insufficient data fields: got %d, need 1", len(data))
	}
	util.CleanArgs(data)

	if data[0] == "" {
		return result, fmt.Errorf("empty object id")
	}
	result.ID = data[0]
	if tag, ok := util.Optional(data, 1); ok {
		result.Tag = &tag
	}
	return result, nil
}

// ParsePlace parses a user placement.
// Args: [kind, radius?, tag?, "mode1,mode2"?]
func (p *Parser) ParsePlace(data []string) (PlaceRequest, error) {
	var result PlaceRequest

	if len(data) < 1 {
		return result, fmt.Errorf("insufficient data fields: got %d, need 1", len(data))
	}
	util.CleanArgs(data)

	// [0] kind
	result.Kind = core.Kind(strings.ToLower(data[0]))
	if !result.Kind.Valid() {
		return result, fmt.Errorf("unknown kind %q", data[0])
	}

	// [1] radius (optional)
	if v, ok := util.Optional(data, 1); ok {
		r, err := parseFloat(v)
		if err != nil {
			return result, fmt.Errorf("error parsing radius: %w", err)
		}
		if r < 0 {
			return result, fmt.Errorf("negative radius %v", r)
		}
		result.Radius = r
	}

	// [2] tag (optional)
	if v, ok := util.Optional(data, 2); ok {
		result.Tag = v
	}

	// [3] game modes (optional)
	if v, ok := util.Optional(data, 3); ok {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				result.GameModes = append(result.GameModes, m)
			}
		}
	}

	p.logger.Debug("Parsed placement", "kind", result.Kind, "tagged", result.Tag != "")
	return result, nil
}
