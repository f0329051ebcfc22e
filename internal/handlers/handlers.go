// Package handlers maps host commands onto the engine.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/dispatcher"
	"github.com/geohunt/engine/internal/engine"
	"github.com/geohunt/engine/internal/influx"
	"github.com/geohunt/engine/internal/parser"
	"github.com/geohunt/engine/internal/visibility"
	"github.com/geohunt/engine/pkg/core"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Host command names.
const (
	CmdLocation     = ":LOCATION:"
	CmdFrame        = ":FRAME:"
	CmdTracking     = ":TRACKING:"
	CmdOrigin       = ":ORIGIN:"
	CmdGround       = ":GROUND:"
	CmdCollect      = ":COLLECT:"
	CmdPlace        = ":PLACE:"
	CmdSessionReset = ":SESSION:RESET:"
	CmdStatus       = ":STATUS:"
	CmdMetric       = ":METRIC:"
)

// ErrNoMetrics is returned by :METRIC: when no metrics sink is configured.
var ErrNoMetrics = errors.New("metrics sink not configured")

// Engine is the part of the engine the host drives.
type Engine interface {
	OnLocation(fix core.LocationFix) (bool, error)
	OnFrame(cam core.CameraPose, tracking core.TrackingQuality) visibility.FrameResult
	OnTracking(tracking core.TrackingQuality) visibility.FrameResult
	SetOrigin(origin core.GeoPoint) error
	ReportGround(hits []core.Vec3) int
	Collect(id string, tag *string) (discovery.Result, error)
	PlaceUserObject(ctx context.Context, p engine.UserPlacement) (core.PlaceableObject, error)
	ResetSession(ctx context.Context) string
	Status() engine.Status
}

// PointWriter accepts host-supplied metric points.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Engine Engine
	Parser *parser.Parser
	// Metrics is optional. Without it :METRIC: is not registered.
	Metrics PointWriter
	Logger  *slog.Logger
	// Timeout bounds commands that probe ground or contact the server.
	Timeout time.Duration
}

// Service provides handler methods for the host commands.
type Service struct {
	deps Dependencies
}

// LocationResult is the reply to :LOCATION:.
type LocationResult struct {
	OriginSet bool `json:"originSet"`
}

// GroundResult is the reply to :GROUND:.
type GroundResult struct {
	Accepted int `json:"accepted"`
}

// SessionResult is the reply to :SESSION:RESET:.
type SessionResult struct {
	SessionID string `json:"sessionId"`
}

// NewService creates a new handler service
func NewService(deps Dependencies) *Service {
	if deps.Parser == nil {
		deps.Parser = parser.NewParser(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 5 * time.Second
	}
	return &Service{deps: deps}
}

// Register registers every host command with the dispatcher.
func (s *Service) Register(d *dispatcher.Dispatcher) {
	// Per-frame input - sync, the host reads the visibility delta
	d.Register(CmdFrame, s.handleFrame)
	d.Register(CmdTracking, s.handleTracking, dispatcher.Logged())
	d.Register(CmdLocation, s.handleLocation)
	d.Register(CmdOrigin, s.handleOrigin, dispatcher.Logged())
	d.Register(CmdGround, s.handleGround)

	// Player actions - sync, the host shows the outcome
	d.Register(CmdCollect, s.handleCollect, dispatcher.Logged())
	d.Register(CmdPlace, s.handlePlace, dispatcher.Logged())
	d.Register(CmdSessionReset, s.handleSessionReset, dispatcher.Logged())

	d.Register(CmdStatus, s.handleStatus)

	// Host metrics - buffered
	if s.deps.Metrics != nil {
		d.Register(CmdMetric, s.handleMetric, dispatcher.Buffered(1000))
	}
}

func (s *Service) handleLocation(e dispatcher.Event) (any, error) {
	fix, err := s.deps.Parser.ParseLocation(e.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse location: %w", err)
	}
	originSet, err := s.deps.Engine.OnLocation(fix)
	if err != nil {
		return nil, fmt.Errorf("failed to apply location: %w", err)
	}
	return LocationResult{OriginSet: originSet}, nil
}

func (s *Service) handleFrame(e dispatcher.Event) (any, error) {
	frame, err := s.deps.Parser.ParseFrame(e.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	return s.deps.Engine.OnFrame(frame.Camera, frame.Tracking), nil
}

func (s *Service) handleTracking(e dispatcher.Event) (any, error) {
	tracking, err := s.deps.Parser.ParseTrackingArgs(e.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tracking: %w", err)
	}
	return s.deps.Engine.OnTracking(tracking), nil
}

func (s *Service) handleOrigin(e dispatcher.Event) (any, error) {
	origin, err := s.deps.Parser.ParseOrigin(e.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse origin: %w", err)
	}
	if err := s.deps.Engine.SetOrigin(origin); err != nil {
		return nil, fmt.Errorf("failed to set origin: %w", err)
	}
	return nil, nil
}

func (s *Service) handleGround(e dispatcher.Event) (any, error) {
	hits, err := s.deps.Parser.ParseGround(e.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ground hits: %w", err)
	}
	return GroundResult{Accepted: s.deps.Engine.ReportGround(hits)}, nil
}

func (s *Service) handleCollect(e dispatcher.Event) (any, error) {
	req, err := s.deps.Parser.ParseCollect(e.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse collect: %w", err)
	}
	res, err := s.deps.Engine.Collect(req.ID, req.Tag)
	if err != nil {
		return nil, fmt.Errorf("failed to collect %s: %w", req.ID, err)
	}
	if res.Outcome != discovery.Accepted {
		s.deps.Logger.Debug("Collection refused", "id", req.ID, "outcome", res.Outcome, "reason", res.Reason)
	}
	return res, nil
}

func (s *Service) handlePlace(e dispatcher.Event) (any, error) {
	req, err := s.deps.Parser.ParsePlace(e.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse placement: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Timeout)
	defer cancel()

	obj, err := s.deps.Engine.PlaceUserObject(ctx, engine.UserPlacement{
		Kind:      req.Kind,
		Radius:    req.Radius,
		Tag:       req.Tag,
		GameModes: req.GameModes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to place object: %w", err)
	}
	return obj, nil
}

func (s *Service) handleSessionReset(e dispatcher.Event) (any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Timeout)
	defer cancel()
	return SessionResult{SessionID: s.deps.Engine.ResetSession(ctx)}, nil
}

func (s *Service) handleStatus(e dispatcher.Event) (any, error) {
	return s.deps.Engine.Status(), nil
}

func (s *Service) handleMetric(e dispatcher.Event) (any, error) {
	if s.deps.Metrics == nil {
		return nil, ErrNoMetrics
	}
	point, err := influx.ParseMetric(e.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metric: %w", err)
	}
	point.SetTime(e.Timestamp)
	if err := s.deps.Metrics.WritePoint(point); err != nil {
		return nil, fmt.Errorf("failed to write metric: %w", err)
	}
	return nil, nil
}
