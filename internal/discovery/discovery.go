// Package discovery validates "I found this" actions before an object is
// marked collected.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/session"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/pkg/core"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome is the result of a collection attempt as shown to the player.
type Outcome string

const (
	Accepted         Outcome = "accepted"
	TooFar           Outcome = "tooFar"
	TagRequired      Outcome = "tagRequired"
	TagMismatch      Outcome = "tagMismatch"
	AlreadyCollected Outcome = "alreadyCollected"
	NotFound         Outcome = "notFound"
	TagReadFailed    Outcome = "tagReadFailed"
)

// Method tells which check accepted a collection.
type Method string

const (
	MethodGPS Method = "gps"
	MethodAR  Method = "ar"
	MethodTag Method = "tag"
)

// Result describes a collection attempt.
type Result struct {
	Outcome Outcome              `json:"outcome"`
	Method  Method               `json:"method,omitempty"`
	Object  core.PlaceableObject `json:"object"`
	// Distance is the GPS distance in meters when it was measured.
	Distance float64 `json:"distance,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Store is the part of the object store the validator needs.
type Store interface {
	Get(id string) (core.PlaceableObject, bool)
	Placement(id string) (core.Placement, bool)
	Transition(id string, from, to core.State, version uint64, opts ...store.TransitionOption) error
}

// SessionSource provides the device's spatial context.
type SessionSource interface {
	Snapshot() session.Snapshot
}

// Config holds the discovery constants.
type Config struct {
	// ARRadius is the camera-relative distance accepted for placed objects.
	ARRadius float64
}

// DefaultConfig returns the stock discovery constants.
func DefaultConfig() Config {
	return Config{ARRadius: 1.5}
}

const instrumentationName = "github.com/geohunt/engine/internal/discovery"

// Validator gates collection attempts.
type Validator struct {
	store   Store
	session SessionSource
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	attempts metric.Int64Counter

	mu       sync.Mutex
	outcomes map[Outcome]uint64
}

// New creates a Validator.
func New(st Store, sess SessionSource, cfg Config, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	attempts, err := otel.Meter(instrumentationName).Int64Counter(
		"discovery.attempts",
		metric.WithDescription("Collection attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating attempts counter: %w", err)
	}
	return &Validator{
		store:    st,
		session:  sess,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		attempts: attempts,
		outcomes: make(map[Outcome]uint64),
	}, nil
}

// AttemptCollect checks whether the device may collect id, optionally
// presenting a tag, and marks it collected when it may.
func (v *Validator) AttemptCollect(id string, presentedTag *string) (Result, error) {
	snap := v.session.Snapshot()
	device, ok := snap.DevicePoint()
	if !ok {
		return v.attempt(id, presentedTag, snap, nil)
	}
	return v.attempt(id, presentedTag, snap, &device)
}

// AttemptCollectAt is AttemptCollect with an explicit device position.
func (v *Validator) AttemptCollectAt(id string, presentedTag *string, device core.GeoPoint) (Result, error) {
	return v.attempt(id, presentedTag, v.session.Snapshot(), &device)
}

func (v *Validator) attempt(id string, presentedTag *string, snap session.Snapshot, device *core.GeoPoint) (Result, error) {
	if device != nil {
		if err := geo.Validate(*device); err != nil {
			return Result{}, fmt.Errorf("device position: %w", err)
		}
	}

	obj, ok := v.store.Get(id)
	if !ok || obj.State == core.StateRemoved {
		return v.done(Result{Outcome: NotFound, Object: obj}), nil
	}
	if obj.State == core.StateCollected {
		return v.done(Result{Outcome: AlreadyCollected, Object: obj}), nil
	}

	res := Result{Object: obj}
	if obj.TagBound() {
		switch {
		case presentedTag == nil:
			res.Outcome = TagRequired
			return v.done(res), nil
		case *presentedTag != obj.TagID:
			res.Outcome = TagMismatch
			return v.done(res), nil
		}
		res.Method = MethodTag
	} else {
		method, dist, err := v.near(&obj, snap, device)
		if err != nil {
			return Result{}, err
		}
		res.Distance = dist
		if method == "" {
			res.Outcome = TooFar
			return v.done(res), nil
		}
		res.Method = method
	}

	err := v.store.Transition(obj.ID, obj.State, core.StateCollected, obj.Version+1,
		store.CollectedBy(snap.DeviceID, v.now().UTC()))
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStaleTransition):
		res.Outcome = AlreadyCollected
		res.Reason = err.Error()
		if cur, ok := v.store.Get(id); ok {
			res.Object = cur
		}
		return v.done(res), nil
	case errors.Is(err, store.ErrNotFound):
		res.Outcome = NotFound
		return v.done(res), nil
	default:
		return Result{}, fmt.Errorf("collect %s: %w", id, err)
	}

	if cur, ok := v.store.Get(id); ok {
		res.Object = cur
	}
	res.Outcome = Accepted
	v.logger.Info("object collected", "id", id, "method", res.Method, "version", res.Object.Version)
	return v.done(res), nil
}

// near decides whether the device is close enough to an untagged object.
// It returns an empty method when it is not.
func (v *Validator) near(obj *core.PlaceableObject, snap session.Snapshot, device *core.GeoPoint) (Method, float64, error) {
	var dist float64
	if device != nil {
		d, err := geo.Distance(*device, obj.Anchor)
		if err != nil {
			return "", 0, fmt.Errorf("distance to %s: %w", obj.ID, err)
		}
		dist = d
		if d <= obj.DiscoveryRadius() {
			return MethodGPS, d, nil
		}
	}
	if obj.State == core.StatePlaced {
		if p, ok := v.store.Placement(obj.ID); ok {
			if p.Position.HorizontalDistance(snap.Camera.Position) <= v.cfg.ARRadius {
				return MethodAR, dist, nil
			}
		}
	}
	return "", dist, nil
}

// Outcomes returns how often each outcome occurred.
func (v *Validator) Outcomes() map[Outcome]uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[Outcome]uint64, len(v.outcomes))
	for k, n := range v.outcomes {
		out[k] = n
	}
	return out
}

func (v *Validator) done(res Result) Result {
	v.mu.Lock()
	v.outcomes[res.Outcome]++
	v.mu.Unlock()
	v.attempts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	return res
}
