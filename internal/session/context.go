// Package session holds the device's spatial context for the current AR
// session. None of it is persisted: a new session starts from scratch.
package session

import (
	"sync"
	"time"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/pkg/core"
	"github.com/google/uuid"
)

// Snapshot is a consistent copy of the context.
type Snapshot struct {
	DeviceID  string               `json:"deviceId"`
	SessionID string               `json:"sessionId"`
	Origin    *core.GeoPoint       `json:"origin,omitempty"`
	Camera    core.CameraPose      `json:"camera"`
	Tracking  core.TrackingQuality `json:"tracking"`
	Fix       *core.LocationFix    `json:"fix,omitempty"`
	Frames    uint64               `json:"frames"`
	LastFrame time.Time            `json:"lastFrame"`
	StartedAt time.Time            `json:"startedAt"`
}

// Ready reports whether placements can be computed against this snapshot.
func (s Snapshot) Ready() bool {
	return s.Origin != nil && s.Tracking.Usable()
}

// DevicePoint returns the device position in WGS84: derived from the
// camera when the AR origin is known, otherwise the last GPS fix.
func (s Snapshot) DevicePoint() (core.GeoPoint, bool) {
	if s.Origin != nil {
		if p, err := geo.ToGeo(*s.Origin, s.Camera.Position); err == nil {
			return p, true
		}
	}
	if s.Fix != nil {
		return s.Fix.Point, true
	}
	return core.GeoPoint{}, false
}

// Context holds the current session state
type Context struct {
	mu       sync.RWMutex
	deviceID string
	state    Snapshot
	now      func() time.Time
}

// NewContext creates a Context for deviceID with a fresh session. An empty
// deviceID gets a random one.
func NewContext(deviceID string) *Context {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	c := &Context{deviceID: deviceID, now: time.Now}
	c.state = c.fresh()
	return c
}

func (c *Context) fresh() Snapshot {
	return Snapshot{
		DeviceID:  c.deviceID,
		SessionID: uuid.NewString(),
		Tracking:  core.TrackingNotAvailable,
		Camera:    core.CameraPose{Forward: core.Vec3{Z: -1}, Up: core.Vec3{Y: 1}},
		StartedAt: c.now(),
	}
}

// DeviceID returns the device identifier.
func (c *Context) DeviceID() string {
	return c.deviceID
}

// Snapshot returns a copy of the current state
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	if s.Origin != nil {
		o := s.Origin.Clone()
		s.Origin = &o
	}
	if s.Fix != nil {
		f := *s.Fix
		f.Point = f.Point.Clone()
		s.Fix = &f
	}
	return s
}

// UpdateFrame records the camera pose and tracking quality of a frame and
// returns the previous tracking quality.
func (c *Context) UpdateFrame(cam core.CameraPose, tracking core.TrackingQuality) (previous core.TrackingQuality) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.state.Tracking
	if cam.Position.Finite() && cam.Forward.Finite() {
		c.state.Camera = cam
	}
	c.state.Tracking = tracking
	c.state.Frames++
	c.state.LastFrame = c.now()
	return previous
}

// UpdateLocation records a GPS fix. The first fix of a session with usable
// tracking fixes the AR origin: the geo position of local (0, 0, 0),
// derived by walking back from the fix along the current camera position.
// It reports whether the origin was set by this call.
func (c *Context) UpdateLocation(fix core.LocationFix) (originSet bool, err error) {
	if err := geo.Validate(fix.Point); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	f := fix
	f.Point = fix.Point.Clone()
	c.state.Fix = &f

	if c.state.Origin != nil || !c.state.Tracking.Usable() {
		return false, nil
	}
	back := c.state.Camera.Position
	back.X, back.Z = -back.X, -back.Z
	back.Y = 0
	origin, err := geo.ToGeo(fix.Point, back)
	if err != nil {
		return false, err
	}
	c.state.Origin = &origin
	return true, nil
}

// SetOrigin fixes the AR origin explicitly, replacing any previous one.
func (c *Context) SetOrigin(origin core.GeoPoint) error {
	if err := geo.Validate(origin); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o := origin.Clone()
	c.state.Origin = &o
	return nil
}

// Reset starts a new session and returns its id. The AR origin, camera
// and tracking state are discarded; the last GPS fix is kept.
func (c *Context) Reset() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	fix := c.state.Fix
	c.state = c.fresh()
	c.state.Fix = fix
	return c.state.SessionID
}
