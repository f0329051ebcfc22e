package engine

import (
	"time"

	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/geometry"
	"github.com/geohunt/engine/internal/scheduler"
	"github.com/geohunt/engine/internal/storage"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/internal/syncchan"
	"github.com/geohunt/engine/pkg/core"
)

// Status is a point-in-time summary of the engine.
type Status struct {
	Time      time.Time            `json:"time"`
	DeviceID  string               `json:"deviceId"`
	SessionID string               `json:"sessionId"`
	Tracking  core.TrackingQuality `json:"tracking"`
	Origin    *core.GeoPoint       `json:"origin,omitempty"`
	Frames    uint64               `json:"frames"`

	Store     store.Stats                  `json:"store"`
	Scheduler scheduler.Stats              `json:"scheduler"`
	Ground    geometry.GroundStats         `json:"ground"`
	Discovery map[discovery.Outcome]uint64 `json:"discovery"`
	Visible   int                          `json:"visible"`
	Sync      *syncchan.Stats              `json:"sync,omitempty"`
	Cache     *storage.PersistStats        `json:"cache,omitempty"`
}

// Status collects the statistics of every service.
func (e *Engine) Status() Status {
	snap := e.session.Snapshot()
	st := Status{
		Time:      e.now().UTC(),
		DeviceID:  e.cfg.DeviceID,
		SessionID: snap.SessionID,
		Tracking:  snap.Tracking,
		Origin:    snap.Origin,
		Frames:    snap.Frames,
		Store:     e.store.Stats(),
		Scheduler: e.scheduler.Stats(),
		Ground:    e.ground.Stats(),
		Discovery: e.validator.Outcomes(),
		Visible:   len(e.tracker.Visible()),
	}
	if e.channel != nil {
		s := e.channel.Stats()
		st.Sync = &s
	}
	e.mu.Lock()
	p := e.persister
	e.mu.Unlock()
	if p != nil {
		s := p.Stats()
		st.Cache = &s
	}
	return st
}
