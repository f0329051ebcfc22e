package engine

import (
	"context"
	"errors"

	"github.com/geohunt/engine/internal/syncchan"
	"github.com/geohunt/engine/internal/visibility"
	"github.com/geohunt/engine/pkg/core"
)

// OnFrame records the camera pose of an AR frame and updates the visible
// set. Losing tracking sends every placed object back to pending because
// the local frame can no longer be trusted.
func (e *Engine) OnFrame(cam core.CameraPose, tracking core.TrackingQuality) visibility.FrameResult {
	prev := e.session.UpdateFrame(cam, tracking)
	if prev.Usable() && !tracking.Usable() {
		e.resetPlacements("tracking lost")
	}
	if !tracking.Usable() {
		return visibility.FrameResult{}
	}
	return e.tracker.Frame(e.session.Snapshot().Camera, e.now())
}

// OnTracking reports a tracking change without a new pose.
func (e *Engine) OnTracking(tracking core.TrackingQuality) visibility.FrameResult {
	return e.OnFrame(e.session.Snapshot().Camera, tracking)
}

// OnLocation records a GPS fix. It reports whether the fix established
// the AR origin of the session.
func (e *Engine) OnLocation(fix core.LocationFix) (originSet bool, err error) {
	originSet, err = e.session.UpdateLocation(fix)
	if err != nil {
		return false, err
	}
	if originSet {
		snap := e.session.Snapshot()
		e.log.Info("AR origin fixed",
			"lat", snap.Origin.Lat,
			"lon", snap.Origin.Lon,
			"accuracy", fix.Accuracy)
	}
	return originSet, nil
}

// SetOrigin replaces the AR origin, e.g. with a geo-anchored one from the
// host. Existing placements are recomputed against the new origin.
func (e *Engine) SetOrigin(origin core.GeoPoint) error {
	had := e.session.Snapshot().Origin != nil
	if err := e.session.SetOrigin(origin); err != nil {
		return err
	}
	if had {
		e.resetPlacements("origin changed")
	}
	return nil
}

// ReportGround records surface raycast hits from the host, in AR-local
// coordinates. They answer ground queries when no Prober was supplied.
// It returns how many hits were kept.
func (e *Engine) ReportGround(hits []core.Vec3) int {
	return e.hits.Report(hits...)
}

// ResetSession starts a new AR session: origin, placements, probe cache
// and visibility are discarded and a resync is requested from the server.
// It returns the new session id.
func (e *Engine) ResetSession(ctx context.Context) string {
	id := e.session.Reset()
	e.resetPlacements("session reset")
	if e.channel != nil {
		if err := e.channel.Resync(ctx); err != nil && !errors.Is(err, syncchan.ErrChannelUnavailable) {
			e.log.Warn("Resync after session reset failed", "error", err)
		}
	}
	e.log.Info("AR session reset", "sessionId", id)
	return id
}

func (e *Engine) resetPlacements(reason string) {
	n := e.store.ResetPlacements()
	e.ground.Reset()
	e.hits.Reset()
	e.scheduler.ResetRetries()
	e.tracker.Reset()
	e.log.Info("Placements reset", "reason", reason, "objects", n)
}
