package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/dispatcher"
	"github.com/geohunt/engine/internal/engine"
	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/handlers"
	"github.com/geohunt/engine/internal/visibility"
	"github.com/geohunt/engine/pkg/core"
)

// eyeHeight is the simulated camera height above the AR origin.
const eyeHeight = 1.6

// walker plays a device walking a path: every step sends a GPS fix and a
// camera frame through the dispatcher, runs a placement pass and tries to
// collect whatever is within reach.
type walker struct {
	d   *dispatcher.Dispatcher
	eng *engine.Engine
	log *slog.Logger

	accuracy      float64
	collectRadius float64
	pause         time.Duration
	// forward is the last non-zero walking direction in the AR frame.
	forward core.Vec3
}

type walkStats struct {
	Steps    int
	Frames   int
	Seen     int
	Attempts int
	Outcomes map[discovery.Outcome]int
}

func newWalker(d *dispatcher.Dispatcher, eng *engine.Engine, logger *slog.Logger) *walker {
	return &walker{
		d:             d,
		eng:           eng,
		log:           logger,
		accuracy:      3,
		collectRadius: 5,
		forward:       core.Vec3{Z: -1},
	}
}

func (w *walker) call(command string, args ...string) (any, error) {
	return w.d.Dispatch(dispatcher.Event{Command: command, Args: args, Timestamp: time.Now()})
}

func vec(v core.Vec3) string {
	return fmt.Sprintf("%g,%g,%g", v.X, v.Y, v.Z)
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// walk visits every point of path in order.
func (w *walker) walk(ctx context.Context, path []core.GeoPoint) (walkStats, error) {
	stats := walkStats{Outcomes: make(map[discovery.Outcome]int)}
	if len(path) == 0 {
		return stats, nil
	}

	// tracking first: the origin is only fixed while tracking is usable
	cam := core.Vec3{Y: eyeHeight}
	if _, err := w.call(handlers.CmdFrame, vec(cam), vec(w.forward), "normal"); err != nil {
		return stats, err
	}

	collected := make(map[string]bool)
	for i, p := range path {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Steps++

		heading := 0.0
		if i+1 < len(path) {
			if b, _, err := geo.BearingAndDistance(p, path[i+1]); err == nil {
				heading = b
			}
		}
		if _, err := w.call(handlers.CmdLocation, num(p.Lat), num(p.Lon), num(w.accuracy), num(heading)); err != nil {
			return stats, fmt.Errorf("step %d: %w", i, err)
		}

		origin := w.eng.Session().Origin
		if origin == nil {
			continue
		}
		local, err := geo.ToLocal(*origin, p)
		if err != nil {
			return stats, fmt.Errorf("step %d: %w", i, err)
		}
		if i+1 < len(path) {
			if next, err := geo.ToLocal(*origin, path[i+1]); err == nil {
				dir := next.R3().Sub(local.R3())
				dir.Y = 0
				if dir.Norm() > 1e-6 {
					w.forward = core.FromR3(dir.Normalize())
				}
			}
		}
		local.Y = eyeHeight

		w.eng.Pass(ctx)
		res, err := w.call(handlers.CmdFrame, vec(local), vec(w.forward), "normal")
		if err != nil {
			return stats, fmt.Errorf("step %d: %w", i, err)
		}
		stats.Frames++
		if fr, ok := res.(visibility.FrameResult); ok {
			stats.Seen += len(fr.Spotted)
		}

		for obj := range w.eng.Store().Near(p, w.collectRadius, func(o *core.PlaceableObject) bool {
			return o.State.Active() && !collected[o.ID]
		}) {
			args := []string{obj.ID}
			if obj.TagBound() {
				// the simulated player always carries the right tag
				args = append(args, obj.TagID)
			}
			out, err := w.call(handlers.CmdCollect, args...)
			stats.Attempts++
			if err != nil {
				w.log.Warn("Collect failed", "id", obj.ID, "error", err)
				continue
			}
			r := out.(discovery.Result)
			stats.Outcomes[r.Outcome]++
			if r.Outcome == discovery.Accepted || r.Outcome == discovery.AlreadyCollected {
				collected[obj.ID] = true
				w.log.Info("Collected", "id", obj.ID, "kind", obj.Kind, "step", i, "outcome", r.Outcome)
			}
		}

		if w.pause > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(w.pause):
			}
		}
	}
	return stats, nil
}
