// Package visibility tracks which placed objects are inside the camera
// frustum, checking a bounded number of anchors per frame.
package visibility

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/pkg/core"
	"github.com/golang/geo/r3"
)

// Config holds the tracker constants.
type Config struct {
	// Budget is the number of frustum checks per frame.
	Budget int
	// Cooldown is the minimum time between two spotted notifications for
	// the same object.
	Cooldown time.Duration
	// ObjectRadius pads each anchor to a bounding sphere.
	ObjectRadius float64
}

// DefaultConfig returns the stock tracker constants.
func DefaultConfig() Config {
	return Config{Budget: 32, Cooldown: 2 * time.Second, ObjectRadius: 0.3}
}

// Source serves placed anchors in id order, a window at a time.
type Source interface {
	PlacedAfter(cursor string, n int) ([]store.PlacedAnchor, int)
	IsPlaced(id string) bool
}

// FrameResult lists what changed during one frame.
type FrameResult struct {
	Entered []string `json:"entered,omitempty"`
	Exited  []string `json:"exited,omitempty"`
	Spotted []string `json:"spotted,omitempty"`
	Checked int      `json:"checked"`
	Visible int      `json:"visible"`
}

// Listener receives the result of frames that changed something.
type Listener func(FrameResult)

// Tracker maintains the visible set. It reads placements and never writes
// to the store.
type Tracker struct {
	src Source
	cfg Config

	mu        sync.Mutex
	cursor    string
	visible   map[string]struct{}
	spotted   map[string]time.Time
	listeners []Listener
}

// New creates a Tracker reading from src.
func New(src Source, cfg Config) *Tracker {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultConfig().Budget
	}
	return &Tracker{
		src:     src,
		cfg:     cfg,
		visible: make(map[string]struct{}),
		spotted: make(map[string]time.Time),
	}
}

// OnChange registers fn for frames with enter, exit or spotted entries.
func (t *Tracker) OnChange(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Frame checks up to Budget anchors against cam, continuing where the
// previous frame stopped.
func (t *Tracker) Frame(cam core.CameraPose, now time.Time) FrameResult {
	t.mu.Lock()
	var res FrameResult

	// Anchors that are no longer placed leave the visible set.
	for id := range t.visible {
		if !t.src.IsPlaced(id) {
			delete(t.visible, id)
			res.Exited = append(res.Exited, id)
		}
	}

	window, total := t.src.PlacedAfter(t.cursor, t.cfg.Budget)
	if len(window) > 0 {
		f := newFrustum(cam, t.cfg.ObjectRadius)
		for _, a := range window {
			t.check(a, f, now, &res)
			t.cursor = a.ID
		}
		if len(window) == total {
			t.cursor = ""
		}
	}
	res.Checked = len(window)
	res.Visible = len(t.visible)
	slices.Sort(res.Exited)
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()

	if len(res.Entered)+len(res.Exited)+len(res.Spotted) > 0 {
		for _, fn := range listeners {
			fn(res)
		}
	}
	return res
}

// check must be called with mu held.
func (t *Tracker) check(a store.PlacedAnchor, f frustum, now time.Time, res *FrameResult) {
	_, was := t.visible[a.ID]
	in := f.contains(a.Position)
	switch {
	case in && !was:
		t.visible[a.ID] = struct{}{}
		res.Entered = append(res.Entered, a.ID)
		if last, ok := t.spotted[a.ID]; !ok || now.Sub(last) >= t.cfg.Cooldown {
			t.spotted[a.ID] = now
			res.Spotted = append(res.Spotted, a.ID)
		}
	case !in && was:
		delete(t.visible, a.ID)
		res.Exited = append(res.Exited, a.ID)
	}
}

// Visible returns the ids currently in view, sorted.
func (t *Tracker) Visible() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.visible))
	for id := range t.visible {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsVisible reports whether id is currently in view.
func (t *Tracker) IsVisible(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.visible[id]
	return ok
}

// Reset clears the visible set and the round-robin cursor. Spotted
// cooldowns survive.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible = make(map[string]struct{})
	t.cursor = ""
}

type frustum struct {
	origin, forward, right, up r3.Vector
	near, far, tanV, tanH, pad float64
}

func newFrustum(cam core.CameraPose, pad float64) frustum {
	fwd := cam.Forward.R3()
	if fwd.Norm() < 1e-9 {
		fwd = r3.Vector{Z: -1}
	}
	fwd = fwd.Normalize()

	up := cam.Up.R3()
	if up.Norm() < 1e-9 {
		up = r3.Vector{Y: 1}
	}
	right := fwd.Cross(up)
	if right.Norm() < 1e-9 {
		right = r3.Vector{X: 1}
	}
	right = right.Normalize()
	up = right.Cross(fwd).Normalize()

	fov := cam.FOV
	if fov <= 0 || fov >= 180 {
		fov = 60
	}
	aspect := cam.Aspect
	if aspect <= 0 {
		aspect = 0.5
	}
	near, far := cam.Near, cam.Far
	if near <= 0 {
		near = 0.05
	}
	if far <= near {
		far = 100
	}
	tanV := math.Tan(fov * math.Pi / 360)
	return frustum{
		origin:  cam.Position.R3(),
		forward: fwd,
		right:   right,
		up:      up,
		near:    near,
		far:     far,
		tanV:    tanV,
		tanH:    tanV * aspect,
		pad:     pad,
	}
}

func (f frustum) contains(p core.Vec3) bool {
	d := p.R3().Sub(f.origin)
	z := d.Dot(f.forward)
	if z+f.pad < f.near || z-f.pad > f.far {
		return false
	}
	if math.Abs(d.Dot(f.up)) > z*f.tanV+f.pad {
		return false
	}
	return math.Abs(d.Dot(f.right)) <= z*f.tanH+f.pad
}
