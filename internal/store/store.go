// Package store holds the authoritative per-device view of every object:
// lifecycle state, version and the local world transform once placed.
package store

import (
	"cmp"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/pkg/core"
)

type record struct {
	obj       core.PlaceableObject
	placement *core.Placement
	cell      cellKey
}

// Stats counts what the store has applied and dropped.
type Stats struct {
	Objects int                `json:"objects"`
	ByState map[core.State]int `json:"byState"`
	Cells   int                `json:"cells"`

	Applied uint64 `json:"applied"`
	Remote  uint64 `json:"remote"`
	// Stale counts upserts carrying an equal or lower version.
	Stale uint64 `json:"stale"`
	// Ignored counts upserts refused by terminal-state rules.
	Ignored uint64 `json:"ignored"`
	// Conflicts counts remote upserts that lost to a newer local version.
	Conflicts   uint64 `json:"conflicts"`
	Transitions uint64 `json:"transitions"`
	Rejected    uint64 `json:"rejected"`
}

// Predicate filters objects. It must not modify the object.
type Predicate func(*core.PlaceableObject) bool

// InState matches objects in any of the given states.
func InState(states ...core.State) Predicate {
	return func(o *core.PlaceableObject) bool {
		return slices.Contains(states, o.State)
	}
}

// Option configures a Store.
type Option func(*Store)

// WithCellSize sets the spatial index cell size in meters.
func WithCellSize(meters float64) Option {
	return func(s *Store) {
		s.index = newGrid(meters)
	}
}

// WithLogger sets the logger used for listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Store is safe for concurrent use. Writes are serialized; reads work on
// snapshots of immutable records and never wait on listeners.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
	index   *grid
	placed  placedIndex
	stats   Stats

	fan    *fanout
	logger *slog.Logger
}

// New creates an empty store and starts its dispatch goroutine.
func New(opts ...Option) *Store {
	s := &Store{
		records: make(map[string]*record),
		index:   newGrid(DefaultCellSize),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.fan = newFanout(s.logger)
	return s
}

// Close stops event delivery. Mutations after Close are still applied.
func (s *Store) Close() {
	s.fan.close()
}

// Subscribe registers fn for every applied change and returns a function
// that removes it.
func (s *Store) Subscribe(fn Listener) (cancel func()) {
	return s.fan.subscribe(fn)
}

// Drain waits until every event published so far reached all listeners.
// It must not be called from a listener.
func (s *Store) Drain() {
	s.fan.drain()
}

// Upsert applies a locally issued object at the given version.
// Equal or lower versions are dropped and reported as unchanged.
func (s *Store) Upsert(obj core.PlaceableObject, version uint64) (bool, error) {
	return s.upsert(obj, version, core.OriginLocal)
}

// ApplyRemote applies an object received from the server.
func (s *Store) ApplyRemote(obj core.PlaceableObject, version uint64) (bool, error) {
	return s.upsert(obj, version, core.OriginRemote)
}

func (s *Store) upsert(obj core.PlaceableObject, version uint64, origin core.Origin) (bool, error) {
	if err := validate(&obj); err != nil {
		return false, err
	}
	obj = obj.Clone()
	obj.Version = version
	if obj.State == "" {
		obj.State = core.StatePending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[obj.ID]
	if !ok {
		if obj.State == core.StatePlaced {
			obj.State = core.StatePending
		}
		rec := &record{obj: obj, cell: s.index.keyOf(obj.Anchor)}
		s.put(rec)
		s.index.insert(rec.cell, obj.ID)
		s.countApplied(origin)
		s.fan.publish(event(core.ChangeCreated, rec, "", origin))
		return true, nil
	}

	if version <= cur.obj.Version {
		s.stats.Stale++
		if origin == core.OriginRemote && version < cur.obj.Version {
			s.stats.Conflicts++
		}
		return false, nil
	}

	prev := cur.obj.State
	var (
		typ       core.ChangeType
		placement *core.Placement
		unplaced  bool
	)
	switch {
	case prev == core.StateRemoved:
		s.stats.Ignored++
		return false, nil
	case prev == core.StateCollected:
		switch obj.State {
		case core.StateRemoved:
			typ = core.ChangeRemoved
		case core.StateCollected:
			typ = core.ChangeUpdated
		default:
			s.stats.Ignored++
			return false, nil
		}
	default:
		switch obj.State {
		case core.StateCollected:
			typ = core.ChangeCollected
		case core.StateRemoved:
			typ = core.ChangeRemoved
		default:
			typ = core.ChangeUpdated
			if prev == core.StatePlaced && cur.obj.SamePosition(&obj) {
				obj.State = core.StatePlaced
				placement = cur.placement
			} else {
				obj.State = core.StatePending
				unplaced = prev == core.StatePlaced
			}
		}
	}

	rec := &record{obj: obj, placement: placement, cell: s.index.keyOf(obj.Anchor)}
	s.index.move(cur.cell, rec.cell, obj.ID)
	s.put(rec)
	s.countApplied(origin)

	if unplaced {
		s.fan.publish(event(core.ChangeUnplaced, rec, prev, origin))
	}
	s.fan.publish(event(typ, rec, prev, origin))
	return true, nil
}

// TransitionOption adjusts the object written by a transition.
type TransitionOption func(*core.PlaceableObject)

// CollectedBy records who collected the object and when.
func CollectedBy(deviceID string, at time.Time) TransitionOption {
	return func(o *core.PlaceableObject) {
		o.CollectedBy = deviceID
		o.CollectedAt = at
	}
}

// Transition moves id from one state to another if it is still in from.
// Edges into collected or removed need a version above the current one.
// The device-scoped placed to pending edge needs the current version, so
// decisions computed against an older record are rejected.
func (s *Store) Transition(id string, from, to core.State, version uint64, opts ...TransitionOption) error {
	if !allowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.check(id, from, to, version)
	if err != nil {
		return err
	}

	obj := cur.obj.Clone()
	obj.State = to
	for _, opt := range opts {
		opt(&obj)
	}

	var typ core.ChangeType
	switch to {
	case core.StateCollected:
		typ = core.ChangeCollected
	case core.StateRemoved:
		typ = core.ChangeRemoved
	default:
		typ = core.ChangeUnplaced
	}
	if to.Terminal() {
		obj.Version = version
	}

	rec := &record{obj: obj, cell: cur.cell}
	s.put(rec)
	s.stats.Transitions++
	s.fan.publish(event(typ, rec, from, core.OriginLocal))
	return nil
}

// Place moves a pending object to placed with the computed world transform.
// version must be the version the placement was computed from.
func (s *Store) Place(id string, version uint64, p core.Placement) error {
	if !p.Position.Finite() {
		return fmt.Errorf("%w: non-finite placement for %s", ErrInvalidObject, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.check(id, core.StatePending, core.StatePlaced, version)
	if err != nil {
		return err
	}

	obj := cur.obj
	obj.State = core.StatePlaced
	rec := &record{obj: obj, placement: &p, cell: cur.cell}
	s.put(rec)
	s.stats.Transitions++
	s.fan.publish(event(core.ChangePlaced, rec, core.StatePending, core.OriginLocal))
	return nil
}

// Unplace moves a placed object back to pending.
func (s *Store) Unplace(id string, version uint64) error {
	return s.Transition(id, core.StatePlaced, core.StatePending, version)
}

// ResetPlacements returns every placed object to pending, used when the AR
// session origin is lost. It returns the number of objects unplaced.
func (s *Store) ResetPlacements() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range slices.Sorted(maps.Keys(s.records)) {
		cur := s.records[id]
		if cur.obj.State != core.StatePlaced {
			continue
		}
		obj := cur.obj
		obj.State = core.StatePending
		rec := &record{obj: obj, cell: cur.cell}
		s.put(rec)
		s.stats.Transitions++
		s.fan.publish(event(core.ChangeUnplaced, rec, core.StatePlaced, core.OriginLocal))
		n++
	}
	return n
}

// check must be called with mu held.
func (s *Store) check(id string, from, to core.State, version uint64) (*record, error) {
	cur, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.obj.State != from {
		s.stats.Rejected++
		return nil, fmt.Errorf("%w: %s is %s, expected %s", ErrStaleTransition, id, cur.obj.State, from)
	}
	if to.Terminal() {
		if version <= cur.obj.Version {
			s.stats.Rejected++
			return nil, fmt.Errorf("%w: %s version %d not above %d", ErrStaleTransition, id, version, cur.obj.Version)
		}
	} else if version != cur.obj.Version {
		s.stats.Rejected++
		return nil, fmt.Errorf("%w: %s computed at version %d, now %d", ErrStaleTransition, id, version, cur.obj.Version)
	}
	return cur, nil
}

// Get returns a copy of the object with the given id.
func (s *Store) Get(id string) (core.PlaceableObject, bool) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return core.PlaceableObject{}, false
	}
	return rec.obj.Clone(), true
}

// Placement returns the world transform of a placed object.
func (s *Store) Placement(id string) (core.Placement, bool) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok || rec.placement == nil {
		return core.Placement{}, false
	}
	return *rec.placement, true
}

// Query yields a copy of every object matching pred, ordered by id. Each
// iteration works on a fresh snapshot taken when it starts.
func (s *Store) Query(pred Predicate) iter.Seq[core.PlaceableObject] {
	return func(yield func(core.PlaceableObject) bool) {
		for _, rec := range s.snapshot() {
			if pred != nil && !pred(&rec.obj) {
				continue
			}
			if !yield(rec.obj.Clone()) {
				return
			}
		}
	}
}

// Near yields objects within radius meters of center that match pred,
// ordered by id.
func (s *Store) Near(center core.GeoPoint, radius float64, pred Predicate) iter.Seq[core.PlaceableObject] {
	return func(yield func(core.PlaceableObject) bool) {
		for _, rec := range s.nearSnapshot(center, radius) {
			if geo.GreatCircleDistance(center, rec.obj.Anchor) > radius {
				continue
			}
			if pred != nil && !pred(&rec.obj) {
				continue
			}
			if !yield(rec.obj.Clone()) {
				return
			}
		}
	}
}

// Placements yields every placed object with its world transform.
func (s *Store) Placements() iter.Seq2[core.PlaceableObject, core.Placement] {
	return func(yield func(core.PlaceableObject, core.Placement) bool) {
		for _, rec := range s.snapshot() {
			if rec.placement == nil {
				continue
			}
			if !yield(rec.obj.Clone(), *rec.placement) {
				return
			}
		}
	}
}

// Snapshot returns a copy of every object ordered by id.
func (s *Store) Snapshot() []core.PlaceableObject {
	return slices.Collect(s.Query(nil))
}

// Len returns the number of known objects, terminal ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Stats returns a copy of the store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Objects = len(s.records)
	st.Cells = s.index.len()
	st.ByState = make(map[core.State]int)
	for _, rec := range s.records {
		st.ByState[rec.obj.State]++
	}
	return st
}

func (s *Store) snapshot() []*record {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()
	sortRecords(recs)
	return recs
}

func (s *Store) nearSnapshot(center core.GeoPoint, radius float64) []*record {
	s.mu.RLock()
	ids, ok := s.index.candidates(center, radius)
	if !ok {
		s.mu.RUnlock()
		return s.snapshot()
	}
	recs := make([]*record, 0, len(ids))
	for _, id := range ids {
		recs = append(recs, s.records[id])
	}
	s.mu.RUnlock()
	sortRecords(recs)
	return recs
}

// countApplied must be called with mu held.
func (s *Store) countApplied(origin core.Origin) {
	s.stats.Applied++
	if origin == core.OriginRemote {
		s.stats.Remote++
	}
}

func sortRecords(recs []*record) {
	slices.SortFunc(recs, func(a, b *record) int {
		return cmp.Compare(a.obj.ID, b.obj.ID)
	})
}

func event(typ core.ChangeType, rec *record, prev core.State, origin core.Origin) core.ChangeEvent {
	e := core.ChangeEvent{
		Type:     typ,
		ID:       rec.obj.ID,
		Version:  rec.obj.Version,
		Origin:   origin,
		Previous: prev,
		Object:   rec.obj.Clone(),
	}
	if rec.placement != nil {
		p := *rec.placement
		e.Placement = &p
	}
	return e
}

func allowed(from, to core.State) bool {
	switch from {
	case core.StatePending:
		return to == core.StateCollected || to == core.StateRemoved
	case core.StatePlaced:
		return to == core.StatePending || to == core.StateCollected || to == core.StateRemoved
	case core.StateCollected:
		return to == core.StateRemoved
	}
	return false
}

func validate(obj *core.PlaceableObject) error {
	if obj.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidObject)
	}
	if !obj.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidObject, obj.Kind)
	}
	switch obj.State {
	case "", core.StatePending, core.StatePlaced, core.StateCollected, core.StateRemoved:
	default:
		return fmt.Errorf("%w: unknown state %q", ErrInvalidObject, obj.State)
	}
	if err := geo.Validate(obj.Anchor); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidObject, err)
	}
	if obj.AROffset != nil && !obj.AROffset.Finite() {
		return fmt.Errorf("%w: non-finite AR offset", ErrInvalidObject)
	}
	return nil
}
