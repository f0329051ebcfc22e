package store

import (
	"slices"

	"github.com/geohunt/engine/pkg/core"
)

// PlacedAnchor is a placed object's id and local world position.
type PlacedAnchor struct {
	ID       string
	Position core.Vec3
}

// placedIndex keeps the ids of placed records sorted.
type placedIndex struct {
	ids []string
}

func (p *placedIndex) set(id string, placed bool) {
	i, found := slices.BinarySearch(p.ids, id)
	switch {
	case placed && !found:
		p.ids = slices.Insert(p.ids, i, id)
	case !placed && found:
		p.ids = slices.Delete(p.ids, i, i+1)
	}
}

// put stores rec and keeps the placed index current. mu must be held.
func (s *Store) put(rec *record) {
	s.records[rec.obj.ID] = rec
	s.placed.set(rec.obj.ID, rec.placement != nil)
}

// PlacedAfter returns up to n placed objects in id order, starting after
// cursor and wrapping around. total is the number of placed objects. The
// cost depends on n, not on the size of the store.
func (s *Store) PlacedAfter(cursor string, n int) (window []PlacedAnchor, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.placed.ids
	total = len(ids)
	if total == 0 || n <= 0 {
		return nil, total
	}
	start, found := slices.BinarySearch(ids, cursor)
	if found {
		start++
	}
	n = min(n, total)
	window = make([]PlacedAnchor, 0, n)
	for i := range n {
		rec := s.records[ids[(start+i)%total]]
		window = append(window, PlacedAnchor{ID: rec.obj.ID, Position: rec.placement.Position})
	}
	return window, total
}

// IsPlaced reports whether id currently has a world transform.
func (s *Store) IsPlaced(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return ok && rec.placement != nil
}
