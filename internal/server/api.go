package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/seed"
	"github.com/geohunt/engine/internal/store"
	"github.com/geohunt/engine/pkg/core"
	"github.com/geohunt/engine/pkg/streaming"
	"github.com/gorilla/mux"
)

// maxSeedSize bounds uploaded seed documents.
const maxSeedSize = 8 << 20

// SeedResult reports what a seed upload changed.
type SeedResult struct {
	Created int      `json:"created"`
	Updated int      `json:"updated"`
	Skipped []string `json:"skipped,omitempty"`
}

// Health is the healthcheck body.
type Health struct {
	Status  string `json:"status"`
	Objects int    `json:"objects"`
	Clients int    `json:"clients"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Health{
		Status:  "ok",
		Objects: s.st.Len(),
		Clients: s.Stats().Clients,
	})
}

// handleListObjects serves GET /api/v1/objects with optional state, kind,
// mode and near=lat,lon&radius=m filters.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pred, err := objectFilter(q.Get("state"), q.Get("kind"), q.Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]core.PlaceableObject, 0)
	if near := q.Get("near"); near != "" {
		center, radius, err := parseNear(near, q.Get("radius"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for obj := range s.st.Near(center, radius, pred) {
			out = append(out, streaming.WireObject(obj))
		}
	} else {
		for obj := range s.st.Query(pred) {
			out = append(out, streaming.WireObject(obj))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	obj, ok := s.st.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	writeJSON(w, http.StatusOK, streaming.WireObject(obj))
}

// handleDeleteObject marks the object removed and broadcasts it. With
// purge=1 the row is also dropped from storage once the tombstone is written.
func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.applyMu.Lock()
	cur, ok := s.st.Get(id)
	if !ok {
		s.applyMu.Unlock()
		writeError(w, http.StatusNotFound, "object not found")
		return
	}
	removed := cur
	removed.State = core.StateRemoved
	changed, err := s.st.Upsert(removed, cur.Version+1)
	if changed {
		removed, _ = s.st.Get(id)
	}
	s.applyMu.Unlock()

	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if changed {
		s.broadcast(core.ChangeRemoved, removed, "", nil)
	}

	if r.URL.Query().Get("purge") == "1" && s.backend != nil {
		s.st.Drain()
		if s.persister != nil {
			if err := s.persister.Flush(); err != nil {
				s.log.Error("flush before purge failed", "object", id, "error", err)
			}
		}
		if err := s.backend.DeleteObject(id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, streaming.WireObject(removed))
}

// handleSeed accepts a seed document as a multipart "file" field or as the
// raw request body.
func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	raw, err := readSeedBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	objs, err := seed.Parse(raw, s.now().UTC())
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, seed.ErrInvalidSeed) {
			status = http.StatusInternalServerError
		}
		writeError(w, status, err.Error())
		return
	}

	res, err := s.Seed(objs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("Seed applied", "created", res.Created, "updated", res.Updated, "skipped", len(res.Skipped))
	writeJSON(w, http.StatusOK, res)
}

// Seed writes server objects into the store and broadcasts every change.
// Existing objects are replaced at the next version unless they are terminal.
func (s *Server) Seed(objs []core.PlaceableObject) (SeedResult, error) {
	var res SeedResult
	type change struct {
		typ core.ChangeType
		obj core.PlaceableObject
	}
	var changes []change

	s.applyMu.Lock()
	for _, obj := range objs {
		version := uint64(1)
		cur, exists := s.st.Get(obj.ID)
		if exists {
			if cur.State.Terminal() {
				res.Skipped = append(res.Skipped, obj.ID)
				continue
			}
			version = cur.Version + 1
		}
		changed, err := s.st.Upsert(obj, version)
		if err != nil {
			s.applyMu.Unlock()
			return res, fmt.Errorf("seed %s: %w", obj.ID, err)
		}
		if !changed {
			res.Skipped = append(res.Skipped, obj.ID)
			continue
		}
		stored, _ := s.st.Get(obj.ID)
		typ := core.ChangeCreated
		if exists {
			typ = core.ChangeUpdated
			res.Updated++
		} else {
			res.Created++
		}
		changes = append(changes, change{typ: typ, obj: stored})
	}
	s.applyMu.Unlock()

	for _, c := range changes {
		s.broadcast(c.typ, c.obj, "", nil)
	}
	return res, nil
}

func readSeedBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSeedSize)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, fmt.Errorf("missing seed file: %w", err)
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errors.New("empty seed body")
	}
	return raw, nil
}

func objectFilter(state, kind, mode string) (store.Predicate, error) {
	var states []core.State
	if state != "" {
		for _, part := range strings.Split(state, ",") {
			st := core.State(strings.TrimSpace(part))
			switch st {
			case core.StatePending, core.StateCollected, core.StateRemoved:
			default:
				return nil, fmt.Errorf("unknown state %q", part)
			}
			states = append(states, st)
		}
	}
	if kind != "" && !core.Kind(kind).Valid() {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	inState := store.InState(states...)
	return func(o *core.PlaceableObject) bool {
		if len(states) > 0 && !inState(o) {
			return false
		}
		if kind != "" && o.Kind != core.Kind(kind) {
			return false
		}
		return o.ActiveIn(mode)
	}, nil
}

func parseNear(near, radius string) (core.GeoPoint, float64, error) {
	parts := strings.Split(near, ",")
	if len(parts) != 2 {
		return core.GeoPoint{}, 0, errors.New("near must be lat,lon")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return core.GeoPoint{}, 0, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return core.GeoPoint{}, 0, fmt.Errorf("invalid longitude: %w", err)
	}
	center := core.NewGeoPoint(lat, lon)
	if err := geo.Validate(center); err != nil {
		return core.GeoPoint{}, 0, err
	}

	r := 100.0
	if radius != "" {
		r, err = strconv.ParseFloat(radius, 64)
		if err != nil || r <= 0 {
			return core.GeoPoint{}, 0, fmt.Errorf("invalid radius %q", radius)
		}
	}
	return center, r, nil
}
