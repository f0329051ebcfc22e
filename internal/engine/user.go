package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/geohunt/engine/internal/discovery"
	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/geometry"
	"github.com/geohunt/engine/pkg/core"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
)

// UserPlacement describes an object the player drops into the world.
type UserPlacement struct {
	Kind   core.Kind
	Radius float64
	// Tag binds the object to a physical tag. Tagged objects can only be
	// collected by presenting it.
	Tag        string
	GameModes  []string
	Attributes map[string]string
}

// PlaceUserObject creates an object UserPlaceDistance in front of the
// camera on the resolved ground. The object carries its AR offset and
// origin so this device places it exactly; other devices use the derived
// GPS anchor. The spot is moved clear of objects already placed here.
// It is shown immediately and shared through sync.
func (e *Engine) PlaceUserObject(ctx context.Context, p UserPlacement) (core.PlaceableObject, error) {
	if !p.Kind.Valid() {
		return core.PlaceableObject{}, fmt.Errorf("unknown kind %q", p.Kind)
	}
	if p.Radius < 0 {
		return core.PlaceableObject{}, fmt.Errorf("negative radius %v", p.Radius)
	}
	snap := e.session.Snapshot()
	if !snap.Ready() {
		return core.PlaceableObject{}, ErrNotReady
	}

	cam := snap.Camera
	fwd := cam.Forward.R3()
	fwd.Y = 0
	if fwd.Norm() < 1e-6 {
		fwd = r3.Vector{Z: -1}
	}
	start := core.FromR3(cam.Position.R3().Add(fwd.Normalize().Mul(e.cfg.UserPlaceDistance)))
	id := uuid.NewString()
	placement := e.placer.PlaceAt(ctx, geometry.Request{
		Object:   core.PlaceableObject{ID: id},
		Camera:   cam,
		Occupied: e.occupants(),
	}, start)
	local := placement.Position

	anchor, err := geo.ToGeo(*snap.Origin, local)
	if err != nil {
		return core.PlaceableObject{}, fmt.Errorf("anchor for user object: %w", err)
	}
	origin := snap.Origin.Clone()

	obj := core.PlaceableObject{
		ID:         id,
		Kind:       p.Kind,
		Anchor:     anchor,
		AROffset:   &local,
		AROrigin:   &origin,
		Radius:     p.Radius,
		State:      core.StatePending,
		CreatorID:  e.cfg.DeviceID,
		CreatedAt:  e.now().UTC(),
		Source:     core.SourceUser,
		TagID:      p.Tag,
		GameModes:  slices.Clone(p.GameModes),
		Attributes: maps.Clone(p.Attributes),
	}
	if p.Tag != "" {
		obj.Source = core.SourceNFC
	}

	if _, err := e.store.Upsert(obj, 1); err != nil {
		return core.PlaceableObject{}, err
	}
	if placement.Warning {
		e.log.Warn("User object placed without clearance", "id", obj.ID, "reason", placement.Reason)
	}
	if err := e.store.Place(obj.ID, 1, placement); err != nil {
		// The scheduler places it on a later pass.
		e.log.Warn("Placing user object failed", "id", obj.ID, "error", err)
	}

	e.log.Info("User object placed", "id", obj.ID, "kind", obj.Kind, "source", obj.Source)
	cur, _ := e.store.Get(obj.ID)
	return cur, nil
}

// occupants lists every placed object of this device.
func (e *Engine) occupants() []geometry.Occupant {
	var occ []geometry.Occupant
	for obj, p := range e.store.Placements() {
		occ = append(occ, geometry.Occupant{ID: obj.ID, CoLocateWith: obj.CoLocateWith, Position: p.Position})
	}
	return occ
}

// PlaceTaggedObject reads a tag through reader and places an object bound
// to it.
func (e *Engine) PlaceTaggedObject(ctx context.Context, p UserPlacement, reader discovery.TagReader) (core.PlaceableObject, error) {
	tag, err := reader.ReadTag(ctx)
	if err != nil {
		return core.PlaceableObject{}, fmt.Errorf("read tag: %w", err)
	}
	if tag == "" {
		return core.PlaceableObject{}, fmt.Errorf("read tag: %w", discovery.ErrNFCReadError)
	}
	p.Tag = tag
	return e.PlaceUserObject(ctx, p)
}

// Collect attempts to collect id, optionally presenting a tag.
func (e *Engine) Collect(id string, tag *string) (discovery.Result, error) {
	return e.validator.AttemptCollect(id, tag)
}

// CollectWithReader reads a tag through reader and presents it for id.
func (e *Engine) CollectWithReader(ctx context.Context, id string, reader discovery.TagReader) (discovery.Result, error) {
	return e.validator.CollectWithReader(ctx, id, reader)
}
