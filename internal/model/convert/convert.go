// Package convert maps placeable objects to and from their gorm records.
package convert

import (
	"encoding/json"
	"fmt"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/internal/model"
	"github.com/geohunt/engine/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"gorm.io/datatypes"
)

// jsonOrNil marshals v, returning nil for empty values so the column stays NULL.
func jsonOrNil(v any, empty bool) datatypes.JSON {
	if empty {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

// ObjectToModel converts an object into its record. Placed is stored as pending.
func ObjectToModel(obj core.PlaceableObject) model.Object {
	state := obj.State
	if state == core.StatePlaced {
		state = core.StatePending
	}

	rec := model.Object{
		ID:           obj.ID,
		Kind:         string(obj.Kind),
		Lat:          obj.Anchor.Lat,
		Lon:          obj.Anchor.Lon,
		Location:     location(obj.Anchor),
		AROffset:     jsonOrNil(obj.AROffset, obj.AROffset == nil),
		AROrigin:     jsonOrNil(obj.AROrigin, obj.AROrigin == nil),
		Radius:       obj.Radius,
		State:        string(state),
		CreatorID:    obj.CreatorID,
		CreatedAt:    obj.CreatedAt,
		Source:       string(obj.Source),
		Version:      obj.Version,
		TagID:        obj.TagID,
		CollectedBy:  obj.CollectedBy,
		GameModes:    jsonOrNil(obj.GameModes, len(obj.GameModes) == 0),
		CoLocateWith: obj.CoLocateWith,
		Attributes:   jsonOrNil(obj.Attributes, len(obj.Attributes) == 0),
	}
	if !obj.CollectedAt.IsZero() {
		at := obj.CollectedAt
		rec.CollectedAt = &at
	}
	return rec
}

// location encodes the anchor as WKB, XYZ only when an altitude is known.
// Invalid coordinates leave the column NULL.
func location(p core.GeoPoint) []byte {
	var (
		pt  geom.Point
		err error
	)
	if p.Alt == nil {
		pt, err = geom.NewPoint(geom.Coordinates{XY: geom.XY{X: p.Lon, Y: p.Lat}})
	} else {
		pt, err = geo.AnchorToPoint(p)
	}
	if err != nil {
		return nil
	}
	return pt.AsBinary()
}

// ModelToObject converts a record back into an object.
func ModelToObject(rec model.Object) (core.PlaceableObject, error) {
	obj := core.PlaceableObject{
		ID:           rec.ID,
		Kind:         core.Kind(rec.Kind),
		Anchor:       core.NewGeoPoint(rec.Lat, rec.Lon),
		Radius:       rec.Radius,
		State:        core.State(rec.State),
		CreatorID:    rec.CreatorID,
		CreatedAt:    rec.CreatedAt.UTC(),
		Source:       core.Source(rec.Source),
		Version:      rec.Version,
		TagID:        rec.TagID,
		CollectedBy:  rec.CollectedBy,
		CoLocateWith: rec.CoLocateWith,
	}

	if len(rec.Location) > 0 {
		g, err := geom.UnmarshalWKB(rec.Location)
		if err != nil {
			return obj, fmt.Errorf("object %s: location: %w", rec.ID, err)
		}
		if g.Type() == geom.TypePoint {
			if anchor, ok := geo.PointToAnchor(g.MustAsPoint()); ok {
				obj.Anchor = anchor
			}
		}
	}
	if rec.CollectedAt != nil {
		obj.CollectedAt = rec.CollectedAt.UTC()
	}

	fields := []struct {
		name string
		data datatypes.JSON
		into any
	}{
		{"arOffset", rec.AROffset, &obj.AROffset},
		{"arOrigin", rec.AROrigin, &obj.AROrigin},
		{"gameModes", rec.GameModes, &obj.GameModes},
		{"attributes", rec.Attributes, &obj.Attributes},
	}
	for _, f := range fields {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.into); err != nil {
			return obj, fmt.Errorf("object %s: %s: %w", rec.ID, f.name, err)
		}
	}
	return obj, nil
}
