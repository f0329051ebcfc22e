// Package seed loads server-seeded hunt objects from YAML or JSON files.
package seed

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/geohunt/engine/internal/geo"
	"github.com/geohunt/engine/pkg/core"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ErrInvalidSeed wraps every schema and content error.
var ErrInvalidSeed = errors.New("invalid seed")

// File is the decoded seed document.
type File struct {
	Version   int      `yaml:"version"`
	GameModes []string `yaml:"gameModes"`
	Radius    float64  `yaml:"radius"`
	Objects   []Object `yaml:"objects"`
	Trails    []Trail  `yaml:"trails"`
}

// Object is one seeded object. Anchor is "lon,lat" or "lon,lat,alt".
type Object struct {
	ID           string            `yaml:"id"`
	Kind         core.Kind         `yaml:"kind"`
	Anchor       string            `yaml:"anchor"`
	Radius       float64           `yaml:"radius"`
	TagID        string            `yaml:"tagId"`
	GameModes    []string          `yaml:"gameModes"`
	CoLocateWith string            `yaml:"coLocateWith"`
	Attributes   map[string]string `yaml:"attributes"`
}

// Trail spreads objects of one kind along a path, one every Every meters.
// Path is a JSON array of [lon,lat] pairs.
type Trail struct {
	IDPrefix  string    `yaml:"idPrefix"`
	Kind      core.Kind `yaml:"kind"`
	Path      string    `yaml:"path"`
	Every     float64   `yaml:"every"`
	Radius    float64   `yaml:"radius"`
	GameModes []string  `yaml:"gameModes"`
}

// LoadFile reads and parses a seed file.
func LoadFile(path string, now time.Time) ([]core.PlaceableObject, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	objs, err := Parse(raw, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return objs, nil
}

// Parse validates raw against the seed schema and expands it into pending
// server objects. JSON input is accepted as YAML.
func Parse(raw []byte, now time.Time) ([]core.PlaceableObject, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidSeed)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return f.Expand(now)
}

func validate(doc map[string]any) error {
	result, err := gojsonschema.Validate(schemaLoader(), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidSeed, strings.Join(msgs, "; "))
	}
	return nil
}

// Expand turns the document into objects. Ids must be unique across
// objects and trails.
func (f *File) Expand(now time.Time) ([]core.PlaceableObject, error) {
	seen := make(map[string]bool)
	var out []core.PlaceableObject
	add := func(obj core.PlaceableObject) error {
		if seen[obj.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidSeed, obj.ID)
		}
		seen[obj.ID] = true
		out = append(out, obj)
		return nil
	}

	for _, o := range f.Objects {
		_, anchor, err := geo.ParseAnchor(o.Anchor)
		if err != nil {
			return nil, fmt.Errorf("%w: object %q: %v", ErrInvalidSeed, o.ID, err)
		}
		obj := f.base(o.ID, o.Kind, anchor, o.Radius, o.GameModes, now)
		obj.TagID = o.TagID
		obj.CoLocateWith = o.CoLocateWith
		obj.Attributes = o.Attributes
		if err := add(obj); err != nil {
			return nil, err
		}
	}

	for _, t := range f.Trails {
		_, path, err := geo.ParsePath(t.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: trail %q: %v", ErrInvalidSeed, t.IDPrefix, err)
		}
		points, err := geo.Interpolate(path, t.Every)
		if err != nil {
			return nil, fmt.Errorf("%w: trail %q: %v", ErrInvalidSeed, t.IDPrefix, err)
		}
		for i, p := range points {
			id := fmt.Sprintf("%s-%03d", t.IDPrefix, i+1)
			if err := add(f.base(id, t.Kind, p, t.Radius, t.GameModes, now)); err != nil {
				return nil, err
			}
		}
	}

	for _, obj := range out {
		if obj.CoLocateWith != "" && !seen[obj.CoLocateWith] {
			return nil, fmt.Errorf("%w: object %q co-located with unknown %q", ErrInvalidSeed, obj.ID, obj.CoLocateWith)
		}
	}
	return out, nil
}

func (f *File) base(id string, kind core.Kind, anchor core.GeoPoint, radius float64, modes []string, now time.Time) core.PlaceableObject {
	if radius <= 0 {
		radius = f.Radius
	}
	if len(modes) == 0 {
		modes = f.GameModes
	}
	return core.PlaceableObject{
		ID:        id,
		Kind:      kind,
		Anchor:    anchor,
		Radius:    radius,
		State:     core.StatePending,
		CreatedAt: now,
		Source:    core.SourceServer,
		GameModes: modes,
	}
}
