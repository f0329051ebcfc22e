package core

import (
	"slices"
	"time"
)

// Kind identifies what a placeable object represents in the hunt.
type Kind string

const (
	KindChalice  Kind = "chalice"
	KindChest    Kind = "chest"
	KindSphere   Kind = "sphere"
	KindCoin     Kind = "coin"
	KindNPC      Kind = "npc"
	KindLandmark Kind = "landmark"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindChalice, KindChest, KindSphere, KindCoin, KindNPC, KindLandmark:
		return true
	}
	return false
}

// State is the lifecycle state of an object as seen by one device.
type State string

const (
	StatePending   State = "pending"
	StatePlaced    State = "placed"
	StateCollected State = "collected"
	StateRemoved   State = "removed"
)

// Terminal reports whether no further local transition can leave s.
func (s State) Terminal() bool {
	return s == StateCollected || s == StateRemoved
}

// Active reports whether s is a non-terminal state.
func (s State) Active() bool {
	return s == StatePending || s == StatePlaced
}

// Source records how an object came into existence.
type Source string

const (
	SourceServer Source = "server"
	SourceUser   Source = "user"
	SourceNFC    Source = "nfc"
)

// DefaultRadius is used when an object carries no discovery radius.
const DefaultRadius = 5.0

// PlaceableObject is a treasure or NPC instance.
type PlaceableObject struct {
	ID   string `json:"id" msgpack:"id"`
	Kind Kind   `json:"kind" msgpack:"kind"`

	Anchor   GeoPoint  `json:"anchor" msgpack:"anchor"`
	AROffset *Vec3     `json:"arOffset,omitempty" msgpack:"arOffset,omitempty"`
	AROrigin *GeoPoint `json:"arOrigin,omitempty" msgpack:"arOrigin,omitempty"`

	Radius float64 `json:"radius" msgpack:"radius"`
	State  State   `json:"state" msgpack:"state"`

	CreatorID string    `json:"creatorId,omitempty" msgpack:"creatorId,omitempty"`
	CreatedAt time.Time `json:"createdAt" msgpack:"createdAt"`
	Source    Source    `json:"source" msgpack:"source"`

	Version uint64 `json:"version" msgpack:"version"`
	TagID   string `json:"tagId,omitempty" msgpack:"tagId,omitempty"`

	CollectedBy string    `json:"collectedBy,omitempty" msgpack:"collectedBy,omitempty"`
	CollectedAt time.Time `json:"collectedAt,omitempty" msgpack:"collectedAt,omitempty"`

	// GameModes lists the modes in which this object is active. Empty means all.
	GameModes []string `json:"gameModes,omitempty" msgpack:"gameModes,omitempty"`
	// CoLocateWith names a partner object allowed inside the minimum separation.
	CoLocateWith string            `json:"coLocateWith,omitempty" msgpack:"coLocateWith,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
}

// TagBound reports whether the object needs a presented tag to be collected.
func (o *PlaceableObject) TagBound() bool {
	return o.TagID != ""
}

// DiscoveryRadius returns Radius or DefaultRadius when unset.
func (o *PlaceableObject) DiscoveryRadius() float64 {
	if o.Radius <= 0 {
		return DefaultRadius
	}
	return o.Radius
}

// ActiveIn reports whether the object participates in the given game mode.
func (o *PlaceableObject) ActiveIn(mode string) bool {
	if mode == "" || len(o.GameModes) == 0 {
		return true
	}
	return slices.Contains(o.GameModes, mode)
}

// CoLocatedWith reports whether o and other are a declared co-located pair.
func (o *PlaceableObject) CoLocatedWith(other *PlaceableObject) bool {
	if o.CoLocateWith != "" && o.CoLocateWith == other.ID {
		return true
	}
	return other.CoLocateWith != "" && other.CoLocateWith == o.ID
}

// Clone returns a deep copy so that records held by the store stay immutable.
func (o PlaceableObject) Clone() PlaceableObject {
	c := o
	if o.AROffset != nil {
		v := *o.AROffset
		c.AROffset = &v
	}
	if o.AROrigin != nil {
		g := o.AROrigin.Clone()
		c.AROrigin = &g
	}
	c.Anchor = o.Anchor.Clone()
	if o.GameModes != nil {
		c.GameModes = slices.Clone(o.GameModes)
	}
	if o.Attributes != nil {
		c.Attributes = make(map[string]string, len(o.Attributes))
		for k, v := range o.Attributes {
			c.Attributes[k] = v
		}
	}
	return c
}

// SamePosition reports whether o and other resolve to the same anchor data.
// A change in any of these fields forces a re-placement.
func (o *PlaceableObject) SamePosition(other *PlaceableObject) bool {
	if !o.Anchor.Equal(other.Anchor) {
		return false
	}
	if (o.AROffset == nil) != (other.AROffset == nil) {
		return false
	}
	if o.AROffset != nil && *o.AROffset != *other.AROffset {
		return false
	}
	if (o.AROrigin == nil) != (other.AROrigin == nil) {
		return false
	}
	if o.AROrigin != nil && !o.AROrigin.Equal(*other.AROrigin) {
		return false
	}
	return true
}
