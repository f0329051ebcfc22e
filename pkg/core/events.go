package core

// ChangeType classifies a store change event.
type ChangeType string

const (
	ChangeCreated   ChangeType = "created"
	ChangeUpdated   ChangeType = "updated"
	ChangeCollected ChangeType = "collected"
	ChangeRemoved   ChangeType = "removed"

	// ChangePlaced and ChangeUnplaced are device-scoped and never leave the device.
	ChangePlaced   ChangeType = "placed"
	ChangeUnplaced ChangeType = "unplaced"
)

// Global reports whether the change is shared with other devices.
func (t ChangeType) Global() bool {
	switch t {
	case ChangeCreated, ChangeUpdated, ChangeCollected, ChangeRemoved:
		return true
	}
	return false
}

// Origin tells whether a mutation was issued on this device or received from the server.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// ChangeEvent is emitted by the store after every applied mutation.
type ChangeEvent struct {
	Type     ChangeType
	ID       string
	Version  uint64
	Origin   Origin
	Previous State
	Object   PlaceableObject
	// Placement is set for ChangePlaced.
	Placement *Placement
}
