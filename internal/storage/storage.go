// Package storage defines the persistence backends for placeable objects.
package storage

import "github.com/geohunt/engine/pkg/core"

// Backend is the interface all storage implementations must satisfy.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// SaveObject stores obj unless a record with an equal or higher version
	// is already present.
	SaveObject(obj core.PlaceableObject) error
	// LoadObjects returns every stored object ordered by ID.
	LoadObjects() ([]core.PlaceableObject, error)
	// DeleteObject drops the record for id. Missing ids are not an error.
	DeleteObject(id string) error
}

// Exporter is an optional interface for backends that write snapshot files.
type Exporter interface {
	Export() (string, error)
	LastExportPath() string
}
