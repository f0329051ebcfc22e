package store

import "errors"

var (
	// ErrNotFound is returned for an id the store has never seen.
	ErrNotFound = errors.New("object not found")

	// ErrStaleTransition is returned when a compare-and-swap transition
	// observes a different state or fails the version gate.
	ErrStaleTransition = errors.New("stale transition")

	// ErrInvalidTransition is returned for edges the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInvalidObject is returned when an object cannot be stored.
	ErrInvalidObject = errors.New("invalid object")
)
