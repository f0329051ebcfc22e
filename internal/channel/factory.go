//go:build !debug

package channel

// New creates the frame queue of a live connection, holding up to size
// frames so a slow socket does not stall the sync loop.
func New[T any](size int) Channel[T] {
	return NewBuffered[T](size)
}
