// Package channel provides generic channel interfaces used to wake
// dispatch loops and queue connection frames without coupling them to a
// concrete channel type.
package channel

// Receiver provides read access to a channel.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides write access to a channel.
type Sender[T any] interface {
	Send(T)
	// TrySend delivers v only if that does not block and reports whether it did.
	TrySend(T) bool
	// In is the send side, for selects that also wait on a context.
	In() chan<- T
}

// Channel combines read and write access.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Close()
}

// Signal returns a channel for coalesced wake-ups: any number of TrySend
// calls before the receiver runs collapse into a single notification.
func Signal() Channel[struct{}] {
	return NewBuffered[struct{}](1)
}
