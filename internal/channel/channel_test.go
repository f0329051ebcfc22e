package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuffered_TrySend(t *testing.T) {
	c := NewBuffered[int](1)
	assert.True(t, c.TrySend(1))
	assert.False(t, c.TrySend(2), "expected full buffer to reject")
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, <-c.Receive())
}

func TestUnbuffered_TrySendWithoutReceiver(t *testing.T) {
	c := NewUnbuffered[int]()
	assert.False(t, c.TrySend(1))
	assert.Equal(t, 0, c.Len())
}

func TestSignal_Coalesces(t *testing.T) {
	s := Signal()
	for i := 0; i < 5; i++ {
		s.TrySend(struct{}{})
	}
	assert.Equal(t, 1, s.Len())
	<-s.Receive()
	assert.Equal(t, 0, s.Len())
}
