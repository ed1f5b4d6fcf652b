package grpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomnet/transport"
)

func fill(t *testing.T, c *conn) {
	t.Helper()
	for i := 0; i < sendQueueSize; i++ {
		require.NoError(t, c.enqueue([]byte{uint8(i)}, transport.ReliableOrdered, 1))
	}
}

func TestConn_FullQueueDisconnectsInsteadOfBlocking(t *testing.T) {
	var in inbox
	c := newConn(&in, 1, "stalled", nil)
	require.True(t, c.connected())
	fill(t, c)

	done := make(chan error, 1)
	go func() { done <- c.enqueue([]byte{1}, transport.ReliableOrdered, 1) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSendQueueFull)
	case <-time.After(time.Second):
		t.Fatal("reliable send blocked on a full queue")
	}

	assert.Equal(t, transport.StatusDisconnected, c.Status())
	msgs := in.drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, transport.StatusConnected, msgs[0].Status)
	assert.Equal(t, transport.StatusDisconnected, msgs[1].Status)
	assert.Equal(t, reasonSendQueueFull, msgs[1].Reason)

	assert.ErrorIs(t, c.enqueue([]byte{1}, transport.ReliableOrdered, 1), transport.ErrNotConnected)
}

func TestConn_FullQueueDropsUnreliable(t *testing.T) {
	var in inbox
	c := newConn(&in, 1, "stalled", nil)
	require.True(t, c.connected())
	fill(t, c)

	assert.NoError(t, c.enqueue([]byte{1}, transport.Unreliable, 0))
	assert.Equal(t, transport.StatusConnected, c.Status())
	assert.Len(t, c.out, sendQueueSize)
}
