package gameserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomnet"
)

func TestViewRegistry_NeverHandsOutZero(t *testing.T) {
	reg := NewViewRegistry(zaptest.NewLogger(t), 8)

	id, err := reg.RegisterNewView(&NetworkView{})
	require.NoError(t, err)
	assert.Equal(t, roomnet.ViewID(1), id)

	_, ok := reg.Find(roomnet.NoView)
	assert.False(t, ok)
}

func TestViewRegistry_ReuseDeferredUntilRelease(t *testing.T) {
	reg := NewViewRegistry(zaptest.NewLogger(t), 8)
	a, err := reg.RegisterNewView(&NetworkView{})
	require.NoError(t, err)
	_, err = reg.RegisterNewView(&NetworkView{})
	require.NoError(t, err)

	require.True(t, reg.Unregister(a))
	assert.False(t, reg.Unregister(a))
	_, ok := reg.Find(a)
	assert.False(t, ok)

	c, err := reg.RegisterNewView(&NetworkView{})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	reg.ReleasePending()
	d, err := reg.RegisterNewView(&NetworkView{})
	require.NoError(t, err)
	assert.Equal(t, a, d)
}

func TestViewRegistry_Limit(t *testing.T) {
	reg := NewViewRegistry(zaptest.NewLogger(t), 2)
	for i := 0; i < 2; i++ {
		_, err := reg.RegisterNewView(&NetworkView{})
		require.NoError(t, err)
	}
	_, err := reg.RegisterNewView(&NetworkView{})
	assert.ErrorIs(t, err, ErrTooManyViews)
}

func TestViewRegistry_RegisterViewOverwrites(t *testing.T) {
	reg := NewViewRegistry(zaptest.NewLogger(t), 16)
	first, second := &NetworkView{}, &NetworkView{}

	reg.RegisterView(5, first)
	reg.RegisterView(5, second)

	v, ok := reg.Find(5)
	require.True(t, ok)
	assert.Same(t, second, v)
	assert.Equal(t, 1, reg.Len())
	assert.True(t, reg.Allocated(3))
	assert.False(t, reg.Allocated(6))

	// ids below an explicit registration are handed out lowest first
	id, err := reg.RegisterNewView(&NetworkView{})
	require.NoError(t, err)
	assert.Equal(t, roomnet.ViewID(1), id)
}

func TestViewRegistry_AllocatedOnlyForIssuedIDs(t *testing.T) {
	reg := NewViewRegistry(zaptest.NewLogger(t), 16)

	reg.RegisterView(10, &NetworkView{})
	assert.True(t, reg.Allocated(10))
	for id := roomnet.ViewID(1); id < 10; id++ {
		assert.False(t, reg.Allocated(id), "gap id %d was never issued", id)
	}

	id, err := reg.RegisterNewView(&NetworkView{})
	require.NoError(t, err)
	assert.True(t, reg.Allocated(id))

	require.True(t, reg.Unregister(id))
	reg.ReleasePending()
	assert.True(t, reg.Allocated(id), "removed views stay known")
	assert.False(t, reg.Allocated(roomnet.NoView))
}
