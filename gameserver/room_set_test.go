package gameserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomSet_PortsAreReused(t *testing.T) {
	s := NewRoomSet(15000, 2)

	name, port, err := s.reserve("a")
	require.NoError(t, err)
	assert.Equal(t, "a", name)
	assert.Equal(t, 15000, port)
	s.bind(&Room{name: "a", port: port})

	_, _, err = s.reserve("b")
	require.NoError(t, err)
	_, _, err = s.reserve("c")
	assert.ErrorIs(t, err, ErrTooManyRooms)

	s.release("a", 15000)
	_, port, err = s.reserve("c")
	require.NoError(t, err)
	assert.Equal(t, 15000, port)
}

func TestRoomSet_NamesAreUnique(t *testing.T) {
	s := NewRoomSet(15000, 4)
	_, port, err := s.reserve("lobby")
	require.NoError(t, err)
	s.bind(&Room{name: "lobby", port: port})

	_, _, err = s.reserve("lobby")
	assert.ErrorIs(t, err, ErrRoomExists)

	r, ok := s.GetRoom("lobby")
	require.True(t, ok)
	assert.Equal(t, "lobby", r.Name())
	assert.Len(t, s.Rooms(), 1)

	name, _, err := s.reserve("")
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	_, ok = s.GetRoom(name)
	assert.False(t, ok, "reserved room is not visible until bound")
}
