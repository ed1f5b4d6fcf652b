package gameserver

import (
	"sync"

	"github.com/google/uuid"

	"roomnet/pool"
)

// RoomSet keys rooms by name and hands each a port, counted up from the first
// room port. Ports of closed rooms are reused.
type RoomSet struct {
	names     map[string]*Room
	ports     *pool.Table[*Room]
	portStart int

	mux sync.RWMutex
}

func NewRoomSet(portStart, maxRooms int) *RoomSet {
	return &RoomSet{
		names:     make(map[string]*Room),
		ports:     pool.New[*Room](pool.WithLimit(maxRooms)),
		portStart: portStart,
	}
}

// Rooms lists the rooms in port order.
func (s *RoomSet) Rooms() []*Room {
	s.mux.RLock()
	defer s.mux.RUnlock()

	rs := make([]*Room, 0, s.ports.Len())
	s.ports.Each(func(_ int, r *Room) bool {
		if r != nil {
			rs = append(rs, r)
		}
		return true
	})
	return rs
}

// reserve claims name and a port for a room about to be created. An empty name
// is replaced by a random one.
func (s *RoomSet) reserve(name string) (string, int, error) {
	if len(name) == 0 {
		name = uuid.Must(uuid.NewRandom()).String()
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.names[name]; ok {
		return name, 0, ErrRoomExists
	}
	slot, err := s.ports.TryAdd(nil)
	if err != nil {
		return name, 0, ErrTooManyRooms
	}
	s.names[name] = nil
	return name, s.portStart + slot, nil
}

// bind stores r under the name and port it reserved.
func (s *RoomSet) bind(r *Room) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.names[r.name] = r
	s.ports.Set(r.port-s.portStart, r)
}

// release frees the name and port reserved for a room.
func (s *RoomSet) release(name string, port int) {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.names, name)
	s.ports.Remove(port - s.portStart)
}

func (s *RoomSet) GetRoom(name string) (*Room, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if r, ok := s.names[name]; ok && r != nil {
		return r, true
	} else {
		return nil, false
	}
}

func (s *RoomSet) Len() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.ports.Len()
}
