package gameserver

import (
	"sort"

	"go.uber.org/zap"

	"roomnet"
	"roomnet/transport"
)

// Buffers hold fully encoded messages, so a replay is byte for byte what the
// original recipients got.

// replayRoom sends the room's buffered static RPCs to a player entering the
// room, then makes it create every live view visible to it. View buffers
// follow per view once the player acknowledges the view.
func (r *Room) replayRoom(p *Player) {
	if p.roomConn == nil {
		return
	}
	conns := []transport.Connection{p.roomConn}
	for _, m := range r.buffer {
		r.send(m.data, conns, m.channel)
	}
	for _, v := range r.views {
		if v.destroying || v.removed || !v.visibleToAll {
			continue
		}
		v.subscribers[p.id] = &subscription{player: p}
		v.sendCreate(conns)
	}
}

// acknowledge marks p ready for this view and replays the buffered calls and
// the latest field values to it.
func (v *NetworkView) acknowledge(p *Player) {
	s, ok := v.subscribers[p.id]
	if !ok || s.ready {
		v.logger().Debug("ignoring instantiate acknowledgement", zap.Uint16("player", p.id.Uint16()), zap.Bool("subscribed", ok))
		return
	}
	s.ready = true
	if p.roomConn == nil {
		return
	}
	conns := []transport.Connection{p.roomConn}
	for _, m := range v.buffer {
		v.room.send(m.data, conns, m.channel)
	}
	ids := make([]int, 0, len(v.fieldBuffer))
	for id := range v.fieldBuffer {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		v.room.send(v.fieldBuffer[uint8(id)], conns, roomnet.SyncFieldChannel)
	}
}

// BufferLen is the number of buffered RPCs of the view.
func (v *NetworkView) BufferLen() int {
	return len(v.buffer)
}

// BufferLen is the number of buffered static RPCs of the room.
func (r *Room) BufferLen() int {
	return len(r.buffer)
}

// ClearBuffer drops the buffered RPCs of the view. Latest field values stay.
func (v *NetworkView) ClearBuffer() {
	v.buffer = nil
}

func (r *Room) ClearBuffer() {
	r.buffer = nil
}
