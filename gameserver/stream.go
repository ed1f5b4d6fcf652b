package gameserver

import (
	"time"

	"go.uber.org/zap"

	"roomnet"
	"roomnet/netmsg"
	"roomnet/transport"
)

const defaultStreamSizeHint = 64

func (v *NetworkView) SyncMode() roomnet.SyncMode {
	return v.syncMode
}

// SetStateSynchronization starts or stops the stream loop. While the server
// owns the view and mode is not SyncOff, OnSerializeStream runs every period
// (at least tick.MinPeriod) and the result goes to the subscribers. Switching
// to SyncOff ends the loop at its next run.
func (v *NetworkView) SetStateSynchronization(mode roomnet.SyncMode, period time.Duration) {
	if v.removed {
		return
	}
	v.syncMode = mode
	v.syncGen++
	if mode == roomnet.SyncOff {
		return
	}

	gen := v.syncGen
	v.syncTask = v.room.sched.Every(period, func(time.Time) bool {
		if v.removed || v.syncMode == roomnet.SyncOff || v.syncGen != gen {
			return false
		}
		v.stream()
		return true
	})
}

func (v *NetworkView) stream() {
	if !v.owner.IsServer() || v.OnSerializeStream == nil {
		return
	}
	conns := v.streamConnections(v.owner)
	if len(conns) == 0 {
		return
	}

	hint := v.StreamSizeHint
	if hint <= 0 {
		hint = defaultStreamSizeHint
	}
	w := v.room.peer.CreateMessage(hint + 2)
	w.WriteUint16(v.id.Uint16())
	header := w.Len()

	ok := v.room.server.protect(v.logger(), "OnSerializeStream", func() { v.OnSerializeStream(w) })
	if !ok || w.Len() == header {
		return
	}
	v.room.send(w.Bytes(), conns, roomnet.StreamChannel(v.syncMode))
}

// streamConnections is the stream recipient set: ready subscribers other than
// except, narrowed by StreamFilter.
func (v *NetworkView) streamConnections(except *Player) []transport.Connection {
	return v.connections(func(s *subscription) bool {
		if !s.ready || s.player == except {
			return false
		}
		return v.StreamFilter == nil || v.StreamFilter(s.player)
	})
}

// relayStream handles a stream message from the owning client.
func (v *NetworkView) relayStream(p *Player, data []byte, channel int, rd *netmsg.Reader) {
	if v.OnDeserializeStream != nil {
		info := &NetMessageInfo{Mode: roomnet.RPCModeOthers, Sender: p, ContinueForwarding: true}
		v.room.server.protect(v.logger(), "OnDeserializeStream", func() { v.OnDeserializeStream(rd, info) })
		if !info.ContinueForwarding {
			return
		}
	}
	if err := rd.Err(); err != nil {
		v.logger().Warn("malformed stream", zap.Uint16("player", p.id.Uint16()), zap.Error(err))
		p.IncrementErrorCount()
		return
	}
	v.room.send(data, v.streamConnections(p), channel)
}
