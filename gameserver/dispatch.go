package gameserver

import (
	"errors"

	"go.uber.org/zap"

	"roomnet"
	"roomnet/netmsg"
	"roomnet/rpc"
	"roomnet/transport"
)

// NetMessageInfo is passed to every handler on the server. Clearing
// ContinueForwarding stops the call from being relayed or buffered.
type NetMessageInfo struct {
	Mode               roomnet.RPCMode
	Sender             *Player
	ContinueForwarding bool
}

// invoke runs the handler for rpcID, if any, and reports whether the call may
// still be forwarded. A call whose arguments fail to decode is a protocol error
// of the sender and is never forwarded.
func (s *Server) invoke(log *zap.Logger, hs *rpc.Handlers[*NetMessageInfo], rpcID uint8, rd *netmsg.Reader, info *NetMessageInfo) bool {
	h, ok := hs.Lookup(rpcID)
	if !ok {
		return true
	}
	info.ContinueForwarding = h.ContinueForwarding

	err := rpc.Invoke(h, rd, info)
	if err == nil {
		return true
	}
	fields := []zap.Field{zap.Uint8("rpc", rpcID), zap.Uint16("sender", info.Sender.id.Uint16()), zap.Error(err)}
	var pe *rpc.PanicError
	if errors.As(err, &pe) {
		log.Error("rpc handler panicked", fields...)
		return true
	}
	log.Warn("malformed rpc arguments", fields...)
	info.Sender.IncrementErrorCount()
	return false
}

// protect runs a user callback and logs a panic instead of propagating it.
func (s *Server) protect(log *zap.Logger, name string, fn func()) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			log.Error("callback panicked", zap.String("callback", name), zap.Any("panic", v))
			ok = false
		}
	}()
	fn()
	return true
}

func (r *Room) protocolError(p *Player, msg string, fields ...zap.Field) {
	r.log.Warn(msg, append(fields, zap.Uint16("player", p.id.Uint16()))...)
	p.IncrementErrorCount()
}

// lookupView resolves id for a message from p. Only IDs the room never handed
// out count against the sender; anything else may be a view removed while the
// message was in flight.
func (r *Room) lookupView(p *Player, id roomnet.ViewID, channel int) (*NetworkView, bool) {
	if v, ok := r.registry.Find(id); ok && !v.removed {
		return v, true
	}
	fields := []zap.Field{zap.Uint16("view", id.Uint16()), zap.Int("channel", channel)}
	if id == roomnet.NoView || !r.registry.Allocated(id) {
		r.protocolError(p, "message for unknown view", fields...)
		return nil, false
	}
	r.log.Warn("message for missing view", append(fields, zap.Uint16("player", p.id.Uint16()))...)
	return nil, false
}

func (r *Room) dispatch(p *Player, m *transport.IncomingMessage) {
	rd := m.Reader()
	switch roomnet.Classify(m.Channel) {
	case roomnet.ClassStream:
		r.handleStream(p, m, rd)
	case roomnet.ClassStaticRPC:
		r.handleStaticRPC(p, m, rd)
	case roomnet.ClassStaticUtility:
		r.handleUtility(p, rd)
	case roomnet.ClassRPCMode:
		r.handleViewRPC(p, m, rd)
	case roomnet.ClassOwnerRPC:
		r.handleOwnerRPC(p, m, rd)
	case roomnet.ClassObjectRPC:
		r.handleObjectRPC(p, m, rd)
	case roomnet.ClassSyncField:
		r.handleField(p, m, rd)
	default:
		r.protocolError(p, "message on unknown channel", zap.Int("channel", m.Channel))
	}
}

func (r *Room) handleViewRPC(p *Player, m *transport.IncomingMessage, rd *netmsg.Reader) {
	mode, ok := roomnet.ModeFromChannel(m.Channel)
	if !ok {
		r.protocolError(p, "invalid rpc mode channel", zap.Int("channel", m.Channel))
		return
	}
	id, rpcID, err := roomnet.ReadViewRPCHeader(rd)
	if err != nil {
		r.protocolError(p, "malformed rpc header", zap.Error(err))
		return
	}
	v, ok := r.lookupView(p, id, m.Channel)
	if !ok {
		return
	}
	if !v.Subscribed(p) {
		if _, ok := v.dropped[p.id]; ok {
			r.log.Debug("dropping rpc from unsubscribed player", zap.Uint16("player", p.id.Uint16()), zap.Uint16("view", id.Uint16()))
			return
		}
		r.protocolError(p, "rpc on unsubscribed view", zap.Uint16("view", id.Uint16()))
		return
	}

	info := &NetMessageInfo{Mode: mode, Sender: p, ContinueForwarding: true}
	if !r.server.invoke(v.logger(), &v.handlers, rpcID, rd, info) {
		return
	}
	if info.ContinueForwarding && !v.removed {
		v.forward(m.Data, m.Channel, mode, p)
	}
}

func (r *Room) handleOwnerRPC(p *Player, m *transport.IncomingMessage, rd *netmsg.Reader) {
	id, rpcID, err := roomnet.ReadViewRPCHeader(rd)
	if err != nil {
		r.protocolError(p, "malformed owner rpc header", zap.Error(err))
		return
	}
	v, ok := r.lookupView(p, id, m.Channel)
	if !ok {
		return
	}
	if v.owner != p {
		r.protocolError(p, "owner rpc from non-owner", zap.Uint16("view", id.Uint16()))
		return
	}
	info := &NetMessageInfo{Mode: roomnet.RPCModeOwner, Sender: p, ContinueForwarding: false}
	r.server.invoke(v.logger(), &v.handlers, rpcID, rd, info)
}

func (r *Room) handleObjectRPC(p *Player, m *transport.IncomingMessage, rd *netmsg.Reader) {
	id, rpcID, err := roomnet.ReadViewRPCHeader(rd)
	if err != nil {
		r.protocolError(p, "malformed object rpc header", zap.Error(err))
		return
	}
	obj, ok := r.sceneObjects[id]
	if !ok {
		r.protocolError(p, "rpc for unknown scene object", zap.Uint16("object", id.Uint16()))
		return
	}
	info := &NetMessageInfo{Mode: roomnet.RPCModeServer, Sender: p, ContinueForwarding: false}
	r.server.invoke(r.log.With(zap.String("object", obj.name)), &obj.handlers, rpcID, rd, info)
}

func (r *Room) handleStaticRPC(p *Player, m *transport.IncomingMessage, rd *netmsg.Reader) {
	rpcID, mode, err := roomnet.ReadStaticRPCHeader(rd)
	if err != nil {
		r.protocolError(p, "malformed static rpc header", zap.Error(err))
		return
	}
	info := &NetMessageInfo{Mode: mode, Sender: p, ContinueForwarding: true}
	if !r.server.invoke(r.log, &r.handlers, rpcID, rd, info) {
		return
	}
	if info.ContinueForwarding {
		r.forwardStatic(m.Data, m.Channel, mode, p)
	}
}

func (r *Room) handleUtility(p *Player, rd *netmsg.Reader) {
	op := roomnet.UtilityOpcode(rd.ReadUint8())
	switch op {
	case roomnet.OpFinishedInstantiate:
		var msg roomnet.FinishedInstantiate
		if err := msg.Decode(rd); err != nil {
			r.protocolError(p, "malformed instantiate acknowledgement", zap.Error(err))
			return
		}
		v, ok := r.lookupView(p, msg.ViewID, roomnet.StaticUtilityChannel)
		if !ok {
			return
		}
		v.acknowledge(p)
	default:
		r.protocolError(p, "unexpected utility message on room peer", zap.Stringer("opcode", op))
	}
}

func (r *Room) handleStream(p *Player, m *transport.IncomingMessage, rd *netmsg.Reader) {
	id := roomnet.ViewID(rd.ReadUint16())
	if err := rd.Err(); err != nil {
		r.protocolError(p, "malformed stream header", zap.Error(err))
		return
	}
	v, ok := r.lookupView(p, id, m.Channel)
	if !ok {
		return
	}
	if v.owner != p {
		r.protocolError(p, "stream from non-owner", zap.Uint16("view", id.Uint16()))
		return
	}
	v.relayStream(p, m.Data, m.Channel, rd)
}

func (r *Room) handleField(p *Player, m *transport.IncomingMessage, rd *netmsg.Reader) {
	id, fieldID, err := roomnet.ReadFieldHeader(rd)
	if err != nil {
		r.protocolError(p, "malformed field header", zap.Error(err))
		return
	}
	v, ok := r.lookupView(p, id, m.Channel)
	if !ok {
		return
	}
	if v.owner != p {
		r.protocolError(p, "field write from non-owner", zap.Uint16("view", id.Uint16()))
		return
	}
	if b, ok := v.fields.Get(int(fieldID)); ok && b.Apply != nil {
		if err := b.Apply(rd.Rest()); err != nil {
			r.protocolError(p, "malformed field value", zap.Uint16("view", id.Uint16()), zap.Uint8("field", fieldID), zap.Error(err))
			return
		}
	}
	v.fieldBuffer[fieldID] = clone(m.Data)
	conns := v.connections(func(s *subscription) bool { return s.ready && s.player != p })
	r.send(m.Data, conns, m.Channel)
}

// forwardStatic relays a room level static RPC per mode and buffers it in the
// buffered modes.
func (r *Room) forwardStatic(data []byte, channel int, mode roomnet.RPCMode, sender *Player) {
	var conns []transport.Connection
	switch mode {
	case roomnet.RPCModeOthers, roomnet.RPCModeOthersBuffered, roomnet.RPCModeAll, roomnet.RPCModeAllBuffered:
		for _, p := range r.players {
			if p.roomConn == nil || (p == sender && !mode.IncludesSender()) {
				continue
			}
			conns = append(conns, p.roomConn)
		}
	default:
		return
	}
	if mode.Buffered() {
		r.buffer = append(r.buffer, bufferedMessage{channel: channel, data: clone(data)})
	}
	r.send(data, conns, channel)
}
