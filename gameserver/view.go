package gameserver

import (
	"go.uber.org/zap"

	"roomnet"
	"roomnet/netmsg"
	"roomnet/netsync"
	"roomnet/pool"
	"roomnet/rpc"
	"roomnet/tick"
	"roomnet/transport"
)

const maxFieldsPerView = 256

type subscription struct {
	player *Player
	// ready is set once the client acknowledged the view with
	// FinishedInstantiate. Live traffic goes only to ready subscribers; the
	// rest catch up through the buffers on acknowledgement.
	ready bool
}

type bufferedMessage struct {
	channel int
	data    []byte
}

// NetworkView is a networked entity inside a room.
type NetworkView struct {
	id    roomnet.ViewID
	room  *Room
	owner *Player

	resourcePath   string
	position       roomnet.Vector3
	rotation       roomnet.Quaternion
	parent         *NetworkView
	children       []*NetworkView
	customFunction string
	handle         interface{}

	visibleToAll bool
	subscribers  map[roomnet.PlayerID]*subscription

	// dropped holds players unsubscribed while in the room. Their calls may
	// still be in flight.
	dropped map[roomnet.PlayerID]struct{}

	handlers    rpc.Handlers[*NetMessageInfo]
	fields      *pool.Table[netsync.Binding]
	buffer      []bufferedMessage
	fieldBuffer map[uint8][]byte

	syncMode roomnet.SyncMode
	syncGen  uint64
	syncTask *tick.Task

	// OnSerializeStream writes the state streamed while the server owns the
	// view and synchronization is on.
	OnSerializeStream func(w *netmsg.Writer)
	// OnDeserializeStream reads a stream message sent by the owning client.
	OnDeserializeStream func(r *netmsg.Reader, info *NetMessageInfo)
	// StreamSizeHint sizes the stream message buffer.
	StreamSizeHint int
	// StreamFilter, if set, is asked every send which subscribers receive the
	// stream.
	StreamFilter func(p *Player) bool
	// OnRemoved runs once when the view is torn down.
	OnRemoved func(v *NetworkView)

	destroying   bool
	removed      bool
	removeReason roomnet.RemoveReason
}

func newNetworkView(r *Room, owner *Player) *NetworkView {
	return &NetworkView{
		room:         r,
		owner:        owner,
		rotation:     roomnet.IdentityRotation,
		visibleToAll: true,
		subscribers:  make(map[roomnet.PlayerID]*subscription),
		dropped:      make(map[roomnet.PlayerID]struct{}),
		fields:       pool.New[netsync.Binding](pool.WithLimit(maxFieldsPerView)),
		fieldBuffer:  make(map[uint8][]byte),
	}
}

func (v *NetworkView) ID() roomnet.ViewID {
	return v.id
}

func (v *NetworkView) Room() *Room {
	return v.room
}

// Owner is the owning player; the server player for server owned views.
func (v *NetworkView) Owner() *Player {
	return v.owner
}

// IsMine reports whether the server owns the view.
func (v *NetworkView) IsMine() bool {
	return v.owner.IsServer()
}

func (v *NetworkView) VisibleToAll() bool {
	return v.visibleToAll
}

func (v *NetworkView) ResourcePath() string {
	return v.resourcePath
}

func (v *NetworkView) Position() roomnet.Vector3 {
	return v.position
}

func (v *NetworkView) Rotation() roomnet.Quaternion {
	return v.rotation
}

// Parent is the view this one was added to, nil for instantiated views.
func (v *NetworkView) Parent() *NetworkView {
	return v.parent
}

// Handle is what the engine hook returned for this view.
func (v *NetworkView) Handle() interface{} {
	return v.handle
}

func (v *NetworkView) Removed() bool {
	return v.removed
}

func (v *NetworkView) Subscribed(p *Player) bool {
	_, ok := v.subscribers[p.id]
	return ok
}

// Subscribers lists subscribed players in room order.
func (v *NetworkView) Subscribers() []*Player {
	var ps []*Player
	for _, p := range v.room.players {
		if v.Subscribed(p) {
			ps = append(ps, p)
		}
	}
	return ps
}

func (v *NetworkView) SubscribeToRPC(id uint8, fn rpc.Func[*NetMessageInfo], opts ...rpc.Option) bool {
	return v.handlers.Subscribe(id, fn, opts...)
}

func (v *NetworkView) UnsubscribeFromRPC(id uint8) bool {
	return v.handlers.Unsubscribe(id)
}

func (v *NetworkView) logger() *zap.Logger {
	return v.room.log.With(zap.Uint16("view", v.id.Uint16()))
}

// RPC calls rpcID on the subscribers selected by mode, with the server as
// sender. Mode Server runs the local handler only.
func (v *NetworkView) RPC(rpcID uint8, mode roomnet.RPCMode, args rpc.Args) error {
	if v.removed {
		return ErrViewRemoved
	}
	w := v.room.peer.CreateMessage(16)
	roomnet.WriteViewRPCHeader(w, v.id, rpcID)
	if err := args.Write(w); err != nil {
		return err
	}
	server := v.room.server.serverPlayer
	if mode == roomnet.RPCModeServer {
		rd := netmsg.NewReader(w.Bytes())
		roomnet.ReadViewRPCHeader(rd)
		info := &NetMessageInfo{Mode: mode, Sender: server, ContinueForwarding: true}
		v.room.server.invoke(v.logger(), &v.handlers, rpcID, rd, info)
		return nil
	}
	v.forward(w.Bytes(), roomnet.RPCModeChannel(mode), mode, server)
	return nil
}

// OwnerRPC calls rpcID on the owning client only.
func (v *NetworkView) OwnerRPC(rpcID uint8, args rpc.Args) error {
	if v.removed {
		return ErrViewRemoved
	}
	if v.owner.IsServer() {
		return ErrServerPlayer
	}
	w := v.room.peer.CreateMessage(16)
	roomnet.WriteViewRPCHeader(w, v.id, rpcID)
	if err := args.Write(w); err != nil {
		return err
	}
	conns := v.connections(func(s *subscription) bool { return s.ready && s.player == v.owner })
	v.room.send(w.Bytes(), conns, roomnet.OwnerRPCChannel)
	return nil
}

// forward relays an encoded view RPC per mode, and buffers it for late joiners
// in the buffered modes.
func (v *NetworkView) forward(data []byte, channel int, mode roomnet.RPCMode, sender *Player) {
	var accept func(s *subscription) bool
	switch mode {
	case roomnet.RPCModeOthers, roomnet.RPCModeOthersBuffered:
		accept = func(s *subscription) bool { return s.ready && s.player != sender }
	case roomnet.RPCModeAll, roomnet.RPCModeAllBuffered:
		accept = func(s *subscription) bool { return s.ready }
	case roomnet.RPCModeOwner:
		accept = func(s *subscription) bool { return s.ready && s.player == v.owner && s.player != sender }
	default:
		return
	}
	if mode.Buffered() {
		v.buffer = append(v.buffer, bufferedMessage{channel: channel, data: clone(data)})
	}
	v.room.send(data, v.connections(accept), channel)
}

// connections returns the room connections of subscribers accepted by fn, in
// room order.
func (v *NetworkView) connections(fn func(s *subscription) bool) []transport.Connection {
	var conns []transport.Connection
	for _, p := range v.room.players {
		s, ok := v.subscribers[p.id]
		if !ok || p.roomConn == nil || (fn != nil && !fn(s)) {
			continue
		}
		conns = append(conns, p.roomConn)
	}
	return conns
}

// subscribeInitial applies the visibility rule to a freshly created view.
func (v *NetworkView) subscribeInitial() {
	if v.parent != nil {
		for id := range v.parent.subscribers {
			if p := v.parent.subscribers[id].player; p.room == v.room {
				v.subscribers[id] = &subscription{player: p}
			}
		}
		return
	}
	if v.visibleToAll {
		for _, p := range v.room.players {
			v.subscribers[p.id] = &subscription{player: p}
		}
		return
	}
	if !v.owner.IsServer() {
		v.subscribers[v.owner.id] = &subscription{player: v.owner}
	}
}

// writeCreate encodes the message that makes a client create this view.
func (v *NetworkView) writeCreate(w *netmsg.Writer) {
	if v.parent != nil {
		m := &roomnet.AddView{ExistingID: v.parent.id, ViewID: v.id, CustomFunction: v.customFunction}
		m.Encode(w)
		return
	}
	m := &roomnet.Instantiate{
		ResourcePath: v.resourcePath,
		ViewID:       v.id,
		OwnerID:      v.owner.id,
		Position:     v.position,
		Rotation:     v.rotation,
	}
	m.Encode(w)
}

func (v *NetworkView) sendCreate(conns []transport.Connection) {
	w := v.room.peer.CreateMessage(64 + len(v.resourcePath))
	v.writeCreate(w)
	v.room.send(w.Bytes(), conns, roomnet.StaticUtilityChannel)
}

func (v *NetworkView) sendRemove(conns []transport.Connection, reason roomnet.RemoveReason) {
	w := v.room.peer.CreateMessage(4)
	m := &roomnet.Remove{ViewID: v.id, Reason: reason}
	m.Encode(w)
	v.room.send(w.Bytes(), conns, roomnet.StaticUtilityChannel)
}

// SetPlayerSubscription shows or hides the view from p. It is only valid for
// views that are not visible to all, and never for the owner.
func (v *NetworkView) SetPlayerSubscription(p *Player, subscribe bool) error {
	if v.parent != nil {
		return v.parent.SetPlayerSubscription(p, subscribe)
	}
	switch {
	case v.removed || v.destroying:
		return ErrViewRemoved
	case v.visibleToAll:
		return ErrVisibleToAll
	case p == v.owner:
		return ErrOwnerSubscription
	case p.IsServer():
		return ErrServerPlayer
	case p.room != v.room:
		return ErrNotInRoom
	}

	if subscribe == v.Subscribed(p) {
		return nil
	}
	family := append([]*NetworkView{v}, v.children...)
	if !subscribe {
		for _, fv := range family {
			delete(fv.subscribers, p.id)
			fv.dropped[p.id] = struct{}{}
		}
		if p.roomConn != nil {
			v.sendRemove([]transport.Connection{p.roomConn}, roomnet.RemoveUnsubscribed)
		}
		return nil
	}
	for _, fv := range family {
		if fv.removed || fv.destroying {
			continue
		}
		fv.subscribers[p.id] = &subscription{player: p}
		delete(fv.dropped, p.id)
		if p.roomConn != nil {
			fv.sendCreate([]transport.Connection{p.roomConn})
		}
	}
	return nil
}

// ClearSubscriptions unsubscribes everyone but the owner with a single
// batched remove. The buffers are kept.
func (v *NetworkView) ClearSubscriptions() error {
	if v.parent != nil {
		return v.parent.ClearSubscriptions()
	}
	if v.removed || v.destroying {
		return ErrViewRemoved
	}
	if v.visibleToAll {
		return ErrVisibleToAll
	}
	conns := v.connections(func(s *subscription) bool { return s.player != v.owner })
	for _, fv := range append([]*NetworkView{v}, v.children...) {
		for id, s := range fv.subscribers {
			if s.player != v.owner {
				delete(fv.subscribers, id)
				fv.dropped[id] = struct{}{}
			}
		}
	}
	v.sendRemove(conns, roomnet.RemoveUnsubscribed)
	return nil
}

// Destroy removes the view from every client at the end of the tick. Calling
// it again is a no-op.
func (v *NetworkView) Destroy() {
	v.room.destroyView(v, roomnet.RemoveDestroyed)
}

// doOnRemove tears the view down locally. It runs once no matter how often it
// is called.
func (v *NetworkView) doOnRemove() {
	if v.removed {
		return
	}
	v.removed = true
	v.syncMode = roomnet.SyncOff
	if v.syncTask != nil {
		v.syncTask.Stop()
	}

	v.fields.Each(func(id int, b netsync.Binding) bool {
		if b.Close != nil {
			b.Close()
		}
		v.fields.Remove(id)
		return true
	})
	v.handlers.Clear()
	v.room.registry.Unregister(v.id)
	v.room.detachView(v)

	if v.OnRemoved != nil {
		v.room.server.protect(v.logger(), "OnRemoved", func() { v.OnRemoved(v) })
	}
	v.room.emit(&ViewRemovedEvent{View: v, Reason: v.removeReason})
}

// AddField implements netsync.Host.
func (v *NetworkView) AddField(b netsync.Binding) (uint8, error) {
	if v.removed {
		return 0, ErrViewRemoved
	}
	id, err := v.fields.TryAdd(b)
	if err != nil {
		return 0, ErrTooManyFields
	}
	return uint8(id), nil
}

func (v *NetworkView) RemoveField(id uint8) {
	v.fields.Remove(int(id))
}

// CanWriteFields is true for server owned views.
func (v *NetworkView) CanWriteFields() bool {
	return v.owner.IsServer() && !v.removed
}

// SendField buffers the field value and sends it to ready subscribers.
func (v *NetworkView) SendField(id uint8, raw []byte) {
	w := v.room.peer.CreateMessage(3 + len(raw))
	roomnet.WriteFieldHeader(w, v.id, id)
	w.WriteBytes(raw)
	v.fieldBuffer[id] = w.Clone()
	v.room.send(w.Bytes(), v.connections(func(s *subscription) bool { return s.ready }), roomnet.SyncFieldChannel)
}

func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
