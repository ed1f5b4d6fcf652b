package gameserver

import (
	"crypto/subtle"
	"time"

	"go.uber.org/zap"

	"roomnet"
	"roomnet/netmsg"
	"roomnet/rpc"
	"roomnet/tick"
	"roomnet/transport"
)

// Room is a session with its own peer, players and views. Everything but the
// view registry is owned by the server's update loop.
type Room struct {
	name   string
	port   int
	server *Server
	peer   transport.Peer
	log    *zap.Logger

	players      []*Player
	pending      map[roomnet.PlayerID]*Player
	views        []*NetworkView
	registry     *ViewRegistry
	sceneObjects map[roomnet.ViewID]*SceneObject

	handlers rpc.Handlers[*NetMessageInfo]
	buffer   []bufferedMessage

	sched        *tick.Scheduler
	destroyQueue []*NetworkView
	listeners    []func(RoomEvent)
	closed       bool
}

func newRoom(s *Server, name string, port int, peer transport.Peer) *Room {
	log := s.log.Named("room").With(zap.String("room", name))
	return &Room{
		name:         name,
		port:         port,
		server:       s,
		peer:         peer,
		log:          log,
		pending:      make(map[roomnet.PlayerID]*Player),
		registry:     NewViewRegistry(log, s.cfg.MaxViewsPerRoom),
		sceneObjects: make(map[roomnet.ViewID]*SceneObject),
		sched:        tick.NewScheduler(),
	}
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) Port() int {
	return r.port
}

func (r *Room) Peer() transport.Peer {
	return r.peer
}

func (r *Room) Closed() bool {
	return r.closed
}

func (r *Room) Registry() *ViewRegistry {
	return r.registry
}

// Scheduler runs room scoped timers from the update loop.
func (r *Room) Scheduler() *tick.Scheduler {
	return r.sched
}

// Players lists the members of the room in join order.
func (r *Room) Players() []*Player {
	ps := make([]*Player, len(r.players))
	copy(ps, r.players)
	return ps
}

func (r *Room) PlayerIDs() []roomnet.PlayerID {
	ids := make([]roomnet.PlayerID, len(r.players))
	for i, p := range r.players {
		ids[i] = p.id
	}
	return ids
}

func (r *Room) HasPlayer(p *Player) bool {
	return p.room == r
}

// Views lists the live views in creation order.
func (r *Room) Views() []*NetworkView {
	vs := make([]*NetworkView, len(r.views))
	copy(vs, r.views)
	return vs
}

// OnEvent registers fn for join, leave, view removal and close events.
func (r *Room) OnEvent(fn func(RoomEvent)) {
	r.listeners = append(r.listeners, fn)
}

func (r *Room) emit(ev RoomEvent) {
	for _, fn := range r.listeners {
		r.server.protect(r.log, "OnEvent", func() { fn(ev) })
	}
}

func (r *Room) SubscribeToRPC(id uint8, fn rpc.Func[*NetMessageInfo], opts ...rpc.Option) bool {
	return r.handlers.Subscribe(id, fn, opts...)
}

func (r *Room) UnsubscribeFromRPC(id uint8) bool {
	return r.handlers.Unsubscribe(id)
}

// RPC calls a room static RPC on the members selected by mode, with the server
// as sender. Mode Server runs the local handler only.
func (r *Room) RPC(rpcID uint8, mode roomnet.RPCMode, args rpc.Args) error {
	if r.closed {
		return ErrRoomClosed
	}
	w := r.peer.CreateMessage(16)
	roomnet.WriteStaticRPCHeader(w, rpcID, mode)
	if err := args.Write(w); err != nil {
		return err
	}
	if mode == roomnet.RPCModeServer {
		rd := netmsg.NewReader(w.Bytes())
		roomnet.ReadStaticRPCHeader(rd)
		info := &NetMessageInfo{Mode: mode, Sender: r.server.serverPlayer, ContinueForwarding: true}
		r.server.invoke(r.log, &r.handlers, rpcID, rd, info)
		return nil
	}
	r.forwardStatic(w.Bytes(), roomnet.StaticRPCChannel, mode, r.server.serverPlayer)
	return nil
}

type instantiateOptions struct {
	visibleToAll bool
}

type InstantiateOption func(*instantiateOptions)

// Hidden creates the view visible to its owner only. Other players are added
// with SetPlayerSubscription.
func Hidden() InstantiateOption {
	return func(o *instantiateOptions) { o.visibleToAll = false }
}

// Instantiate creates a view owned by owner, or by the server when owner is
// nil, and tells its subscribers to create it.
func (r *Room) Instantiate(owner *Player, resourcePath string, position roomnet.Vector3, rotation roomnet.Quaternion, opts ...InstantiateOption) (*NetworkView, error) {
	o := instantiateOptions{visibleToAll: true}
	for _, opt := range opts {
		opt(&o)
	}
	if r.closed {
		return nil, ErrRoomClosed
	}
	if owner == nil {
		owner = r.server.serverPlayer
	}
	if !owner.IsServer() && owner.room != r {
		return nil, ErrNotInRoom
	}

	v := newNetworkView(r, owner)
	v.resourcePath = resourcePath
	v.position = position
	v.rotation = rotation
	v.visibleToAll = o.visibleToAll

	id, err := r.registry.RegisterNewView(v)
	if err != nil {
		r.log.Error("cannot instantiate view", zap.String("resource", resourcePath), zap.Error(err))
		return nil, err
	}
	v.id = id
	r.server.protect(v.logger(), "Instantiate", func() {
		v.handle = r.server.hook.Instantiate(resourcePath, v, position, rotation)
	})
	r.views = append(r.views, v)

	v.subscribeInitial()
	v.sendCreate(v.connections(nil))
	r.log.Debug("instantiated view",
		zap.Uint16("view", id.Uint16()),
		zap.Uint16("owner", owner.id.Uint16()),
		zap.String("resource", resourcePath))
	return v, nil
}

// AddNetworkView attaches a secondary view to the entity of existing. It
// shares the owner and subscribers of existing.
func (r *Room) AddNetworkView(existing *NetworkView, customFunction string) (*NetworkView, error) {
	if r.closed {
		return nil, ErrRoomClosed
	}
	if existing.room != r {
		return nil, ErrNotInRoom
	}
	if existing.removed || existing.destroying {
		return nil, ErrViewRemoved
	}
	if existing.parent != nil {
		existing = existing.parent
	}

	v := newNetworkView(r, existing.owner)
	v.parent = existing
	v.customFunction = customFunction
	v.resourcePath = existing.resourcePath
	v.position = existing.position
	v.rotation = existing.rotation
	v.visibleToAll = existing.visibleToAll

	id, err := r.registry.RegisterNewView(v)
	if err != nil {
		r.log.Error("cannot add view", zap.Uint16("existing", existing.id.Uint16()), zap.Error(err))
		return nil, err
	}
	v.id = id
	r.server.protect(v.logger(), "AddNetworkView", func() {
		v.handle = r.server.hook.AddNetworkView(existing, v, customFunction)
	})
	r.views = append(r.views, v)
	existing.children = append(existing.children, v)

	v.subscribeInitial()
	v.sendCreate(v.connections(nil))
	return v, nil
}

// FindView resolves a live view of the room.
func (r *Room) FindView(id roomnet.ViewID) (*NetworkView, bool) {
	v, ok := r.registry.Find(id)
	if !ok || v.removed {
		return nil, false
	}
	return v, true
}

func (r *Room) addPlayer(p *Player) {
	r.players = append(r.players, p)
	r.log.Info("player joined", zap.Uint16("player", p.id.Uint16()))
	r.replayRoom(p)
	r.emit(&JoinRoomEvent{PlayerList: r.PlayerIDs(), NewPlayer: p})
}

// removePlayer takes p out of the member list. Its views are destroyed and
// its subscriptions dropped.
func (r *Room) removePlayer(p *Player) {
	idx := -1
	for i, q := range r.players {
		if q == p {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	r.players = append(r.players[:idx], r.players[idx+1:]...)

	for _, v := range r.views {
		if v.owner == p {
			r.destroyView(v, roomnet.RemoveOwnerLeft)
			continue
		}
		delete(v.subscribers, p.id)
		delete(v.dropped, p.id)
	}
	r.log.Info("player left", zap.Uint16("player", p.id.Uint16()))
	r.emit(&LeaveRoomEvent{PlayerList: r.PlayerIDs(), RemovedPlayer: p})
}

// destroyView queues v, and the views added to it, for removal at the end of
// the tick.
func (r *Room) destroyView(v *NetworkView, reason roomnet.RemoveReason) {
	if v.destroying || v.removed {
		return
	}
	v.destroying = true
	v.removeReason = reason
	r.destroyQueue = append(r.destroyQueue, v)
	for _, c := range v.children {
		r.destroyView(c, reason)
	}
}

// flushDestroyed notifies subscribers of the views destroyed this tick and
// tears them down. A client removing a view also removes the views added to
// it, so children of a removed parent are not announced.
func (r *Room) flushDestroyed() {
	for i := 0; i < len(r.destroyQueue); i++ {
		v := r.destroyQueue[i]
		if v.removed {
			continue
		}
		if v.parent == nil || !v.parent.destroying {
			v.sendRemove(v.connections(nil), v.removeReason)
		}
		v.doOnRemove()
	}
	r.destroyQueue = r.destroyQueue[:0]
}

func (r *Room) detachView(v *NetworkView) {
	for i, rv := range r.views {
		if rv == v {
			r.views = append(r.views[:i], r.views[i+1:]...)
			break
		}
	}
	if p := v.parent; p != nil {
		for i, c := range p.children {
			if c == v {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
}

func (r *Room) send(data []byte, conns []transport.Connection, channel int) {
	if len(conns) == 0 {
		return
	}
	w := r.peer.CreateMessage(0)
	w.WriteBytes(data)
	if err := r.peer.SendToMany(w, conns, roomnet.Delivery(channel), channel); err != nil {
		r.log.Debug("send failed", zap.Int("channel", channel), zap.Error(err))
	}
}

func (r *Room) update(now time.Time) {
	for _, m := range r.peer.ReadMessages() {
		r.handleMessage(m)
		r.peer.Recycle(m)
	}
	if r.closed {
		return
	}
	r.sched.Advance(now)
	r.flushDestroyed()
	r.registry.ReleasePending()
}

func (r *Room) handleMessage(m *transport.IncomingMessage) {
	switch m.Type {
	case transport.ConnectionApproval:
		r.approve(m)
	case transport.StatusChanged:
		r.statusChanged(m)
	case transport.Data:
		if r.closed {
			return
		}
		p, ok := m.Conn.Tag().(*Player)
		if !ok || p == nil || p.disconnected || p.roomConn != m.Conn {
			r.log.Debug("data from unbound connection", zap.Int("channel", m.Channel))
			return
		}
		if p.room != r {
			r.log.Debug("data from player not in room", zap.Uint16("player", p.id.Uint16()), zap.Int("channel", m.Channel))
			return
		}
		r.dispatch(p, m)
	default:
		logTransportMessage(r.log, m)
	}
}

// approve checks the room credentials of a connecting client.
func (r *Room) approve(m *transport.IncomingMessage) {
	if r.closed {
		m.Deny(ReasonRoomClosed)
		return
	}
	var creds roomnet.RoomCredentials
	if err := creds.Decode(m.Reader()); err != nil {
		r.log.Warn("malformed room credentials", zap.String("addr", m.Conn.RemoteAddr()), zap.Error(err))
		m.Deny(ReasonMalformedHail)
		return
	}
	p, ok := r.pending[creds.PlayerID]
	if !ok || p.disconnected {
		r.log.Warn("room connection from unknown player", zap.Uint16("player", creds.PlayerID.Uint16()))
		m.Deny(ReasonUnknownPlayer)
		return
	}
	if !p.hasKey || subtle.ConstantTimeCompare(p.roomKey[:], creds.RoomKey[:]) != 1 {
		r.log.Warn("room connection with bad key", zap.Uint16("player", p.id.Uint16()))
		m.Deny(ReasonBadRoomKey)
		return
	}

	p.hasKey = false
	p.roomConn = m.Conn
	m.Conn.SetTag(p)
	m.Approve()
}

func (r *Room) statusChanged(m *transport.IncomingMessage) {
	p, ok := m.Conn.Tag().(*Player)
	if !ok || p == nil || p.roomConn != m.Conn {
		return
	}
	switch m.Status {
	case transport.StatusConnected:
		if p.pendingRoom == r {
			p.roomAuthenticated = true
			p.tryEnterRoom()
		}
	case transport.StatusDisconnected:
		p.roomConn = nil
		p.roomAuthenticated = false
		if p.room == r {
			r.removePlayer(p)
			p.room = nil
		}
		r.log.Info("room connection closed", zap.Uint16("player", p.id.Uint16()), zap.String("reason", m.Reason))
	}
}

// Close moves every player to fallback, or out of any room when fallback is
// nil, drops all views without notifying clients and shuts the room peer down.
func (r *Room) Close(fallback *Room) {
	if r.closed {
		return
	}
	if fallback == r {
		fallback = nil
	}
	r.closed = true

	for _, v := range r.Views() {
		v.doOnRemove()
	}
	r.destroyQueue = nil
	r.sched.StopAll()

	players := r.Players()
	for _, p := range r.pending {
		players = append(players, p)
	}
	for _, p := range players {
		if err := p.ChangeRoom(fallback); err != nil {
			p.ChangeRoom(nil)
		}
	}

	r.peer.Shutdown(ReasonRoomClosed)
	r.server.rooms.release(r.name, r.port)
	r.registry.ReleasePending()
	r.log.Info("room closed")
	r.emit(&RoomClosedEvent{Fallback: fallback})
}

func logTransportMessage(log *zap.Logger, m *transport.IncomingMessage) {
	switch m.Type {
	case transport.DebugMessage, transport.ConnectionLatencyUpdated:
		log.Debug("transport", zap.Stringer("type", m.Type), zap.String("text", m.Reason), zap.Float64("latency", m.Latency))
	case transport.WarningMessage:
		log.Warn("transport", zap.String("text", m.Reason))
	case transport.ErrorMessage, transport.Error:
		log.Error("transport", zap.String("text", m.Reason))
	default:
		log.Debug("ignoring transport message", zap.Stringer("type", m.Type))
	}
}
