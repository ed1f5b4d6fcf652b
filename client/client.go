// Package client is the player side of a room session. A Client keeps one
// connection to the server's lobby peer and one to the peer of the room it is
// in, following the server's ChangeRoom instructions.
package client

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"roomnet"
	"roomnet/netmsg"
	"roomnet/pool"
	"roomnet/rpc"
	"roomnet/tick"
	"roomnet/transport"
)

// MessageInfo is passed to every handler on the client.
type MessageInfo struct {
	Mode roomnet.RPCMode
}

type roomState uint8

const (
	roomNone roomState = iota
	roomConnecting
	roomConnected
)

type Client struct {
	log   *zap.Logger
	hook  EngineHook
	lobby transport.ClientPeer
	room  transport.ClientPeer

	lobbyAddr string
	playerID  atomic.Uint32

	roomName  string
	roomConn  transport.Connection
	roomState roomState

	views        *pool.Table[*View]
	sceneObjects map[roomnet.ViewID]*SceneObject
	handlers     rpc.Handlers[*MessageInfo]
	roomHandlers rpc.Handlers[*MessageInfo]

	sched      *tick.Scheduler
	now        time.Time
	serverTime float64
	timeAt     time.Time

	// OnConnected runs when the server assigns the player ID.
	OnConnected func(id roomnet.PlayerID)
	// OnDisconnected runs when the lobby connection closes.
	OnDisconnected func(reason string)
	// OnRoomChange runs when the server moves the client, before the room
	// connection is made. An empty name means no room.
	OnRoomChange func(roomName string)
	// OnRoomJoined runs once the room connection is up and the server has been
	// told the client is ready.
	OnRoomJoined func(roomName string)
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithEngineHook(h EngineHook) Option {
	return func(c *Client) { c.hook = h }
}

// New returns a client using lobby for the server connection and room for room
// connections.
func New(lobby, room transport.ClientPeer, opts ...Option) *Client {
	c := &Client{
		log:          zap.NewNop(),
		hook:         NopHook{},
		lobby:        lobby,
		room:         room,
		views:        pool.New[*View](),
		sceneObjects: make(map[roomnet.ViewID]*SceneObject),
		sched:        tick.NewScheduler(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.views.Reserve(int(roomnet.NoView))
	return c
}

// Connect dials the lobby at addr. The player ID arrives later through
// OnConnected.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if err := c.lobby.Start(); err != nil {
		return errors.Wrap(err, "start lobby peer")
	}
	if err := c.room.Start(); err != nil {
		return errors.Wrap(err, "start room peer")
	}
	c.lobbyAddr = addr
	if _, err := c.lobby.Connect(ctx, addr, nil); err != nil {
		return errors.Wrapf(err, "connect to %s", addr)
	}
	return nil
}

// Close drops both connections.
func (c *Client) Close() {
	c.room.Disconnect("client closed")
	c.lobby.Disconnect("client closed")
	c.room.Shutdown("client closed")
	c.lobby.Shutdown("client closed")
}

// PlayerID is the ID the server assigned, or roomnet.ServerPlayerID before
// that. Safe for concurrent use.
func (c *Client) PlayerID() roomnet.PlayerID {
	return roomnet.PlayerID(c.playerID.Load())
}

// RoomName is the room the client was last sent to.
func (c *Client) RoomName() string {
	return c.roomName
}

// InRoom reports whether the room connection is up.
func (c *Client) InRoom() bool {
	return c.roomState == roomConnected
}

// ServerTime estimates the server clock in seconds.
func (c *Client) ServerTime() float64 {
	if c.timeAt.IsZero() {
		return 0
	}
	return c.serverTime + c.now.Sub(c.timeAt).Seconds()
}

func (c *Client) Scheduler() *tick.Scheduler {
	return c.sched
}

func (c *Client) View(id roomnet.ViewID) (*View, bool) {
	return c.views.Get(int(id))
}

// Views lists the live views in ID order.
func (c *Client) Views() []*View {
	vs := make([]*View, 0, c.views.Len())
	c.views.Each(func(_ int, v *View) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// SubscribeToRPC registers a handler for server level static RPCs, which
// arrive on the lobby connection.
func (c *Client) SubscribeToRPC(id uint8, fn rpc.Func[*MessageInfo], opts ...rpc.Option) bool {
	return c.handlers.Subscribe(id, fn, opts...)
}

// SubscribeToRoomRPC registers a handler for room static RPCs.
func (c *Client) SubscribeToRoomRPC(id uint8, fn rpc.Func[*MessageInfo], opts ...rpc.Option) bool {
	return c.roomHandlers.Subscribe(id, fn, opts...)
}

// ServerRPC sends a server level static RPC over the lobby connection. The
// server may echo it to the client's room per mode.
func (c *Client) ServerRPC(rpcID uint8, mode roomnet.RPCMode, args rpc.Args) error {
	w := c.lobby.CreateMessage(16)
	roomnet.WriteStaticRPCHeader(w, rpcID, mode)
	if err := args.Write(w); err != nil {
		return err
	}
	return c.sendLobby(w, roomnet.StaticRPCChannel)
}

// RPC sends a room static RPC, forwarded by the room per mode.
func (c *Client) RPC(rpcID uint8, mode roomnet.RPCMode, args rpc.Args) error {
	w := c.room.CreateMessage(16)
	roomnet.WriteStaticRPCHeader(w, rpcID, mode)
	if err := args.Write(w); err != nil {
		return err
	}
	return c.sendRoom(w, roomnet.StaticRPCChannel)
}

func (c *Client) sendLobby(w *netmsg.Writer, channel int) error {
	conn := c.lobby.ServerConnection()
	if conn == nil || conn.Status() != transport.StatusConnected {
		return transport.ErrNotConnected
	}
	return c.lobby.SendMessage(w, conn, roomnet.Delivery(channel), channel)
}

func (c *Client) sendRoom(w *netmsg.Writer, channel int) error {
	if c.roomState != roomConnected || c.roomConn == nil {
		return transport.ErrNotConnected
	}
	return c.room.SendMessage(w, c.roomConn, roomnet.Delivery(channel), channel)
}

func (c *Client) protect(name string, fn func()) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			c.log.Error("callback panicked", zap.String("callback", name), zap.Any("panic", v))
			ok = false
		}
	}()
	fn()
	return true
}

func (c *Client) invoke(hs *rpc.Handlers[*MessageInfo], rpcID uint8, rd *netmsg.Reader, info *MessageInfo, fields ...zap.Field) {
	h, ok := hs.Lookup(rpcID)
	if !ok {
		c.log.Debug("no handler for rpc", append(fields, zap.Uint8("rpc", rpcID))...)
		return
	}
	if err := rpc.Invoke(h, rd, info); err != nil {
		c.log.Warn("rpc handler failed", append(fields, zap.Uint8("rpc", rpcID), zap.Error(err))...)
	}
}

// Update runs one tick: both peers, then timers and the engine hook.
func (c *Client) Update(now time.Time) {
	c.now = now
	for _, m := range c.lobby.ReadMessages() {
		c.handleLobby(m)
		c.lobby.Recycle(m)
	}
	for _, m := range c.room.ReadMessages() {
		c.handleRoom(m)
		c.room.Recycle(m)
	}
	c.sched.Advance(now)
	c.protect("OnUpdate", func() { c.hook.OnUpdate(now) })
}

func (c *Client) handleLobby(m *transport.IncomingMessage) {
	switch m.Type {
	case transport.StatusChanged:
		switch m.Status {
		case transport.StatusConnected:
			c.log.Info("connected to lobby", zap.String("addr", c.lobbyAddr))
		case transport.StatusDisconnected:
			c.log.Info("lobby connection closed", zap.String("reason", m.Reason))
			c.leaveRoom()
			c.playerID.Store(0)
			if c.OnDisconnected != nil {
				c.protect("OnDisconnected", func() { c.OnDisconnected(m.Reason) })
			}
		}
	case transport.Data:
		rd := m.Reader()
		switch roomnet.Classify(m.Channel) {
		case roomnet.ClassStaticRPC:
			rpcID, mode, err := roomnet.ReadStaticRPCHeader(rd)
			if err != nil {
				c.log.Warn("malformed static rpc", zap.Error(err))
				return
			}
			c.invoke(&c.handlers, rpcID, rd, &MessageInfo{Mode: mode})
		case roomnet.ClassStaticUtility:
			c.handleLobbyUtility(rd)
		default:
			c.log.Warn("unexpected channel on lobby", zap.Int("channel", m.Channel))
		}
	default:
		c.log.Debug("lobby transport message", zap.Stringer("type", m.Type), zap.String("text", m.Reason))
	}
}

func (c *Client) handleLobbyUtility(rd *netmsg.Reader) {
	op := roomnet.UtilityOpcode(rd.ReadUint8())
	switch op {
	case roomnet.OpSetPlayerID:
		var msg roomnet.SetPlayerID
		if err := msg.Decode(rd); err != nil {
			c.log.Warn("malformed player id", zap.Error(err))
			return
		}
		c.playerID.Store(uint32(msg.PlayerID))
		c.log.Info("assigned player id", zap.Uint16("player", msg.PlayerID.Uint16()))
		if c.OnConnected != nil {
			c.protect("OnConnected", func() { c.OnConnected(msg.PlayerID) })
		}
	case roomnet.OpTimeUpdate:
		var msg roomnet.TimeUpdate
		if err := msg.Decode(rd); err != nil {
			c.log.Warn("malformed time update", zap.Error(err))
			return
		}
		c.serverTime = msg.ServerTime
		c.timeAt = c.now
	case roomnet.OpChangeRoom:
		var msg roomnet.ChangeRoom
		if err := msg.Decode(rd); err != nil {
			c.log.Warn("malformed room change", zap.Error(err))
			return
		}
		c.changeRoom(&msg)
	default:
		c.log.Warn("unexpected utility message on lobby", zap.Stringer("opcode", op))
	}
}

// changeRoom leaves the current room and connects the room peer with the
// credentials the server sent.
func (c *Client) changeRoom(msg *roomnet.ChangeRoom) {
	c.leaveRoom()
	c.roomName = msg.RoomName
	if c.OnRoomChange != nil {
		c.protect("OnRoomChange", func() { c.OnRoomChange(msg.RoomName) })
	}
	if msg.RoomName == "" {
		return
	}

	host, _, err := net.SplitHostPort(c.lobbyAddr)
	if err != nil {
		c.log.Error("cannot derive room address", zap.String("lobby", c.lobbyAddr), zap.Error(err))
		return
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(msg.RoomPort)))

	creds := roomnet.RoomCredentials{PlayerID: c.PlayerID(), RoomKey: msg.RoomKey}
	w := netmsg.NewWriter(2 + roomnet.RoomKeySize)
	creds.Encode(w)

	conn, err := c.room.Connect(context.Background(), addr, w.Bytes())
	if err != nil {
		c.log.Error("cannot connect to room", zap.String("room", msg.RoomName), zap.String("addr", addr), zap.Error(err))
		return
	}
	c.roomConn = conn
	c.roomState = roomConnecting
	c.log.Info("joining room", zap.String("room", msg.RoomName), zap.String("addr", addr))
}

// leaveRoom drops the room connection and every view of the room.
func (c *Client) leaveRoom() {
	if c.roomConn != nil {
		conn := c.roomConn
		c.roomConn = nil
		conn.Disconnect("room change")
	}
	c.roomState = roomNone
	for _, v := range c.Views() {
		v.remove(roomnet.RemoveRoomClosed)
	}
}

func (c *Client) handleRoom(m *transport.IncomingMessage) {
	if m.Conn != c.roomConn {
		return
	}
	switch m.Type {
	case transport.StatusChanged:
		switch m.Status {
		case transport.StatusConnected:
			c.roomState = roomConnected
			w := c.lobby.CreateMessage(1)
			roomnet.WriteFinishedRoomChange(w)
			if err := c.sendLobby(w, roomnet.StaticUtilityChannel); err != nil {
				c.log.Warn("cannot report finished room change", zap.Error(err))
				return
			}
			if c.OnRoomJoined != nil {
				c.protect("OnRoomJoined", func() { c.OnRoomJoined(c.roomName) })
			}
		case transport.StatusDisconnected:
			c.log.Info("room connection closed", zap.String("room", c.roomName), zap.String("reason", m.Reason))
			c.roomConn = nil
			c.leaveRoom()
		}
	case transport.Data:
		c.dispatchRoom(m)
	default:
		c.log.Debug("room transport message", zap.Stringer("type", m.Type), zap.String("text", m.Reason))
	}
}

func (c *Client) dispatchRoom(m *transport.IncomingMessage) {
	rd := m.Reader()
	switch roomnet.Classify(m.Channel) {
	case roomnet.ClassStaticUtility:
		c.handleRoomUtility(rd)
	case roomnet.ClassStaticRPC:
		rpcID, mode, err := roomnet.ReadStaticRPCHeader(rd)
		if err != nil {
			c.log.Warn("malformed room rpc", zap.Error(err))
			return
		}
		c.invoke(&c.roomHandlers, rpcID, rd, &MessageInfo{Mode: mode})
	case roomnet.ClassRPCMode, roomnet.ClassOwnerRPC:
		mode, ok := roomnet.ModeFromChannel(m.Channel)
		if !ok {
			mode = roomnet.RPCModeOwner
		}
		id, rpcID, err := roomnet.ReadViewRPCHeader(rd)
		if err != nil {
			c.log.Warn("malformed view rpc", zap.Error(err))
			return
		}
		v, ok := c.views.Get(int(id))
		if !ok {
			c.log.Warn("rpc for unknown view", zap.Uint16("view", id.Uint16()))
			return
		}
		c.invoke(&v.handlers, rpcID, rd, &MessageInfo{Mode: mode}, zap.Uint16("view", id.Uint16()))
	case roomnet.ClassObjectRPC:
		id, rpcID, err := roomnet.ReadViewRPCHeader(rd)
		if err != nil {
			c.log.Warn("malformed object rpc", zap.Error(err))
			return
		}
		obj, ok := c.sceneObjects[id]
		if !ok {
			c.log.Warn("rpc for unknown scene object", zap.Uint16("object", id.Uint16()))
			return
		}
		c.invoke(&obj.handlers, rpcID, rd, &MessageInfo{Mode: roomnet.RPCModeServer}, zap.String("object", obj.name))
	case roomnet.ClassStream:
		id := roomnet.ViewID(rd.ReadUint16())
		v, ok := c.views.Get(int(id))
		if !ok || rd.Err() != nil {
			c.log.Debug("stream for unknown view", zap.Uint16("view", id.Uint16()))
			return
		}
		if v.OnDeserializeStream != nil {
			info := &MessageInfo{Mode: roomnet.RPCModeOthers}
			c.protect("OnDeserializeStream", func() { v.OnDeserializeStream(rd, info) })
		}
	case roomnet.ClassSyncField:
		id, fieldID, err := roomnet.ReadFieldHeader(rd)
		if err != nil {
			c.log.Warn("malformed field", zap.Error(err))
			return
		}
		v, ok := c.views.Get(int(id))
		if !ok {
			c.log.Warn("field for unknown view", zap.Uint16("view", id.Uint16()))
			return
		}
		b, ok := v.fields.Get(int(fieldID))
		if !ok || b.Apply == nil {
			c.log.Debug("field not registered", zap.Uint16("view", id.Uint16()), zap.Uint8("field", fieldID))
			return
		}
		if err := b.Apply(rd.Rest()); err != nil {
			c.log.Warn("malformed field value", zap.Uint16("view", id.Uint16()), zap.Uint8("field", fieldID), zap.Error(err))
		}
	default:
		c.log.Warn("unexpected channel on room", zap.Int("channel", m.Channel))
	}
}

func (c *Client) handleRoomUtility(rd *netmsg.Reader) {
	op := roomnet.UtilityOpcode(rd.ReadUint8())
	switch op {
	case roomnet.OpInstantiate:
		var msg roomnet.Instantiate
		if err := msg.Decode(rd); err != nil {
			c.log.Warn("malformed instantiate", zap.Error(err))
			return
		}
		v := newView(c, msg.ViewID, msg.OwnerID)
		v.resourcePath = msg.ResourcePath
		v.position = msg.Position
		v.rotation = msg.Rotation
		c.registerView(v)
		c.protect("Instantiate", func() {
			v.handle = c.hook.Instantiate(msg.ResourcePath, v, msg.Position, msg.Rotation)
		})
		c.acknowledge(v.id)
	case roomnet.OpAddView:
		var msg roomnet.AddView
		if err := msg.Decode(rd); err != nil {
			c.log.Warn("malformed add view", zap.Error(err))
			return
		}
		existing, ok := c.views.Get(int(msg.ExistingID))
		if !ok {
			c.log.Warn("add view to unknown view", zap.Uint16("view", msg.ExistingID.Uint16()))
			return
		}
		v := newView(c, msg.ViewID, existing.owner)
		v.parent = existing
		v.customFunction = msg.CustomFunction
		v.resourcePath = existing.resourcePath
		v.position = existing.position
		v.rotation = existing.rotation
		existing.children = append(existing.children, v)
		c.registerView(v)
		c.protect("AddNetworkView", func() {
			v.handle = c.hook.AddNetworkView(existing, v, msg.CustomFunction)
		})
		c.acknowledge(v.id)
	case roomnet.OpRemove:
		var msg roomnet.Remove
		if err := msg.Decode(rd); err != nil {
			c.log.Warn("malformed remove", zap.Error(err))
			return
		}
		if v, ok := c.views.Get(int(msg.ViewID)); ok {
			v.remove(msg.Reason)
		}
	default:
		c.log.Warn("unexpected utility message on room", zap.Stringer("opcode", op))
	}
}

func (c *Client) registerView(v *View) {
	if old, ok := c.views.Get(int(v.id)); ok {
		c.log.Error("duplicate view id, replacing previous view", zap.Uint16("view", v.id.Uint16()))
		old.remove(roomnet.RemoveDestroyed)
	}
	c.views.Set(int(v.id), v)
}

func (c *Client) acknowledge(id roomnet.ViewID) {
	w := c.room.CreateMessage(3)
	(&roomnet.FinishedInstantiate{ViewID: id}).Encode(w)
	if err := c.sendRoom(w, roomnet.StaticUtilityChannel); err != nil {
		c.log.Warn("cannot acknowledge view", zap.Uint16("view", id.Uint16()), zap.Error(err))
	}
}

func (c *Client) detachView(v *View) {
	if cur, ok := c.views.Get(int(v.id)); ok && cur == v {
		c.views.Remove(int(v.id))
	}
	if p := v.parent; p != nil {
		for i, ch := range p.children {
			if ch == v {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}
}
