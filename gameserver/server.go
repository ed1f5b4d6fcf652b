// Package gameserver is the authoritative side of a room based session: a lobby
// peer every player stays connected to, and one peer per room carrying the
// room's view traffic.
package gameserver

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"roomnet"
	"roomnet/config"
	"roomnet/netmsg"
	"roomnet/pool"
	"roomnet/rpc"
	"roomnet/tick"
	"roomnet/transport"
)

// PeerFactory creates the peer of a new room bound to addr.
type PeerFactory func(addr string) (transport.Peer, error)

type Server struct {
	log         *zap.Logger
	cfg         config.Config
	peer        transport.Peer
	newRoomPeer PeerFactory
	hook        EngineHook

	players      *pool.Table[*Player]
	rooms        *RoomSet
	handlers     rpc.Handlers[*NetMessageInfo]
	serverPlayer *Player

	sched   *tick.Scheduler
	started time.Time
	now     time.Time
	stopped bool

	// OnPlayerConnected runs once a lobby connection is established and the
	// player has been sent its ID. Typically it calls ChangeRoom.
	OnPlayerConnected func(p *Player)
	// OnPlayerDisconnected runs after the player left its room.
	OnPlayerDisconnected func(p *Player, reason string)
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithEngineHook(h EngineHook) Option {
	return func(s *Server) { s.hook = h }
}

// New returns a server accepting players on lobby. Room peers are created with
// newRoomPeer on cfg.RoomHost.
func New(lobby transport.Peer, newRoomPeer PeerFactory, cfg config.Config, opts ...Option) *Server {
	s := &Server{
		log:         zap.NewNop(),
		cfg:         cfg,
		peer:        lobby,
		newRoomPeer: newRoomPeer,
		hook:        NopHook{},
		players:     pool.New[*Player](pool.WithLimit(cfg.MaxPlayers + 1)),
		rooms:       NewRoomSet(cfg.RoomPortStart, cfg.MaxRooms),
		sched:       tick.NewScheduler(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.players.Reserve(int(roomnet.ServerPlayerID))
	s.serverPlayer = &Player{id: roomnet.ServerPlayerID, server: s}
	return s
}

func (s *Server) Logger() *zap.Logger {
	return s.log
}

// ServerPlayer is the owner and sender standing for the server itself.
func (s *Server) ServerPlayer() *Player {
	return s.serverPlayer
}

// Start binds the lobby peer and schedules the periodic time updates.
func (s *Server) Start() error {
	if err := s.peer.Start(); err != nil {
		return errors.Wrap(err, "start lobby peer")
	}
	s.started = time.Now()
	s.now = s.started
	if s.cfg.TimeUpdateInterval > 0 {
		s.sched.Every(s.cfg.TimeUpdateInterval, func(time.Time) bool {
			s.broadcastTime()
			return !s.stopped
		})
	}
	s.log.Info("lobby listening", zap.Int("port", s.peer.Port()))
	return nil
}

// Run calls Update every tick period until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case now := <-ticker.C:
			s.Update(now)
		}
	}
}

// Update runs one tick: the lobby peer, then every room, then server timers
// and the engine hook.
func (s *Server) Update(now time.Time) {
	s.now = now
	for _, m := range s.peer.ReadMessages() {
		s.handleMessage(m)
		s.peer.Recycle(m)
	}
	for _, r := range s.rooms.Rooms() {
		r.update(now)
	}
	s.sched.Advance(now)
	s.protect(s.log, "OnUpdate", func() { s.hook.OnUpdate(now) })
}

// Shutdown disconnects every player, closes every room and stops the lobby
// peer.
func (s *Server) Shutdown() {
	if s.stopped {
		return
	}
	s.stopped = true
	for _, p := range s.Players() {
		p.Disconnect(ReasonServerShuttingDown)
	}
	for _, r := range s.rooms.Rooms() {
		r.Close(nil)
	}
	s.sched.StopAll()
	s.peer.Shutdown(ReasonServerShuttingDown)
	s.log.Info("server stopped")
}

// ServerTime is the time in seconds since Start, as sent in time updates.
func (s *Server) ServerTime() float64 {
	return s.now.Sub(s.started).Seconds()
}

// Players lists the connected players in ID order.
func (s *Server) Players() []*Player {
	ps := make([]*Player, 0, s.players.Len())
	s.players.Each(func(_ int, p *Player) bool {
		ps = append(ps, p)
		return true
	})
	return ps
}

func (s *Server) Player(id roomnet.PlayerID) (*Player, bool) {
	return s.players.Get(int(id))
}

// CreateRoom binds a new room peer on the next free room port. An empty name
// is replaced by a random one.
func (s *Server) CreateRoom(name string) (*Room, error) {
	name, port, err := s.rooms.reserve(name)
	if err != nil {
		s.log.Error("cannot create room", zap.String("room", name), zap.Error(err))
		return nil, err
	}
	addr := net.JoinHostPort(s.cfg.RoomHost, strconv.Itoa(port))
	peer, err := s.newRoomPeer(addr)
	if err != nil {
		s.rooms.release(name, port)
		return nil, errors.Wrapf(err, "create peer for room %s", name)
	}
	if err := peer.Start(); err != nil {
		s.rooms.release(name, port)
		return nil, errors.Wrapf(err, "start peer for room %s", name)
	}

	r := newRoom(s, name, port, peer)
	s.rooms.bind(r)
	s.log.Info("room created", zap.String("room", name), zap.Int("port", port))
	return r, nil
}

func (s *Server) GetRoom(name string) (*Room, bool) {
	return s.rooms.GetRoom(name)
}

func (s *Server) Rooms() []*Room {
	return s.rooms.Rooms()
}

// CloseRoom closes the named room, moving its players to fallback.
func (s *Server) CloseRoom(name string, fallback *Room) error {
	r, ok := s.rooms.GetRoom(name)
	if !ok {
		return ErrRoomNotFound
	}
	r.Close(fallback)
	return nil
}

// SubscribeToRPC registers a server level static RPC, received on the lobby
// peer.
func (s *Server) SubscribeToRPC(id uint8, fn rpc.Func[*NetMessageInfo], opts ...rpc.Option) bool {
	return s.handlers.Subscribe(id, fn, opts...)
}

func (s *Server) UnsubscribeFromRPC(id uint8) bool {
	return s.handlers.Unsubscribe(id)
}

// RPC calls a server level static RPC on every connected player.
func (s *Server) RPC(rpcID uint8, args rpc.Args) error {
	w := s.peer.CreateMessage(16)
	roomnet.WriteStaticRPCHeader(w, rpcID, roomnet.RPCModeAll)
	if err := args.Write(w); err != nil {
		return err
	}
	s.sendLobby(w, s.lobbyConnections(), roomnet.StaticRPCChannel)
	return nil
}

func (s *Server) lobbyConnections() []transport.Connection {
	var conns []transport.Connection
	s.players.Each(func(_ int, p *Player) bool {
		if p.conn != nil && p.conn.Status() == transport.StatusConnected {
			conns = append(conns, p.conn)
		}
		return true
	})
	return conns
}

func (s *Server) sendLobby(w *netmsg.Writer, conns []transport.Connection, channel int) {
	if len(conns) == 0 {
		return
	}
	if err := s.peer.SendToMany(w, conns, roomnet.Delivery(channel), channel); err != nil {
		s.log.Debug("lobby send failed", zap.Int("channel", channel), zap.Error(err))
	}
}

func (s *Server) broadcastTime() {
	w := s.peer.CreateMessage(9)
	m := &roomnet.TimeUpdate{ServerTime: s.ServerTime()}
	m.Encode(w)
	s.sendLobby(w, s.lobbyConnections(), roomnet.StaticUtilityChannel)
}

func (s *Server) handleMessage(m *transport.IncomingMessage) {
	switch m.Type {
	case transport.ConnectionApproval:
		s.approve(m)
	case transport.StatusChanged:
		s.statusChanged(m)
	case transport.Data:
		p, ok := m.Conn.Tag().(*Player)
		if !ok || p == nil || p.disconnected {
			s.log.Debug("lobby data from unbound connection", zap.Int("channel", m.Channel))
			return
		}
		s.dispatch(p, m)
	default:
		logTransportMessage(s.log, m)
	}
}

// approve admits a lobby connection and allocates its player ID.
func (s *Server) approve(m *transport.IncomingMessage) {
	if s.stopped {
		m.Deny(ReasonServerShuttingDown)
		return
	}
	p := &Player{server: s, conn: m.Conn}
	id, err := s.players.TryAdd(p)
	if err != nil {
		s.log.Warn("refusing player, server full", zap.String("addr", m.Conn.RemoteAddr()))
		m.Deny(ReasonServerFull)
		return
	}
	p.id = roomnet.PlayerID(id)
	m.Conn.SetTag(p)
	m.Approve()
}

func (s *Server) statusChanged(m *transport.IncomingMessage) {
	p, ok := m.Conn.Tag().(*Player)
	if !ok || p == nil || p.disconnected {
		return
	}
	switch m.Status {
	case transport.StatusConnected:
		s.log.Info("player connected", zap.Uint16("player", p.id.Uint16()), zap.String("addr", m.Conn.RemoteAddr()))
		w := s.peer.CreateMessage(16)
		(&roomnet.SetPlayerID{PlayerID: p.id}).Encode(w)
		s.sendLobby(w, []transport.Connection{p.conn}, roomnet.StaticUtilityChannel)

		w.Reset()
		(&roomnet.TimeUpdate{ServerTime: s.ServerTime()}).Encode(w)
		s.sendLobby(w, []transport.Connection{p.conn}, roomnet.StaticUtilityChannel)

		if s.OnPlayerConnected != nil {
			s.protect(s.log, "OnPlayerConnected", func() { s.OnPlayerConnected(p) })
		}
	case transport.StatusDisconnected:
		s.removePlayer(p, m.Reason)
	}
}

// removePlayer drops p from every structure. It runs once per player.
func (s *Server) removePlayer(p *Player, reason string) {
	if p.disconnected {
		return
	}
	p.leaveRoom()
	p.disconnected = true
	s.players.Remove(int(p.id))
	s.log.Info("player disconnected", zap.Uint16("player", p.id.Uint16()), zap.String("reason", reason))
	if s.OnPlayerDisconnected != nil {
		s.protect(s.log, "OnPlayerDisconnected", func() { s.OnPlayerDisconnected(p, reason) })
	}
}

func (s *Server) dispatch(p *Player, m *transport.IncomingMessage) {
	rd := m.Reader()
	switch roomnet.Classify(m.Channel) {
	case roomnet.ClassStaticRPC:
		rpcID, mode, err := roomnet.ReadStaticRPCHeader(rd)
		if err != nil {
			s.protocolError(p, "malformed static rpc header", zap.Error(err))
			return
		}
		info := &NetMessageInfo{Mode: mode, Sender: p, ContinueForwarding: true}
		if !s.invoke(s.log, &s.handlers, rpcID, rd, info) {
			return
		}
		if info.ContinueForwarding && p.room != nil && !p.room.closed {
			p.room.forwardStatic(m.Data, m.Channel, mode, p)
		}
	case roomnet.ClassStaticUtility:
		op := roomnet.UtilityOpcode(rd.ReadUint8())
		switch op {
		case roomnet.OpFinishedRoomChange:
			if p.pendingRoom == nil {
				s.protocolError(p, "room change finished without a pending room")
				return
			}
			p.roomReady = true
			p.tryEnterRoom()
		default:
			s.protocolError(p, "unexpected utility message on lobby", zap.Stringer("opcode", op))
		}
	default:
		s.protocolError(p, "unexpected channel on lobby", zap.Int("channel", m.Channel))
	}
}

func (s *Server) protocolError(p *Player, msg string, fields ...zap.Field) {
	s.log.Warn(msg, append(fields, zap.Uint16("player", p.id.Uint16()))...)
	p.IncrementErrorCount()
}
