package gameserver

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomnet"
	"roomnet/rpc"
	"roomnet/transport"
)

// Player is a client connected to the lobby peer. While in a room it also
// holds a connection to that room's peer.
type Player struct {
	id     roomnet.PlayerID
	server *Server

	conn     transport.Connection
	roomConn transport.Connection

	room        *Room
	pendingRoom *Room
	roomKey     uuid.UUID
	hasKey      bool

	roomAuthenticated bool
	roomReady         bool

	errorCount   uint32
	disconnected bool
}

func (p *Player) ID() roomnet.PlayerID {
	return p.id
}

func (p *Player) IsServer() bool {
	return p.id.IsServer()
}

// Room is the room the player is a member of, nil while changing rooms.
func (p *Player) Room() *Room {
	return p.room
}

// PendingRoom is the room the player is moving to.
func (p *Player) PendingRoom() *Room {
	return p.pendingRoom
}

func (p *Player) Connection() transport.Connection {
	return p.conn
}

func (p *Player) RoomConnection() transport.Connection {
	return p.roomConn
}

func (p *Player) Connected() bool {
	return !p.IsServer() && !p.disconnected
}

func (p *Player) ErrorCount() uint32 {
	return p.errorCount
}

func (p *Player) logger() *zap.Logger {
	return p.server.log.With(zap.Uint16("player", p.id.Uint16()))
}

// ChangeRoom moves the player to r, or out of any room when r is nil. The
// player joins r once its room connection is approved and it has reported
// FinishedRoomChange.
func (p *Player) ChangeRoom(r *Room) error {
	if p.IsServer() {
		return ErrServerPlayer
	}
	if p.disconnected {
		return transport.ErrNotConnected
	}
	if r != nil && r.closed {
		return ErrRoomClosed
	}

	p.leaveRoom()

	msg := &roomnet.ChangeRoom{}
	if r != nil {
		key := uuid.New()
		p.roomKey = key
		p.hasKey = true
		p.pendingRoom = r
		r.pending[p.id] = p

		msg.RoomName = r.name
		msg.RoomPort = int32(r.Port())
		copy(msg.RoomKey[:], key[:])
	}

	w := p.server.peer.CreateMessage(32 + len(msg.RoomName))
	msg.Encode(w)
	if err := p.server.peer.SendMessage(w, p.conn, roomnet.Delivery(roomnet.StaticUtilityChannel), roomnet.StaticUtilityChannel); err != nil {
		p.logger().Warn("failed to send room change", zap.Error(err))
		return err
	}
	p.logger().Info("changing room", zap.String("room", msg.RoomName))
	return nil
}

// leaveRoom detaches the player from its current and pending rooms and drops
// its room connection.
func (p *Player) leaveRoom() {
	if p.room != nil {
		p.room.removePlayer(p)
		p.room = nil
	}
	if p.pendingRoom != nil {
		delete(p.pendingRoom.pending, p.id)
		p.pendingRoom = nil
	}
	p.hasKey = false
	p.roomKey = uuid.Nil
	p.roomAuthenticated = false
	p.roomReady = false

	if p.roomConn != nil {
		c := p.roomConn
		p.roomConn = nil
		c.SetTag(nil)
		c.Disconnect(ReasonRoomChange)
	}
}

// tryEnterRoom inserts the player into its pending room once both halves of
// the handoff are done.
func (p *Player) tryEnterRoom() {
	r := p.pendingRoom
	if r == nil || !p.roomAuthenticated || !p.roomReady {
		return
	}
	p.pendingRoom = nil
	delete(r.pending, p.id)
	p.room = r
	r.addPlayer(p)
}

// IncrementErrorCount records a protocol error and disconnects the player at
// the configured limit.
func (p *Player) IncrementErrorCount() {
	if p.IsServer() || p.disconnected {
		return
	}
	p.errorCount++
	max := p.server.cfg.MaxErrorCount
	if max > 0 && p.errorCount >= max {
		p.logger().Warn("disconnecting player over error limit", zap.Uint32("errors", p.errorCount))
		p.Disconnect(ReasonTooManyErrors)
	}
}

// Disconnect drops the player from the server immediately. The transport
// reports the closed connection later.
func (p *Player) Disconnect(reason string) {
	if p.IsServer() || p.disconnected {
		return
	}
	p.server.removePlayer(p, reason)
	p.conn.Disconnect(reason)
}

// RPC calls a server level static RPC on this player's client over the lobby
// connection.
func (p *Player) RPC(rpcID uint8, args rpc.Args) error {
	if p.IsServer() {
		return ErrServerPlayer
	}
	if p.disconnected {
		return transport.ErrNotConnected
	}
	w := p.server.peer.CreateMessage(16)
	roomnet.WriteStaticRPCHeader(w, rpcID, roomnet.RPCModeOwner)
	if err := args.Write(w); err != nil {
		return err
	}
	return p.server.peer.SendMessage(w, p.conn, roomnet.Delivery(roomnet.StaticRPCChannel), roomnet.StaticRPCChannel)
}
