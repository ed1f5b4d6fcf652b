package roomnet

import (
	"errors"

	"roomnet/netmsg"
)

// UtilityOpcode prefixes every message on StaticUtilityChannel.
type UtilityOpcode uint8

const (
	OpInstantiate         UtilityOpcode = 1
	OpRemove              UtilityOpcode = 2
	OpTimeUpdate          UtilityOpcode = 3
	OpSetPlayerID         UtilityOpcode = 4
	OpChangeRoom          UtilityOpcode = 5
	OpFinishedRoomChange  UtilityOpcode = 6
	OpFinishedInstantiate UtilityOpcode = 8
	OpAddView             UtilityOpcode = 10
)

func (op UtilityOpcode) String() string {
	switch op {
	case OpInstantiate:
		return "instantiate"
	case OpRemove:
		return "remove"
	case OpTimeUpdate:
		return "time-update"
	case OpSetPlayerID:
		return "set-player-id"
	case OpChangeRoom:
		return "change-room"
	case OpFinishedRoomChange:
		return "finished-room-change"
	case OpFinishedInstantiate:
		return "finished-instantiate"
	case OpAddView:
		return "add-view"
	}
	return "unknown"
}

// RemoveReason travels with a Remove message.
type RemoveReason uint8

const (
	RemoveDestroyed RemoveReason = iota
	RemoveUnsubscribed
	RemoveOwnerLeft
	RemoveRoomClosed
)

// RoomKeySize is the length of the one-time room change secret.
const RoomKeySize = 16

type RoomKey [RoomKeySize]byte

var ErrUnknownOpcode = errors.New("roomnet: unknown utility opcode")

// Instantiate tells a client to create a view.
type Instantiate struct {
	ResourcePath string
	ViewID       ViewID
	OwnerID      PlayerID
	Position     Vector3
	Rotation     Quaternion
}

func (m *Instantiate) Encode(w *netmsg.Writer) {
	w.WriteUint8(uint8(OpInstantiate))
	w.WriteString(m.ResourcePath)
	w.WriteUint16(m.ViewID.Uint16())
	w.WriteUint16(m.OwnerID.Uint16())
	w.WriteFloat32(m.Position.X)
	w.WriteFloat32(m.Position.Y)
	w.WriteFloat32(m.Position.Z)
	w.WriteFloat32(m.Rotation.X)
	w.WriteFloat32(m.Rotation.Y)
	w.WriteFloat32(m.Rotation.Z)
	w.WriteFloat32(m.Rotation.W)
}

// Decode reads the payload following the opcode.
func (m *Instantiate) Decode(r *netmsg.Reader) error {
	m.ResourcePath = r.ReadString()
	m.ViewID = ViewID(r.ReadUint16())
	m.OwnerID = PlayerID(r.ReadUint16())
	m.Position = Vector3{r.ReadFloat32(), r.ReadFloat32(), r.ReadFloat32()}
	m.Rotation = Quaternion{r.ReadFloat32(), r.ReadFloat32(), r.ReadFloat32(), r.ReadFloat32()}
	return r.Err()
}

// Remove tells a client to destroy a view.
type Remove struct {
	ViewID ViewID
	Reason RemoveReason
}

func (m *Remove) Encode(w *netmsg.Writer) {
	w.WriteUint8(uint8(OpRemove))
	w.WriteUint16(m.ViewID.Uint16())
	w.WriteUint8(uint8(m.Reason))
}

func (m *Remove) Decode(r *netmsg.Reader) error {
	m.ViewID = ViewID(r.ReadUint16())
	m.Reason = RemoveReason(r.ReadUint8())
	return r.Err()
}

// ChangeRoom moves a client to another room peer. An empty RoomName means the
// player left its room without joining another.
type ChangeRoom struct {
	RoomName string
	RoomPort int32
	RoomKey  RoomKey
}

func (m *ChangeRoom) Encode(w *netmsg.Writer) {
	w.WriteUint8(uint8(OpChangeRoom))
	w.WriteString(m.RoomName)
	w.WriteInt32(m.RoomPort)
	w.WriteBytes(m.RoomKey[:])
}

func (m *ChangeRoom) Decode(r *netmsg.Reader) error {
	m.RoomName = r.ReadString()
	m.RoomPort = r.ReadInt32()
	copy(m.RoomKey[:], r.ReadBytes(RoomKeySize))
	return r.Err()
}

// AddView attaches a secondary view to the entity of an existing one.
type AddView struct {
	ExistingID     ViewID
	ViewID         ViewID
	CustomFunction string
}

func (m *AddView) Encode(w *netmsg.Writer) {
	w.WriteUint8(uint8(OpAddView))
	w.WriteUint16(m.ExistingID.Uint16())
	w.WriteUint16(m.ViewID.Uint16())
	w.WriteString(m.CustomFunction)
}

func (m *AddView) Decode(r *netmsg.Reader) error {
	m.ExistingID = ViewID(r.ReadUint16())
	m.ViewID = ViewID(r.ReadUint16())
	m.CustomFunction = r.ReadString()
	return r.Err()
}

// TimeUpdate carries the server clock in seconds since the server started.
type TimeUpdate struct {
	ServerTime float64
}

func (m *TimeUpdate) Encode(w *netmsg.Writer) {
	w.WriteUint8(uint8(OpTimeUpdate))
	w.WriteFloat64(m.ServerTime)
}

func (m *TimeUpdate) Decode(r *netmsg.Reader) error {
	m.ServerTime = r.ReadFloat64()
	return r.Err()
}

type SetPlayerID struct {
	PlayerID PlayerID
}

func (m *SetPlayerID) Encode(w *netmsg.Writer) {
	w.WriteUint8(uint8(OpSetPlayerID))
	w.WriteUint16(m.PlayerID.Uint16())
}

func (m *SetPlayerID) Decode(r *netmsg.Reader) error {
	m.PlayerID = PlayerID(r.ReadUint16())
	return r.Err()
}

// FinishedInstantiate acknowledges that a client created a view locally.
type FinishedInstantiate struct {
	ViewID ViewID
}

func (m *FinishedInstantiate) Encode(w *netmsg.Writer) {
	w.WriteUint8(uint8(OpFinishedInstantiate))
	w.WriteUint16(m.ViewID.Uint16())
}

func (m *FinishedInstantiate) Decode(r *netmsg.Reader) error {
	m.ViewID = ViewID(r.ReadUint16())
	return r.Err()
}

// WriteFinishedRoomChange encodes the payload-less ready signal.
func WriteFinishedRoomChange(w *netmsg.Writer) {
	w.WriteUint8(uint8(OpFinishedRoomChange))
}

// RoomCredentials is the hail a client presents when connecting to a room peer.
type RoomCredentials struct {
	PlayerID PlayerID
	RoomKey  RoomKey
}

func (c *RoomCredentials) Encode(w *netmsg.Writer) {
	w.WriteUint16(c.PlayerID.Uint16())
	w.WriteBytes(c.RoomKey[:])
}

func (c *RoomCredentials) Decode(r *netmsg.Reader) error {
	c.PlayerID = PlayerID(r.ReadUint16())
	copy(c.RoomKey[:], r.ReadBytes(RoomKeySize))
	if r.Err() != nil {
		return r.Err()
	}
	if r.Remaining() != 0 {
		return errors.New("roomnet: trailing bytes in room credentials")
	}
	return nil
}

// WriteViewRPCHeader starts a view, owner or object RPC message.
func WriteViewRPCHeader(w *netmsg.Writer, view ViewID, rpcID uint8) {
	w.WriteUint16(view.Uint16())
	w.WriteUint8(rpcID)
}

func ReadViewRPCHeader(r *netmsg.Reader) (ViewID, uint8, error) {
	view := ViewID(r.ReadUint16())
	rpcID := r.ReadUint8()
	return view, rpcID, r.Err()
}

// WriteStaticRPCHeader starts a server or room level RPC message.
func WriteStaticRPCHeader(w *netmsg.Writer, rpcID uint8, mode RPCMode) {
	w.WriteUint8(rpcID)
	w.WriteUint8(uint8(mode))
}

func ReadStaticRPCHeader(r *netmsg.Reader) (uint8, RPCMode, error) {
	rpcID := r.ReadUint8()
	mode := RPCMode(r.ReadUint8())
	if r.Err() == nil && !mode.Valid() {
		return rpcID, mode, errors.New("roomnet: invalid rpc mode")
	}
	return rpcID, mode, r.Err()
}

// WriteFieldHeader starts a synchronized field message; the raw value follows.
func WriteFieldHeader(w *netmsg.Writer, view ViewID, fieldID uint8) {
	w.WriteUint16(view.Uint16())
	w.WriteUint8(fieldID)
}

func ReadFieldHeader(r *netmsg.Reader) (ViewID, uint8, error) {
	view := ViewID(r.ReadUint16())
	fieldID := r.ReadUint8()
	return view, fieldID, r.Err()
}
