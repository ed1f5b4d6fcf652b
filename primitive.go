package roomnet

import "strconv"

// PlayerID identifies a connected player. ServerPlayerID is never connected and
// stands for the server as owner or sender.
type PlayerID uint16

const ServerPlayerID PlayerID = 0

func (p PlayerID) Uint16() uint16 {
	return uint16(p)
}

func (p PlayerID) IsServer() bool {
	return p == ServerPlayerID
}

func (p PlayerID) String() string {
	if p == ServerPlayerID {
		return "server"
	}
	return strconv.Itoa(int(p))
}

// ViewID identifies a network view within a room. NoView is never allocated.
type ViewID uint16

const NoView ViewID = 0

func (v ViewID) Uint16() uint16 {
	return uint16(v)
}

// MaxViewID is the highest allocatable view ID.
const MaxViewID = 1<<16 - 1

// RPCMode selects who receives a remote call.
type RPCMode uint8

const (
	RPCModeServer         RPCMode = 0
	RPCModeOthers         RPCMode = 1
	RPCModeAll            RPCMode = 2
	RPCModeOthersBuffered RPCMode = 5
	RPCModeAllBuffered    RPCMode = 6
	RPCModeOwner          RPCMode = 7
	RPCModeNone           RPCMode = 10
)

func (m RPCMode) Valid() bool {
	switch m {
	case RPCModeServer, RPCModeOthers, RPCModeAll, RPCModeOthersBuffered,
		RPCModeAllBuffered, RPCModeOwner, RPCModeNone:
		return true
	}
	return false
}

// Buffered reports whether calls in this mode are kept for late joiners.
func (m RPCMode) Buffered() bool {
	return m == RPCModeOthersBuffered || m == RPCModeAllBuffered
}

// IncludesSender reports whether the sender receives its own forwarded call.
func (m RPCMode) IncludesSender() bool {
	return m == RPCModeAll || m == RPCModeAllBuffered
}

func (m RPCMode) String() string {
	switch m {
	case RPCModeServer:
		return "server"
	case RPCModeOthers:
		return "others"
	case RPCModeAll:
		return "all"
	case RPCModeOthersBuffered:
		return "others-buffered"
	case RPCModeAllBuffered:
		return "all-buffered"
	case RPCModeOwner:
		return "owner"
	case RPCModeNone:
		return "none"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// SyncMode is the continuous state synchronization of a view.
type SyncMode uint8

const (
	SyncOff SyncMode = iota
	SyncUnreliable
	SyncReliableDeltaCompressed
)

func (s SyncMode) String() string {
	switch s {
	case SyncOff:
		return "off"
	case SyncUnreliable:
		return "unreliable"
	case SyncReliableDeltaCompressed:
		return "reliable-delta-compressed"
	}
	return "sync(" + strconv.Itoa(int(s)) + ")"
}

// Vector3 is a position in the engine's world space.
type Vector3 struct {
	X, Y, Z float32
}

// Quaternion is a rotation in the engine's world space.
type Quaternion struct {
	X, Y, Z, W float32
}

var IdentityRotation = Quaternion{W: 1}
