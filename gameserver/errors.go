package gameserver

import "errors"

var (
	ErrServerFull        = errors.New("gameserver: server is full")
	ErrTooManyViews      = errors.New("gameserver: too many views in room")
	ErrTooManyRooms      = errors.New("gameserver: too many rooms")
	ErrRoomExists        = errors.New("gameserver: room already exists")
	ErrRoomNotFound      = errors.New("gameserver: room not found")
	ErrRoomClosed        = errors.New("gameserver: room is closed")
	ErrVisibleToAll      = errors.New("gameserver: view is visible to all")
	ErrOwnerSubscription = errors.New("gameserver: owner subscription cannot change")
	ErrNotInRoom         = errors.New("gameserver: player is not in the view's room")
	ErrViewRemoved       = errors.New("gameserver: view was removed")
	ErrServerPlayer      = errors.New("gameserver: operation not valid for the server player")
	ErrObjectExists      = errors.New("gameserver: scene object already exists")
	ErrTooManyFields     = errors.New("gameserver: too many synchronized fields")
)

// Reasons sent when a connection is denied or dropped.
const (
	ReasonUnknownPlayer      = "unknown player"
	ReasonBadRoomKey         = "bad room key"
	ReasonMalformedHail      = "malformed credentials"
	ReasonServerFull         = "server full"
	ReasonRoomClosed         = "room closed"
	ReasonTooManyErrors      = "too many errors"
	ReasonRoomChange         = "room change"
	ReasonServerShuttingDown = "server shutting down"
)
