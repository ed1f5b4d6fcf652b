package gameserver

import "roomnet"

type RoomEvent interface {
	EventType() RoomEventType
}

type RoomEventType uint64

const (
	_ RoomEventType = iota
	OnJoinRoom
	OnLeaveRoom
	OnViewRemoved
	OnRoomClosed
)

type JoinRoomEvent struct {
	PlayerList []roomnet.PlayerID
	NewPlayer  *Player
}

func (e *JoinRoomEvent) EventType() RoomEventType {
	return OnJoinRoom
}

type LeaveRoomEvent struct {
	PlayerList    []roomnet.PlayerID
	RemovedPlayer *Player
}

func (e *LeaveRoomEvent) EventType() RoomEventType {
	return OnLeaveRoom
}

type ViewRemovedEvent struct {
	View   *NetworkView
	Reason roomnet.RemoveReason
}

func (e *ViewRemovedEvent) EventType() RoomEventType {
	return OnViewRemoved
}

type RoomClosedEvent struct {
	Fallback *Room
}

func (e *RoomClosedEvent) EventType() RoomEventType {
	return OnRoomClosed
}
