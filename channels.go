package roomnet

import "roomnet/transport"

// Channel numbers. Both ends of a connection must use this table; the payload
// does not say what it is, the channel does.
const (
	UnreliableStreamChannel   = 0
	ReliableStreamChannel     = 1
	StaticRPCChannel          = 2
	StaticRPCUnorderedChannel = 3
	StaticUtilityChannel      = 4
	RPCModeChannelBase        = 5
	OwnerRPCChannel           = RPCModeChannelBase + int(RPCModeNone) + 1
	ObjectRPCChannel          = OwnerRPCChannel + 1
	SyncFieldChannel          = ObjectRPCChannel + 1
	ChannelCount              = SyncFieldChannel + 1

	rpcModeChannelLast = RPCModeChannelBase + int(RPCModeNone)
)

// ChannelClass is the logical message class carried by a channel.
type ChannelClass uint8

const (
	ClassUnknown ChannelClass = iota
	ClassStream
	ClassStaticRPC
	ClassStaticUtility
	ClassRPCMode
	ClassOwnerRPC
	ClassObjectRPC
	ClassSyncField
)

// RPCModeChannel is the channel carrying view RPCs sent in mode m.
func RPCModeChannel(m RPCMode) int {
	return RPCModeChannelBase + int(m)
}

// ModeFromChannel reverses RPCModeChannel.
func ModeFromChannel(ch int) (RPCMode, bool) {
	if ch < RPCModeChannelBase || ch > rpcModeChannelLast {
		return 0, false
	}
	m := RPCMode(ch - RPCModeChannelBase)
	return m, m.Valid()
}

// Classify returns the message class of ch.
func Classify(ch int) ChannelClass {
	switch {
	case ch == UnreliableStreamChannel || ch == ReliableStreamChannel:
		return ClassStream
	case ch == StaticRPCChannel || ch == StaticRPCUnorderedChannel:
		return ClassStaticRPC
	case ch == StaticUtilityChannel:
		return ClassStaticUtility
	case ch >= RPCModeChannelBase && ch <= rpcModeChannelLast:
		return ClassRPCMode
	case ch == OwnerRPCChannel:
		return ClassOwnerRPC
	case ch == ObjectRPCChannel:
		return ClassObjectRPC
	case ch == SyncFieldChannel:
		return ClassSyncField
	}
	return ClassUnknown
}

// Delivery is the delivery guarantee a channel is sent with.
func Delivery(ch int) transport.DeliveryMethod {
	switch ch {
	case UnreliableStreamChannel:
		return transport.Unreliable
	case StaticRPCUnorderedChannel:
		return transport.ReliableUnordered
	}
	return transport.ReliableOrdered
}

// StreamChannel is the channel a view streams on in the given sync mode.
func StreamChannel(s SyncMode) int {
	if s == SyncUnreliable {
		return UnreliableStreamChannel
	}
	return ReliableStreamChannel
}
