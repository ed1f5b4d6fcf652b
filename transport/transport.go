// Package transport is the contract the protocol layer expects from the
// network below it. Implementations own connection handshakes, reliability and
// sequencing; the core only sees channels, delivery methods and messages.
package transport

import (
	"context"
	"errors"

	"roomnet/netmsg"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrShutdown     = errors.New("transport: peer is shut down")
	ErrDenied       = errors.New("transport: connection denied")
)

// DeliveryMethod is the guarantee requested for a message.
type DeliveryMethod uint8

const (
	Unreliable DeliveryMethod = iota
	ReliableUnordered
	ReliableOrdered
)

func (d DeliveryMethod) String() string {
	switch d {
	case Unreliable:
		return "unreliable"
	case ReliableUnordered:
		return "reliable-unordered"
	case ReliableOrdered:
		return "reliable-ordered"
	}
	return "unknown"
}

// MessageType discriminates IncomingMessage.
type MessageType uint8

const (
	Data MessageType = iota
	StatusChanged
	ConnectionApproval
	DiscoveryRequest
	DiscoveryResponse
	ConnectionLatencyUpdated
	DebugMessage
	WarningMessage
	ErrorMessage
	Error
)

func (t MessageType) String() string {
	switch t {
	case Data:
		return "data"
	case StatusChanged:
		return "status-changed"
	case ConnectionApproval:
		return "connection-approval"
	case DiscoveryRequest:
		return "discovery-request"
	case DiscoveryResponse:
		return "discovery-response"
	case ConnectionLatencyUpdated:
		return "latency"
	case DebugMessage:
		return "debug"
	case WarningMessage:
		return "warning"
	case ErrorMessage:
		return "error-message"
	case Error:
		return "error"
	}
	return "unknown"
}

// Status is a connection state reported by StatusChanged messages.
type Status uint8

const (
	StatusNone Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	case StatusDisconnected:
		return "disconnected"
	}
	return "none"
}

// Connection is one remote endpoint of a peer.
type Connection interface {
	ID() uint64
	RemoteAddr() string
	Status() Status
	// Tag holds the protocol layer's object for this connection.
	Tag() interface{}
	SetTag(interface{})
	Disconnect(reason string)
}

// IncomingMessage is one event read from a peer.
type IncomingMessage struct {
	Type     MessageType
	Conn     Connection
	Channel  int
	Delivery DeliveryMethod
	Status   Status
	Reason   string
	Latency  float64
	Data     []byte
	approval Approver
}

// Approver settles a pending ConnectionApproval.
type Approver interface {
	Approve()
	Deny(reason string)
}

// NewApproval builds a ConnectionApproval message; Data carries the hail.
func NewApproval(conn Connection, hail []byte, a Approver) *IncomingMessage {
	return &IncomingMessage{Type: ConnectionApproval, Conn: conn, Data: hail, approval: a}
}

// Reader decodes Data from the start.
func (m *IncomingMessage) Reader() *netmsg.Reader {
	return netmsg.NewReader(m.Data)
}

// Approve accepts a ConnectionApproval message. Other types ignore it.
func (m *IncomingMessage) Approve() {
	if m.approval != nil {
		m.approval.Approve()
		m.approval = nil
	}
}

// Deny rejects a ConnectionApproval message with a short reason.
func (m *IncomingMessage) Deny(reason string) {
	if m.approval != nil {
		m.approval.Deny(reason)
		m.approval = nil
	}
}

// Peer is a bound endpoint: the lobby listener, a room listener or a client.
type Peer interface {
	Start() error
	// Shutdown begins an asynchronous stop. Disconnects surface as
	// StatusChanged messages.
	Shutdown(reason string)
	// Port is the bound port, 0 for pure clients.
	Port() int
	CreateMessage(capacityHint int) *netmsg.Writer
	// SendMessage and SendToMany copy the payload; msg may be reused after.
	SendMessage(msg *netmsg.Writer, conn Connection, method DeliveryMethod, channel int) error
	SendToMany(msg *netmsg.Writer, conns []Connection, method DeliveryMethod, channel int) error
	// ReadMessages drains everything received since the last call.
	ReadMessages() []*IncomingMessage
	// Recycle hands a read message back for buffer reuse.
	Recycle(m *IncomingMessage)
	Connections() []Connection
}

// ClientPeer connects out to a single server peer.
type ClientPeer interface {
	Peer
	Connect(ctx context.Context, addr string, hail []byte) (Connection, error)
	ServerConnection() Connection
	Disconnect(reason string)
}
