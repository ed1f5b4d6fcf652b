package grpc

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"roomnet/transport"
)

// inbox queues messages from stream goroutines until the owner's update loop
// drains them.
type inbox struct {
	msgs []*transport.IncomingMessage
	mux  sync.Mutex
}

func (b *inbox) push(m *transport.IncomingMessage) {
	b.mux.Lock()
	b.msgs = append(b.msgs, m)
	b.mux.Unlock()
}

func (b *inbox) drain() []*transport.IncomingMessage {
	b.mux.Lock()
	defer b.mux.Unlock()
	msgs := b.msgs
	b.msgs = nil
	return msgs
}

type conn struct {
	id         uint64
	remoteAddr string
	inbox      *inbox
	status     atomic.Uint32
	tag        interface{}

	out     chan []byte
	done    chan struct{}
	reason  atomic.String
	once    sync.Once
	release func()
}

func newConn(in *inbox, id uint64, remoteAddr string, release func()) *conn {
	c := &conn{
		id:         id,
		remoteAddr: remoteAddr,
		inbox:      in,
		out:        make(chan []byte, sendQueueSize),
		done:       make(chan struct{}),
		release:    release,
	}
	c.status.Store(uint32(transport.StatusConnecting))
	return c
}

func (c *conn) ID() uint64 {
	return c.id
}

func (c *conn) RemoteAddr() string {
	return c.remoteAddr
}

func (c *conn) Status() transport.Status {
	return transport.Status(c.status.Load())
}

func (c *conn) Tag() interface{} {
	return c.tag
}

func (c *conn) SetTag(t interface{}) {
	c.tag = t
}

func (c *conn) Disconnect(reason string) {
	c.close(reason, true)
}

// close ends the connection once. notify reports the disconnect to the local
// inbox; connections the protocol layer never saw approved stay silent.
func (c *conn) close(reason string, notify bool) {
	c.once.Do(func() {
		wasConnected := c.Status() == transport.StatusConnected
		c.reason.Store(reason)
		c.status.Store(uint32(transport.StatusDisconnected))
		close(c.done)
		if c.release != nil {
			c.release()
		}
		if notify || wasConnected {
			c.inbox.push(&transport.IncomingMessage{
				Type:   transport.StatusChanged,
				Conn:   c,
				Status: transport.StatusDisconnected,
				Reason: reason,
			})
		}
	})
}

// connected moves a Connecting connection to Connected. It fails when the
// connection was closed first.
func (c *conn) connected() bool {
	if !c.status.CompareAndSwap(uint32(transport.StatusConnecting), uint32(transport.StatusConnected)) {
		return false
	}
	c.inbox.push(&transport.IncomingMessage{Type: transport.StatusChanged, Conn: c, Status: transport.StatusConnected})
	return true
}

// enqueue hands a frame to the writer without ever blocking. When the queue is
// full an unreliable frame is dropped and a reliable one closes the
// connection, since the peer is no longer reading.
func (c *conn) enqueue(b []byte, method transport.DeliveryMethod, channel int) error {
	if c.Status() != transport.StatusConnected {
		return errors.WithStack(transport.ErrNotConnected)
	}
	select {
	case c.out <- encodeFrame(b, method, channel):
		return nil
	default:
	}
	if method == transport.Unreliable {
		return nil
	}
	c.close(reasonSendQueueFull, true)
	return errors.WithStack(ErrSendQueueFull)
}

// writeLoop sends queued frames until the connection closes, then flushes
// what is still queued.
func (c *conn) writeLoop(send func(m interface{}) error) {
	for {
		select {
		case <-c.done:
			for {
				select {
				case f := <-c.out:
					if send(&wrapperspb.BytesValue{Value: f}) != nil {
						return
					}
				default:
					return
				}
			}
		case f := <-c.out:
			if err := send(&wrapperspb.BytesValue{Value: f}); err != nil {
				c.close(reasonOf(err), true)
				return
			}
		}
	}
}

// readLoop pushes received frames until recv fails.
func (c *conn) readLoop(recv func(m interface{}) error) {
	for {
		f := new(wrapperspb.BytesValue)
		if err := recv(f); err != nil {
			c.close(reasonOf(err), true)
			return
		}
		m, ok := decodeFrame(c, f)
		if !ok {
			c.close("malformed frame", true)
			return
		}
		c.inbox.push(m)
	}
}
