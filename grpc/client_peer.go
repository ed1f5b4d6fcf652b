package grpc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"roomnet/netmsg"
	"roomnet/transport"
)

// ClientPeer dials one server peer at a time. Connect returns immediately; the
// outcome of the handshake arrives as a StatusChanged message.
type ClientPeer struct {
	opts options
	log  *zap.Logger

	inbox   inbox
	nextID  atomic.Uint64
	stopped atomic.Bool

	server *conn
	mux    sync.Mutex
}

var _ transport.ClientPeer = (*ClientPeer)(nil)

func NewClientPeer(opts ...Option) *ClientPeer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ClientPeer{opts: o, log: o.log}
}

func (p *ClientPeer) Start() error {
	if p.stopped.Load() {
		return errors.WithStack(transport.ErrShutdown)
	}
	return nil
}

func (p *ClientPeer) Connect(ctx context.Context, addr string, hail []byte) (transport.Connection, error) {
	if p.stopped.Load() {
		return nil, errors.WithStack(transport.ErrShutdown)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, p.opts.dialOpts...)
	cc, err := grpc.NewClient("passthrough:///"+addr, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, hailKey, string(hail))

	var c *conn
	c = newConn(&p.inbox, p.nextID.Inc(), addr, func() {
		cancel()
		if err := cc.Close(); err != nil {
			p.log.Debug("close client connection", zap.String("addr", addr), zap.Error(err))
		}
		p.mux.Lock()
		if p.server == c {
			p.server = nil
		}
		p.mux.Unlock()
	})

	p.mux.Lock()
	p.server = c
	p.mux.Unlock()

	go p.run(streamCtx, cc, c)
	return c, nil
}

// run opens the stream and pumps frames until it ends. Acceptance is signalled
// by the server's response header; a denial ends the stream before it.
func (p *ClientPeer) run(ctx context.Context, cc *grpc.ClientConn, c *conn) {
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], connectMethod)
	if err != nil {
		c.close(reasonOf(err), true)
		return
	}
	md, err := stream.Header()
	if err != nil || len(md.Get(acceptedKey)) == 0 {
		err = stream.RecvMsg(new(wrapperspb.BytesValue))
		p.log.Debug("connection refused", zap.String("addr", c.remoteAddr), zap.Error(err))
		c.close(reasonOf(err), true)
		return
	}
	if !c.connected() {
		return
	}
	go c.writeLoop(stream.SendMsg)
	c.readLoop(stream.RecvMsg)
}

func (p *ClientPeer) ServerConnection() transport.Connection {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.server == nil {
		return nil
	}
	return p.server
}

func (p *ClientPeer) Disconnect(reason string) {
	p.mux.Lock()
	c := p.server
	p.mux.Unlock()
	if c != nil {
		c.Disconnect(reason)
	}
}

func (p *ClientPeer) Shutdown(reason string) {
	if p.stopped.Swap(true) {
		return
	}
	p.Disconnect(reason)
}

func (p *ClientPeer) Port() int {
	return 0
}

func (p *ClientPeer) CreateMessage(capacityHint int) *netmsg.Writer {
	return netmsg.NewWriter(capacityHint)
}

func (p *ClientPeer) SendMessage(msg *netmsg.Writer, c transport.Connection, method transport.DeliveryMethod, channel int) error {
	gc, ok := c.(*conn)
	if !ok || gc == nil {
		return errors.WithStack(transport.ErrNotConnected)
	}
	return gc.enqueue(msg.Bytes(), method, channel)
}

func (p *ClientPeer) SendToMany(msg *netmsg.Writer, conns []transport.Connection, method transport.DeliveryMethod, channel int) error {
	var first error
	for _, c := range conns {
		if err := p.SendMessage(msg, c, method, channel); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *ClientPeer) ReadMessages() []*transport.IncomingMessage {
	return p.inbox.drain()
}

func (p *ClientPeer) Recycle(m *transport.IncomingMessage) {
	m.Data = nil
	m.Conn = nil
}

func (p *ClientPeer) Connections() []transport.Connection {
	if c := p.ServerConnection(); c != nil {
		return []transport.Connection{c}
	}
	return nil
}
