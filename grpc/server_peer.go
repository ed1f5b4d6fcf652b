package grpc

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"roomnet/netmsg"
	"roomnet/transport"
)

// ServerPeer accepts connections on one address. It serves the transport
// stream and a health service.
type ServerPeer struct {
	opts   options
	log    *zap.Logger
	addr   string
	lis    net.Listener
	server *grpc.Server
	health *HealthServer

	inbox   inbox
	nextID  atomic.Uint64
	stopped atomic.Bool

	conns map[uint64]*conn
	mux   sync.Mutex
}

var _ transport.Peer = (*ServerPeer)(nil)

// NewServerPeer returns a peer that listens on addr once started.
func NewServerPeer(addr string, opts ...Option) *ServerPeer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &ServerPeer{
		opts:   o,
		log:    o.log.With(zap.String("addr", addr)),
		addr:   addr,
		health: NewHealthServer(),
		conns:  make(map[uint64]*conn),
	}
}

// NewServerPeerWithListener serves on an existing listener.
func NewServerPeerWithListener(lis net.Listener, opts ...Option) *ServerPeer {
	p := NewServerPeer(lis.Addr().String(), opts...)
	p.lis = lis
	return p
}

func (p *ServerPeer) Start() error {
	if p.lis == nil {
		lis, err := net.Listen("tcp", p.addr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", p.addr)
		}
		p.lis = lis
	}
	p.server = grpc.NewServer(p.opts.serverOpts...)
	p.server.RegisterService(&serviceDesc, p)
	healthpb.RegisterHealthServer(p.server, p.health)
	p.health.SetServing(true)

	go func() {
		if err := p.server.Serve(p.lis); err != nil {
			p.log.Error("grpc server stopped", zap.Error(err))
		}
	}()
	p.log.Info("transport listening")
	return nil
}

func (p *ServerPeer) Shutdown(reason string) {
	if p.stopped.Swap(true) {
		return
	}
	p.health.SetServing(false)
	for _, c := range p.connections() {
		c.Disconnect(reason)
	}
	if p.server != nil {
		go p.server.GracefulStop()
	}
}

func (p *ServerPeer) Port() int {
	if p.lis == nil {
		return 0
	}
	if a, ok := p.lis.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func (p *ServerPeer) CreateMessage(capacityHint int) *netmsg.Writer {
	return netmsg.NewWriter(capacityHint)
}

func (p *ServerPeer) SendMessage(msg *netmsg.Writer, c transport.Connection, method transport.DeliveryMethod, channel int) error {
	gc, ok := c.(*conn)
	if !ok || gc == nil {
		return errors.WithStack(transport.ErrNotConnected)
	}
	return gc.enqueue(msg.Bytes(), method, channel)
}

func (p *ServerPeer) SendToMany(msg *netmsg.Writer, conns []transport.Connection, method transport.DeliveryMethod, channel int) error {
	var first error
	for _, c := range conns {
		if err := p.SendMessage(msg, c, method, channel); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *ServerPeer) ReadMessages() []*transport.IncomingMessage {
	return p.inbox.drain()
}

func (p *ServerPeer) Recycle(m *transport.IncomingMessage) {
	m.Data = nil
	m.Conn = nil
}

func (p *ServerPeer) Connections() []transport.Connection {
	cs := p.connections()
	out := make([]transport.Connection, 0, len(cs))
	for _, c := range cs {
		out = append(out, c)
	}
	return out
}

func (p *ServerPeer) connections() []*conn {
	p.mux.Lock()
	defer p.mux.Unlock()
	out := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

type decision struct {
	approved bool
	reason   string
}

type approval struct {
	c      *conn
	result chan decision
	once   sync.Once
}

// Approve accepts the connection. Approving one that already timed out reports
// it disconnected, so the caller can release what it allocated.
func (a *approval) Approve() {
	decided := false
	a.once.Do(func() {
		decided = true
		a.result <- decision{approved: true}
	})
	if !decided {
		a.c.inbox.push(&transport.IncomingMessage{
			Type:   transport.StatusChanged,
			Conn:   a.c,
			Status: transport.StatusDisconnected,
			Reason: a.c.reason.Load(),
		})
	}
}

func (a *approval) Deny(reason string) {
	a.once.Do(func() { a.result <- decision{reason: reason} })
}

// serve runs one client stream: approval, then frames both ways until either
// side closes.
func (p *ServerPeer) serve(stream grpc.ServerStream) error {
	if p.stopped.Load() {
		return status.Error(codes.Unavailable, transport.ErrShutdown.Error())
	}
	ctx := stream.Context()

	var hail []byte
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vs := md.Get(hailKey); len(vs) > 0 {
			hail = []byte(vs[0])
		}
	}
	remote := "unknown"
	if pr, ok := peer.FromContext(ctx); ok && pr.Addr != nil {
		remote = pr.Addr.String()
	}

	c := newConn(&p.inbox, p.nextID.Inc(), remote, nil)
	a := &approval{c: c, result: make(chan decision, 1)}
	p.inbox.push(transport.NewApproval(c, hail, a))

	timer := time.NewTimer(p.opts.approvalTimeout)
	defer timer.Stop()
	select {
	case d := <-a.result:
		if !d.approved {
			c.close(d.reason, false)
			return status.Error(codes.PermissionDenied, d.reason)
		}
	case <-timer.C:
		a.Deny("approval timeout")
		p.log.Warn("connection approval timed out", zap.String("remote", remote))
		c.close("approval timeout", false)
		return status.Error(codes.DeadlineExceeded, "approval timeout")
	case <-ctx.Done():
		c.close(reasonOf(ctx.Err()), false)
		return status.FromContextError(ctx.Err()).Err()
	}

	if err := stream.SendHeader(metadata.Pairs(acceptedKey, "1")); err != nil {
		c.close(reasonOf(err), false)
		return err
	}
	p.attach(c)
	defer p.detach(c)
	if !c.connected() {
		return status.Error(codes.Aborted, c.reason.Load())
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(stream.SendMsg)
	}()
	go c.readLoop(stream.RecvMsg)

	<-c.done
	select {
	case <-writerDone:
	case <-time.After(writerDrainTimeout):
	}
	return status.Error(codes.Aborted, c.reason.Load())
}

func (p *ServerPeer) attach(c *conn) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.conns[c.id] = c
}

func (p *ServerPeer) detach(c *conn) {
	p.mux.Lock()
	defer p.mux.Unlock()
	delete(p.conns, c.id)
}

// Serving reports what the health service answers.
func (p *ServerPeer) Serving() bool {
	return p.health.Serving()
}
