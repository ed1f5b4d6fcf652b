// Package loopback is an in-process transport. Every delivery method is
// delivered reliably and in order unless a drop filter is installed, which
// makes it suitable for deterministic tests of the protocol layer.
package loopback

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/atomic"

	"roomnet/netmsg"
	"roomnet/transport"
)

// Network is a set of addressable peers.
type Network struct {
	listeners map[string]*Peer
	nextConn  atomic.Uint64

	// DropUnreliable, when set, is asked for every unreliable message and drops
	// it when it returns true.
	DropUnreliable func(channel int) bool

	mux deadlock.Mutex
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Peer)}
}

// NewServer returns a peer that accepts connections on addr once started.
func (n *Network) NewServer(addr string) *Peer {
	port := 0
	if _, p, err := net.SplitHostPort(addr); err == nil {
		port, _ = strconv.Atoi(p)
	}
	return &Peer{net: n, addr: addr, port: port, listening: true, conns: make(map[uint64]*conn)}
}

// NewClient returns an unbound peer able to Connect.
func (n *Network) NewClient() *Peer {
	return &Peer{net: n, conns: make(map[uint64]*conn)}
}

func (n *Network) lookup(addr string) (*Peer, bool) {
	n.mux.Lock()
	defer n.mux.Unlock()
	p, ok := n.listeners[addr]
	return p, ok
}

// Peer implements transport.ClientPeer; server peers simply never Connect.
type Peer struct {
	net       *Network
	addr      string
	port      int
	listening bool

	inbox   []*transport.IncomingMessage
	conns   map[uint64]*conn
	server  *conn
	stopped bool

	mux deadlock.Mutex
}

var _ transport.ClientPeer = (*Peer)(nil)

func (p *Peer) Start() error {
	if !p.listening {
		return nil
	}
	p.net.mux.Lock()
	defer p.net.mux.Unlock()
	if _, ok := p.net.listeners[p.addr]; ok {
		return errors.Errorf("loopback: address %s already in use", p.addr)
	}
	p.net.listeners[p.addr] = p
	return nil
}

func (p *Peer) Shutdown(reason string) {
	if p.listening {
		func() {
			p.net.mux.Lock()
			defer p.net.mux.Unlock()
			if p.net.listeners[p.addr] == p {
				delete(p.net.listeners, p.addr)
			}
		}()
	}
	for _, c := range p.connections() {
		c.Disconnect(reason)
	}
	p.mux.Lock()
	p.stopped = true
	p.mux.Unlock()
}

func (p *Peer) Port() int {
	return p.port
}

func (p *Peer) Addr() string {
	return p.addr
}

func (p *Peer) CreateMessage(capacityHint int) *netmsg.Writer {
	return netmsg.NewWriter(capacityHint)
}

func (p *Peer) SendMessage(msg *netmsg.Writer, c transport.Connection, method transport.DeliveryMethod, channel int) error {
	lc, ok := c.(*conn)
	if !ok || lc == nil {
		return errors.WithStack(transport.ErrNotConnected)
	}
	return lc.deliver(msg.Bytes(), method, channel)
}

func (p *Peer) SendToMany(msg *netmsg.Writer, conns []transport.Connection, method transport.DeliveryMethod, channel int) error {
	var first error
	for _, c := range conns {
		if err := p.SendMessage(msg, c, method, channel); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (p *Peer) ReadMessages() []*transport.IncomingMessage {
	p.mux.Lock()
	defer p.mux.Unlock()
	msgs := p.inbox
	p.inbox = nil
	return msgs
}

func (p *Peer) Recycle(m *transport.IncomingMessage) {
	m.Data = nil
	m.Conn = nil
}

func (p *Peer) Connections() []transport.Connection {
	cs := p.connections()
	out := make([]transport.Connection, 0, len(cs))
	for _, c := range cs {
		out = append(out, c)
	}
	return out
}

func (p *Peer) connections() []*conn {
	p.mux.Lock()
	defer p.mux.Unlock()
	out := make([]*conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Connect dials addr. The returned connection is Connecting until the server
// approves it; the outcome arrives as a StatusChanged message.
func (p *Peer) Connect(ctx context.Context, addr string, hail []byte) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	srv, ok := p.net.lookup(addr)
	if !ok {
		return nil, errors.Errorf("loopback: no peer listening on %s", addr)
	}

	local := &conn{id: p.net.nextConn.Inc(), peer: p, remoteAddr: addr}
	remote := &conn{id: p.net.nextConn.Inc(), peer: srv, remoteAddr: "loopback-client-" + strconv.FormatUint(local.id, 10)}
	local.other, remote.other = remote, local
	local.status.Store(uint32(transport.StatusConnecting))
	remote.status.Store(uint32(transport.StatusConnecting))

	p.mux.Lock()
	p.server = local
	p.conns[local.id] = local
	p.mux.Unlock()

	h := make([]byte, len(hail))
	copy(h, hail)
	srv.push(transport.NewApproval(remote, h, &approval{c: remote}))
	return local, nil
}

func (p *Peer) ServerConnection() transport.Connection {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.server == nil {
		return nil
	}
	return p.server
}

func (p *Peer) Disconnect(reason string) {
	p.mux.Lock()
	c := p.server
	p.mux.Unlock()
	if c != nil {
		c.Disconnect(reason)
	}
}

func (p *Peer) push(m *transport.IncomingMessage) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.stopped {
		return
	}
	p.inbox = append(p.inbox, m)
}

func (p *Peer) attach(c *conn) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.conns[c.id] = c
}

func (p *Peer) detach(c *conn) {
	p.mux.Lock()
	defer p.mux.Unlock()
	delete(p.conns, c.id)
	if p.server == c {
		p.server = nil
	}
}

type conn struct {
	id         uint64
	peer       *Peer
	other      *conn
	remoteAddr string
	status     atomic.Uint32

	tag  interface{}
	once sync.Once
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
	c.closeBoth(reason)
}

func (c *conn) closeBoth(reason string) {
	c.close(reason)
	c.other.close(reason)
}

func (c *conn) close(reason string) {
	c.once.Do(func() {
		c.status.Store(uint32(transport.StatusDisconnected))
		c.peer.detach(c)
		c.peer.push(&transport.IncomingMessage{
			Type:   transport.StatusChanged,
			Conn:   c,
			Status: transport.StatusDisconnected,
			Reason: reason,
		})
	})
}

func (c *conn) deliver(b []byte, method transport.DeliveryMethod, channel int) error {
	if c.Status() != transport.StatusConnected {
		return errors.WithStack(transport.ErrNotConnected)
	}
	if method == transport.Unreliable && c.peer.net.DropUnreliable != nil && c.peer.net.DropUnreliable(channel) {
		return nil
	}
	data := make([]byte, len(b))
	copy(data, b)
	c.other.peer.push(&transport.IncomingMessage{
		Type:     transport.Data,
		Conn:     c.other,
		Channel:  channel,
		Delivery: method,
		Data:     data,
	})
	return nil
}

type approval struct {
	c *conn
}

func (a *approval) Approve() {
	server, client := a.c, a.c.other
	if client.Status() != transport.StatusConnecting {
		return
	}
	server.status.Store(uint32(transport.StatusConnected))
	client.status.Store(uint32(transport.StatusConnected))
	server.peer.attach(server)
	server.peer.push(&transport.IncomingMessage{Type: transport.StatusChanged, Conn: server, Status: transport.StatusConnected})
	client.peer.push(&transport.IncomingMessage{Type: transport.StatusChanged, Conn: client, Status: transport.StatusConnected})
}

func (a *approval) Deny(reason string) {
	a.c.once.Do(func() {
		a.c.status.Store(uint32(transport.StatusDisconnected))
	})
	a.c.other.close(reason)
}
