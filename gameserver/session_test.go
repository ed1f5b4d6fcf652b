package gameserver

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roomnet"
	"roomnet/client"
	"roomnet/config"
	"roomnet/netmsg"
	"roomnet/netsync"
	"roomnet/rpc"
	"roomnet/transport"
	"roomnet/transport/loopback"
)

type harness struct {
	t       *testing.T
	net     *loopback.Network
	cfg     config.Config
	srv     *Server
	now     time.Time
	clients []*client.Client
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	cfg := config.Default()
	for _, m := range mutate {
		m(&cfg)
	}
	n := loopback.NewNetwork()
	srv := New(n.NewServer(cfg.ListenAddr), func(addr string) (transport.Peer, error) {
		return n.NewServer(addr), nil
	}, cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Shutdown)
	return &harness{t: t, net: n, cfg: cfg, srv: srv, now: time.Now()}
}

// pump runs ticks rounds of server then client updates.
func (h *harness) pump(ticks int) {
	for i := 0; i < ticks; i++ {
		h.now = h.now.Add(h.cfg.TickPeriod)
		h.srv.Update(h.now)
		for _, c := range h.clients {
			c.Update(h.now)
		}
	}
}

func (h *harness) connect(opts ...client.Option) *client.Client {
	opts = append([]client.Option{client.WithLogger(zaptest.NewLogger(h.t))}, opts...)
	c := client.New(h.net.NewClient(), h.net.NewClient(), opts...)
	require.NoError(h.t, c.Connect(context.Background(), h.cfg.ListenAddr))
	h.clients = append(h.clients, c)
	return c
}

func (h *harness) player(c *client.Client) *Player {
	p, ok := h.srv.Player(c.PlayerID())
	require.True(h.t, ok, "no server player for client %d", c.PlayerID())
	return p
}

func (h *harness) roomAddr(r *Room) string {
	return net.JoinHostPort(h.cfg.RoomHost, strconv.Itoa(r.Port()))
}

// roomWithAutoJoin creates a room every new player is sent to.
func (h *harness) roomWithAutoJoin(name string) *Room {
	r, err := h.srv.CreateRoom(name)
	require.NoError(h.t, err)
	h.srv.OnPlayerConnected = func(p *Player) {
		require.NoError(h.t, p.ChangeRoom(r))
	}
	return r
}

// viewCalls records the raw arguments of view RPCs received by a client.
type viewCalls struct {
	raw     map[uint8][][]byte
	removed []roomnet.RemoveReason
}

func recordViewRPCs(ids ...uint8) (client.Option, *viewCalls) {
	calls := &viewCalls{raw: map[uint8][][]byte{}}
	track := func(v *client.View) {
		for _, id := range ids {
			id := id
			v.SubscribeToRPC(id, func(r *netmsg.Reader, _ *client.MessageInfo) {
				calls.raw[id] = append(calls.raw[id], append([]byte(nil), r.Rest()...))
			})
		}
		v.OnRemoved = func(_ *client.View, reason roomnet.RemoveReason) {
			calls.removed = append(calls.removed, reason)
		}
	}
	hook := client.HookFuncs{
		InstantiateFn: func(_ string, v *client.View, _ roomnet.Vector3, _ roomnet.Quaternion) interface{} {
			track(v)
			return nil
		},
		AddViewFn: func(_ *client.View, v *client.View, _ string) interface{} {
			track(v)
			return nil
		},
	}
	return client.WithEngineHook(hook), calls
}

func utilityMessages(p transport.Peer) (map[roomnet.UtilityOpcode]*netmsg.Reader, []*transport.IncomingMessage) {
	out := map[roomnet.UtilityOpcode]*netmsg.Reader{}
	var status []*transport.IncomingMessage
	for _, m := range p.ReadMessages() {
		if m.Type == transport.StatusChanged {
			status = append(status, m)
			continue
		}
		if m.Type != transport.Data || m.Channel != roomnet.StaticUtilityChannel {
			continue
		}
		rd := m.Reader()
		out[roomnet.UtilityOpcode(rd.ReadUint8())] = rd
	}
	return out, status
}

func disconnectReason(status []*transport.IncomingMessage) string {
	for _, m := range status {
		if m.Status == transport.StatusDisconnected {
			return m.Reason
		}
	}
	return ""
}

func credentials(id roomnet.PlayerID, key roomnet.RoomKey) []byte {
	w := netmsg.NewWriter(18)
	(&roomnet.RoomCredentials{PlayerID: id, RoomKey: key}).Encode(w)
	return w.Bytes()
}

func TestScenario_AllBufferedReachesLateJoiner(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")

	oHook, oCalls := recordViewRPCs(5)
	p1Hook, p1Calls := recordViewRPCs(5)
	o := h.connect(oHook)
	h.connect(p1Hook)
	h.pump(6)
	require.Len(t, room.Players(), 2)

	v, err := room.Instantiate(h.player(o), "ship", roomnet.Vector3{X: 1}, roomnet.IdentityRotation)
	require.NoError(t, err)
	assert.True(t, v.VisibleToAll())
	h.pump(3)

	ov, ok := o.View(v.ID())
	require.True(t, ok)
	require.True(t, ov.IsMine())
	require.NoError(t, ov.RPC(5, roomnet.RPCModeAllBuffered, rpc.Values("hello", 42)))
	h.pump(3)

	require.Len(t, p1Calls.raw[5], 1)
	assert.Len(t, oCalls.raw[5], 1, "all includes the sender")
	assert.Equal(t, 1, v.BufferLen())

	p2Hook, p2Calls := recordViewRPCs(5)
	h.connect(p2Hook)
	h.pump(8)
	require.Len(t, room.Players(), 3)
	require.Len(t, p2Calls.raw[5], 1)
	assert.Equal(t, p1Calls.raw[5][0], p2Calls.raw[5][0])
	assert.Len(t, p1Calls.raw[5], 1)

	var s string
	var n int
	rd := netmsg.NewReader(p2Calls.raw[5][0])
	require.NoError(t, rd.ReadValue(&s))
	require.NoError(t, rd.ReadValue(&n))
	assert.Equal(t, "hello", s)
	assert.Equal(t, 42, n)
}

func TestScenario_RoomChangeHandshake(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 6; i++ {
		h.connect()
	}
	h.pump(3)
	room := h.roomWithAutoJoin("R")

	lobby := h.net.NewClient()
	_, err := lobby.Connect(context.Background(), h.cfg.ListenAddr, nil)
	require.NoError(t, err)
	h.pump(2)

	msgs, _ := utilityMessages(lobby)
	require.Contains(t, msgs, roomnet.OpSetPlayerID)
	var setID roomnet.SetPlayerID
	require.NoError(t, setID.Decode(msgs[roomnet.OpSetPlayerID]))
	assert.Equal(t, roomnet.PlayerID(7), setID.PlayerID)

	require.Contains(t, msgs, roomnet.OpChangeRoom)
	var change roomnet.ChangeRoom
	require.NoError(t, change.Decode(msgs[roomnet.OpChangeRoom]))
	assert.Equal(t, "R", change.RoomName)
	assert.Equal(t, int32(room.Port()), change.RoomPort)
	assert.NotEqual(t, roomnet.RoomKey{}, change.RoomKey)

	p, ok := h.srv.Player(7)
	require.True(t, ok)

	roomPeer := h.net.NewClient()
	_, err = roomPeer.Connect(context.Background(), h.roomAddr(room), credentials(7, change.RoomKey))
	require.NoError(t, err)
	h.pump(3)

	require.Equal(t, transport.StatusConnected, roomPeer.ServerConnection().Status())
	assert.Nil(t, p.Room(), "authenticated but not ready")
	assert.Same(t, room, p.PendingRoom())
	assert.NotContains(t, room.Players(), p)

	w := lobby.CreateMessage(1)
	roomnet.WriteFinishedRoomChange(w)
	require.NoError(t, lobby.SendMessage(w, lobby.ServerConnection(), transport.ReliableOrdered, roomnet.StaticUtilityChannel))
	h.pump(1)

	assert.Same(t, room, p.Room())
	assert.Contains(t, room.Players(), p)
}

func TestRoomChange_ReadyBeforeAuthenticated(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")

	lobby := h.net.NewClient()
	_, err := lobby.Connect(context.Background(), h.cfg.ListenAddr, nil)
	require.NoError(t, err)
	h.pump(2)
	msgs, _ := utilityMessages(lobby)
	var change roomnet.ChangeRoom
	require.NoError(t, change.Decode(msgs[roomnet.OpChangeRoom]))

	w := lobby.CreateMessage(1)
	roomnet.WriteFinishedRoomChange(w)
	require.NoError(t, lobby.SendMessage(w, lobby.ServerConnection(), transport.ReliableOrdered, roomnet.StaticUtilityChannel))
	h.pump(2)
	assert.Empty(t, room.Players(), "ready but no room connection yet")

	roomPeer := h.net.NewClient()
	_, err = roomPeer.Connect(context.Background(), h.roomAddr(room), credentials(1, change.RoomKey))
	require.NoError(t, err)
	h.pump(2)
	assert.Len(t, room.Players(), 1)
}

func TestRoomApproval_Denials(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")

	lobby := h.net.NewClient()
	_, err := lobby.Connect(context.Background(), h.cfg.ListenAddr, nil)
	require.NoError(t, err)
	h.pump(2)
	msgs, _ := utilityMessages(lobby)
	var change roomnet.ChangeRoom
	require.NoError(t, change.Decode(msgs[roomnet.OpChangeRoom]))

	tests := []struct {
		name   string
		hail   []byte
		reason string
	}{
		{"bad key", credentials(1, roomnet.RoomKey{1, 2, 3}), ReasonBadRoomKey},
		{"unknown player", credentials(42, change.RoomKey), ReasonUnknownPlayer},
		{"malformed", []byte{1}, ReasonMalformedHail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := h.net.NewClient()
			_, err := peer.Connect(context.Background(), h.roomAddr(room), tt.hail)
			require.NoError(t, err)
			h.pump(1)

			_, status := utilityMessages(peer)
			assert.Equal(t, tt.reason, disconnectReason(status))
		})
	}

	// the key survives failed attempts and is single use
	peer := h.net.NewClient()
	_, err = peer.Connect(context.Background(), h.roomAddr(room), credentials(1, change.RoomKey))
	require.NoError(t, err)
	h.pump(1)
	assert.Equal(t, transport.StatusConnected, peer.ServerConnection().Status())

	again := h.net.NewClient()
	_, err = again.Connect(context.Background(), h.roomAddr(room), credentials(1, change.RoomKey))
	require.NoError(t, err)
	h.pump(1)
	_, status := utilityMessages(again)
	assert.Equal(t, ReasonBadRoomKey, disconnectReason(status))
}

func TestScenario_FieldSyncChangeGated(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")

	type seen struct {
		field  *netsync.Field[string]
		values []string
	}
	withField := func(s *seen) client.Option {
		return client.WithEngineHook(client.HookFuncs{
			InstantiateFn: func(_ string, v *client.View, _ roomnet.Vector3, _ roomnet.Quaternion) interface{} {
				f, err := netsync.New[string](v, "", func(val string) { s.values = append(s.values, val) })
				require.NoError(t, err)
				s.field = f
				return nil
			},
		})
	}

	var oSeen, p1Seen, p2Seen seen
	o := h.connect(withField(&oSeen))
	h.connect(withField(&p1Seen))
	h.pump(6)

	v, err := room.Instantiate(h.player(o), "crate", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	h.pump(3)
	require.NotNil(t, oSeen.field)
	require.NotNil(t, p1Seen.field)

	sent, err := oSeen.field.Set("A")
	require.NoError(t, err)
	assert.True(t, sent)
	sent, err = oSeen.field.Set("A")
	require.NoError(t, err)
	assert.False(t, sent)
	h.pump(3)

	assert.Equal(t, []string{"A"}, p1Seen.values)
	assert.Empty(t, oSeen.values, "the writer is not echoed")
	assert.Len(t, v.fieldBuffer, 1)

	_, err = p1Seen.field.Set("B")
	assert.ErrorIs(t, err, netsync.ErrNotOwner)

	h.connect(withField(&p2Seen))
	h.pump(8)
	assert.Equal(t, []string{"A"}, p2Seen.values)
	assert.Equal(t, "A", p2Seen.field.Value())
	assert.Equal(t, []string{"A"}, p1Seen.values)
}

func TestViewRPC_Modes(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")

	oHook, oCalls := recordViewRPCs(1, 2)
	p1Hook, p1Calls := recordViewRPCs(1, 2)
	o := h.connect(oHook)
	p1 := h.connect(p1Hook)
	h.pump(6)

	v, err := room.Instantiate(h.player(o), "ship", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	var serverModes []roomnet.RPCMode
	v.SubscribeToRPC(1, func(r *netmsg.Reader, info *NetMessageInfo) {
		serverModes = append(serverModes, info.Mode)
	})
	v.SubscribeToRPC(2, func(r *netmsg.Reader, info *NetMessageInfo) {}, rpc.ContinueForwarding(false))
	h.pump(3)

	ov, _ := o.View(v.ID())
	p1v, _ := p1.View(v.ID())

	require.NoError(t, ov.RPC(1, roomnet.RPCModeServer, nil))
	h.pump(2)
	assert.Equal(t, []roomnet.RPCMode{roomnet.RPCModeServer}, serverModes)
	assert.Empty(t, oCalls.raw[1])
	assert.Empty(t, p1Calls.raw[1])

	require.NoError(t, ov.RPC(1, roomnet.RPCModeOthers, nil))
	h.pump(2)
	assert.Empty(t, oCalls.raw[1])
	assert.Len(t, p1Calls.raw[1], 1)

	require.NoError(t, ov.RPC(1, roomnet.RPCModeAll, nil))
	h.pump(2)
	assert.Len(t, oCalls.raw[1], 1)
	assert.Len(t, p1Calls.raw[1], 2)
	assert.Equal(t, 0, v.BufferLen(), "all is not buffered")

	require.NoError(t, p1v.RPC(1, roomnet.RPCModeOwner, nil))
	h.pump(2)
	assert.Len(t, oCalls.raw[1], 2)
	assert.Len(t, p1Calls.raw[1], 2)

	require.NoError(t, ov.RPC(2, roomnet.RPCModeAllBuffered, nil))
	h.pump(2)
	assert.Empty(t, oCalls.raw[2])
	assert.Empty(t, p1Calls.raw[2])
	assert.Equal(t, 0, v.BufferLen(), "suppressed calls are not buffered")

	require.NoError(t, v.RPC(2, roomnet.RPCModeOthersBuffered, rpc.Values(1)))
	h.pump(2)
	assert.Len(t, oCalls.raw[2], 1)
	assert.Len(t, p1Calls.raw[2], 1)
	assert.Equal(t, 1, v.BufferLen())
}

func TestOwnerRPC_OnlyFromOwner(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")
	oHook, oCalls := recordViewRPCs(3)
	o := h.connect(oHook)
	p1 := h.connect()
	h.pump(6)

	v, err := room.Instantiate(h.player(o), "ship", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	var calls int
	v.SubscribeToRPC(3, func(r *netmsg.Reader, info *NetMessageInfo) {
		assert.Equal(t, roomnet.RPCModeOwner, info.Mode)
		calls++
	})
	h.pump(3)

	ov, _ := o.View(v.ID())
	require.NoError(t, ov.OwnerRPC(3, nil))
	h.pump(2)
	assert.Equal(t, 1, calls)
	assert.Empty(t, oCalls.raw[3], "owner rpcs are never forwarded")

	p1v, _ := p1.View(v.ID())
	assert.ErrorIs(t, p1v.OwnerRPC(3, nil), client.ErrNotOwner)

	require.NoError(t, v.OwnerRPC(3, nil))
	h.pump(2)
	assert.Len(t, oCalls.raw[3], 1)
	assert.EqualValues(t, 0, h.player(p1).ErrorCount())
}

func TestView_RPCInFlightAfterUnsubscribeIsNotPenalised(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")
	o := h.connect()
	p1 := h.connect()
	p2 := h.connect()
	h.pump(8)
	owner, other, stranger := h.player(o), h.player(p1), h.player(p2)

	v, err := room.Instantiate(owner, "secret", roomnet.Vector3{}, roomnet.IdentityRotation, Hidden())
	require.NoError(t, err)
	require.NoError(t, v.SetPlayerSubscription(other, true))
	h.pump(3)

	pv, ok := p1.View(v.ID())
	require.True(t, ok)
	require.NoError(t, pv.RPC(5, roomnet.RPCModeOthers, rpc.Values(1)))
	require.NoError(t, v.SetPlayerSubscription(other, false))
	h.pump(1)
	assert.Zero(t, other.ErrorCount())

	w := netmsg.NewWriter(8)
	roomnet.WriteViewRPCHeader(w, v.ID(), 5)
	m := &transport.IncomingMessage{Type: transport.Data, Channel: roomnet.RPCModeChannel(roomnet.RPCModeOthers), Data: w.Bytes()}
	room.dispatch(stranger, m)
	assert.Equal(t, uint32(1), stranger.ErrorCount(), "never subscribed")

	require.NoError(t, v.SetPlayerSubscription(other, true))
	room.dispatch(other, &transport.IncomingMessage{Type: transport.Data, Channel: m.Channel, Data: w.Bytes()})
	require.NoError(t, v.ClearSubscriptions())
	room.dispatch(other, &transport.IncomingMessage{Type: transport.Data, Channel: m.Channel, Data: w.Bytes()})
	assert.Zero(t, other.ErrorCount())
}

func TestView_HiddenSubscriptions(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")
	o := h.connect()
	p1 := h.connect()
	h.pump(6)
	owner, other := h.player(o), h.player(p1)

	v, err := room.Instantiate(owner, "secret", roomnet.Vector3{}, roomnet.IdentityRotation, Hidden())
	require.NoError(t, err)
	h.pump(3)

	assert.Equal(t, []*Player{owner}, v.Subscribers())
	_, ok := p1.View(v.ID())
	assert.False(t, ok)
	_, ok = o.View(v.ID())
	assert.True(t, ok)

	assert.ErrorIs(t, v.SetPlayerSubscription(owner, false), ErrOwnerSubscription)

	require.NoError(t, v.SetPlayerSubscription(other, true))
	h.pump(3)
	_, ok = p1.View(v.ID())
	assert.True(t, ok)

	require.NoError(t, v.ClearSubscriptions())
	h.pump(2)
	assert.Equal(t, []*Player{owner}, v.Subscribers())
	_, ok = p1.View(v.ID())
	assert.False(t, ok)
	_, ok = o.View(v.ID())
	assert.True(t, ok)

	// late joiners do not see hidden views
	p2 := h.connect()
	h.pump(8)
	_, ok = p2.View(v.ID())
	assert.False(t, ok)
	assert.Equal(t, []*Player{owner}, v.Subscribers())

	visible, err := room.Instantiate(nil, "tree", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	assert.ErrorIs(t, visible.SetPlayerSubscription(other, false), ErrVisibleToAll)
}

func TestView_DestroyIsDeferredAndIdempotent(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")
	p1Hook, p1Calls := recordViewRPCs()
	p1 := h.connect(p1Hook)
	h.pump(6)

	v, err := room.Instantiate(nil, "tree", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	assert.True(t, v.IsMine())
	removed := 0
	v.OnRemoved = func(*NetworkView) { removed++ }
	h.pump(3)
	_, ok := p1.View(v.ID())
	require.True(t, ok)

	v.Destroy()
	v.Destroy()
	assert.Equal(t, 0, removed)
	_, ok = room.FindView(v.ID())
	assert.True(t, ok, "destruction waits for the end of the tick")

	h.pump(1)
	assert.Equal(t, 1, removed)
	assert.True(t, v.Removed())
	_, ok = room.FindView(v.ID())
	assert.False(t, ok)
	_, ok = p1.View(v.ID())
	assert.False(t, ok)
	assert.Equal(t, []roomnet.RemoveReason{roomnet.RemoveDestroyed}, p1Calls.removed)

	v.Destroy()
	v.doOnRemove()
	h.pump(1)
	assert.Equal(t, 1, removed)
	assert.ErrorIs(t, v.RPC(1, roomnet.RPCModeAll, nil), ErrViewRemoved)
}

func TestView_OwnerLeavingRemovesViews(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")
	o := h.connect()
	p1Hook, p1Calls := recordViewRPCs()
	p1 := h.connect(p1Hook)
	h.pump(6)

	v, err := room.Instantiate(h.player(o), "ship", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	child, err := room.AddNetworkView(v, "Turret")
	require.NoError(t, err)
	h.pump(3)
	pv, ok := p1.View(child.ID())
	require.True(t, ok)
	assert.Equal(t, "Turret", pv.CustomFunction())
	assert.Equal(t, v.ID(), pv.Parent().ID())

	o.Close()
	h.pump(3)

	assert.Len(t, room.Players(), 1)
	assert.True(t, v.Removed())
	assert.True(t, child.Removed())
	assert.Empty(t, room.Views())
	_, ok = p1.View(v.ID())
	assert.False(t, ok)
	_, ok = p1.View(child.ID())
	assert.False(t, ok)
	assert.Equal(t, []roomnet.RemoveReason{roomnet.RemoveOwnerLeft, roomnet.RemoveOwnerLeft}, p1Calls.removed)
}

func TestRoom_CloseMovesPlayersToFallback(t *testing.T) {
	h := newHarness(t)
	a := h.roomWithAutoJoin("a")
	b, err := h.srv.CreateRoom("b")
	require.NoError(t, err)

	var events []RoomEventType
	a.OnEvent(func(ev RoomEvent) { events = append(events, ev.EventType()) })

	c1 := h.connect()
	c2 := h.connect()
	h.pump(6)
	require.Len(t, a.Players(), 2)

	v, err := a.Instantiate(nil, "tree", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	h.pump(3)

	require.NoError(t, h.srv.CloseRoom("a", b))
	assert.True(t, a.Closed())
	assert.True(t, v.Removed())
	_, ok := h.srv.GetRoom("a")
	assert.False(t, ok)
	h.pump(6)

	assert.Len(t, b.Players(), 2)
	assert.Equal(t, "b", c1.RoomName())
	assert.Equal(t, "b", c2.RoomName())
	assert.True(t, c1.InRoom())
	assert.Empty(t, c1.Views())
	assert.Contains(t, events, OnRoomClosed)

	c, err := h.srv.CreateRoom("c")
	require.NoError(t, err)
	assert.Equal(t, a.Port(), c.Port())

	_, err = a.Instantiate(nil, "tree", roomnet.Vector3{}, roomnet.IdentityRotation)
	assert.ErrorIs(t, err, ErrRoomClosed)
	assert.ErrorIs(t, h.srv.CloseRoom("a", nil), ErrRoomNotFound)
}

func TestRoom_StaticRPCBufferedAndEchoed(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")

	got := map[*client.Client][]string{}
	listen := func(c *client.Client) {
		c.SubscribeToRoomRPC(7, func(r *netmsg.Reader, _ *client.MessageInfo) {
			var s string
			r.ReadValue(&s)
			got[c] = append(got[c], s)
		})
	}
	c1 := h.connect()
	c2 := h.connect()
	listen(c1)
	listen(c2)
	h.pump(6)

	var serverSaw []string
	room.SubscribeToRPC(7, func(r *netmsg.Reader, info *NetMessageInfo) {
		var s string
		r.ReadValue(&s)
		serverSaw = append(serverSaw, s)
	})
	h.srv.SubscribeToRPC(7, func(r *netmsg.Reader, info *NetMessageInfo) {
		var s string
		r.ReadValue(&s)
		serverSaw = append(serverSaw, "lobby:"+s)
	})

	require.NoError(t, c1.RPC(7, roomnet.RPCModeOthersBuffered, rpc.Values("hi")))
	require.NoError(t, c1.ServerRPC(7, roomnet.RPCModeOthers, rpc.Values("echo")))
	h.pump(2)

	assert.ElementsMatch(t, []string{"hi", "lobby:echo"}, serverSaw)
	assert.Empty(t, got[c1])
	assert.ElementsMatch(t, []string{"hi", "echo"}, got[c2])
	assert.Equal(t, 1, room.BufferLen())

	c3 := h.connect()
	listen(c3)
	h.pump(8)
	assert.Equal(t, []string{"hi"}, got[c3])
}

func TestDispatch_HandlerPanicIsContained(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")
	c1 := h.connect()
	c2 := h.connect()
	var got int
	c2.SubscribeToRoomRPC(9, func(*netmsg.Reader, *client.MessageInfo) { got++ })
	h.pump(6)

	room.SubscribeToRPC(9, func(*netmsg.Reader, *NetMessageInfo) { panic("boom") })
	require.NoError(t, c1.RPC(9, roomnet.RPCModeOthers, nil))
	h.pump(2)

	assert.Equal(t, 1, got)
	assert.EqualValues(t, 0, h.player(c1).ErrorCount())
	assert.Len(t, room.Players(), 2)
}

func TestDispatch_ErrorLimitDisconnects(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxErrorCount = 3 })

	lobby := h.net.NewClient()
	_, err := lobby.Connect(context.Background(), h.cfg.ListenAddr, nil)
	require.NoError(t, err)
	h.pump(2)
	utilityMessages(lobby)
	_, ok := h.srv.Player(1)
	require.True(t, ok)

	w := lobby.CreateMessage(1)
	w.WriteUint8(0)
	for i := 0; i < 3; i++ {
		require.NoError(t, lobby.SendMessage(w, lobby.ServerConnection(), transport.ReliableOrdered, roomnet.ObjectRPCChannel))
	}
	h.pump(1)

	_, ok = h.srv.Player(1)
	assert.False(t, ok)
	_, status := utilityMessages(lobby)
	assert.Equal(t, ReasonTooManyErrors, disconnectReason(status))
}

func TestLobby_ServerFull(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.MaxPlayers = 1 })

	first := h.net.NewClient()
	_, err := first.Connect(context.Background(), h.cfg.ListenAddr, nil)
	require.NoError(t, err)
	second := h.net.NewClient()
	_, err = second.Connect(context.Background(), h.cfg.ListenAddr, nil)
	require.NoError(t, err)
	h.pump(2)

	assert.Equal(t, transport.StatusConnected, first.ServerConnection().Status())
	_, status := utilityMessages(second)
	assert.Equal(t, ReasonServerFull, disconnectReason(status))
	assert.Len(t, h.srv.Players(), 1)
}

func TestStream_RelayedToOthers(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")

	var sent uint32
	var received []uint32
	o := h.connect(client.WithEngineHook(client.HookFuncs{
		InstantiateFn: func(_ string, v *client.View, _ roomnet.Vector3, _ roomnet.Quaternion) interface{} {
			if v.IsMine() {
				v.OnSerializeStream = func(w *netmsg.Writer) {
					sent++
					w.WriteUint32(sent)
				}
				v.SetStateSynchronization(roomnet.SyncUnreliable, time.Millisecond)
			}
			return nil
		},
	}))
	h.connect(client.WithEngineHook(client.HookFuncs{
		InstantiateFn: func(_ string, v *client.View, _ roomnet.Vector3, _ roomnet.Quaternion) interface{} {
			v.OnDeserializeStream = func(r *netmsg.Reader, _ *client.MessageInfo) {
				received = append(received, r.ReadUint32())
			}
			return nil
		},
	}))
	h.pump(6)

	v, err := room.Instantiate(h.player(o), "ship", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	var serverSaw int
	v.OnDeserializeStream = func(r *netmsg.Reader, info *NetMessageInfo) { serverSaw++ }
	h.pump(10)

	require.NotEmpty(t, received)
	assert.Positive(t, serverSaw)
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i], received[i-1])
	}

	v.StreamFilter = func(*Player) bool { return false }
	before := len(received)
	h.pump(5)
	assert.Equal(t, before, len(received))

	ov, _ := o.View(v.ID())
	ov.SetStateSynchronization(roomnet.SyncOff, 0)
	count := sent
	h.pump(5)
	assert.Equal(t, count, sent)
}

func TestServerStream_SentToSubscribers(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")
	var received int
	h.connect(client.WithEngineHook(client.HookFuncs{
		InstantiateFn: func(_ string, v *client.View, _ roomnet.Vector3, _ roomnet.Quaternion) interface{} {
			v.OnDeserializeStream = func(r *netmsg.Reader, _ *client.MessageInfo) {
				assert.Equal(t, float32(1.5), r.ReadFloat32())
				received++
			}
			return nil
		},
	}))
	h.pump(6)

	v, err := room.Instantiate(nil, "door", roomnet.Vector3{}, roomnet.IdentityRotation)
	require.NoError(t, err)
	v.OnSerializeStream = func(w *netmsg.Writer) { w.WriteFloat32(1.5) }
	v.SetStateSynchronization(roomnet.SyncReliableDeltaCompressed, 0)
	h.pump(8)
	assert.Positive(t, received)

	v.SetStateSynchronization(roomnet.SyncOff, 0)
	h.pump(1)
	n := received
	h.pump(4)
	assert.Equal(t, n, received)
}

func TestSceneObject_RPCBothWays(t *testing.T) {
	h := newHarness(t)
	room := h.roomWithAutoJoin("R")
	c := h.connect()
	h.pump(6)

	obj, err := room.AddSceneObject(100, "door")
	require.NoError(t, err)
	_, err = room.AddSceneObject(100, "door")
	assert.ErrorIs(t, err, ErrObjectExists)

	var opened []roomnet.PlayerID
	obj.SubscribeToRPC(1, func(r *netmsg.Reader, info *NetMessageInfo) {
		opened = append(opened, info.Sender.ID())
	})

	cobj, err := c.AddSceneObject(100, "door")
	require.NoError(t, err)
	var closed int
	cobj.SubscribeToRPC(2, func(*netmsg.Reader, *client.MessageInfo) { closed++ })

	require.NoError(t, cobj.RPC(1, nil))
	require.NoError(t, obj.RPC(2, nil))
	h.pump(2)

	assert.Equal(t, []roomnet.PlayerID{c.PlayerID()}, opened)
	assert.Equal(t, 1, closed)
}

func TestServer_TimeUpdatesAndLobbyRPC(t *testing.T) {
	h := newHarness(t)
	c := h.connect()
	var ids []roomnet.PlayerID
	c.OnConnected = func(id roomnet.PlayerID) { ids = append(ids, id) }
	var got []string
	c.SubscribeToRPC(4, func(r *netmsg.Reader, info *client.MessageInfo) {
		var s string
		r.ReadValue(&s)
		got = append(got, s)
	})
	h.pump(3)

	assert.Equal(t, []roomnet.PlayerID{1}, ids)
	assert.Positive(t, c.ServerTime())

	require.NoError(t, h.player(c).RPC(4, rpc.Values("direct")))
	require.NoError(t, h.srv.RPC(4, rpc.Values("all")))
	h.pump(1)
	assert.Equal(t, []string{"direct", "all"}, got)
}
