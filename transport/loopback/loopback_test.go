package loopback

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomnet/transport"
)

func TestPeer_ApproveAndExchange(t *testing.T) {
	n := NewNetwork()
	srv := n.NewServer("127.0.0.1:15000")
	require.NoError(t, srv.Start())
	assert.Equal(t, 15000, srv.Port())

	cli := n.NewClient()
	c, err := cli.Connect(context.Background(), "127.0.0.1:15000", []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusConnecting, c.Status())

	msgs := srv.ReadMessages()
	require.Len(t, msgs, 1)
	require.Equal(t, transport.ConnectionApproval, msgs[0].Type)
	assert.Equal(t, []byte{1, 2}, msgs[0].Data)
	msgs[0].Approve()

	require.Len(t, srv.ReadMessages(), 1)
	in := cli.ReadMessages()
	require.Len(t, in, 1)
	assert.Equal(t, transport.StatusConnected, in[0].Status)

	w := cli.CreateMessage(4)
	w.WriteUint8(42)
	require.NoError(t, cli.SendMessage(w, c, transport.ReliableOrdered, 7))

	got := srv.ReadMessages()
	require.Len(t, got, 1)
	assert.Equal(t, transport.Data, got[0].Type)
	assert.Equal(t, 7, got[0].Channel)
	assert.Equal(t, []byte{42}, got[0].Data)
	assert.Len(t, srv.Connections(), 1)
}

func TestPeer_Deny(t *testing.T) {
	n := NewNetwork()
	srv := n.NewServer("127.0.0.1:15001")
	require.NoError(t, srv.Start())

	cli := n.NewClient()
	c, err := cli.Connect(context.Background(), "127.0.0.1:15001", nil)
	require.NoError(t, err)

	srv.ReadMessages()[0].Deny("bad room key")

	in := cli.ReadMessages()
	require.Len(t, in, 1)
	assert.Equal(t, transport.StatusDisconnected, in[0].Status)
	assert.Equal(t, "bad room key", in[0].Reason)
	assert.Equal(t, transport.StatusDisconnected, c.Status())
	assert.Empty(t, srv.Connections())
}

func TestPeer_DisconnectNotifiesBothSides(t *testing.T) {
	n := NewNetwork()
	srv := n.NewServer("127.0.0.1:15002")
	require.NoError(t, srv.Start())

	cli := n.NewClient()
	_, err := cli.Connect(context.Background(), "127.0.0.1:15002", nil)
	require.NoError(t, err)
	srv.ReadMessages()[0].Approve()
	srv.ReadMessages()
	cli.ReadMessages()

	cli.Disconnect("bye")

	s := srv.ReadMessages()
	require.Len(t, s, 1)
	assert.Equal(t, transport.StatusDisconnected, s[0].Status)
	assert.Equal(t, "bye", s[0].Reason)
	require.Len(t, cli.ReadMessages(), 1)
	assert.Nil(t, cli.ServerConnection())
}

func TestPeer_ConnectWithoutListener(t *testing.T) {
	n := NewNetwork()
	_, err := n.NewClient().Connect(context.Background(), "127.0.0.1:1", nil)
	assert.Error(t, err)
}
