package client

import (
	"errors"
	"time"

	"roomnet"
	"roomnet/netmsg"
	"roomnet/netsync"
	"roomnet/pool"
	"roomnet/rpc"
)

var (
	ErrNotOwner      = errors.New("client: view is not owned by this client")
	ErrViewRemoved   = errors.New("client: view was removed")
	ErrTooManyFields = errors.New("client: too many synchronized fields")
)

const maxFieldsPerView = 256

// View is the local copy of a server view.
type View struct {
	id     roomnet.ViewID
	client *Client
	owner  roomnet.PlayerID

	resourcePath   string
	position       roomnet.Vector3
	rotation       roomnet.Quaternion
	parent         *View
	children       []*View
	customFunction string
	handle         interface{}

	handlers rpc.Handlers[*MessageInfo]
	fields   *pool.Table[netsync.Binding]

	syncMode roomnet.SyncMode
	syncGen  uint64

	// OnSerializeStream writes the state streamed while this client owns the
	// view and synchronization is on.
	OnSerializeStream func(w *netmsg.Writer)
	// OnDeserializeStream reads the owner's stream.
	OnDeserializeStream func(r *netmsg.Reader, info *MessageInfo)
	StreamSizeHint      int
	// OnRemoved runs once when the server removes the view or the client
	// leaves the room.
	OnRemoved func(v *View, reason roomnet.RemoveReason)

	removed bool
}

func newView(c *Client, id roomnet.ViewID, owner roomnet.PlayerID) *View {
	return &View{
		id:       id,
		client:   c,
		owner:    owner,
		rotation: roomnet.IdentityRotation,
		fields:   pool.New[netsync.Binding](pool.WithLimit(maxFieldsPerView)),
	}
}

func (v *View) ID() roomnet.ViewID {
	return v.id
}

func (v *View) Owner() roomnet.PlayerID {
	return v.owner
}

// IsMine reports whether this client owns the view.
func (v *View) IsMine() bool {
	id := v.client.PlayerID()
	return !id.IsServer() && v.owner == id
}

func (v *View) ResourcePath() string {
	return v.resourcePath
}

func (v *View) Position() roomnet.Vector3 {
	return v.position
}

func (v *View) Rotation() roomnet.Quaternion {
	return v.rotation
}

func (v *View) Parent() *View {
	return v.parent
}

func (v *View) CustomFunction() string {
	return v.customFunction
}

func (v *View) Handle() interface{} {
	return v.handle
}

func (v *View) Removed() bool {
	return v.removed
}

func (v *View) SubscribeToRPC(id uint8, fn rpc.Func[*MessageInfo], opts ...rpc.Option) bool {
	return v.handlers.Subscribe(id, fn, opts...)
}

func (v *View) UnsubscribeFromRPC(id uint8) bool {
	return v.handlers.Unsubscribe(id)
}

// RPC sends a call on this view to the server, which forwards it per mode.
func (v *View) RPC(rpcID uint8, mode roomnet.RPCMode, args rpc.Args) error {
	if v.removed {
		return ErrViewRemoved
	}
	w := v.client.room.CreateMessage(16)
	roomnet.WriteViewRPCHeader(w, v.id, rpcID)
	if err := args.Write(w); err != nil {
		return err
	}
	return v.client.sendRoom(w, roomnet.RPCModeChannel(mode))
}

// OwnerRPC sends a call to the server side of a view this client owns. It is
// never forwarded.
func (v *View) OwnerRPC(rpcID uint8, args rpc.Args) error {
	if v.removed {
		return ErrViewRemoved
	}
	if !v.IsMine() {
		return ErrNotOwner
	}
	w := v.client.room.CreateMessage(16)
	roomnet.WriteViewRPCHeader(w, v.id, rpcID)
	if err := args.Write(w); err != nil {
		return err
	}
	return v.client.sendRoom(w, roomnet.OwnerRPCChannel)
}

func (v *View) SyncMode() roomnet.SyncMode {
	return v.syncMode
}

// SetStateSynchronization starts or stops streaming. While this client owns the
// view, OnSerializeStream runs every period (at least tick.MinPeriod) and the
// result is sent to the server for relay. Switching to SyncOff ends the loop
// at its next run.
func (v *View) SetStateSynchronization(mode roomnet.SyncMode, period time.Duration) {
	if v.removed {
		return
	}
	v.syncMode = mode
	v.syncGen++
	if mode == roomnet.SyncOff {
		return
	}
	gen := v.syncGen
	v.client.sched.Every(period, func(time.Time) bool {
		if v.removed || v.syncMode == roomnet.SyncOff || v.syncGen != gen {
			return false
		}
		v.stream()
		return true
	})
}

func (v *View) stream() {
	if !v.IsMine() || v.OnSerializeStream == nil || !v.client.InRoom() {
		return
	}
	hint := v.StreamSizeHint
	if hint <= 0 {
		hint = 64
	}
	w := v.client.room.CreateMessage(hint + 2)
	w.WriteUint16(v.id.Uint16())
	header := w.Len()
	if !v.client.protect("OnSerializeStream", func() { v.OnSerializeStream(w) }) || w.Len() == header {
		return
	}
	v.client.sendRoom(w, roomnet.StreamChannel(v.syncMode))
}

// AddField implements netsync.Host.
func (v *View) AddField(b netsync.Binding) (uint8, error) {
	if v.removed {
		return 0, ErrViewRemoved
	}
	id, err := v.fields.TryAdd(b)
	if err != nil {
		return 0, ErrTooManyFields
	}
	return uint8(id), nil
}

func (v *View) RemoveField(id uint8) {
	v.fields.Remove(int(id))
}

func (v *View) CanWriteFields() bool {
	return v.IsMine() && !v.removed
}

func (v *View) SendField(id uint8, raw []byte) {
	w := v.client.room.CreateMessage(3 + len(raw))
	roomnet.WriteFieldHeader(w, v.id, id)
	w.WriteBytes(raw)
	v.client.sendRoom(w, roomnet.SyncFieldChannel)
}

// remove tears the view and the views added to it down. It runs once.
func (v *View) remove(reason roomnet.RemoveReason) {
	if v.removed {
		return
	}
	for len(v.children) > 0 {
		v.children[0].remove(reason)
	}
	v.removed = true
	v.syncMode = roomnet.SyncOff
	v.fields.Each(func(id int, b netsync.Binding) bool {
		if b.Close != nil {
			b.Close()
		}
		v.fields.Remove(id)
		return true
	})
	v.handlers.Clear()
	v.client.detachView(v)
	if v.OnRemoved != nil {
		v.client.protect("OnRemoved", func() { v.OnRemoved(v, reason) })
	}
}
