package gameserver

import (
	"roomnet"
	"roomnet/rpc"
	"roomnet/transport"
)

// SceneObject is a pre-placed object of a room definition. It has a fixed ID
// known to both sides and is reachable only through object RPCs, which are
// never forwarded.
type SceneObject struct {
	id       roomnet.ViewID
	name     string
	room     *Room
	handlers rpc.Handlers[*NetMessageInfo]
}

// AddSceneObject registers a pre-placed object under id.
func (r *Room) AddSceneObject(id roomnet.ViewID, name string) (*SceneObject, error) {
	if r.closed {
		return nil, ErrRoomClosed
	}
	if _, ok := r.sceneObjects[id]; ok {
		return nil, ErrObjectExists
	}
	obj := &SceneObject{id: id, name: name, room: r}
	r.sceneObjects[id] = obj
	return obj, nil
}

func (r *Room) SceneObject(id roomnet.ViewID) (*SceneObject, bool) {
	obj, ok := r.sceneObjects[id]
	return obj, ok
}

func (o *SceneObject) ID() roomnet.ViewID {
	return o.id
}

func (o *SceneObject) Name() string {
	return o.name
}

func (o *SceneObject) SubscribeToRPC(id uint8, fn rpc.Func[*NetMessageInfo], opts ...rpc.Option) bool {
	return o.handlers.Subscribe(id, fn, opts...)
}

func (o *SceneObject) UnsubscribeFromRPC(id uint8) bool {
	return o.handlers.Unsubscribe(id)
}

// RPC calls rpcID on the object in every member's scene.
func (o *SceneObject) RPC(rpcID uint8, args rpc.Args) error {
	r := o.room
	if r.closed {
		return ErrRoomClosed
	}
	w := r.peer.CreateMessage(16)
	roomnet.WriteViewRPCHeader(w, o.id, rpcID)
	if err := args.Write(w); err != nil {
		return err
	}
	r.forwardObject(w.Bytes())
	return nil
}

func (r *Room) forwardObject(data []byte) {
	conns := make([]transport.Connection, 0, len(r.players))
	for _, p := range r.players {
		if p.roomConn != nil {
			conns = append(conns, p.roomConn)
		}
	}
	r.send(data, conns, roomnet.ObjectRPCChannel)
}
