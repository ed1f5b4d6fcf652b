package client

import (
	"errors"

	"roomnet"
	"roomnet/rpc"
)

var ErrObjectExists = errors.New("client: scene object already exists")

// SceneObject is the client side of a pre-placed room object.
type SceneObject struct {
	id       roomnet.ViewID
	name     string
	client   *Client
	handlers rpc.Handlers[*MessageInfo]
}

// AddSceneObject registers a pre-placed object. Scene objects survive room
// changes; the room definition decides which IDs exist.
func (c *Client) AddSceneObject(id roomnet.ViewID, name string) (*SceneObject, error) {
	if _, ok := c.sceneObjects[id]; ok {
		return nil, ErrObjectExists
	}
	obj := &SceneObject{id: id, name: name, client: c}
	c.sceneObjects[id] = obj
	return obj, nil
}

func (c *Client) RemoveSceneObject(id roomnet.ViewID) {
	delete(c.sceneObjects, id)
}

func (o *SceneObject) ID() roomnet.ViewID {
	return o.id
}

func (o *SceneObject) Name() string {
	return o.name
}

func (o *SceneObject) SubscribeToRPC(id uint8, fn rpc.Func[*MessageInfo], opts ...rpc.Option) bool {
	return o.handlers.Subscribe(id, fn, opts...)
}

// RPC calls rpcID on the server side of the object.
func (o *SceneObject) RPC(rpcID uint8, args rpc.Args) error {
	w := o.client.room.CreateMessage(16)
	roomnet.WriteViewRPCHeader(w, o.id, rpcID)
	if err := args.Write(w); err != nil {
		return err
	}
	return o.client.sendRoom(w, roomnet.ObjectRPCChannel)
}
