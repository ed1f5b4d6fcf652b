package rpc

import "roomnet/netmsg"

// Subscriber is anything that owns a handler table: views, rooms, the server,
// scene objects and client views.
type Subscriber[I any] interface {
	SubscribeToRPC(id uint8, fn Func[I], opts ...Option) bool
}

// Method is a handler expressed against a receiver of type T.
type Method[T any, I any] func(recv T, r *netmsg.Reader, info I)

type entry[T any, I any] struct {
	id   uint8
	m    Method[T, I]
	opts []Option
}

// Table lists the RPCs of a component type. Build it once at startup and Bind
// it to each instance:
//
//	var turretRPCs = rpc.NewTable[*Turret, *gameserver.NetMessageInfo]().
//		Handle(1, (*Turret).Fire).
//		Handle(2, (*Turret).Reload, rpc.ContinueForwarding(false))
type Table[T any, I any] struct {
	entries []entry[T, I]
}

func NewTable[T any, I any]() *Table[T, I] {
	return &Table[T, I]{}
}

func (t *Table[T, I]) Handle(id uint8, m Method[T, I], opts ...Option) *Table[T, I] {
	t.entries = append(t.entries, entry[T, I]{id: id, m: m, opts: opts})
	return t
}

func (t *Table[T, I]) IDs() []uint8 {
	ids := make([]uint8, len(t.entries))
	for i, e := range t.entries {
		ids[i] = e.id
	}
	return ids
}

// Bind subscribes every entry for recv without replacing handlers that were
// subscribed by hand. It returns the IDs that were left alone.
func (t *Table[T, I]) Bind(s Subscriber[I], recv T) []uint8 {
	var skipped []uint8
	for _, e := range t.entries {
		m := e.m
		opts := append(append([]Option(nil), e.opts...), Overwrite(false))
		ok := s.SubscribeToRPC(e.id, func(r *netmsg.Reader, info I) {
			m(recv, r, info)
		}, opts...)
		if !ok {
			skipped = append(skipped, e.id)
		}
	}
	return skipped
}
