// Package rpc holds remote call handler tables keyed by a one-byte RPC ID.
package rpc

import (
	"fmt"

	"roomnet/netmsg"
)

// Func handles one call. I is the per-call context type of the side that
// receives it.
type Func[I any] func(r *netmsg.Reader, info I)

type options struct {
	overwrite          bool
	continueForwarding bool
}

func defaultOptions() options {
	return options{overwrite: true, continueForwarding: true}
}

type Option func(*options)

// Overwrite controls whether Subscribe replaces an existing handler. Defaults
// to true.
func Overwrite(b bool) Option {
	return func(o *options) { o.overwrite = b }
}

// ContinueForwarding is the initial value of the call's forwarding flag when
// this handler runs. Defaults to true.
func ContinueForwarding(b bool) Option {
	return func(o *options) { o.continueForwarding = b }
}

// Handler is a registered Func with its declared forwarding default.
type Handler[I any] struct {
	Fn                 Func[I]
	ContinueForwarding bool
}

// Handlers is a flat rpc ID to handler table. The zero value is ready to use.
type Handlers[I any] struct {
	m map[uint8]Handler[I]
}

// Subscribe registers fn for id. With Overwrite(false) an existing handler is
// kept and Subscribe reports false.
func (h *Handlers[I]) Subscribe(id uint8, fn Func[I], opts ...Option) bool {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if fn == nil {
		return false
	}
	if h.m == nil {
		h.m = make(map[uint8]Handler[I])
	}
	if _, exists := h.m[id]; exists && !o.overwrite {
		return false
	}
	h.m[id] = Handler[I]{Fn: fn, ContinueForwarding: o.continueForwarding}
	return true
}

func (h *Handlers[I]) Unsubscribe(id uint8) bool {
	if _, ok := h.m[id]; !ok {
		return false
	}
	delete(h.m, id)
	return true
}

func (h *Handlers[I]) Lookup(id uint8) (Handler[I], bool) {
	hd, ok := h.m[id]
	return hd, ok
}

func (h *Handlers[I]) Len() int {
	return len(h.m)
}

func (h *Handlers[I]) Clear() {
	h.m = nil
}

// PanicError is returned by Invoke when a handler panics.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("rpc handler panicked: %v", e.Value)
}

// Invoke runs the handler and converts a panic into a *PanicError. A read
// error left on r after the handler returns is reported as well.
func Invoke[I any](h Handler[I], r *netmsg.Reader, info I) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()
	h.Fn(r, info)
	return r.Err()
}
