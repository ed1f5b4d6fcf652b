// Package netsync implements synchronized fields: discrete values pushed by a
// view's owner whenever they change.
package netsync

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotOwner = errors.New("netsync: field written by a non-owner")
	ErrClosed   = errors.New("netsync: field is closed")
)

// Binding connects a field to its host. Apply decodes an inbound value; Close
// is called by the host when the view goes away.
type Binding struct {
	Apply func(raw []byte) error
	Close func()
}

// Host is the view a field belongs to.
type Host interface {
	// AddField registers b and returns the field ID.
	AddField(b Binding) (uint8, error)
	RemoveField(id uint8)
	// CanWriteFields reports whether the local side owns the view.
	CanWriteFields() bool
	// SendField publishes the encoded value of a field.
	SendField(id uint8, raw []byte)
}

// Field is one synchronized value of type T.
type Field[T comparable] struct {
	host     Host
	id       uint8
	value    T
	onChange func(T)
	closed   bool
}

// New registers a field on host. onChange, if not nil, runs whenever a remote
// value is applied.
func New[T comparable](host Host, initial T, onChange func(T)) (*Field[T], error) {
	f := &Field[T]{host: host, value: initial, onChange: onChange}
	id, err := host.AddField(Binding{Apply: f.apply, Close: f.Close})
	if err != nil {
		return nil, err
	}
	f.id = id
	return f, nil
}

func (f *Field[T]) ID() uint8 {
	return f.id
}

func (f *Field[T]) Value() T {
	return f.value
}

// Set stores v and sends it when the host is owned locally and v differs from
// the current value. It reports whether a message was sent.
func (f *Field[T]) Set(v T) (bool, error) {
	if f.closed {
		return false, ErrClosed
	}
	if !f.host.CanWriteFields() {
		return false, ErrNotOwner
	}
	if v == f.value {
		return false, nil
	}
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return false, err
	}
	f.value = v
	f.host.SendField(f.id, raw)
	return true, nil
}

// Close releases the field ID. Closing twice is a no-op. Destroying the view
// closes its fields.
func (f *Field[T]) Close() {
	if f.closed {
		return
	}
	f.closed = true
	f.host.RemoveField(f.id)
}

func (f *Field[T]) apply(raw []byte) error {
	var v T
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return err
	}
	f.value = v
	if f.onChange != nil {
		f.onChange(v)
	}
	return nil
}

// Encode returns the wire form of v, as Field.Set would send it.
func Encode[T any](v T) ([]byte, error) {
	return msgpack.Marshal(v)
}
