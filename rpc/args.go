package rpc

import "roomnet/netmsg"

// Args writes the arguments of an outgoing call after its header. A nil Args
// sends no arguments.
type Args func(w *netmsg.Writer) error

// Values encodes each value with netmsg.Writer.WriteValue, in order. Handlers
// read them back with Reader.ReadValue.
func Values(vs ...interface{}) Args {
	return func(w *netmsg.Writer) error {
		for _, v := range vs {
			if err := w.WriteValue(v); err != nil {
				return err
			}
		}
		return nil
	}
}

// Write applies a to w. It is safe to call on a nil Args.
func (a Args) Write(w *netmsg.Writer) error {
	if a == nil {
		return nil
	}
	return a(w)
}
