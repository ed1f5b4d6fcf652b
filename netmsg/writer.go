// Package netmsg encodes and decodes the payloads carried by transport messages.
//
// All integers are little-endian. Strings and byte slices written with
// WriteString/WriteBytesPrefixed carry an unsigned varint length prefix.
package netmsg

import (
	"encoding/binary"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Writer accumulates an outgoing message payload.
type Writer struct {
	buf []byte
}

func NewWriter(capacityHint int) *Writer {
	if capacityHint < 0 {
		capacityHint = 0
	}
	return &Writer{buf: make([]byte, 0, capacityHint)}
}

// WrapWriter returns a writer appending to b.
func WrapWriter(b []byte) *Writer {
	return &Writer{buf: b}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

// Reset truncates the payload, keeping the backing array.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Clone returns an independent copy of the payload written so far.
func (w *Writer) Clone() []byte {
	c := make([]byte, len(w.buf))
	copy(c, w.buf)
	return c
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteFloat32(v float32) {
	w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

// WriteBytes appends raw bytes without a length prefix.
func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteBytesPrefixed(b []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteString(s string) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteValue appends v encoded with msgpack, length prefixed.
func (w *Writer) WriteValue(v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	w.WriteBytesPrefixed(b)
	return nil
}
