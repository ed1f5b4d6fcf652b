package netmsg

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrShortRead = errors.New("netmsg: read past end of message")
	ErrBadVarint = errors.New("netmsg: malformed length prefix")
	ErrTooLarge  = errors.New("netmsg: length prefix exceeds message")
)

// Reader decodes a received payload. The first failure is sticky: later reads
// return zero values and Err reports the original error.
type Reader struct {
	buf []byte
	pos int
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Err() error {
	return r.err
}

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

// Position is the current read offset.
func (r *Reader) Position() int {
	return r.pos
}

// Bytes returns the complete underlying payload regardless of position.
func (r *Reader) Bytes() []byte {
	return r.buf
}

// Rest returns the unread part of the payload without consuming it.
func (r *Reader) Rest() []byte {
	return r.buf[r.pos:]
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = ErrShortRead
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

func (r *Reader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

func (r *Reader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

func (r *Reader) ReadFloat64() float64 {
	return math.Float64frombits(r.ReadUint64())
}

// ReadBytes consumes n raw bytes. The result aliases the payload.
func (r *Reader) ReadBytes(n int) []byte {
	return r.take(n)
}

func (r *Reader) readLength() int {
	if r.err != nil {
		return 0
	}
	n, k := binary.Uvarint(r.buf[r.pos:])
	if k <= 0 {
		r.err = ErrBadVarint
		return 0
	}
	r.pos += k
	if n > uint64(len(r.buf)-r.pos) {
		r.err = ErrTooLarge
		return 0
	}
	return int(n)
}

func (r *Reader) ReadBytesPrefixed() []byte {
	n := r.readLength()
	return r.take(n)
}

func (r *Reader) ReadString() string {
	n := r.readLength()
	return string(r.take(n))
}

// ReadValue decodes a msgpack value written by Writer.WriteValue into v.
func (r *Reader) ReadValue(v interface{}) error {
	b := r.ReadBytesPrefixed()
	if r.err != nil {
		return r.err
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		r.err = err
		return err
	}
	return nil
}
