package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
)

// ErrFieldTooLong is returned when a string or byte field exceeds its uint16 length prefix.
var ErrFieldTooLong = errors.New("protocol: field exceeds 65535 bytes")

// Encoder appends little-endian fields to an internal buffer.
type Encoder struct {
	buf []byte
	err error
}

// NewEncoder creates a new encoder with a default initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

// Bytes returns the encoded bytes and the first error hit while writing.
func (e *Encoder) Bytes() ([]byte, error) {
	return e.buf, e.err
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) WriteInt64(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

func (e *Encoder) WriteFloat32(v float32) {
	e.WriteUint32(math.Float32bits(v))
}

// WriteBytes appends a uint16 length prefix followed by b.
func (e *Encoder) WriteBytes(b []byte) {
	if len(b) > math.MaxUint16 {
		if e.err == nil {
			e.err = ErrFieldTooLong
		}
		return
	}
	e.WriteUint16(uint16(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteString appends a uint16 length-prefixed string.
func (e *Encoder) WriteString(s string) {
	e.WriteBytes([]byte(s))
}

// Decoder reads little-endian fields from a byte slice.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder from the given byte slice.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) next(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *Decoder) ReadUint8() (uint8, error) {
	b, err := d.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	b, err := d.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) ReadInt64() (int64, error) {
	b, err := d.next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (d *Decoder) ReadFloat32() (float32, error) {
	v, err := d.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadBytes reads a uint16 length-prefixed byte field. The result is a copy.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	b, err := d.next(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadString reads a uint16 length-prefixed string.
func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint16()
	if err != nil {
		return "", err
	}
	b, err := d.next(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
