package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed frame header: seq(8) + protocol(2) + flags(1) + length(2).
	HeaderSize = 13

	// MaxPayloadSize is the largest payload the 2-byte length field can describe.
	MaxPayloadSize = 0xFFFF

	// MaxFrameSize is the largest frame the header can describe.
	MaxFrameSize = HeaderSize + MaxPayloadSize
)

// Flags is the frame flags bitmask.
type Flags uint8

const (
	FlagEncrypted  Flags = 0x01 // Payload is sealed with the session cipher
	FlagCompressed Flags = 0x02 // Payload was compressed before sealing

	knownFlags = FlagEncrypted | FlagCompressed
)

// Has returns true if the flags contain the specified flag.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Frame errors.
var (
	ErrNeedMoreData  = errors.New("protocol: need more data")
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum length")
	ErrUnknownFlags  = errors.New("protocol: unknown frame flags")
)

// Frame is one length-delimited unit of the wire protocol.
//
// Wire format (little-endian):
//
//	┌──────────────┬─────────────┬────────┬────────────────┐
//	│ Seq (int64)  │ Protocol    │ Flags  │ Payload length │
//	│ 8 bytes      │ 2 bytes     │ 1 byte │ 2 bytes        │
//	└──────────────┴─────────────┴────────┴────────────────┘
//	│ Payload (length bytes)                               │
//	└──────────────────────────────────────────────────────┘
type Frame struct {
	Seq        int64
	ProtocolID uint16
	Flags      Flags
	Payload    []byte
}

// Size returns the encoded size of the frame.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// Encode encodes the frame to a new buffer. maxFrame bounds the whole frame;
// values <= 0 or above MaxFrameSize fall back to MaxFrameSize.
func Encode(f *Frame, maxFrame int) ([]byte, error) {
	return AppendFrame(make([]byte, 0, f.Size()), f, maxFrame)
}

// AppendFrame appends the encoded frame to dst.
func AppendFrame(dst []byte, f *Frame, maxFrame int) ([]byte, error) {
	maxFrame = clampMaxFrame(maxFrame)
	if len(f.Payload) > MaxPayloadSize || f.Size() > maxFrame {
		return dst, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, f.Size(), maxFrame)
	}
	if f.Flags&^knownFlags != 0 {
		return dst, ErrUnknownFlags
	}

	var header [HeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(f.Seq))
	binary.LittleEndian.PutUint16(header[8:10], f.ProtocolID)
	header[10] = byte(f.Flags)
	binary.LittleEndian.PutUint16(header[11:13], uint16(len(f.Payload)))

	dst = append(dst, header[:]...)
	return append(dst, f.Payload...), nil
}

// TryDecode extracts the first complete frame from buf.
//
// It returns ErrNeedMoreData without consuming anything when buf does not yet
// hold a whole frame. Any other error is fatal for the stream. The returned
// payload is a copy; buf may be reused by the caller.
func TryDecode(buf []byte, maxFrame int) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}

	length := int(binary.LittleEndian.Uint16(buf[11:13]))
	total := HeaderSize + length
	if total > clampMaxFrame(maxFrame) {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	flags := Flags(buf[10])
	if flags&^knownFlags != 0 {
		return nil, 0, fmt.Errorf("%w: %#02x", ErrUnknownFlags, uint8(flags))
	}

	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:total])

	return &Frame{
		Seq:        int64(binary.LittleEndian.Uint64(buf[0:8])),
		ProtocolID: binary.LittleEndian.Uint16(buf[8:10]),
		Flags:      flags,
		Payload:    payload,
	}, total, nil
}

func clampMaxFrame(maxFrame int) int {
	if maxFrame <= 0 || maxFrame > MaxFrameSize {
		return MaxFrameSize
	}
	return maxFrame
}
