package protocol

import (
	"errors"
	"fmt"

	"github.com/luciancaetano/arena"
)

// ErrTrailingBytes is returned when a control message has bytes left after decoding.
var ErrTrailingBytes = errors.New("protocol: trailing bytes after message")

// HandshakeRequest is the first frame a client sends on a new transport.
type HandshakeRequest struct {
	SessionID string // Prior session id, empty on first connection
	PeerID    string // Peer to reclaim on reconnection
	KeySize   uint16 // DH group selector in bits
	PublicKey []byte // Client DH public value, big-endian
}

// HandshakeResponse answers a HandshakeRequest.
type HandshakeResponse struct {
	Code           arena.HandshakeCode
	SessionID      string
	PeerID         string
	PublicKey      []byte
	SendTimeoutMs  uint32
	MaxResendCount uint16
	MaxFrameLength uint32
}

// Ping carries the sender's rolling latency figures and its send time.
type Ping struct {
	AverageMs float32
	StdDevMs  float32
	SentAt    int64 // Unix milliseconds
}

// Pong echoes Ping.SentAt and adds the responder's clock.
type Pong struct {
	SentAt     int64
	ServerTime int64
}

// Ack acknowledges every application frame up to and including Seq.
type Ack struct {
	Seq int64
}

// EncodeHandshakeRequest encodes a HandshakeRequest to bytes.
func EncodeHandshakeRequest(r *HandshakeRequest) ([]byte, error) {
	e := NewEncoder()
	e.WriteString(r.SessionID)
	e.WriteString(r.PeerID)
	e.WriteUint16(r.KeySize)
	e.WriteBytes(r.PublicKey)
	return e.Bytes()
}

// DecodeHandshakeRequest decodes a HandshakeRequest from bytes.
func DecodeHandshakeRequest(data []byte) (*HandshakeRequest, error) {
	d := NewDecoder(data)
	r := &HandshakeRequest{}
	var err error

	if r.SessionID, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	if r.PeerID, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("peer id: %w", err)
	}
	if r.KeySize, err = d.ReadUint16(); err != nil {
		return nil, fmt.Errorf("key size: %w", err)
	}
	if r.PublicKey, err = d.ReadBytes(); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if d.Remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	return r, nil
}

// EncodeHandshakeResponse encodes a HandshakeResponse to bytes.
func EncodeHandshakeResponse(r *HandshakeResponse) ([]byte, error) {
	e := NewEncoder()
	e.WriteUint8(uint8(r.Code))
	e.WriteString(r.SessionID)
	e.WriteString(r.PeerID)
	e.WriteBytes(r.PublicKey)
	e.WriteUint32(r.SendTimeoutMs)
	e.WriteUint16(r.MaxResendCount)
	e.WriteUint32(r.MaxFrameLength)
	return e.Bytes()
}

// DecodeHandshakeResponse decodes a HandshakeResponse from bytes.
func DecodeHandshakeResponse(data []byte) (*HandshakeResponse, error) {
	d := NewDecoder(data)
	r := &HandshakeResponse{}

	code, err := d.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("code: %w", err)
	}
	r.Code = arena.HandshakeCode(code)

	if r.SessionID, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	if r.PeerID, err = d.ReadString(); err != nil {
		return nil, fmt.Errorf("peer id: %w", err)
	}
	if r.PublicKey, err = d.ReadBytes(); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	if r.SendTimeoutMs, err = d.ReadUint32(); err != nil {
		return nil, fmt.Errorf("send timeout: %w", err)
	}
	if r.MaxResendCount, err = d.ReadUint16(); err != nil {
		return nil, fmt.Errorf("max resend: %w", err)
	}
	if r.MaxFrameLength, err = d.ReadUint32(); err != nil {
		return nil, fmt.Errorf("max frame length: %w", err)
	}
	if d.Remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	return r, nil
}

// EncodePing encodes a Ping to bytes.
func EncodePing(p *Ping) []byte {
	e := NewEncoder()
	e.WriteFloat32(p.AverageMs)
	e.WriteFloat32(p.StdDevMs)
	e.WriteInt64(p.SentAt)
	b, _ := e.Bytes()
	return b
}

// DecodePing decodes a Ping from bytes.
func DecodePing(data []byte) (*Ping, error) {
	d := NewDecoder(data)
	p := &Ping{}
	var err error

	if p.AverageMs, err = d.ReadFloat32(); err != nil {
		return nil, err
	}
	if p.StdDevMs, err = d.ReadFloat32(); err != nil {
		return nil, err
	}
	if p.SentAt, err = d.ReadInt64(); err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	return p, nil
}

// EncodePong encodes a Pong to bytes.
func EncodePong(p *Pong) []byte {
	e := NewEncoder()
	e.WriteInt64(p.SentAt)
	e.WriteInt64(p.ServerTime)
	b, _ := e.Bytes()
	return b
}

// DecodePong decodes a Pong from bytes.
func DecodePong(data []byte) (*Pong, error) {
	d := NewDecoder(data)
	p := &Pong{}
	var err error

	if p.SentAt, err = d.ReadInt64(); err != nil {
		return nil, err
	}
	if p.ServerTime, err = d.ReadInt64(); err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	return p, nil
}

// EncodeAck encodes an Ack to bytes.
func EncodeAck(a *Ack) []byte {
	e := NewEncoder()
	e.WriteInt64(a.Seq)
	b, _ := e.Bytes()
	return b
}

// DecodeAck decodes an Ack from bytes.
func DecodeAck(data []byte) (*Ack, error) {
	d := NewDecoder(data)
	seq, err := d.ReadInt64()
	if err != nil {
		return nil, err
	}
	if d.Remaining() != 0 {
		return nil, ErrTrailingBytes
	}
	return &Ack{Seq: seq}, nil
}
