package secure

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/luciancaetano/arena/internal/protocol"
)

// CompressFloor is the size a payload must exceed before any protocol
// threshold is even considered.
const CompressFloor = 1024

// Policy is a protocol's declared send-side treatment.
type Policy struct {
	// Encrypt seals the payload with the session cipher.
	Encrypt bool

	// CompressThreshold enables compression for payloads larger than both the
	// threshold and CompressFloor. Zero disables compression.
	CompressThreshold int
}

// ShouldCompress reports whether a payload of size n gets compressed.
func (p Policy) ShouldCompress(n int) bool {
	return p.CompressThreshold > 0 && n > CompressFloor && n > p.CompressThreshold
}

// Pipeline applies compression and encryption to one session's payloads.
// The cipher is installed once the handshake completes.
type Pipeline struct {
	compressor *Compressor
	cipher     atomic.Pointer[Cipher]
}

// NewPipeline creates a pipeline sharing the given compressor.
func NewPipeline(c *Compressor) *Pipeline {
	return &Pipeline{compressor: c}
}

// SetCipher installs the session cipher.
func (p *Pipeline) SetCipher(c *Cipher) {
	p.cipher.Store(c)
}

// HasKey reports whether a shared key is established.
func (p *Pipeline) HasKey() bool {
	return p.cipher.Load() != nil
}

// Seal compresses then encrypts payload according to pol and returns the
// wire payload with the flags describing what was applied.
func (p *Pipeline) Seal(seq int64, protocolID uint16, payload []byte, pol Policy) ([]byte, protocol.Flags, error) {
	var flags protocol.Flags
	out := payload

	if pol.ShouldCompress(len(out)) && p.compressor != nil {
		out = p.compressor.Compress(out)
		flags |= protocol.FlagCompressed
	}

	if pol.Encrypt {
		c := p.cipher.Load()
		if c == nil {
			return nil, 0, ErrNoSharedKey
		}
		sealed, err := c.Seal(out, associatedData(seq, protocolID))
		if err != nil {
			return nil, 0, err
		}
		out = sealed
		flags |= protocol.FlagEncrypted
	}

	return out, flags, nil
}

// Open reverses Seal: decrypt first, then decompress.
func (p *Pipeline) Open(seq int64, protocolID uint16, flags protocol.Flags, payload []byte) ([]byte, error) {
	out := payload

	if flags.Has(protocol.FlagEncrypted) {
		c := p.cipher.Load()
		if c == nil {
			return nil, ErrNoSharedKey
		}
		plain, err := c.Open(out, associatedData(seq, protocolID))
		if err != nil {
			return nil, err
		}
		out = plain
	}

	if flags.Has(protocol.FlagCompressed) {
		if p.compressor == nil {
			return nil, ErrDecompress
		}
		plain, err := p.compressor.Decompress(out)
		if err != nil {
			return nil, err
		}
		out = plain
	}

	return out, nil
}

func associatedData(seq int64, protocolID uint16) []byte {
	ad := make([]byte, 10)
	binary.LittleEndian.PutUint64(ad[0:8], uint64(seq))
	binary.LittleEndian.PutUint16(ad[8:10], protocolID)
	return ad
}
