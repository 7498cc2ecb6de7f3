package secure

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxDecompressedSize caps a single decompressed payload.
const DefaultMaxDecompressedSize = 1 << 20

var ErrDecompress = errors.New("secure: decompression failed")

// Compressor wraps a shared zstd encoder/decoder pair. EncodeAll and
// DecodeAll are safe for concurrent use, so one Compressor serves every session.
type Compressor struct {
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	limit int
}

// NewCompressor creates a compressor whose decoder refuses output above limit bytes.
func NewCompressor(limit int) (*Compressor, error) {
	if limit <= 0 {
		limit = DefaultMaxDecompressedSize
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("secure: zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(uint64(limit)),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("secure: zstd decoder: %w", err)
	}

	return &Compressor{enc: enc, dec: dec, limit: limit}, nil
}

// Compress returns the zstd encoding of src.
func (c *Compressor) Compress(src []byte) []byte {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2))
}

// Decompress reverses Compress.
func (c *Compressor) Decompress(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
	}
	if len(out) > c.limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrDecompress, len(out), c.limit)
	}
	return out, nil
}

// Close releases the decoder goroutines.
func (c *Compressor) Close() {
	c.dec.Close()
	c.enc.Close()
}
