package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor is the default frame compressor. Encoder and decoder are
// created once per snapshot and reused for every frame.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor creates a zstd compressor at a zstd level (1-22),
// mapped onto the nearest encoder speed
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	if level < 1 || level > 22 {
		return nil, fmt.Errorf("zstd level must be between 1 and 22, got %d", level)
	}

	// Frames are authenticated by AES-GCM; no zstd checksum.
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
		zstd.WithEncoderCRC(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.IgnoreChecksum(true),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

// Compress compresses one frame
func (z *ZstdCompressor) Compress(data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// Decompress decodes one frame, rejecting output that is not exactly
// originalSize bytes
func (z *ZstdCompressor) Decompress(data []byte, originalSize int) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, make([]byte, 0, originalSize))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}
	if len(out) != originalSize {
		return nil, fmt.Errorf("decompressed frame is %d bytes, expected %d", len(out), originalSize)
	}
	return out, nil
}

// Algorithm returns "zstd"
func (z *ZstdCompressor) Algorithm() string {
	return "zstd"
}

// Close releases encoder and decoder state
func (z *ZstdCompressor) Close() error {
	z.enc.Close()
	z.dec.Close()
	return nil
}
