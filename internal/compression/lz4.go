package compression

import (
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// Block markers. LZ4 reports incompressible input by producing no output,
// in which case the block is stored raw.
const (
	lz4Raw        byte = 0
	lz4Compressed byte = 1
)

// LZ4Compressor implements LZ4 HC block compression
type LZ4Compressor struct {
	level int
}

// NewLZ4Compressor creates a new LZ4 compressor. Levels 1 to 9 map to the
// HC search depths.
func NewLZ4Compressor(level int) (*LZ4Compressor, error) {
	if level < 1 || level > 9 {
		return nil, fmt.Errorf("lz4 level must be between 1 and 9, got %d", level)
	}

	return &LZ4Compressor{
		level: level,
	}, nil
}

// Compress compresses data using LZ4
func (l *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	out := make([]byte, 1+lz4.CompressBlockBound(len(data)))

	compressor := lz4.CompressorHC{Level: lz4.CompressionLevel(1 << (8 + l.level))}
	n, err := compressor.CompressBlock(data, out[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if n == 0 {
		out[0] = lz4Raw
		return append(out[:1], data...), nil
	}

	out[0] = lz4Compressed
	return out[:1+n], nil
}

// Decompress decompresses data using LZ4
func (l *LZ4Compressor) Decompress(data []byte, originalSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty lz4 block")
	}
	if data[0] == lz4Raw {
		if len(data)-1 != originalSize {
			return nil, fmt.Errorf("raw block size %d does not match expected %d", len(data)-1, originalSize)
		}
		return data[1:], nil
	}

	decompressed := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(data[1:], decompressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if n != originalSize {
		return nil, fmt.Errorf("decompressed size %d does not match expected %d", n, originalSize)
	}
	return decompressed, nil
}

// Algorithm returns the algorithm name
func (l *LZ4Compressor) Algorithm() string {
	return "lz4"
}

// Close is a no-op
func (l *LZ4Compressor) Close() error {
	return nil
}
