package compression

import (
	"fmt"
)

// Algorithm names recorded in snapshot manifests
const (
	AlgorithmZstd = "zstd"
	AlgorithmLZ4  = "lz4"
	AlgorithmGzip = "gzip"
	AlgorithmNone = "none"
)

// NewCompressor returns the frame compressor for algorithm at level
func NewCompressor(algorithm string, level int) (Compressor, error) {
	switch algorithm {
	case AlgorithmZstd:
		return NewZstdCompressor(level)
	case AlgorithmLZ4:
		return NewLZ4Compressor(level)
	case AlgorithmGzip:
		return NewGzipCompressor(level)
	case AlgorithmNone:
		return passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown compression algorithm: %s", algorithm)
	}
}

// NewDecompressor returns a compressor able to read frames written with
// algorithm at any level. The manifest records only the algorithm.
func NewDecompressor(algorithm string) (Compressor, error) {
	if algorithm == AlgorithmNone {
		return passthrough{}, nil
	}
	return NewCompressor(algorithm, 1)
}

// passthrough stores frames uncompressed
type passthrough struct{}

func (passthrough) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (passthrough) Decompress(data []byte, originalSize int) ([]byte, error) {
	if len(data) != originalSize {
		return nil, fmt.Errorf("frame size %d does not match expected %d", len(data), originalSize)
	}
	return data, nil
}

func (passthrough) Algorithm() string { return AlgorithmNone }

func (passthrough) Close() error { return nil }
