// Package compression compresses snapshot frames. Frames record their
// original size, so block formats that do not store it can still be
// decompressed exactly.
package compression

// Compressor compresses and restores individual snapshot frames
type Compressor interface {
	// Compress compresses one frame
	Compress(data []byte) ([]byte, error)

	// Decompress restores data that was originalSize bytes before compression
	Decompress(data []byte, originalSize int) ([]byte, error)

	// Algorithm returns the algorithm name
	Algorithm() string

	// Close releases encoder state
	Close() error
}
