package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// GzipCompressor writes gzip members, one per frame. Writers are pooled
// because a snapshot compresses thousands of small frames.
type GzipCompressor struct {
	level   int
	writers sync.Pool
}

// NewGzipCompressor creates a gzip compressor at level 1-9
func NewGzipCompressor(level int) (*GzipCompressor, error) {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		return nil, fmt.Errorf("gzip level must be between 1 and 9, got %d", level)
	}
	return &GzipCompressor{level: level}, nil
}

// Compress compresses one frame
func (g *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, _ := g.writers.Get().(*gzip.Writer)
	if w == nil {
		var err error
		if w, err = gzip.NewWriterLevel(&buf, g.level); err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
	} else {
		w.Reset(&buf)
	}
	defer g.writers.Put(w)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip member: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates one frame, rejecting output that is not exactly
// originalSize bytes
func (g *GzipCompressor) Decompress(data []byte, originalSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip frame: %w", err)
	}
	defer r.Close()

	out := make([]byte, originalSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}
	if n, _ := r.Read(make([]byte, 1)); n != 0 {
		return nil, fmt.Errorf("decompressed frame exceeds expected %d bytes", originalSize)
	}
	return out, nil
}

// Algorithm returns "gzip"
func (g *GzipCompressor) Algorithm() string {
	return "gzip"
}

// Close is a no-op
func (g *GzipCompressor) Close() error {
	return nil
}
