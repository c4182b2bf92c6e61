package hashing

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Sum returns the hex BLAKE3 digest of data
func Sum(data []byte) string {
	h := blake3.Sum256(data)
	return hex.EncodeToString(h[:])
}

// NewHasher creates a new BLAKE3 hasher for streaming
func NewHasher() *blake3.Hasher {
	return blake3.New()
}

// SumReader hashes everything read from r
func SumReader(r io.Reader) (string, int64, error) {
	if r == nil {
		return "", 0, fmt.Errorf("reader cannot be nil")
	}
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// TeeReader hashes the bytes passing through it
type TeeReader struct {
	r io.Reader
	h *blake3.Hasher
}

// NewTeeReader wraps r
func NewTeeReader(r io.Reader) *TeeReader {
	return &TeeReader{r: r, h: blake3.New()}
}

// Read implements io.Reader
func (t *TeeReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex digest of everything read so far
func (t *TeeReader) Sum() string {
	return hex.EncodeToString(t.h.Sum(nil))
}
