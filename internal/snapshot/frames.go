package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/zeebo/blake3"

	"github.com/p2p-db-sync/dbsync/internal/compression"
	"github.com/p2p-db-sync/dbsync/internal/crypto"
	"github.com/p2p-db-sync/dbsync/internal/hashing"
)

// MaxFrameSize bounds a single sealed frame
const MaxFrameSize = 64 << 20

// associatedData binds a frame to its session and position
func associatedData(sessionID string, index int) []byte {
	return []byte(sessionID + "/" + strconv.Itoa(index))
}

// FrameWriter encodes, compresses and seals frames onto w
type FrameWriter struct {
	w          *bufio.Writer
	hasher     *blake3.Hasher
	sealer     *crypto.Sealer
	compressor compression.Compressor
	sessionID  string
	frames     int
	size       int64
}

// NewFrameWriter creates a writer for sessionID
func NewFrameWriter(w io.Writer, sessionID string, sealer *crypto.Sealer, compressor compression.Compressor) *FrameWriter {
	hasher := hashing.NewHasher()
	return &FrameWriter{
		w:          bufio.NewWriterSize(io.MultiWriter(w, hasher), 256<<10),
		hasher:     hasher,
		sealer:     sealer,
		compressor: compressor,
		sessionID:  sessionID,
	}
}

// WriteFrame appends one frame
func (fw *FrameWriter) WriteFrame(f *Frame) error {
	plain, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", f.Table, err)
	}
	compressed, err := fw.compressor.Compress(plain)
	if err != nil {
		return fmt.Errorf("failed to compress %s frame: %w", f.Table, err)
	}

	body := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(compressed))
	body = body[:binary.PutUvarint(body, uint64(len(plain)))]
	body = append(body, compressed...)

	sealed, err := fw.sealer.Seal(body, associatedData(fw.sessionID, fw.frames))
	if err != nil {
		return err
	}
	if len(sealed) > MaxFrameSize {
		return fmt.Errorf("%s frame of %d bytes exceeds the frame limit", f.Table, len(sealed))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(sealed); err != nil {
		return err
	}
	fw.frames++
	fw.size += int64(len(hdr) + len(sealed))
	return nil
}

// Close flushes buffered frames
func (fw *FrameWriter) Close() error {
	return fw.w.Flush()
}

// Frames returns the number of frames written
func (fw *FrameWriter) Frames() int {
	return fw.frames
}

// Size returns the bytes written
func (fw *FrameWriter) Size() int64 {
	return fw.size
}

// Digest returns the BLAKE3 digest of everything flushed so far
func (fw *FrameWriter) Digest() string {
	return fmt.Sprintf("%x", fw.hasher.Sum(nil))
}

// FrameReader opens the frames listed in a manifest
type FrameReader struct {
	r            *bufio.Reader
	hasher       *blake3.Hasher
	manifest     *Manifest
	sealer       *crypto.Sealer
	decompressor compression.Compressor
	next         int
}

// NewFrameReader creates a reader for the frames described by m
func NewFrameReader(r io.Reader, m *Manifest, sealer *crypto.Sealer) (*FrameReader, error) {
	d, err := compression.NewDecompressor(m.Compression)
	if err != nil {
		return nil, err
	}
	hasher := hashing.NewHasher()
	return &FrameReader{
		r:            bufio.NewReaderSize(io.TeeReader(io.LimitReader(r, m.Size), hasher), 256<<10),
		hasher:       hasher,
		manifest:     m,
		sealer:       sealer,
		decompressor: d,
	}, nil
}

// Next returns the next frame or io.EOF after the last one. At EOF the
// stream digest has been checked against the manifest.
func (fr *FrameReader) Next() (*Frame, error) {
	if fr.next >= fr.manifest.Frames {
		if got := fmt.Sprintf("%x", fr.hasher.Sum(nil)); got != fr.manifest.Digest {
			return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
		}
		return nil, io.EOF
	}

	var hdr [4]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: frame %d header: %v", ErrCorrupt, fr.next, err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame %d of %d bytes", ErrCorrupt, fr.next, n)
	}
	sealed := make([]byte, n)
	if _, err := io.ReadFull(fr.r, sealed); err != nil {
		return nil, fmt.Errorf("%w: frame %d body: %v", ErrCorrupt, fr.next, err)
	}

	body, err := fr.sealer.Open(sealed, associatedData(fr.manifest.SessionID, fr.next))
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrCorrupt, fr.next, err)
	}
	size, k := binary.Uvarint(body)
	if k <= 0 || size > MaxFrameSize*4 {
		return nil, fmt.Errorf("%w: frame %d size prefix", ErrCorrupt, fr.next)
	}
	plain, err := fr.decompressor.Decompress(body[k:], int(size))
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrCorrupt, fr.next, err)
	}

	var f Frame
	if err := json.Unmarshal(plain, &f); err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrCorrupt, fr.next, err)
	}
	fr.next++
	return &f, nil
}

// Close releases the decompressor
func (fr *FrameReader) Close() error {
	return fr.decompressor.Close()
}
