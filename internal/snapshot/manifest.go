// Package snapshot writes and reads the point-in-time export shipped by a
// full sync. A snapshot is a sequence of sealed frames described by a
// manifest that travels separately in the session handshake.
package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/p2p-db-sync/dbsync/internal/replica"
)

// FormatVersion is bumped on incompatible frame layout changes
const FormatVersion = 1

var (
	// ErrCorrupt is returned when the frame stream does not match its manifest
	ErrCorrupt = errors.New("snapshot is corrupt")
	// ErrVersion is returned for a manifest written by an incompatible node
	ErrVersion = errors.New("unsupported snapshot format version")
)

// Manifest describes a snapshot
type Manifest struct {
	FormatVersion int                  `json:"format_version"`
	SessionID     string               `json:"session_id"`
	SourceNodeID  string               `json:"source_node_id"`
	CreatedAt     time.Time            `json:"created_at"`
	HighWater     int64                `json:"high_water"` // source log sequence the snapshot covers
	Compression   string               `json:"compression"`
	Frames        int                  `json:"frames"`
	Size          int64                `json:"size"`
	Digest        string               `json:"digest"` // BLAKE3 of the frame stream
	Tables        []replica.TableStats `json:"tables"`
}

// TotalRows returns the number of rows across all tables
func (m *Manifest) TotalRows() int64 {
	var n int64
	for _, t := range m.Tables {
		n += t.Rows
	}
	return n
}

// Validate checks the manifest is usable for a restore of sessionID
func (m *Manifest) Validate(sessionID string) error {
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: %d", ErrVersion, m.FormatVersion)
	}
	if m.SessionID != sessionID {
		return fmt.Errorf("%w: manifest for session %s", ErrCorrupt, m.SessionID)
	}
	if m.Frames < 0 || m.Size < 0 {
		return fmt.Errorf("%w: negative frame count or size", ErrCorrupt)
	}
	return nil
}

// FrameKind tells rows from record versions
type FrameKind string

const (
	FrameVersions FrameKind = "versions"
	FrameRows     FrameKind = "rows"
)

// Version is the last-writer-wins version of one exported record
type Version struct {
	RecordID     string `json:"record_id"`
	OccurredAt   int64  `json:"occurred_at"`
	SourceNodeID string `json:"source_node_id"`
	EventID      string `json:"event_id"`
	Deleted      bool   `json:"deleted,omitempty"`
}

// Frame is one batch of a single table. For every table all version
// frames precede its row frames. Rows hold replica payload encodings so
// integer keys survive the round trip.
type Frame struct {
	Table    string            `json:"table"`
	Kind     FrameKind         `json:"kind"`
	Versions []Version         `json:"versions,omitempty"`
	Rows     []json.RawMessage `json:"rows,omitempty"`
}
