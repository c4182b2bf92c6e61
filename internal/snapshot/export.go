package snapshot

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/p2p-db-sync/dbsync/internal/compression"
	"github.com/p2p-db-sync/dbsync/internal/crypto"
	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/replica"
)

// ExportOptions tunes an export
type ExportOptions struct {
	SessionID    string
	SourceNodeID string
	BatchSize    int
	Checksums    bool
	// Progress is called with the number of rows written so far
	Progress func(rows int64)
}

// Export writes a consistent snapshot of every registered table to w.
// Rows matching a table's exclusion rule and their versions are left out.
func Export(ctx context.Context, db *database.DB, store *replica.Store, w io.Writer, sealer *crypto.Sealer, compressor compression.Compressor, opts ExportOptions) (*Manifest, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}

	tx, err := db.BeginSnapshotTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	high, err := db.LogHighWater(ctx, tx)
	if err != nil {
		return nil, err
	}

	fw := NewFrameWriter(w, opts.SessionID, sealer, compressor)
	m := &Manifest{
		FormatVersion: FormatVersion,
		SessionID:     opts.SessionID,
		SourceNodeID:  opts.SourceNodeID,
		CreatedAt:     time.Now().UTC(),
		HighWater:     high,
		Compression:   compressor.Algorithm(),
	}

	var written int64
	for _, t := range store.Registry().Tables() {
		versions := &Frame{Table: t.Name, Kind: FrameVersions}
		err := db.RecordVersionsForTable(ctx, tx, t.Name, replica.ExcludedIDs(t), func(v *database.RecordVersion) error {
			versions.Versions = append(versions.Versions, Version{
				RecordID:     v.RecordID,
				OccurredAt:   v.OccurredAt,
				SourceNodeID: v.SourceNodeID,
				EventID:      v.EventID,
				Deleted:      v.Deleted,
			})
			if len(versions.Versions) < opts.BatchSize {
				return nil
			}
			if err := fw.WriteFrame(versions); err != nil {
				return err
			}
			versions.Versions = versions.Versions[:0]
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(versions.Versions) > 0 {
			if err := fw.WriteFrame(versions); err != nil {
				return nil, err
			}
		}

		rows := &Frame{Table: t.Name, Kind: FrameRows}
		flushRows := func() error {
			if err := fw.WriteFrame(rows); err != nil {
				return err
			}
			written += int64(len(rows.Rows))
			rows.Rows = rows.Rows[:0]
			if opts.Progress != nil {
				opts.Progress(written)
			}
			return ctx.Err()
		}
		err = store.Export(ctx, tx, t, func(row replica.Row) error {
			data, err := replica.EncodePayload(row)
			if err != nil {
				return err
			}
			rows.Rows = append(rows.Rows, data)
			if len(rows.Rows) < opts.BatchSize {
				return nil
			}
			return flushRows()
		})
		if err != nil {
			return nil, err
		}
		if len(rows.Rows) > 0 {
			if err := flushRows(); err != nil {
				return nil, err
			}
		}

		stats, err := store.Stats(ctx, tx, t, opts.Checksums)
		if err != nil {
			return nil, err
		}
		m.Tables = append(m.Tables, *stats)
	}

	if err := fw.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush snapshot: %w", err)
	}
	m.Frames = fw.Frames()
	m.Size = fw.Size()
	m.Digest = fw.Digest()
	return m, nil
}
