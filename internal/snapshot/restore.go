package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/replica"
	"github.com/p2p-db-sync/dbsync/internal/sync/conflict"
)

// RestoreOptions tunes a restore
type RestoreOptions struct {
	// PeerNodeID is the snapshot source; its applied watermark is set to
	// the manifest high-water mark
	PeerNodeID string
	// Progress is called with the number of rows processed so far
	Progress func(rows int64)
}

// RestoreResult summarizes a restore
type RestoreResult struct {
	RowsApplied int64 // rows processed, whether they won or not
	RowsWritten int64 // rows that were newer than the local version
	Deleted     int64 // tombstones that removed a local row
}

// Restore replays a snapshot inside one transaction. Every row is an
// upsert that only overwrites older local versions, so replaying the same
// snapshot again changes nothing. Either every frame is applied or none is.
func Restore(ctx context.Context, db *database.DB, log *changelog.Log, fr *FrameReader, m *Manifest, opts RestoreOptions) (*RestoreResult, error) {
	res := &RestoreResult{}
	registry := log.Store().Registry()

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		*res = RestoreResult{}
		var (
			table    *replica.Table
			versions map[string]Version
			maxSeen  int64
		)

		finishTable := func() error {
			if table == nil {
				return nil
			}
			for id, v := range versions {
				if !v.Deleted {
					continue
				}
				outcome, err := log.ApplyVersion(ctx, tx, table, id, toConflict(v), true, nil)
				if err != nil {
					return err
				}
				if outcome == conflict.IncomingWins {
					res.Deleted++
				}
			}
			return nil
		}

		for {
			f, err := fr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}

			if table == nil || f.Table != table.Name {
				if err := finishTable(); err != nil {
					return err
				}
				if table, err = registry.Table(f.Table); err != nil {
					return err
				}
				versions = make(map[string]Version)
			}

			switch f.Kind {
			case FrameVersions:
				for _, v := range f.Versions {
					versions[v.RecordID] = v
					maxSeen = max(maxSeen, v.OccurredAt)
				}
			case FrameRows:
				for _, raw := range f.Rows {
					if err := restoreRow(ctx, db, log, tx, table, versions, raw, res); err != nil {
						return err
					}
				}
				if opts.Progress != nil {
					opts.Progress(res.RowsApplied)
				}
			default:
				return fmt.Errorf("%w: unknown frame kind %q", ErrCorrupt, f.Kind)
			}
		}
		if err := finishTable(); err != nil {
			return err
		}

		log.Observe(maxSeen)
		if opts.PeerNodeID != "" {
			return db.AdvanceApplied(ctx, tx, opts.PeerNodeID, m.HighWater, time.Now())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func restoreRow(ctx context.Context, db *database.DB, log *changelog.Log, tx *sql.Tx, t *replica.Table, versions map[string]Version, raw []byte, res *RestoreResult) error {
	row, err := replica.DecodePayload(raw)
	if err != nil {
		return fmt.Errorf("%w: %s row: %v", ErrCorrupt, t.Name, err)
	}
	key, ok := row[t.PrimaryKey]
	if !ok {
		return fmt.Errorf("%w: %s row without primary key", ErrCorrupt, t.Name)
	}
	id := replica.RecordID(key)
	res.RowsApplied++

	if v, ok := versions[id]; ok {
		delete(versions, id)
		outcome, err := log.ApplyVersion(ctx, tx, t, id, toConflict(v), false, row)
		if err != nil {
			return err
		}
		if outcome == conflict.IncomingWins {
			res.RowsWritten++
		}
		return nil
	}

	// The source never versioned this row. Keep any tracked local version.
	current, err := db.GetRecordVersion(ctx, tx, t.Name, id)
	if err != nil || current != nil {
		return err
	}
	if err := log.Store().Upsert(ctx, tx, t.Name, row); err != nil {
		return err
	}
	res.RowsWritten++
	return nil
}

func toConflict(v Version) conflict.Version {
	return conflict.Version{OccurredAt: v.OccurredAt, SourceNodeID: v.SourceNodeID, EventID: v.EventID}
}

// Verify recomputes table statistics with the same exclusion rules the
// export used and compares them with the manifest
func Verify(ctx context.Context, db *database.DB, store *replica.Store, m *Manifest, checksums bool) ([]replica.TableReport, error) {
	actual := make([]replica.TableStats, 0, len(m.Tables))
	for _, expected := range m.Tables {
		t, err := store.Registry().Table(expected.Table)
		if err != nil {
			return nil, err
		}
		stats, err := store.Stats(ctx, db.GetDB(), t, checksums && expected.Checksum != "")
		if err != nil {
			return nil, err
		}
		actual = append(actual, *stats)
	}
	return replica.CompareStats(m.Tables, actual), nil
}
