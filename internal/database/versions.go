package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecordVersion is the winning version of one replicated record. It is the
// reference point for last-writer-wins and doubles as a tombstone after a
// delete.
type RecordVersion struct {
	TableName    string
	RecordID     string
	OccurredAt   int64
	SourceNodeID string
	EventID      string
	Deleted      bool
}

// GetRecordVersion returns the current version or nil if the record was never seen
func (d *DB) GetRecordVersion(ctx context.Context, q DBTX, table, recordID string) (*RecordVersion, error) {
	query := d.Rebind(`
	SELECT table_name, record_id, occurred_at, source_node_id, event_id, deleted
	FROM sync_record_versions
	WHERE table_name = ? AND record_id = ?`)

	var v RecordVersion
	err := q.QueryRowContext(ctx, query, table, recordID).Scan(
		&v.TableName, &v.RecordID, &v.OccurredAt, &v.SourceNodeID, &v.EventID, &v.Deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record version: %w", err)
	}
	return &v, nil
}

// PutRecordVersion stores v as the current version
func (d *DB) PutRecordVersion(ctx context.Context, q DBTX, v *RecordVersion) error {
	query := d.Rebind(`
	INSERT INTO sync_record_versions (
		table_name, record_id, occurred_at, source_node_id, event_id, deleted
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (table_name, record_id) DO UPDATE SET
		occurred_at = excluded.occurred_at,
		source_node_id = excluded.source_node_id,
		event_id = excluded.event_id,
		deleted = excluded.deleted`)

	_, err := q.ExecContext(ctx, query,
		v.TableName, v.RecordID, v.OccurredAt, v.SourceNodeID, v.EventID, v.Deleted,
	)
	if err != nil {
		return fmt.Errorf("failed to put record version: %w", err)
	}
	return nil
}

// RecordVersionsForTable streams every version of one table to fn. When
// excludedIDs is non-empty it is a subquery yielding record ids (as text)
// whose versions must be skipped.
func (d *DB) RecordVersionsForTable(ctx context.Context, q DBTX, table, excludedIDs string, fn func(*RecordVersion) error) error {
	query := `
	SELECT table_name, record_id, occurred_at, source_node_id, event_id, deleted
	FROM sync_record_versions
	WHERE table_name = ?`
	if excludedIDs != "" {
		query += ` AND record_id NOT IN (` + excludedIDs + `)`
	}
	query += ` ORDER BY record_id`

	rows, err := q.QueryContext(ctx, d.Rebind(query), table)
	if err != nil {
		return fmt.Errorf("failed to query record versions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v RecordVersion
		if err := rows.Scan(&v.TableName, &v.RecordID, &v.OccurredAt, &v.SourceNodeID, &v.EventID, &v.Deleted); err != nil {
			return fmt.Errorf("failed to scan record version: %w", err)
		}
		if err := fn(&v); err != nil {
			return err
		}
	}
	return rows.Err()
}
