package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChangeEventRow is one persisted change event
type ChangeEventRow struct {
	Seq          int64
	EventID      string
	SourceNodeID string
	TableName    string
	RecordID     string
	Operation    string
	Payload      []byte
	OccurredAt   int64 // unix microseconds
	RecordedAt   time.Time
}

// NextSequence allocates the next log sequence number. The row lock taken
// by the UPDATE is held until q commits, so sequence order equals commit
// order and a reader never observes seq n+1 before seq n.
func (d *DB) NextSequence(ctx context.Context, q DBTX) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		`UPDATE sync_log_clock SET last_seq = last_seq + 1 WHERE id = 1 RETURNING last_seq`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

// InsertChangeEvent appends an event at the sequence already allocated
func (d *DB) InsertChangeEvent(ctx context.Context, q DBTX, ev *ChangeEventRow) error {
	query := d.Rebind(`
	INSERT INTO sync_change_log (
		seq, event_id, source_node_id, table_name, record_id,
		operation, payload, occurred_at, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := q.ExecContext(ctx, query,
		ev.Seq, ev.EventID, ev.SourceNodeID, ev.TableName, ev.RecordID,
		ev.Operation, ev.Payload, ev.OccurredAt, toMicros(ev.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change event: %w", err)
	}
	return nil
}

// HasEvent reports whether an event id is already in the local log
func (d *DB) HasEvent(ctx context.Context, q DBTX, eventID string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, d.Rebind(`SELECT COUNT(*) FROM sync_change_log WHERE event_id = ?`), eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up event: %w", err)
	}
	return n > 0, nil
}

// ChangeEventsSince returns up to limit events with seq > since in ascending order
func (d *DB) ChangeEventsSince(ctx context.Context, q DBTX, since int64, limit int) ([]*ChangeEventRow, error) {
	query := d.Rebind(`
	SELECT seq, event_id, source_node_id, table_name, record_id,
		operation, payload, occurred_at, recorded_at
	FROM sync_change_log
	WHERE seq > ?
	ORDER BY seq ASC
	LIMIT ?`)

	rows, err := q.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	return scanChangeEvents(rows)
}

func scanChangeEvents(rows *sql.Rows) ([]*ChangeEventRow, error) {
	var events []*ChangeEventRow
	for rows.Next() {
		var (
			ev         ChangeEventRow
			recordedAt int64
		)
		if err := rows.Scan(
			&ev.Seq, &ev.EventID, &ev.SourceNodeID, &ev.TableName, &ev.RecordID,
			&ev.Operation, &ev.Payload, &ev.OccurredAt, &recordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan change event: %w", err)
		}
		ev.RecordedAt = fromMicros(recordedAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// LogHighWater returns the last allocated sequence number
func (d *DB) LogHighWater(ctx context.Context, q DBTX) (int64, error) {
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT last_seq FROM sync_log_clock WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read log high water: %w", err)
	}
	return seq, nil
}

// LastOccurredAt returns the largest occurred_at in the log, or 0
func (d *DB) LastOccurredAt(ctx context.Context, q DBTX) (int64, error) {
	var v sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT MAX(occurred_at) FROM sync_change_log`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read last occurred_at: %w", err)
	}
	return v.Int64, nil
}

// DeleteChangeEventsThrough removes events with seq <= through and returns the count
func (d *DB) DeleteChangeEventsThrough(ctx context.Context, q DBTX, through int64) (int64, error) {
	res, err := q.ExecContext(ctx, d.Rebind(`DELETE FROM sync_change_log WHERE seq <= ?`), through)
	if err != nil {
		return 0, fmt.Errorf("failed to compact change log: %w", err)
	}
	return res.RowsAffected()
}

// CountChangeEvents returns the number of retained events
func (d *DB) CountChangeEvents(ctx context.Context, q DBTX) (int64, error) {
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_change_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count change log: %w", err)
	}
	return n, nil
}
