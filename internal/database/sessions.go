package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when no session has the requested id
var ErrSessionNotFound = errors.New("session not found")

// terminalStatuses is kept in sync with the full sync state machine
const terminalStatuses = `('COMPLETED', 'FAILED', 'CANCELLED')`

// SessionRecord is the persisted form of a full sync session
type SessionRecord struct {
	SessionID        string
	Direction        string
	PeerNodeID       string
	Status           string
	BytesTransferred int64
	TotalBytes       int64
	RowsApplied      int64
	TotalRows        int64
	StartedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	Error            string
	VerifyReport     string
}

const sessionColumns = `session_id, direction, peer_node_id, status, bytes_transferred, total_bytes,
	rows_applied, total_rows, started_at, updated_at, completed_at, error, verify_report`

// InsertSession creates a session row
func (d *DB) InsertSession(ctx context.Context, q DBTX, s *SessionRecord) error {
	query := d.Rebind(`INSERT INTO sync_sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := q.ExecContext(ctx, query, sessionArgs(s)...)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// UpdateSession persists status, progress and outcome fields
func (d *DB) UpdateSession(ctx context.Context, q DBTX, s *SessionRecord) error {
	query := d.Rebind(`
	UPDATE sync_sessions SET
		status = ?, bytes_transferred = ?, total_bytes = ?, rows_applied = ?, total_rows = ?,
		updated_at = ?, completed_at = ?, error = ?, verify_report = ?
	WHERE session_id = ?`)

	var completedAt any
	if s.CompletedAt != nil {
		completedAt = toMicros(*s.CompletedAt)
	}
	res, err := q.ExecContext(ctx, query,
		s.Status, s.BytesTransferred, s.TotalBytes, s.RowsApplied, s.TotalRows,
		toMicros(s.UpdatedAt), completedAt, s.Error, s.VerifyReport, s.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetSession loads one session
func (d *DB) GetSession(ctx context.Context, q DBTX, sessionID string) (*SessionRecord, error) {
	row := q.QueryRowContext(ctx, d.Rebind(`SELECT `+sessionColumns+` FROM sync_sessions WHERE session_id = ?`), sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// ListSessions returns the most recent sessions first
func (d *DB) ListSessions(ctx context.Context, q DBTX, limit int) ([]*SessionRecord, error) {
	rows, err := q.QueryContext(ctx, d.Rebind(`SELECT `+sessionColumns+`
	FROM sync_sessions ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListActiveSessions returns every non-terminal session
func (d *DB) ListActiveSessions(ctx context.Context, q DBTX) ([]*SessionRecord, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sessionColumns+`
	FROM sync_sessions WHERE status NOT IN `+terminalStatuses+` ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ActiveSessionForPeer returns the non-terminal session against a peer, if any
func (d *DB) ActiveSessionForPeer(ctx context.Context, q DBTX, peerNodeID string) (*SessionRecord, error) {
	row := q.QueryRowContext(ctx, d.Rebind(`SELECT `+sessionColumns+`
	FROM sync_sessions WHERE peer_node_id = ? AND status NOT IN `+terminalStatuses+`
	ORDER BY started_at DESC LIMIT 1`), peerNodeID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		s                    SessionRecord
		startedAt, updatedAt int64
		completedAt          sql.NullInt64
	)
	err := row.Scan(&s.SessionID, &s.Direction, &s.PeerNodeID, &s.Status,
		&s.BytesTransferred, &s.TotalBytes, &s.RowsApplied, &s.TotalRows,
		&startedAt, &updatedAt, &completedAt, &s.Error, &s.VerifyReport)
	if err != nil {
		return nil, err
	}
	s.StartedAt = fromMicros(startedAt)
	s.UpdatedAt = fromMicros(updatedAt)
	if completedAt.Valid {
		t := fromMicros(completedAt.Int64)
		s.CompletedAt = &t
	}
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]*SessionRecord, error) {
	var out []*SessionRecord
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func sessionArgs(s *SessionRecord) []any {
	var completedAt any
	if s.CompletedAt != nil {
		completedAt = toMicros(*s.CompletedAt)
	}
	return []any{
		s.SessionID, s.Direction, s.PeerNodeID, s.Status, s.BytesTransferred, s.TotalBytes,
		s.RowsApplied, s.TotalRows, toMicros(s.StartedAt), toMicros(s.UpdatedAt), completedAt,
		s.Error, s.VerifyReport,
	}
}
