package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned when another live session owns the peer lock
var ErrLockHeld = errors.New("peer lock held by another session")

// PeerLock excludes concurrent full syncs and incremental exchanges
// against one peer. It lives in the database so it survives restarts.
type PeerLock struct {
	PeerNodeID  string
	SessionID   string
	OwnerNodeID string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the lock no longer excludes anything at now
func (l *PeerLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// AcquirePeerLock takes the lock for peerNodeID. An existing lock is
// replaced only when it has expired or already belongs to sessionID.
func (d *DB) AcquirePeerLock(ctx context.Context, q DBTX, lock *PeerLock) error {
	query := d.Rebind(`
	INSERT INTO sync_locks (peer_node_id, session_id, owner_node_id, acquired_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (peer_node_id) DO UPDATE SET
		session_id = excluded.session_id,
		owner_node_id = excluded.owner_node_id,
		acquired_at = excluded.acquired_at,
		expires_at = excluded.expires_at
	WHERE sync_locks.expires_at <= ? OR sync_locks.session_id = excluded.session_id`)

	res, err := q.ExecContext(ctx, query,
		lock.PeerNodeID, lock.SessionID, lock.OwnerNodeID,
		toMicros(lock.AcquiredAt), toMicros(lock.ExpiresAt), toMicros(lock.AcquiredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to acquire peer lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to acquire peer lock: %w", err)
	}
	if n == 0 {
		return ErrLockHeld
	}
	return nil
}

// RefreshPeerLock extends the expiry of a lock still owned by sessionID
func (d *DB) RefreshPeerLock(ctx context.Context, q DBTX, peerNodeID, sessionID string, expiresAt time.Time) error {
	res, err := q.ExecContext(ctx, d.Rebind(`
	UPDATE sync_locks SET expires_at = ? WHERE peer_node_id = ? AND session_id = ?`),
		toMicros(expiresAt), peerNodeID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to refresh peer lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLockHeld
	}
	return nil
}

// ReleasePeerLock drops the lock if sessionID still owns it
func (d *DB) ReleasePeerLock(ctx context.Context, q DBTX, peerNodeID, sessionID string) error {
	_, err := q.ExecContext(ctx, d.Rebind(`DELETE FROM sync_locks WHERE peer_node_id = ? AND session_id = ?`),
		peerNodeID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to release peer lock: %w", err)
	}
	return nil
}

// GetPeerLock returns the current lock row or nil
func (d *DB) GetPeerLock(ctx context.Context, q DBTX, peerNodeID string) (*PeerLock, error) {
	var (
		l                     PeerLock
		acquiredAt, expiresAt int64
	)
	err := q.QueryRowContext(ctx, d.Rebind(`
	SELECT peer_node_id, session_id, owner_node_id, acquired_at, expires_at
	FROM sync_locks WHERE peer_node_id = ?`), peerNodeID).Scan(
		&l.PeerNodeID, &l.SessionID, &l.OwnerNodeID, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get peer lock: %w", err)
	}
	l.AcquiredAt = fromMicros(acquiredAt)
	l.ExpiresAt = fromMicros(expiresAt)
	return &l, nil
}

// PeerLocked reports whether an unexpired lock covers peerNodeID at now
func (d *DB) PeerLocked(ctx context.Context, q DBTX, peerNodeID string, now time.Time) (bool, error) {
	l, err := d.GetPeerLock(ctx, q, peerNodeID)
	if err != nil || l == nil {
		return false, err
	}
	return !l.Expired(now), nil
}
