package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Watermark is the per-peer progress of incremental sync
type Watermark struct {
	PeerNodeID       string
	LastApplied      int64 // peer's log sequence applied locally
	LastAcknowledged int64 // our log sequence the peer confirmed applying
	UpdatedAt        time.Time
}

// GetWatermark returns the watermark for a peer; an unknown peer starts at zero
func (d *DB) GetWatermark(ctx context.Context, q DBTX, peerNodeID string) (*Watermark, error) {
	query := d.Rebind(`
	SELECT peer_node_id, last_applied, last_acknowledged, updated_at
	FROM sync_watermarks WHERE peer_node_id = ?`)

	var (
		w         Watermark
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, query, peerNodeID).Scan(&w.PeerNodeID, &w.LastApplied, &w.LastAcknowledged, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Watermark{PeerNodeID: peerNodeID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watermark: %w", err)
	}
	w.UpdatedAt = fromMicros(updatedAt)
	return &w, nil
}

// AdvanceApplied moves last_applied forward to seq. Lower values are ignored,
// so the mark never decreases.
func (d *DB) AdvanceApplied(ctx context.Context, q DBTX, peerNodeID string, seq int64, now time.Time) error {
	query := d.Rebind(`
	INSERT INTO sync_watermarks (peer_node_id, last_applied, last_acknowledged, updated_at)
	VALUES (?, ?, 0, ?)
	ON CONFLICT (peer_node_id) DO UPDATE SET
		last_applied = excluded.last_applied,
		updated_at = excluded.updated_at
	WHERE sync_watermarks.last_applied < excluded.last_applied`)

	if _, err := q.ExecContext(ctx, query, peerNodeID, seq, toMicros(now)); err != nil {
		return fmt.Errorf("failed to advance applied watermark: %w", err)
	}
	return nil
}

// AdvanceAcknowledged moves last_acknowledged forward to seq
func (d *DB) AdvanceAcknowledged(ctx context.Context, q DBTX, peerNodeID string, seq int64, now time.Time) error {
	query := d.Rebind(`
	INSERT INTO sync_watermarks (peer_node_id, last_applied, last_acknowledged, updated_at)
	VALUES (?, 0, ?, ?)
	ON CONFLICT (peer_node_id) DO UPDATE SET
		last_acknowledged = excluded.last_acknowledged,
		updated_at = excluded.updated_at
	WHERE sync_watermarks.last_acknowledged < excluded.last_acknowledged`)

	if _, err := q.ExecContext(ctx, query, peerNodeID, seq, toMicros(now)); err != nil {
		return fmt.Errorf("failed to advance acknowledged watermark: %w", err)
	}
	return nil
}

// ListWatermarks returns every peer watermark
func (d *DB) ListWatermarks(ctx context.Context, q DBTX) ([]*Watermark, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT peer_node_id, last_applied, last_acknowledged, updated_at
	FROM sync_watermarks ORDER BY peer_node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list watermarks: %w", err)
	}
	defer rows.Close()

	var out []*Watermark
	for rows.Next() {
		var (
			w         Watermark
			updatedAt int64
		)
		if err := rows.Scan(&w.PeerNodeID, &w.LastApplied, &w.LastAcknowledged, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watermark: %w", err)
		}
		w.UpdatedAt = fromMicros(updatedAt)
		out = append(out, &w)
	}
	return out, rows.Err()
}

// AcknowledgedFloor returns the lowest acknowledged sequence over the
// given peers. A peer without a watermark row counts as zero, as does an
// empty peer list.
func (d *DB) AcknowledgedFloor(ctx context.Context, q DBTX, peerNodeIDs []string) (int64, error) {
	if len(peerNodeIDs) == 0 {
		return 0, nil
	}
	marks, err := d.ListWatermarks(ctx, q)
	if err != nil {
		return 0, err
	}
	acked := make(map[string]int64, len(marks))
	for _, w := range marks {
		acked[w.PeerNodeID] = w.LastAcknowledged
	}

	floor := int64(-1)
	for _, id := range peerNodeIDs {
		v, ok := acked[id]
		if !ok {
			return 0, nil
		}
		if floor < 0 || v < floor {
			floor = v
		}
	}
	return floor, nil
}

// DeleteWatermark forgets the sync progress of a peer
func (d *DB) DeleteWatermark(ctx context.Context, q DBTX, peerNodeID string) error {
	if _, err := q.ExecContext(ctx, d.Rebind(`DELETE FROM sync_watermarks WHERE peer_node_id = ?`), peerNodeID); err != nil {
		return fmt.Errorf("failed to delete watermark: %w", err)
	}
	return nil
}
