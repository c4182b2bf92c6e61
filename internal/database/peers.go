package database

import (
	"context"
	"fmt"
	"time"
)

// PeerInfo is the cached last known location of a peer. The cache only
// seeds discovery at start; it is never treated as proof of liveness.
type PeerInfo struct {
	NodeID     string
	Name       string
	Address    string
	Port       int
	LastSeenAt time.Time
	Source     string // "broadcast", "mdns" or "static"
}

// UpsertPeer inserts or updates a cached peer
func (d *DB) UpsertPeer(ctx context.Context, q DBTX, peer *PeerInfo) error {
	query := d.Rebind(`
	INSERT INTO sync_peers (node_id, name, address, port, last_seen_at, source)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (node_id) DO UPDATE SET
		name = excluded.name,
		address = excluded.address,
		port = excluded.port,
		last_seen_at = excluded.last_seen_at,
		source = excluded.source`)

	_, err := q.ExecContext(ctx, query,
		peer.NodeID, peer.Name, peer.Address, peer.Port, toMicros(peer.LastSeenAt), peer.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert peer: %w", err)
	}
	return nil
}

// ListPeers returns all cached peers
func (d *DB) ListPeers(ctx context.Context, q DBTX) ([]*PeerInfo, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT node_id, name, address, port, last_seen_at, source
	FROM sync_peers ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []*PeerInfo
	for rows.Next() {
		var (
			p        PeerInfo
			lastSeen int64
		)
		if err := rows.Scan(&p.NodeID, &p.Name, &p.Address, &p.Port, &lastSeen, &p.Source); err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		p.LastSeenAt = fromMicros(lastSeen)
		peers = append(peers, &p)
	}
	return peers, rows.Err()
}

// DeletePeer removes a cached peer
func (d *DB) DeletePeer(ctx context.Context, q DBTX, nodeID string) error {
	if _, err := q.ExecContext(ctx, d.Rebind(`DELETE FROM sync_peers WHERE node_id = ?`), nodeID); err != nil {
		return fmt.Errorf("failed to delete peer: %w", err)
	}
	return nil
}
