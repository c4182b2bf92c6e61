package fullsync

import (
	"context"
	"fmt"
	"time"

	"github.com/p2p-db-sync/dbsync/internal/network"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
)

// runPull asks the peer for a snapshot and restores it locally
func (m *Manager) runPull(ctx context.Context, s *Session, peer discovery.PeerRecord) error {
	conn, err := m.open(ctx, peer)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := s.transition(eventBackup, m.now()); err != nil {
		return err
	}
	err = conn.Send(messages.TypeSnapshotRequest, messages.SnapshotRequestMessage{
		SessionID: s.id,
		Checksums: m.opts.Verify == "checksums",
	})
	if err != nil {
		return err
	}

	var hdr messages.SnapshotHeaderMessage
	if err := conn.Expect(messages.TypeSnapshotHeader, &hdr); err != nil {
		return fmt.Errorf("peer failed to export snapshot: %w", network.Translate(err))
	}
	if hdr.Manifest == nil {
		return fmt.Errorf("peer sent a snapshot header without manifest")
	}
	manifest := hdr.Manifest
	if err := manifest.Validate(s.id); err != nil {
		return err
	}
	s.setTotals(manifest.Size, manifest.TotalRows())

	if err := s.transition(eventTransfer, m.now()); err != nil {
		return err
	}
	if err := m.receiveSpool(ctx, s, conn.Reader(), manifest); err != nil {
		return err
	}
	conn.Close()

	if err := s.transition(eventRestore, m.now()); err != nil {
		return err
	}
	if _, err := m.restoreSpool(ctx, s, manifest, peer.NodeID, nil); err != nil {
		return err
	}
	return m.verify(context.WithoutCancel(ctx), s, manifest, m.opts.Verify)
}

func (m *Manager) open(ctx context.Context, peer discovery.PeerRecord) (*transport.Conn, error) {
	m.mu.Lock()
	opener := m.opener
	m.mu.Unlock()
	conn, err := opener.Open(ctx, peer.Endpoint(), peer.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to reach peer: %w", err)
	}
	// A transfer may outlast the exchange deadline. Closing the stream
	// unblocks reads and writes once the session is cancelled or cleared.
	conn.SetDeadline(time.Time{})
	context.AfterFunc(ctx, func() { conn.Close() })
	return conn, nil
}
