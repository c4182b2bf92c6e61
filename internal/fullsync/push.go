package fullsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/p2p-db-sync/dbsync/internal/network"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
)

// runPush exports a local snapshot and has the peer restore it
func (m *Manager) runPush(ctx context.Context, s *Session, peer discovery.PeerRecord) error {
	conn, err := m.open(ctx, peer)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := s.transition(eventBackup, m.now()); err != nil {
		return err
	}
	manifest, err := m.exportSpool(ctx, s, m.opts.Verify == "checksums")
	if err != nil {
		return fmt.Errorf("snapshot export failed: %w", err)
	}

	err = conn.Send(messages.TypeRestoreRequest, messages.RestoreRequestMessage{
		Manifest: manifest,
		Verify:   m.opts.Verify,
	})
	if err != nil {
		return err
	}
	// The peer answers once it holds its lock and is ready for the bytes.
	var ready messages.RestoreProgressMessage
	if err := conn.Expect(messages.TypeRestoreProgress, &ready); err != nil {
		return fmt.Errorf("peer refused the restore: %w", network.Translate(err))
	}

	if err := s.transition(eventTransfer, m.now()); err != nil {
		return err
	}
	if err := m.sendSpool(ctx, s, conn.Writer(), manifest.Size); err != nil {
		return err
	}

	for {
		msg, err := conn.Receive()
		if err != nil {
			return fmt.Errorf("lost peer during restore: %w", err)
		}
		switch msg.Type {
		case messages.TypeRestoreProgress:
			var p messages.RestoreProgressMessage
			if err := msg.Decode(&p); err != nil {
				return err
			}
			m.followRemote(s, &p)
		case messages.TypeRestoreResult:
			var res messages.RestoreResultMessage
			if err := msg.Decode(&res); err != nil {
				return err
			}
			s.setRows(res.RowsApplied, m.now())
			s.setReport(res.VerifyReport)
			if res.Error != "" {
				return errors.New("peer restore failed: " + res.Error)
			}
			return nil
		default:
			return fmt.Errorf("peer restore failed: %w", transport.ExpectMessage(msg, messages.TypeRestoreResult, nil))
		}
	}
}

// followRemote mirrors the peer's restore phase locally
func (m *Manager) followRemote(s *Session, p *messages.RestoreProgressMessage) {
	now := m.now()
	switch Status(p.Phase) {
	case StatusRestoring:
		if s.Status() == StatusTransferring {
			s.transition(eventRestore, now)
		}
	case StatusVerifying:
		if s.Status() == StatusRestoring {
			s.mu.Lock()
			s.committed = true
			s.mu.Unlock()
			s.transition(eventVerify, now)
		}
	}
	s.setRows(p.RowsApplied, now)
}
