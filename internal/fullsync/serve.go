package fullsync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
	"github.com/p2p-db-sync/dbsync/internal/snapshot"
)

// ServeSnapshot exports a snapshot for a peer pulling from us and streams
// it over conn. The export holds the local lock for the pulling peer, so
// neither side can start another session in the pair meanwhile.
func (m *Manager) ServeSnapshot(ctx context.Context, conn *transport.Conn, req *messages.SnapshotRequestMessage) error {
	if req.SessionID == "" {
		return fmt.Errorf("snapshot request without session id")
	}
	s := newSession(req.SessionID, DirectionPull, conn.PeerID, true, m.now())
	s.spool = "dbsync-" + req.SessionID + ".out.snap"
	if err := m.claim(ctx, s); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	m.track(s)
	context.AfterFunc(runCtx, func() { conn.Close() })

	m.metrics.FullSyncActive.Add(ctx, 1)
	defer m.metrics.FullSyncActive.Add(context.Background(), -1)

	logger := m.logger.With(zap.String("session_id", s.id), zap.String("peer_id", conn.PeerID))
	logger.Info("Exporting snapshot for peer")

	stopHeartbeat := m.heartbeat(s)
	manifest, err := m.serveSnapshot(runCtx, conn, s, req.Checksums)
	stopHeartbeat()
	m.finish(s, err)
	close(s.done)
	if err != nil {
		return err
	}
	logger.Info("Snapshot sent",
		zap.Int64("bytes", manifest.Size),
		zap.Int64("rows", manifest.TotalRows()))
	return nil
}

func (m *Manager) serveSnapshot(ctx context.Context, conn *transport.Conn, s *Session, checksums bool) (*snapshot.Manifest, error) {
	if err := s.transition(eventBackup, m.now()); err != nil {
		return nil, err
	}
	manifest, err := m.exportSpool(ctx, s, checksums)
	if err != nil {
		return nil, fmt.Errorf("snapshot export failed: %w", err)
	}
	if err := s.transition(eventTransfer, m.now()); err != nil {
		return nil, err
	}
	if err := conn.Send(messages.TypeSnapshotHeader, messages.SnapshotHeaderMessage{Manifest: manifest}); err != nil {
		return nil, err
	}
	if err := m.sendSpool(ctx, s, conn.Writer(), manifest.Size); err != nil {
		return nil, err
	}
	return manifest, nil
}

// ServeRestore receives a snapshot a peer pushes and restores it. The
// push holds the local lock for the pushing peer until it ends.
func (m *Manager) ServeRestore(ctx context.Context, conn *transport.Conn, req *messages.RestoreRequestMessage) error {
	manifest := req.Manifest
	if manifest == nil {
		return fmt.Errorf("restore request without manifest")
	}
	if err := manifest.Validate(manifest.SessionID); err != nil {
		return err
	}
	verify := req.Verify
	switch verify {
	case "none", "counts", "checksums":
	default:
		verify = "counts"
	}

	s := newSession(manifest.SessionID, DirectionPush, conn.PeerID, true, m.now())
	if err := m.claim(ctx, s); err != nil {
		if errors.Is(err, ErrSessionActive) {
			return fmt.Errorf("%w: %v", ErrRestoreInProgress, err)
		}
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel
	m.track(s)
	context.AfterFunc(runCtx, func() { conn.Close() })

	m.metrics.FullSyncActive.Add(ctx, 1)
	defer m.metrics.FullSyncActive.Add(context.Background(), -1)

	m.logger.Info("Receiving pushed snapshot",
		zap.String("session_id", s.id),
		zap.String("peer_id", conn.PeerID),
		zap.Int64("bytes", manifest.Size))

	stopHeartbeat := m.heartbeat(s)
	err := m.serveRestore(runCtx, conn, s, manifest, verify)
	stopHeartbeat()
	if err != nil && runCtx.Err() == nil {
		conn.Send(messages.TypeRestoreResult, messages.RestoreResultMessage{Error: err.Error()})
	}
	m.finish(s, err)
	close(s.done)
	return err
}

func (m *Manager) serveRestore(ctx context.Context, conn *transport.Conn, s *Session, manifest *snapshot.Manifest, verify string) error {
	s.setTotals(manifest.Size, manifest.TotalRows())
	if err := s.transition(eventBackup, m.now()); err != nil {
		return err
	}
	if err := s.transition(eventTransfer, m.now()); err != nil {
		return err
	}

	sendPhase := func(phase Status, rows int64) error {
		return conn.Send(messages.TypeRestoreProgress, messages.RestoreProgressMessage{
			Phase:       string(phase),
			RowsApplied: rows,
			TotalRows:   manifest.TotalRows(),
		})
	}
	if err := sendPhase(StatusTransferring, 0); err != nil {
		return err
	}
	if err := m.receiveSpool(ctx, s, conn.Reader(), manifest); err != nil {
		return err
	}

	if err := s.transition(eventRestore, m.now()); err != nil {
		return err
	}
	if err := sendPhase(StatusRestoring, 0); err != nil {
		return err
	}
	res, err := m.restoreSpool(ctx, s, manifest, conn.PeerID, func(rows int64) {
		sendPhase(StatusRestoring, rows)
	})
	if err != nil {
		return err
	}

	if verify != "none" {
		sendPhase(StatusVerifying, res.RowsApplied)
	}
	if err := m.verify(context.WithoutCancel(ctx), s, manifest, verify); err != nil {
		return err
	}

	p := s.progress(m.now(), m.opts.StuckTimeout)
	return conn.Send(messages.TypeRestoreResult, messages.RestoreResultMessage{
		RowsApplied:  res.RowsApplied,
		VerifyReport: p.VerifyReport,
	})
}
