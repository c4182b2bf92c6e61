package fullsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/hashing"
	"github.com/p2p-db-sync/dbsync/internal/network/flowcontrol"
	"github.com/p2p-db-sync/dbsync/internal/observability"
	"github.com/p2p-db-sync/dbsync/internal/replica"
	"github.com/p2p-db-sync/dbsync/internal/snapshot"
)

// exportSpool writes a local snapshot for sessionID into the spool file
func (m *Manager) exportSpool(ctx context.Context, s *Session, checksums bool) (*snapshot.Manifest, error) {
	sealer, err := m.sealer(s.id)
	if err != nil {
		return nil, err
	}
	compressor, err := m.compressor()
	if err != nil {
		return nil, err
	}
	defer compressor.Close()

	f, err := m.createSpool(s)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	manifest, err := snapshot.Export(ctx, m.db, m.store, f, sealer, compressor, snapshot.ExportOptions{
		SessionID:    s.id,
		SourceNodeID: m.keys.LocalNodeID(),
		BatchSize:    m.opts.BatchSize,
		Checksums:    checksums,
		Progress:     func(rows int64) { s.setRows(rows, m.now()) },
	})
	if err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		return nil, err
	}
	s.setRows(0, m.now())
	s.setTotals(manifest.Size, manifest.TotalRows())
	return manifest, nil
}

// sendSpool streams the spool file to w at the shared bandwidth limit
func (m *Manager) sendSpool(ctx context.Context, s *Session, w io.Writer, size int64) error {
	if err := m.flow.AcquireTransferSlot(ctx, s.id); err != nil {
		return err
	}
	defer m.flow.ReleaseTransferSlot(s.id)

	f, err := os.Open(m.spoolPath(s))
	if err != nil {
		return fmt.Errorf("failed to open spool file: %w", err)
	}
	defer f.Close()

	counter := flowcontrol.NewCounter(size)
	s.attachTransfer(counter)
	n, err := io.Copy(counter.Writer(m.flow.Writer(ctx, w)), counter.Reader(ctx, f))
	observability.Add(m.metrics.FullSyncBytes, n)
	if err != nil {
		return fmt.Errorf("snapshot transfer interrupted: %w", err)
	}
	if n != size {
		return fmt.Errorf("snapshot transfer sent %d of %d bytes", n, size)
	}
	return nil
}

// receiveSpool copies exactly manifest.Size bytes from r into the spool
// file and checks them against the manifest digest
func (m *Manager) receiveSpool(ctx context.Context, s *Session, r io.Reader, manifest *snapshot.Manifest) error {
	f, err := m.createSpool(s)
	if err != nil {
		return err
	}
	defer f.Close()

	counter := flowcontrol.NewCounter(manifest.Size)
	s.attachTransfer(counter)
	tee := hashing.NewTeeReader(counter.Reader(ctx, io.LimitReader(r, manifest.Size)))
	n, err := io.Copy(f, tee)
	observability.Add(m.metrics.FullSyncBytes, n)
	if err != nil {
		return fmt.Errorf("snapshot transfer interrupted: %w", err)
	}
	if n != manifest.Size {
		return fmt.Errorf("snapshot transfer ended after %d of %d bytes", n, manifest.Size)
	}
	if tee.Sum() != manifest.Digest {
		return fmt.Errorf("%w: transferred bytes do not match the manifest digest", snapshot.ErrCorrupt)
	}
	return f.Sync()
}

// restoreSpool replays the spool file in one transaction. The session is
// marked committed as soon as the transaction commits.
func (m *Manager) restoreSpool(ctx context.Context, s *Session, manifest *snapshot.Manifest, sourceNodeID string, progress func(rows int64)) (*snapshot.RestoreResult, error) {
	sealer, err := m.sealer(s.id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(m.spoolPath(s))
	if err != nil {
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	defer f.Close()

	fr, err := snapshot.NewFrameReader(f, manifest, sealer)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	res, err := snapshot.Restore(ctx, m.db, m.log, fr, manifest, snapshot.RestoreOptions{
		PeerNodeID: sourceNodeID,
		Progress: func(rows int64) {
			s.setRows(rows, m.now())
			if progress != nil {
				progress(rows)
			}
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, fmt.Errorf("restore rolled back: %w", err)
		}
		return nil, err
	}

	s.mu.Lock()
	s.committed = true
	s.rows = res.RowsApplied
	s.mu.Unlock()
	observability.Add(m.metrics.FullSyncRows, res.RowsApplied)
	return res, nil
}

// verify compares local table statistics with the manifest and stores the
// report on the session. Mismatches are reported, never rolled back.
func (m *Manager) verify(ctx context.Context, s *Session, manifest *snapshot.Manifest, mode string) error {
	if mode == "none" {
		return nil
	}
	if err := s.transition(eventVerify, m.now()); err != nil {
		return err
	}
	reports, err := snapshot.Verify(ctx, m.db, m.store, manifest, mode == "checksums")
	if err != nil {
		return err
	}
	s.setReport(reports)
	if !replica.ReportsMatch(reports) {
		for _, r := range reports {
			if r.Match {
				continue
			}
			m.logger.Warn("Full sync verification mismatch",
				zap.String("session_id", s.id),
				zap.String("table", r.Table),
				zap.Int64("expected_rows", r.ExpectedRows),
				zap.Int64("actual_rows", r.ActualRows))
		}
	}
	return nil
}

func (m *Manager) createSpool(s *Session) (*os.File, error) {
	if err := os.MkdirAll(m.opts.SpoolDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	f, err := os.OpenFile(m.spoolPath(s), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	return f, nil
}
