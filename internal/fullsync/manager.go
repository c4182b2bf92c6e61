package fullsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/compression"
	"github.com/p2p-db-sync/dbsync/internal/crypto"
	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/network"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/flowcontrol"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
	"github.com/p2p-db-sync/dbsync/internal/observability"
	"github.com/p2p-db-sync/dbsync/internal/replica"
)

var (
	// ErrSessionActive is returned when the peer already has a live session
	ErrSessionActive = network.ErrSessionActive
	// ErrSessionNotFound is returned for an unknown session id
	ErrSessionNotFound = database.ErrSessionNotFound
	// ErrNotCancellable is returned once the restore has committed
	ErrNotCancellable = errors.New("session has committed its restore and can no longer be cancelled")
	// ErrRestoreInProgress is returned when cancelling a push the peer is restoring
	ErrRestoreInProgress = network.ErrRestoreInProgress
	// ErrNotStuck is returned when clearing a session that is still progressing
	ErrNotStuck = errors.New("session is not stuck")
	// ErrPeerUnavailable is returned when the peer is unknown or not healthy
	ErrPeerUnavailable = errors.New("peer is not known or not healthy")
	// ErrSessionFinished is returned when acting on a terminal session
	ErrSessionFinished = errors.New("session already finished")
)

// Opener opens authenticated streams to peers
type Opener interface {
	Open(ctx context.Context, address, expectedPeer string) (*transport.Conn, error)
}

// PeerLookup resolves peer node ids
type PeerLookup interface {
	Get(nodeID string) (discovery.PeerRecord, bool)
}

// Keys identifies the local node and derives per-session snapshot keys
type Keys interface {
	LocalNodeID() string
	SnapshotKey(sessionID string) ([]byte, error)
}

// Options tunes the manager
type Options struct {
	SpoolDir             string
	StuckTimeout         time.Duration
	LockTTL              time.Duration
	CompressionAlgorithm string
	CompressionLevel     int
	BandwidthLimit       int64
	MaxConcurrent        int
	BatchSize            int
	Verify               string // "none", "counts" or "checksums"
	Logger               *zap.Logger
	Metrics              *observability.Metrics
}

// Manager runs full sync sessions and serves the peer side of them
type Manager struct {
	db      *database.DB
	log     *changelog.Log
	store   *replica.Store
	keys    Keys
	peers   PeerLookup
	opener  Opener
	flow    *flowcontrol.FlowController
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager creates a manager
func NewManager(db *database.DB, log *changelog.Log, keys Keys, peers PeerLookup, opener Opener, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.SpoolDir == "" {
		opts.SpoolDir = os.TempDir()
	}
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = 10 * time.Minute
	}
	if opts.LockTTL < opts.StuckTimeout {
		opts.LockTTL = 2 * opts.StuckTimeout
	}
	if opts.CompressionAlgorithm == "" {
		opts.CompressionAlgorithm = "zstd"
		opts.CompressionLevel = 3
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.Verify == "" {
		opts.Verify = "counts"
	}
	return &Manager{
		db:       db,
		log:      log,
		store:    log.Store(),
		keys:     keys,
		peers:    peers,
		opener:   opener,
		flow:     flowcontrol.NewFlowController(opts.BandwidthLimit, opts.MaxConcurrent),
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetOpener replaces the stream opener
func (m *Manager) SetOpener(o Opener) {
	m.mu.Lock()
	m.opener = o
	m.mu.Unlock()
}

// SetBandwidthLimit changes the transfer rate limit of running and future sessions
func (m *Manager) SetBandwidthLimit(bytesPerSecond int64) {
	m.flow.SetBandwidth(bytesPerSecond)
}

// BandwidthLimit returns the transfer rate limit, zero when unlimited
func (m *Manager) BandwidthLimit() int64 {
	return m.flow.Bandwidth()
}

// Recover loads sessions left unfinished by a previous process. They have
// no running task and are reported as stuck until an operator clears them.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.db.ListActiveSessions(ctx, m.db.GetDB())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		s := sessionFromRecord(r)
		s.orphaned = true
		m.sessions[s.id] = s
		m.logger.Warn("Found unfinished full sync session",
			zap.String("session_id", s.id),
			zap.String("peer_id", s.peerID),
			zap.String("status", r.Status))
	}
	return nil
}

// Start begins a session against peerID. It fails with ErrSessionActive
// when the peer already has a non-terminal session.
func (m *Manager) Start(ctx context.Context, peerID string, direction Direction) (*Progress, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("unknown direction %q", direction)
	}
	peer, ok := m.peers.Get(peerID)
	if !ok || peer.Status != discovery.StatusHealthy {
		return nil, fmt.Errorf("%w: %s", ErrPeerUnavailable, peerID)
	}

	s := newSession(uuid.NewString(), direction, peerID, false, m.now())
	if err := m.claim(ctx, s); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	m.track(s)
	p := s.progress(m.now(), m.opts.StuckTimeout)

	m.wg.Add(1)
	go m.run(runCtx, s, peer)

	m.logger.Info("Full sync started",
		zap.String("session_id", s.id),
		zap.String("peer_id", peerID),
		zap.String("direction", string(direction)))
	return &p, nil
}

// claim takes the peer lock and persists the new session atomically
func (m *Manager) claim(ctx context.Context, s *Session) error {
	now := m.now()
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		active, err := m.db.ActiveSessionForPeer(ctx, tx, s.peerID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("%w: session %s is %s", ErrSessionActive, active.SessionID, active.Status)
		}
		err = m.db.AcquirePeerLock(ctx, tx, &database.PeerLock{
			PeerNodeID:  s.peerID,
			SessionID:   s.id,
			OwnerNodeID: m.keys.LocalNodeID(),
			AcquiredAt:  now,
			ExpiresAt:   now.Add(m.opts.LockTTL),
		})
		if errors.Is(err, database.ErrLockHeld) {
			return fmt.Errorf("%w: peer lock is held", ErrSessionActive)
		}
		if err != nil {
			return err
		}
		return m.db.InsertSession(ctx, tx, s.record())
	})
	return err
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
}

func (m *Manager) session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) run(ctx context.Context, s *Session, peer discovery.PeerRecord) {
	defer m.wg.Done()
	defer close(s.done)

	m.metrics.FullSyncActive.Add(ctx, 1)
	defer m.metrics.FullSyncActive.Add(context.Background(), -1)

	ctx, span := observability.StartSpan(ctx, "fullsync.session",
		attribute.String("session_id", s.id),
		attribute.String("peer_id", s.peerID),
		attribute.String("direction", string(s.direction)))

	stopHeartbeat := m.heartbeat(s)
	var err error
	switch s.direction {
	case DirectionPull:
		err = m.runPull(ctx, s, peer)
	case DirectionPush:
		err = m.runPush(ctx, s, peer)
	}
	stopHeartbeat()
	observability.EndSpan(span, err)
	m.finish(s, err)
}

// heartbeat persists progress and extends the peer lock while the session
// keeps moving. Progress callbacks never touch the database themselves
// because they can run inside the restore transaction.
func (m *Manager) heartbeat(s *Session) func() {
	interval := m.opts.StuckTimeout / 4
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last time.Time
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			s.mu.Lock()
			s.foldTransferLocked()
			moved := s.lastProgressAt.After(last)
			last = s.lastProgressAt
			terminal := s.status().Terminal()
			s.mu.Unlock()
			if !moved || terminal {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), interval*4)
			if err := m.db.UpdateSession(ctx, m.db.GetDB(), s.record()); err != nil {
				m.logger.Debug("Failed to persist session progress", zap.String("session_id", s.id), zap.Error(err))
			}
			if err := m.db.RefreshPeerLock(ctx, m.db.GetDB(), s.peerID, s.id, m.now().Add(m.opts.LockTTL)); err != nil {
				m.logger.Debug("Failed to refresh peer lock", zap.String("session_id", s.id), zap.Error(err))
			}
			cancel()
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// finish moves the session to its terminal state, persists it and
// releases the peer lock
func (m *Manager) finish(s *Session, runErr error) {
	now := m.now()
	logger := m.logger.With(zap.String("session_id", s.id), zap.String("peer_id", s.peerID))

	s.mu.Lock()
	alreadyTerminal := s.status().Terminal()
	switch {
	case alreadyTerminal:
	case runErr == nil:
		s.transitionLocked(eventComplete, now)
	case s.cancelRequested && !s.committed:
		s.transitionLocked(eventCancel, now)
		s.err = "cancelled by operator"
	default:
		s.err = runErr.Error()
		s.transitionLocked(eventFail, now)
	}
	status := s.status()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !alreadyTerminal {
		if err := m.db.UpdateSession(ctx, m.db.GetDB(), s.record()); err != nil {
			logger.Error("Failed to persist session outcome", zap.Error(err))
		}
		observability.Add(m.metrics.FullSyncSessions, 1, observability.Outcome(string(status)))
	}
	if err := m.db.ReleasePeerLock(ctx, m.db.GetDB(), s.peerID, s.id); err != nil {
		logger.Error("Failed to release peer lock", zap.Error(err))
	}
	os.Remove(m.spoolPath(s))

	switch status {
	case StatusCompleted:
		p := s.progress(now, m.opts.StuckTimeout)
		logger.Info("Full sync completed",
			zap.Int64("rows", p.RowsApplied),
			zap.Int64("bytes", p.BytesTransferred),
			zap.Duration("duration", now.Sub(p.StartedAt)))
	case StatusCancelled:
		logger.Info("Full sync cancelled")
	default:
		if !alreadyTerminal {
			logger.Error("Full sync failed", zap.Error(runErr))
		}
	}
}

// Cancel aborts a session before its restore commits
func (m *Manager) Cancel(sessionID string) error {
	s, ok := m.session(sessionID)
	if !ok {
		return m.missing(sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.status()
	switch {
	case status.Terminal():
		return fmt.Errorf("%w: %s", ErrSessionFinished, status)
	case s.orphaned:
		return fmt.Errorf("session %s has no running task; clear it instead", sessionID)
	case s.committed || status == StatusVerifying:
		return ErrNotCancellable
	case status == StatusRestoring && s.direction == DirectionPush && !s.inbound:
		return ErrRestoreInProgress
	}
	s.cancelRequested = true
	if s.cancel != nil {
		s.cancel()
	}
	m.logger.Info("Full sync cancel requested", zap.String("session_id", sessionID))
	return nil
}

// ClearStuck marks a session that stopped progressing as failed and
// releases its lock so a new session against the peer can start
func (m *Manager) ClearStuck(ctx context.Context, sessionID string) error {
	s, ok := m.session(sessionID)
	if !ok {
		r, err := m.db.GetSession(ctx, m.db.GetDB(), sessionID)
		if err != nil {
			return err
		}
		s = sessionFromRecord(r)
		s.orphaned = true
		m.track(s)
	}

	now := m.now()
	s.mu.Lock()
	if s.status().Terminal() {
		status := s.status()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionFinished, status)
	}
	if !s.stuckLocked(now, m.opts.StuckTimeout) {
		s.mu.Unlock()
		return ErrNotStuck
	}
	s.err = "cleared by operator"
	s.transitionLocked(eventFail, now)
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if err := m.db.UpdateSession(ctx, m.db.GetDB(), s.record()); err != nil {
		return err
	}
	if err := m.db.ReleasePeerLock(ctx, m.db.GetDB(), s.peerID, s.id); err != nil {
		return err
	}
	observability.Add(m.metrics.FullSyncSessions, 1, observability.Outcome(string(StatusFailed)))
	m.logger.Warn("Stuck full sync cleared", zap.String("session_id", sessionID), zap.String("peer_id", s.peerID))
	return nil
}

func (m *Manager) missing(sessionID string) error {
	if _, err := m.db.GetSession(context.Background(), m.db.GetDB(), sessionID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrSessionFinished, sessionID)
}

// Progress returns the state of one session
func (m *Manager) Progress(ctx context.Context, sessionID string) (*Progress, error) {
	if s, ok := m.session(sessionID); ok {
		p := s.progress(m.now(), m.opts.StuckTimeout)
		return &p, nil
	}
	r, err := m.db.GetSession(ctx, m.db.GetDB(), sessionID)
	if err != nil {
		return nil, err
	}
	p := sessionFromRecord(r).progress(m.now(), m.opts.StuckTimeout)
	return &p, nil
}

// Sessions returns live sessions and the most recent persisted ones,
// newest first
func (m *Manager) Sessions(ctx context.Context, limit int) ([]Progress, error) {
	if limit <= 0 {
		limit = 50
	}
	records, err := m.db.ListSessions(ctx, m.db.GetDB(), limit)
	if err != nil {
		return nil, err
	}

	now := m.now()
	seen := make(map[string]bool)
	var out []Progress
	m.mu.Lock()
	for _, s := range m.sessions {
		out = append(out, s.progress(now, m.opts.StuckTimeout))
		seen[s.id] = true
	}
	m.mu.Unlock()
	for _, r := range records {
		if !seen[r.SessionID] {
			out = append(out, sessionFromRecord(r).progress(now, m.opts.StuckTimeout))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Active returns the progress of every non-terminal session
func (m *Manager) Active() []Progress {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Progress
	for _, s := range m.sessions {
		if !s.Status().Terminal() {
			out = append(out, s.progress(now, m.opts.StuckTimeout))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Wait blocks until the session's task ends
func (m *Manager) Wait(ctx context.Context, sessionID string) (*Progress, error) {
	s, ok := m.session(sessionID)
	if !ok {
		return m.Progress(ctx, sessionID)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p := s.progress(m.now(), m.opts.StuckTimeout)
	return &p, nil
}

// Close cancels running sessions and waits for their tasks
func (m *Manager) Close() {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.mu.Lock()
		if s.cancel != nil && !s.status().Terminal() {
			s.cancel()
		}
		s.mu.Unlock()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) spoolPath(s *Session) string {
	return filepath.Join(m.opts.SpoolDir, s.spool)
}

func (m *Manager) sealer(sessionID string) (*crypto.Sealer, error) {
	key, err := m.keys.SnapshotKey(sessionID)
	if err != nil {
		return nil, err
	}
	return crypto.NewSealer(key)
}

func (m *Manager) compressor() (compression.Compressor, error) {
	return compression.NewCompressor(m.opts.CompressionAlgorithm, m.opts.CompressionLevel)
}

func encodeReport(r []replica.TableReport) string {
	if len(r) == 0 {
		return ""
	}
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeReport(s string) []replica.TableReport {
	if s == "" {
		return nil
	}
	var r []replica.TableReport
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil
	}
	return r
}
