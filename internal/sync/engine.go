// Package sync runs the incremental exchange of change events with peers.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/network"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/observability"
	"github.com/p2p-db-sync/dbsync/internal/sync/conflict"
)

// ErrPeerUnknown is returned when an exchange is requested with a peer
// that is not healthy in the registry
var ErrPeerUnknown = errors.New("peer is not known or not healthy")

// Options tunes the engine
type Options struct {
	Interval        time.Duration
	WorkerLimit     int
	BatchSize       int
	ExchangeTimeout time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	// CompactAcknowledged deletes log entries every peer has acknowledged
	CompactAcknowledged bool
	Logger              *zap.Logger
	Metrics             *observability.Metrics
}

// Engine exchanges change events with every healthy peer on a timer
type Engine struct {
	log     *changelog.Log
	db      *database.DB
	peers   PeerSource
	dialer  Dialer
	opts    Options
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	trackers map[string]*peerTracker
	paused   bool
	trigger  chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEngine creates an engine applying into log
func NewEngine(log *changelog.Log, db *database.DB, peers PeerSource, dialer Dialer, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.WorkerLimit <= 0 {
		opts.WorkerLimit = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = time.Minute
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 5 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	return &Engine{
		log:      log,
		db:       db,
		peers:    peers,
		dialer:   dialer,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      time.Now,
		trackers: make(map[string]*peerTracker),
		trigger:  make(chan struct{}, 1),
	}
}

// SetDialer replaces the dialer used for outbound exchanges
func (e *Engine) SetDialer(d Dialer) {
	e.mu.Lock()
	e.dialer = d
	e.mu.Unlock()
}

// Start runs the timer loop until Stop or ctx is done
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Unlock()

	go e.loop(ctx)
	e.logger.Info("Incremental sync started",
		zap.Duration("interval", e.opts.Interval),
		zap.Int("worker_limit", e.opts.WorkerLimit))
}

// Stop ends the timer loop and waits for the running cycle
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.Paused() {
				continue
			}
		case <-e.trigger:
		}
		if err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
			e.logger.Warn("Sync cycle failed", zap.Error(err))
		}
	}
}

// Pause stops timer driven cycles. A running exchange finishes.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Info("Incremental sync paused")
}

// Resume re-enables timer driven cycles
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.logger.Info("Incremental sync resumed")
}

// Paused reports whether timer driven cycles are suspended
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// TriggerNow asks the loop for one immediate cycle, also while paused
func (e *Engine) TriggerNow() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) tracker(nodeID string) *peerTracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trackers[nodeID]
	if !ok {
		t = newPeerTracker(nodeID, e.opts.BackoffInitial, e.opts.BackoffMax)
		e.trackers[nodeID] = t
	}
	return t
}

// PeerStatuses returns the exchange state of every peer seen so far
func (e *Engine) PeerStatuses() []PeerStatus {
	e.mu.Lock()
	out := make([]PeerStatus, 0, len(e.trackers))
	for _, t := range e.trackers {
		out = append(out, t.snapshot())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// RunCycle exchanges with every healthy peer that is not backing off.
// Peer failures are contained; only a failed compaction is returned.
func (e *Engine) RunCycle(ctx context.Context) error {
	now := e.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.WorkerLimit)

	for _, peer := range e.peers.HealthyPeers() {
		t := e.tracker(peer.NodeID)
		if !t.ready(now) {
			continue
		}
		g.Go(func() error {
			e.syncPeer(gctx, t, peer)
			return nil
		})
	}
	g.Wait()

	if e.opts.CompactAcknowledged {
		var trusted []string
		for _, p := range e.peers.TrustedPeers() {
			trusted = append(trusted, p.NodeID)
		}
		if _, err := e.log.Compact(ctx, trusted); err != nil {
			return fmt.Errorf("failed to compact change log: %w", err)
		}
	}
	return nil
}

// SyncPeer runs one exchange with a healthy peer and returns its error
func (e *Engine) SyncPeer(ctx context.Context, nodeID string) error {
	for _, peer := range e.peers.HealthyPeers() {
		if peer.NodeID == nodeID {
			return e.syncPeer(ctx, e.tracker(nodeID), peer)
		}
	}
	return fmt.Errorf("%w: %s", ErrPeerUnknown, nodeID)
}

func (e *Engine) syncPeer(ctx context.Context, t *peerTracker, peer discovery.PeerRecord) error {
	if !t.exchange.TryLock() {
		return nil
	}
	defer t.exchange.Unlock()

	logger := e.logger.With(zap.String("peer_id", peer.NodeID))

	locked, err := e.db.PeerLocked(ctx, e.db.GetDB(), peer.NodeID, e.now())
	if err != nil {
		return err
	}
	t.setLocked(locked)
	if locked {
		logger.Debug("Skipping peer held by full sync")
		observability.Add(e.metrics.ExchangesTotal, 1, observability.Outcome("locked"))
		return nil
	}

	start := e.now()
	pulled, pushed, err := e.exchange(ctx, t, peer)
	elapsed := e.now().Sub(start)
	e.metrics.ExchangeDuration.Record(ctx, elapsed.Seconds())

	if err != nil {
		if ctx.Err() != nil {
			t.setState(StateIdle)
			return err
		}
		if errors.Is(err, network.ErrPeerLocked) {
			// The peer is restoring a full sync with us; not a failure.
			t.setState(StateIdle)
			t.setLocked(true)
			observability.Add(e.metrics.ExchangesTotal, 1, observability.Outcome("locked"))
			logger.Debug("Peer is held by full sync", zap.Error(err))
			return nil
		}
		wait := t.failed(e.now(), err)
		observability.Add(e.metrics.ExchangesTotal, 1, observability.Outcome("failed"))
		logger.Warn("Exchange failed",
			zap.Error(err),
			zap.Int("applied", pulled),
			zap.Duration("retry_in", wait))
		return err
	}

	t.succeeded(e.now())
	observability.Add(e.metrics.ExchangesTotal, 1, observability.Outcome("ok"))
	if pulled > 0 || pushed > 0 {
		logger.Info("Exchange completed",
			zap.Int("applied", pulled),
			zap.Int("sent", pushed),
			zap.Duration("duration", elapsed))
	}
	return nil
}

func (e *Engine) exchange(ctx context.Context, t *peerTracker, peer discovery.PeerRecord) (pulled, pushed int, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ExchangeTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "sync.exchange", attribute.String("peer_id", peer.NodeID))
	defer func() { observability.EndSpan(span, err) }()

	t.setState(StateExchanging)
	e.mu.Lock()
	dialer := e.dialer
	e.mu.Unlock()

	conn, err := dialer.Connect(ctx, peer)
	if err != nil {
		return 0, 0, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if pulled, err = e.pull(ctx, t, conn, peer.NodeID); err != nil {
		return pulled, 0, fmt.Errorf("pull: %w", err)
	}
	t.setState(StateExchanging)
	if pushed, err = e.push(ctx, conn, peer.NodeID); err != nil {
		return pulled, pushed, fmt.Errorf("push: %w", err)
	}
	return pulled, pushed, nil
}

// pull applies the peer's log after our applied watermark, one committed
// batch at a time
func (e *Engine) pull(ctx context.Context, t *peerTracker, conn PeerConn, peerID string) (int, error) {
	wm, err := e.db.GetWatermark(ctx, e.db.GetDB(), peerID)
	if err != nil {
		return 0, err
	}

	since, applied := wm.LastApplied, 0
	for {
		resp, err := conn.RequestEvents(ctx, since, e.opts.BatchSize)
		if err != nil {
			return applied, err
		}
		t.setRemoteHighWater(resp.HighWater)
		if resp.Through <= since {
			return applied, nil
		}

		t.setState(StateApplying)
		n, err := e.applyBatch(ctx, peerID, resp.Events, resp.Through)
		if err != nil {
			return applied, err
		}
		applied += n
		since = resp.Through
		if !resp.More {
			return applied, nil
		}
	}
}

// push offers our log after the peer's acknowledged watermark, skipping
// events the peer itself produced
func (e *Engine) push(ctx context.Context, conn PeerConn, peerID string) (int, error) {
	wm, err := e.db.GetWatermark(ctx, e.db.GetDB(), peerID)
	if err != nil {
		return 0, err
	}

	since, sent := wm.LastAcknowledged, 0
	for {
		batch, err := e.log.EventsSince(ctx, since, e.opts.BatchSize, peerID)
		if err != nil {
			return sent, err
		}
		if batch.Through <= since {
			return sent, nil
		}

		through, err := conn.PushEvents(ctx, batch.Events, batch.Through)
		if err != nil {
			return sent, err
		}
		if through > batch.Through {
			return sent, fmt.Errorf("peer acknowledged %d beyond offered %d", through, batch.Through)
		}
		if err := e.db.AdvanceAcknowledged(ctx, e.db.GetDB(), peerID, through, e.now()); err != nil {
			return sent, err
		}
		sent += len(batch.Events)
		observability.Add(e.metrics.EventsSent, int64(len(batch.Events)))

		if through < batch.Through {
			return sent, fmt.Errorf("peer applied through %d of %d", through, batch.Through)
		}
		since = through
		if !batch.More {
			return sent, nil
		}
	}
}

// applyBatch applies events and advances the applied watermark to through
// in one transaction
func (e *Engine) applyBatch(ctx context.Context, peerID string, events []*changelog.ChangeEvent, through int64) (int, error) {
	applied := 0
	err := e.db.WithTx(ctx, func(tx *sql.Tx) error {
		applied = 0
		for _, ev := range events {
			outcome, err := e.log.Apply(ctx, tx, ev)
			if err != nil {
				return err
			}
			if outcome == conflict.IncomingWins {
				applied++
			}
		}
		return e.db.AdvanceApplied(ctx, tx, peerID, through, e.now())
	})
	if err != nil {
		return 0, err
	}
	observability.Add(e.metrics.EventsApplied, int64(applied))
	return applied, nil
}

// ServeEventsRequest answers a peer pulling our log. Asking for events
// after since confirms the peer applied everything up to since.
func (e *Engine) ServeEventsRequest(ctx context.Context, peerID string, req *messages.EventsRequestMessage) (*messages.EventsResponseMessage, error) {
	if req.Since < 0 {
		return nil, fmt.Errorf("negative since %d", req.Since)
	}
	limit := req.Limit
	if limit <= 0 || limit > e.opts.BatchSize {
		limit = e.opts.BatchSize
	}

	if req.Since > 0 {
		if err := e.db.AdvanceAcknowledged(ctx, e.db.GetDB(), peerID, req.Since, e.now()); err != nil {
			return nil, err
		}
	}

	batch, err := e.log.EventsSince(ctx, req.Since, limit, peerID)
	if err != nil {
		return nil, err
	}
	high, err := e.log.HighWater(ctx)
	if err != nil {
		return nil, err
	}
	observability.Add(e.metrics.EventsSent, int64(len(batch.Events)))
	return &messages.EventsResponseMessage{
		Events:    batch.Events,
		Through:   batch.Through,
		More:      batch.More,
		HighWater: high,
	}, nil
}

// ServeEventsPush applies events a peer offers and acknowledges them
func (e *Engine) ServeEventsPush(ctx context.Context, peerID string, push *messages.EventsPushMessage) (*messages.EventsAckMessage, error) {
	if _, err := e.applyBatch(ctx, peerID, push.Events, push.Through); err != nil {
		return nil, err
	}
	return &messages.EventsAckMessage{AppliedThrough: push.Through}, nil
}

// HighWater returns the local log high-water mark
func (e *Engine) HighWater(ctx context.Context) (int64, error) {
	return e.log.HighWater(ctx)
}

// Lag is how far a peer trails in each direction
type Lag struct {
	NodeID           string    `json:"node_id"`
	LastApplied      int64     `json:"last_applied"`
	LastAcknowledged int64     `json:"last_acknowledged"`
	Behind           int64     `json:"behind"`  // our events the peer has not acknowledged
	Pending          int64     `json:"pending"` // peer events not yet applied here, -1 when unknown
	UpdatedAt        time.Time `json:"updated_at"`
}

// Lags reports watermark lag for every peer with a watermark
func (e *Engine) Lags(ctx context.Context) ([]Lag, error) {
	high, err := e.log.HighWater(ctx)
	if err != nil {
		return nil, err
	}
	wms, err := e.db.ListWatermarks(ctx, e.db.GetDB())
	if err != nil {
		return nil, err
	}
	remote := make(map[string]int64)
	for _, st := range e.PeerStatuses() {
		if st.RemoteHighWater > 0 {
			remote[st.NodeID] = st.RemoteHighWater
		}
	}

	lags := make([]Lag, 0, len(wms))
	for _, w := range wms {
		behind := high - w.LastAcknowledged
		if behind < 0 {
			behind = 0
		}
		pending := int64(-1)
		if rh, ok := remote[w.PeerNodeID]; ok {
			pending = max(rh-w.LastApplied, 0)
		}
		lags = append(lags, Lag{
			NodeID:           w.PeerNodeID,
			LastApplied:      w.LastApplied,
			LastAcknowledged: w.LastAcknowledged,
			Behind:           behind,
			Pending:          pending,
			UpdatedAt:        w.UpdatedAt,
		})
	}
	return lags, nil
}
