// Package service assembles a sync node from its configuration and exposes
// the operator operations as plain method calls.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/config"
	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/fullsync"
	"github.com/p2p-db-sync/dbsync/internal/monitoring"
	"github.com/p2p-db-sync/dbsync/internal/network"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
	"github.com/p2p-db-sync/dbsync/internal/node"
	"github.com/p2p-db-sync/dbsync/internal/observability"
	"github.com/p2p-db-sync/dbsync/internal/replica"
	"github.com/p2p-db-sync/dbsync/internal/sync"
)

const (
	AppName    = "dbsync"
	AppVersion = "0.1.0"
)

// Service is one running sync node
type Service struct {
	cfg        *config.Config
	configPath string
	logger     *observability.Logger
	metrics    *observability.Metrics

	identity  *node.Identity
	db        *database.DB
	tables    *replica.Registry
	log       *changelog.Log
	auth      *node.Registry
	transport transport.Transport
	client    *network.Client
	registry  *discovery.Registry
	discovery *discovery.Service
	engine    *sync.Engine
	fullsync  *fullsync.Manager
	handler   *network.Handler
	admin     *monitoring.Server

	startedAt time.Time
	shutdown  []func(context.Context) error

	mu      gosync.Mutex
	cfgMu   gosync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
	started bool
}

// New builds every component from cfg. configPath, when set, is watched
// for registration key and static peer changes once the service starts.
func New(ctx context.Context, cfg *config.Config, configPath string, logger *observability.Logger) (_ *Service, err error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	s := &Service{cfg: cfg, configPath: configPath}
	defer func() {
		if err != nil {
			s.closeResources(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s.identity, err = node.LoadOrCreateIdentity(cfg.GetIdentityPath(), cfg.Node.Name)
	if err != nil {
		return nil, err
	}
	s.logger = logger.WithNodeID(s.identity.NodeID)

	if err := s.initObservability(ctx); err != nil {
		return nil, err
	}

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == string(database.DialectSQLite) && dsn == "" {
		dsn = cfg.GetDBPath()
	}
	s.db, err = database.Open(ctx, cfg.Database.Driver, dsn, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}

	s.tables, err = replica.NewRegistryFromConfig(cfg.Replication)
	if err != nil {
		return nil, fmt.Errorf("invalid replication config: %w", err)
	}
	s.log = changelog.New(s.db, replica.NewStore(s.db, s.tables), s.identity.NodeID, changelog.Options{
		Logger:       s.logger.Component("changelog"),
		Metrics:      s.metrics,
		LogConflicts: cfg.Sync.LogConflicts,
	})
	if err := s.log.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize change log: %w", err)
	}

	s.auth, err = node.NewRegistry(s.identity, cfg.Node.RegistrationKey)
	if err != nil {
		return nil, err
	}

	s.transport, err = transport.NewTransport(cfg.Network.Protocol, cfg.Network.Port, s.logger.Component("transport"))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	s.client = network.NewClient(s.transport, s.auth,
		config.Seconds(cfg.Network.DialTimeout),
		config.Seconds(cfg.Network.ExchangeTimeout),
		s.logger.Component("client"))

	s.registry = discovery.NewRegistry(s.db, s.logger.Component("registry"))
	s.discovery = discovery.NewService(discovery.Config{
		Mode:               cfg.Discovery.Mode,
		Port:               cfg.Discovery.Port,
		Interval:           cfg.DiscoveryInterval(),
		LivenessMultiplier: cfg.Discovery.LivenessMultiplier,
		MaxAge:             config.Seconds(cfg.Discovery.AnnouncementMaxAge),
		BroadcastAddress:   cfg.Discovery.BroadcastAddress,
		StaticPeers:        cfg.Network.Peers,
	}, s.auth, s.registry, s.client, s.logger.Component("discovery"))
	s.discovery.SetMetrics(s.metrics)

	s.engine = sync.NewEngine(s.log, s.db, s.registry, sync.NetworkDialer(s.client), sync.Options{
		Interval:            cfg.SyncInterval(),
		WorkerLimit:         cfg.Sync.WorkerLimit,
		BatchSize:           cfg.Sync.BatchSize,
		ExchangeTimeout:     config.Seconds(cfg.Network.ExchangeTimeout),
		BackoffInitial:      config.Seconds(cfg.Sync.BackoffInitial),
		BackoffMax:          config.Seconds(cfg.Sync.BackoffMax),
		CompactAcknowledged: cfg.Sync.Retention == "acknowledged",
		Logger:              s.logger.Component("sync"),
		Metrics:             s.metrics,
	})

	s.fullsync = fullsync.NewManager(s.db, s.log, s.auth, s.registry, s.client, fullsync.Options{
		SpoolDir:             cfg.GetSpoolDir(),
		StuckTimeout:         config.Seconds(cfg.FullSync.StuckTimeout),
		LockTTL:              config.Seconds(cfg.FullSync.LockTTL),
		CompressionAlgorithm: cfg.FullSync.CompressionAlgorithm,
		CompressionLevel:     cfg.FullSync.CompressionLevel,
		BandwidthLimit:       cfg.FullSync.BandwidthLimit,
		BatchSize:            cfg.FullSync.RestoreBatchSize,
		Verify:               cfg.FullSync.Verify,
		Logger:               s.logger.Component("fullsync"),
		Metrics:              s.metrics,
	})

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = network.NewHandler(s.ctx, s.auth, s.db, s.registry, network.HandlerOptions{
		ExchangeTimeout: config.Seconds(cfg.Network.ExchangeTimeout),
		TransferTimeout: config.Seconds(cfg.Network.TransferTimeout),
		Logger:          s.logger.Component("handler"),
		Metrics:         s.metrics,
	})
	s.handler.SetSyncHandler(s.engine)
	s.handler.SetSnapshotHandler(s.fullsync)

	if cfg.Admin.Enabled {
		s.admin = monitoring.NewServer(s, cfg.Admin.Listen, s.logger.Component("admin"))
	}

	// A peer that appears or comes back is synced without waiting for the timer.
	s.registry.AddDiscoveryCallback(func(peer discovery.PeerRecord) {
		s.engine.TriggerNow()
	})

	return s, nil
}

func (s *Service) initObservability(ctx context.Context) error {
	s.metrics = observability.NewNopMetrics()
	obs := s.cfg.Observability

	if obs.MetricsEnabled {
		mp, shutdown, err := observability.InitMetricsProvider(ctx, obs.OTELendpoint, AppName)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics provider: %w", err)
		}
		s.shutdown = append(s.shutdown, shutdown)
		if s.metrics, err = observability.NewMetrics(mp, AppName); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		s.logger.Info("Metrics initialized")
	}

	if obs.TracingEnabled {
		_, shutdown, err := observability.InitTracing(ctx, obs.OTELendpoint, AppName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		s.shutdown = append(s.shutdown, shutdown)
		s.logger.Info("Tracing initialized")
	}
	return nil
}

// Start brings the node online: the transport listens, interrupted
// sessions are recovered, discovery and incremental sync begin and the
// admin server accepts requests
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("service already started")
	}

	if err := s.transport.Start(s.handler); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}
	address := s.cfg.Network.AdvertiseAddress
	if address == "" {
		address = node.DefaultAddress()
	}
	s.auth.SetAddress(address, s.transport.Port())

	if err := s.fullsync.Recover(ctx); err != nil {
		s.transport.Stop()
		return fmt.Errorf("failed to recover full sync sessions: %w", err)
	}
	if err := s.discovery.Start(s.ctx); err != nil {
		s.transport.Stop()
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	s.engine.Start(s.ctx)

	if s.admin != nil {
		if err := s.admin.Start(); err != nil {
			s.engine.Stop()
			s.discovery.Stop()
			s.transport.Stop()
			return err
		}
	}

	if s.configPath != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := config.Watch(s.ctx, s.configPath, s.logger.Component("config"), s.applyConfig); err != nil {
				s.logger.Warn("Config hot reload disabled", zap.Error(err))
			}
		}()
	}

	s.startedAt = time.Now()
	s.started = true
	s.logger.Info("Node started",
		zap.String("name", s.identity.Name),
		zap.String("protocol", s.transport.Protocol()),
		zap.String("address", address),
		zap.Int("port", s.transport.Port()),
		zap.Int("tables", len(s.tables.Tables())))
	return nil
}

// Stop shuts every component down and closes the database
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.started {
		if s.admin != nil {
			if err := s.admin.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("admin server: %w", err))
			}
		}
		s.discovery.Stop()
		s.engine.Stop()
		s.fullsync.Close()
		if err := s.transport.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
		s.started = false
	}
	if err := s.closeResources(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Node stopped")
	return errors.Join(errs...)
}

// Run starts the node and blocks until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

func (s *Service) closeResources(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	for _, fn := range s.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.shutdown = nil
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
		s.db = nil
	}
	return errors.Join(errs...)
}

// applyConfig takes the settings that can change without a restart
func (s *Service) applyConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	if cfg.Node.RegistrationKey != s.cfg.Node.RegistrationKey {
		if err := s.auth.SetRegistrationKey(cfg.Node.RegistrationKey); err != nil {
			s.logger.Error("Failed to rotate registration key", zap.Error(err))
		} else {
			s.cfg.Node.RegistrationKey = cfg.Node.RegistrationKey
			s.logger.Info("Registration key rotated")
		}
	}

	s.discovery.SetStaticPeers(cfg.Network.Peers)
	s.cfg.Network.Peers = cfg.Network.Peers

	if cfg.FullSync.BandwidthLimit != s.cfg.FullSync.BandwidthLimit {
		s.fullsync.SetBandwidthLimit(cfg.FullSync.BandwidthLimit)
		s.cfg.FullSync.BandwidthLimit = cfg.FullSync.BandwidthLimit
	}
}

// NodeID returns the stable id of this node
func (s *Service) NodeID() string {
	return s.identity.NodeID
}

// DB returns the database handle shared with the host application
func (s *Service) DB() *database.DB {
	return s.db
}

// ChangeLog returns the log host writes are recorded in
func (s *Service) ChangeLog() *changelog.Log {
	return s.log
}

// Tables returns the replicated table registry, where hosts may install
// typed codecs before starting the node
func (s *Service) Tables() *replica.Registry {
	return s.tables
}

// Port returns the bound peer transport port
func (s *Service) Port() int {
	return s.transport.Port()
}

// AdminAddr returns the admin server address, empty when disabled
func (s *Service) AdminAddr() string {
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Status implements monitoring.Service
func (s *Service) Status(ctx context.Context) (*monitoring.Status, error) {
	high, err := s.log.HighWater(ctx)
	if err != nil {
		return nil, err
	}
	lags, err := s.engine.Lags(ctx)
	if err != nil {
		return nil, err
	}

	lagByPeer := make(map[string]*sync.Lag, len(lags))
	for i := range lags {
		lagByPeer[lags[i].NodeID] = &lags[i]
	}
	exchanges := s.engine.PeerStatuses()
	exchangeByPeer := make(map[string]*sync.PeerStatus, len(exchanges))
	for i := range exchanges {
		exchangeByPeer[exchanges[i].NodeID] = &exchanges[i]
	}

	trusted := s.registry.TrustedPeers()
	sort.Slice(trusted, func(i, j int) bool { return trusted[i].NodeID < trusted[j].NodeID })
	peers := make([]monitoring.PeerStatus, 0, len(trusted))
	for _, p := range trusted {
		peers = append(peers, monitoring.PeerStatus{
			PeerRecord: p,
			Exchange:   exchangeByPeer[p.NodeID],
			Lag:        lagByPeer[p.NodeID],
		})
	}

	address, port := s.auth.Address()
	sessions := s.fullsync.Active()
	if sessions == nil {
		sessions = []fullsync.Progress{}
	}
	return &monitoring.Status{
		Node: monitoring.NodeStatus{
			NodeID:    s.identity.NodeID,
			Name:      s.identity.Name,
			Address:   address,
			Port:      port,
			Protocol:  s.transport.Protocol(),
			HighWater: high,
			StartedAt: s.startedAt,
		},
		SyncPaused:  s.engine.Paused(),
		Peers:       peers,
		Rejected:    s.registry.RejectedPeers(),
		Sessions:    sessions,
		GeneratedAt: time.Now(),
	}, nil
}

// StartFullSync starts a PULL or PUSH session with peerID
func (s *Service) StartFullSync(ctx context.Context, peerID string, direction fullsync.Direction) (*fullsync.Progress, error) {
	return s.fullsync.Start(ctx, peerID, direction)
}

// CancelSession cancels a session that has not committed its restore
func (s *Service) CancelSession(sessionID string) error {
	return s.fullsync.Cancel(sessionID)
}

// ClearStuckSession fails a stuck session and releases its lock
func (s *Service) ClearStuckSession(ctx context.Context, sessionID string) error {
	return s.fullsync.ClearStuck(ctx, sessionID)
}

// Session returns the progress of one session
func (s *Service) Session(ctx context.Context, sessionID string) (*fullsync.Progress, error) {
	return s.fullsync.Progress(ctx, sessionID)
}

// Sessions lists recent sessions, newest first
func (s *Service) Sessions(ctx context.Context, limit int) ([]fullsync.Progress, error) {
	return s.fullsync.Sessions(ctx, limit)
}

// RemovePeer forgets a peer until it is discovered again
func (s *Service) RemovePeer(ctx context.Context, nodeID string) error {
	return s.registry.RemovePeer(ctx, nodeID)
}

// PauseSync stops scheduled incremental exchanges
func (s *Service) PauseSync() {
	s.engine.Pause()
}

// ResumeSync restarts scheduled incremental exchanges
func (s *Service) ResumeSync() {
	s.engine.Resume()
}

// TriggerSync runs an exchange cycle now
func (s *Service) TriggerSync() {
	s.engine.TriggerNow()
}
