// Package discovery maintains the best-effort list of reachable peers from
// signed broadcasts, mDNS and statically configured addresses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/node"
	"github.com/p2p-db-sync/dbsync/internal/observability"
)

// Config controls the discovery service
type Config struct {
	Mode               string // "udp", "mdns" or "static"
	Port               int
	Interval           time.Duration
	LivenessMultiplier int
	MaxAge             time.Duration
	BroadcastAddress   string
	StaticPeers        []string
}

// Prober dials a configured address, authenticates it and reports who answered
type Prober interface {
	Probe(ctx context.Context, address string) (*PeerRecord, error)
}

// Service runs discovery in the configured mode. Failures never stop it;
// it keeps the peers it knows and retries on the next interval.
type Service struct {
	cfg      Config
	signer   Signer
	registry *Registry
	prober   Prober
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	mu          sync.Mutex
	staticPeers []string

	udp  *UDPDiscovery
	mdns *MDNSDiscovery

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a discovery service. prober may be nil when no static
// peers will ever be configured.
func NewService(cfg Config, signer Signer, registry *Registry, prober Prober, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LivenessMultiplier < 1 {
		cfg.LivenessMultiplier = 3
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 4 * cfg.Interval
	}
	return &Service{
		cfg:         cfg,
		signer:      signer,
		registry:    registry,
		prober:      prober,
		logger:      logger,
		metrics:     observability.NewNopMetrics(),
		now:         time.Now,
		staticPeers: append([]string(nil), cfg.StaticPeers...),
	}
}

// SetMetrics replaces the instruments announcements are counted on
func (s *Service) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Registry returns the peer registry fed by this service
func (s *Service) Registry() *Registry {
	return s.registry
}

// Start starts listeners for the configured mode and the periodic loop
func (s *Service) Start(ctx context.Context) error {
	if err := s.registry.LoadCache(ctx); err != nil {
		s.logger.Warn("Failed to load peer cache", zap.Error(err))
	}

	switch s.cfg.Mode {
	case "udp":
		target := net.JoinHostPort(s.cfg.BroadcastAddress, strconv.Itoa(s.cfg.Port))
		s.udp = NewUDPDiscovery(s.cfg.Port, []string{target}, s.receive(SourceBroadcast), s.logger)
		if err := s.udp.Start(); err != nil {
			s.logger.Warn("UDP discovery unavailable, using static peers only", zap.Error(err))
			s.udp = nil
		}
	case "mdns":
		s.mdns = NewMDNSDiscovery(s.receive(SourceMDNS), s.logger)
		if err := s.mdns.Start(NewAnnouncement(s.signer, s.now())); err != nil {
			s.logger.Warn("mDNS discovery unavailable, using static peers only", zap.Error(err))
			s.mdns = nil
		}
	case "static":
	default:
		return fmt.Errorf("unknown discovery mode: %s", s.cfg.Mode)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.Info("Discovery started",
		zap.String("mode", s.cfg.Mode),
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("static_peers", len(s.StaticPeers())))
	return nil
}

// Stop stops discovery
func (s *Service) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.udp != nil {
		s.udp.Stop()
	}
	if s.mdns != nil {
		s.mdns.Stop()
	}
	return nil
}

// SetStaticPeers replaces the static peer list
func (s *Service) SetStaticPeers(addrs []string) {
	s.mu.Lock()
	s.staticPeers = append([]string(nil), addrs...)
	s.mu.Unlock()
}

// StaticPeers returns the static peer list
func (s *Service) StaticPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.staticPeers...)
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	s.RunOnce(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce announces, browses, probes static peers and sweeps liveness once
func (s *Service) RunOnce(ctx context.Context) {
	announcement := NewAnnouncement(s.signer, s.now())
	if s.udp != nil {
		s.udp.Announce(announcement)
	}
	if s.mdns != nil {
		s.mdns.Announce(announcement)
		if err := s.mdns.Browse(ctx, s.cfg.Interval/2); err != nil {
			s.logger.Warn("mDNS browse failed", zap.Error(err))
		}
	}

	s.ProbeStatic(ctx)
	s.registry.Sweep(time.Duration(s.cfg.LivenessMultiplier) * s.cfg.Interval)
}

// ProbeStatic dials every static peer concurrently, trusting those that
// complete the handshake
func (s *Service) ProbeStatic(ctx context.Context) {
	if s.prober == nil {
		return
	}

	var wg sync.WaitGroup
	for _, addr := range s.StaticPeers() {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			peer, err := s.prober.Probe(ctx, addr)
			if err != nil {
				host, portStr, _ := net.SplitHostPort(addr)
				port, _ := strconv.Atoi(portStr)
				if errors.Is(err, node.ErrUnauthenticated) {
					s.registry.Reject("", host, port, err.Error())
					return
				}
				s.logger.Debug("Static peer probe failed", zap.String("address", addr), zap.Error(err))
				return
			}
			if peer.NodeID == s.signer.LocalNodeID() {
				return
			}
			peer.Source = SourceStatic
			s.registry.Upsert(ctx, *peer)
		}(addr)
	}
	wg.Wait()
}

func (s *Service) receive(source string) AnnouncementHandler {
	return func(a *messages.AnnounceMessage, from net.IP) {
		s.HandleAnnouncement(context.Background(), a, from, source)
	}
}

// HandleAnnouncement verifies an announcement and records the sender as
// trusted or rejected
func (s *Service) HandleAnnouncement(ctx context.Context, a *messages.AnnounceMessage, from net.IP, source string) {
	if a.NodeID == s.signer.LocalNodeID() {
		return
	}

	address := a.Address
	if address == "" && from != nil {
		address = from.String()
	}

	err := VerifyAnnouncement(s.signer, a, s.now(), s.cfg.MaxAge)
	switch {
	case errors.Is(err, ErrStaleAnnouncement):
		observability.Add(s.metrics.DiscoveryAnnouncements, 1, observability.Outcome("stale"))
		s.logger.Debug("Ignoring stale announcement", zap.String("peer_id", a.NodeID), zap.Error(err))
		return
	case err != nil:
		observability.Add(s.metrics.DiscoveryAnnouncements, 1, observability.Outcome("rejected"))
		observability.Add(s.metrics.AuthFailures, 1)
		s.registry.Reject(a.NodeID, address, a.Port, err.Error())
		return
	}

	observability.Add(s.metrics.DiscoveryAnnouncements, 1, observability.Outcome("trusted"))
	s.registry.Upsert(ctx, PeerRecord{
		NodeID:  a.NodeID,
		Name:    a.NodeName,
		Address: address,
		Port:    a.Port,
		Source:  source,
	})
}
