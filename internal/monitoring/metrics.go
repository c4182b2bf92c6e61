package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
)

// Collector exports the status feed as Prometheus gauges. It reads a fresh
// status on every scrape so the gauges never drift from the feed.
type Collector struct {
	service Service
	timeout time.Duration
	logger  *zap.Logger

	highWater      *prometheus.Desc
	uptime         *prometheus.Desc
	paused         *prometheus.Desc
	peers          *prometheus.Desc
	rejected       *prometheus.Desc
	peerBehind     *prometheus.Desc
	peerPending    *prometheus.Desc
	peerFailures   *prometheus.Desc
	peerLocked     *prometheus.Desc
	sessionPercent *prometheus.Desc
	sessionStuck   *prometheus.Desc
	scrapeErrors   prometheus.Counter
}

// NewCollector creates a collector over service
func NewCollector(service Service, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	peerLabels := []string{"peer_id"}
	sessionLabels := []string{"session_id", "peer_id", "direction", "phase"}
	return &Collector{
		service: service,
		timeout: 5 * time.Second,
		logger:  logger,

		highWater: prometheus.NewDesc("dbsync_log_high_water",
			"Last sequence allocated in the local change log", nil, nil),
		uptime: prometheus.NewDesc("dbsync_uptime_seconds",
			"Seconds since the node started", nil, nil),
		paused: prometheus.NewDesc("dbsync_sync_paused",
			"1 while incremental sync is paused by an operator", nil, nil),
		peers: prometheus.NewDesc("dbsync_peers",
			"Trusted peers by status", []string{"status"}, nil),
		rejected: prometheus.NewDesc("dbsync_rejected_peers",
			"Senders that failed authentication", nil, nil),
		peerBehind: prometheus.NewDesc("dbsync_peer_unacknowledged_events",
			"Local events the peer has not acknowledged", peerLabels, nil),
		peerPending: prometheus.NewDesc("dbsync_peer_pending_events",
			"Peer events not yet applied locally, as of the last exchange", peerLabels, nil),
		peerFailures: prometheus.NewDesc("dbsync_peer_consecutive_failures",
			"Failed exchanges with the peer since the last success", peerLabels, nil),
		peerLocked: prometheus.NewDesc("dbsync_peer_locked",
			"1 while a full sync holds the peer", peerLabels, nil),
		sessionPercent: prometheus.NewDesc("dbsync_fullsync_percent_complete",
			"Progress of active full sync sessions", sessionLabels, nil),
		sessionStuck: prometheus.NewDesc("dbsync_fullsync_stuck",
			"1 for active sessions that stopped making progress", sessionLabels, nil),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dbsync_status_scrape_errors_total",
			Help: "Scrapes that failed to read the node status",
		}),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.highWater
	ch <- c.uptime
	ch <- c.paused
	ch <- c.peers
	ch <- c.rejected
	ch <- c.peerBehind
	ch <- c.peerPending
	ch <- c.peerFailures
	ch <- c.peerLocked
	ch <- c.sessionPercent
	ch <- c.sessionStuck
	c.scrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	defer c.scrapeErrors.Collect(ch)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	status, err := c.service.Status(ctx)
	if err != nil {
		c.scrapeErrors.Inc()
		c.logger.Warn("Failed to read status for metrics", zap.Error(err))
		return
	}

	ch <- prometheus.MustNewConstMetric(c.highWater, prometheus.GaugeValue, float64(status.Node.HighWater))
	if !status.Node.StartedAt.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue,
			status.GeneratedAt.Sub(status.Node.StartedAt).Seconds())
	}
	ch <- prometheus.MustNewConstMetric(c.paused, prometheus.GaugeValue, boolValue(status.SyncPaused))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.GaugeValue, float64(len(status.Rejected)))

	byStatus := map[discovery.Status]int{
		discovery.StatusHealthy:     0,
		discovery.StatusUnreachable: 0,
	}
	for _, p := range status.Peers {
		byStatus[p.Status]++
		if p.Lag != nil {
			ch <- prometheus.MustNewConstMetric(c.peerBehind, prometheus.GaugeValue, float64(p.Lag.Behind), p.NodeID)
			if p.Lag.Pending >= 0 {
				ch <- prometheus.MustNewConstMetric(c.peerPending, prometheus.GaugeValue, float64(p.Lag.Pending), p.NodeID)
			}
		}
		if p.Exchange != nil {
			ch <- prometheus.MustNewConstMetric(c.peerFailures, prometheus.GaugeValue,
				float64(p.Exchange.ConsecutiveFailures), p.NodeID)
			ch <- prometheus.MustNewConstMetric(c.peerLocked, prometheus.GaugeValue, boolValue(p.Exchange.Locked), p.NodeID)
		}
	}
	for s, n := range byStatus {
		ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(n), string(s))
	}

	for _, s := range status.Sessions {
		if s.Phase.Terminal() {
			continue
		}
		labels := []string{s.SessionID, s.PeerNodeID, string(s.Direction), string(s.Phase)}
		ch <- prometheus.MustNewConstMetric(c.sessionPercent, prometheus.GaugeValue, s.PercentComplete, labels...)
		ch <- prometheus.MustNewConstMetric(c.sessionStuck, prometheus.GaugeValue, boolValue(s.Stuck), labels...)
	}
}

// Summary condenses a status into the health endpoint's body
func Summary(s *Status) map[string]any {
	healthy, locked := 0, 0
	for _, p := range s.Peers {
		if p.Status == discovery.StatusHealthy {
			healthy++
		}
		if p.Exchange != nil && p.Exchange.Locked {
			locked++
		}
	}
	active, stuck := 0, 0
	for _, sess := range s.Sessions {
		if sess.Phase.Terminal() {
			continue
		}
		active++
		if sess.Stuck {
			stuck++
		}
	}
	return map[string]any{
		"status":          "healthy",
		"node_id":         s.Node.NodeID,
		"uptime_seconds":  s.GeneratedAt.Sub(s.Node.StartedAt).Seconds(),
		"high_water":      s.Node.HighWater,
		"known_peers":     len(s.Peers),
		"healthy_peers":   healthy,
		"locked_peers":    locked,
		"rejected_peers":  len(s.Rejected),
		"active_sessions": active,
		"stuck_sessions":  stuck,
		"sync_paused":     s.SyncPaused,
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
