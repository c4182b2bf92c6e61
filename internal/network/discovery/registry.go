package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/database"
)

// Status is the health of a known peer
type Status string

// ErrPeerNotFound is returned for a node id the registry never saw
var ErrPeerNotFound = errors.New("peer not found")

// Peer statuses
const (
	StatusHealthy         Status = "healthy"
	StatusUnreachable     Status = "unreachable"
	StatusUnauthenticated Status = "unauthenticated"
)

// Peer sources
const (
	SourceBroadcast = "broadcast"
	SourceMDNS      = "mdns"
	SourceStatic    = "static"
	SourceInbound   = "inbound"
	SourceCache     = "cache"
)

// Rejected senders are kept for the operator's view only. The set is keyed
// by an unauthenticated claim, so it is bounded in size and age.
const (
	maxRejected       = 256
	rejectedRetention = time.Hour
)

// PeerRecord is a remote node as seen by this node
type PeerRecord struct {
	NodeID     string    `json:"node_id"`
	Name       string    `json:"name"`
	Address    string    `json:"address"`
	Port       int       `json:"port"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Status     Status    `json:"status"`
	Source     string    `json:"source"`
	Reason     string    `json:"reason,omitempty"`
}

// Endpoint returns "address:port"
func (p *PeerRecord) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Address, p.Port)
}

// PeerDiscoveryCallback is called when a peer becomes healthy, either for
// the first time or after being unreachable
type PeerDiscoveryCallback func(peer PeerRecord)

// Registry maintains the trusted peers and, separately, the senders that
// failed authentication. Rejected senders never enter the trusted set.
type Registry struct {
	peers     map[string]*PeerRecord
	rejected  map[string]*PeerRecord // keyed by claimed node id or address
	mu        sync.RWMutex
	callbacks []PeerDiscoveryCallback
	db        *database.DB
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry creates a peer registry. db may be nil, disabling the cache.
func NewRegistry(db *database.DB, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		peers:    make(map[string]*PeerRecord),
		rejected: make(map[string]*PeerRecord),
		db:       db,
		logger:   logger,
		now:      time.Now,
	}
}

// LoadCache seeds the registry from the peer cache. Cached peers are
// unreachable until they are heard from again.
func (r *Registry) LoadCache(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	cached, err := r.db.ListPeers(ctx, r.db.GetDB())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range cached {
		if _, exists := r.peers[p.NodeID]; exists {
			continue
		}
		r.peers[p.NodeID] = &PeerRecord{
			NodeID:     p.NodeID,
			Name:       p.Name,
			Address:    p.Address,
			Port:       p.Port,
			LastSeenAt: p.LastSeenAt,
			Status:     StatusUnreachable,
			Source:     SourceCache,
		}
	}
	return nil
}

// Upsert records an authenticated sighting of a peer
func (r *Registry) Upsert(ctx context.Context, peer PeerRecord) {
	peer.LastSeenAt = r.now()
	peer.Status = StatusHealthy
	peer.Reason = ""

	r.mu.Lock()
	prev, existed := r.peers[peer.NodeID]
	if existed && peer.Name == "" {
		peer.Name = prev.Name
	}
	r.peers[peer.NodeID] = &peer
	delete(r.rejected, peer.NodeID)
	becameHealthy := !existed || prev.Status != StatusHealthy
	r.mu.Unlock()

	if !existed || prev.Address != peer.Address || prev.Port != peer.Port || becameHealthy {
		r.logger.Info("Peer discovered",
			zap.String("peer_id", peer.NodeID),
			zap.String("name", peer.Name),
			zap.String("endpoint", peer.Endpoint()),
			zap.String("source", peer.Source))
	}
	r.persist(ctx, &peer)

	if becameHealthy {
		r.notifyCallbacks(peer)
	}
}

// Reject records a sender that failed authentication
func (r *Registry) Reject(nodeID, address string, port int, reason string) {
	key := nodeID
	if key == "" {
		key = address
	}

	r.mu.Lock()
	_, seen := r.rejected[key]
	if !seen && len(r.rejected) >= maxRejected {
		r.evictOldestRejected()
	}
	r.rejected[key] = &PeerRecord{
		NodeID:     nodeID,
		Address:    address,
		Port:       port,
		LastSeenAt: r.now(),
		Status:     StatusUnauthenticated,
		Reason:     reason,
	}
	r.mu.Unlock()

	log := r.logger.Error
	if seen {
		log = r.logger.Debug
	}
	log("Rejected unauthenticated peer",
		zap.String("peer_id", nodeID),
		zap.String("address", address),
		zap.String("reason", reason))
}

// evictOldestRejected drops the least recently seen rejected sender.
// Callers hold r.mu.
func (r *Registry) evictOldestRejected() {
	var (
		oldest string
		at     time.Time
	)
	for key, p := range r.rejected {
		if oldest == "" || p.LastSeenAt.Before(at) {
			oldest, at = key, p.LastSeenAt
		}
	}
	delete(r.rejected, oldest)
}

// Touch marks a peer as seen now after a successful exchange
func (r *Registry) Touch(nodeID string) {
	r.mu.Lock()
	p, ok := r.peers[nodeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.LastSeenAt = r.now()
	recovered := p.Status != StatusHealthy
	p.Status = StatusHealthy
	snapshot := *p
	r.mu.Unlock()

	if recovered {
		r.notifyCallbacks(snapshot)
	}
}

// Sweep marks peers silent for longer than maxSilence unreachable. Their
// records are kept. Rejected senders not heard from within
// rejectedRetention are forgotten. It returns the ids that changed status.
func (r *Registry) Sweep(maxSilence time.Duration) []string {
	now := r.now()
	cutoff := now.Add(-maxSilence)

	r.mu.Lock()
	var changed []string
	for id, p := range r.peers {
		if p.Status == StatusHealthy && p.LastSeenAt.Before(cutoff) {
			p.Status = StatusUnreachable
			changed = append(changed, id)
		}
	}
	for key, p := range r.rejected {
		if p.LastSeenAt.Before(now.Add(-rejectedRetention)) {
			delete(r.rejected, key)
		}
	}
	r.mu.Unlock()

	sort.Strings(changed)
	for _, id := range changed {
		r.logger.Warn("Peer unreachable", zap.String("peer_id", id), zap.Duration("silence", maxSilence))
	}
	return changed
}

// Get returns a copy of a trusted peer
func (r *Registry) Get(nodeID string) (PeerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return PeerRecord{}, false
	}
	return *p, true
}

// TrustedPeers returns every authenticated peer, reachable or not, ordered by id
func (r *Registry) TrustedPeers() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedCopy(r.peers)
}

// HealthyPeers returns the trusted peers currently reachable
func (r *Registry) HealthyPeers() []PeerRecord {
	all := r.TrustedPeers()
	out := all[:0]
	for _, p := range all {
		if p.Status == StatusHealthy {
			out = append(out, p)
		}
	}
	return out
}

// RejectedPeers returns senders that failed authentication
func (r *Registry) RejectedPeers() []PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedCopy(r.rejected)
}

// RemovePeer forgets a peer and deletes it from the cache. This is the
// only path that deletes peer records.
func (r *Registry) RemovePeer(ctx context.Context, nodeID string) error {
	r.mu.Lock()
	_, trusted := r.peers[nodeID]
	_, rejected := r.rejected[nodeID]
	delete(r.peers, nodeID)
	delete(r.rejected, nodeID)
	r.mu.Unlock()

	if !trusted && !rejected {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, nodeID)
	}
	if r.db != nil {
		if err := r.db.DeletePeer(ctx, r.db.GetDB(), nodeID); err != nil {
			return err
		}
		if err := r.db.DeleteWatermark(ctx, r.db.GetDB(), nodeID); err != nil {
			return err
		}
	}
	r.logger.Info("Peer removed", zap.String("peer_id", nodeID))
	return nil
}

// AddDiscoveryCallback adds a callback run when a peer becomes healthy
func (r *Registry) AddDiscoveryCallback(callback PeerDiscoveryCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

func (r *Registry) notifyCallbacks(peer PeerRecord) {
	r.mu.RLock()
	callbacks := make([]PeerDiscoveryCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(peer)
	}
}

func (r *Registry) persist(ctx context.Context, p *PeerRecord) {
	if r.db == nil {
		return
	}
	err := r.db.UpsertPeer(ctx, r.db.GetDB(), &database.PeerInfo{
		NodeID:     p.NodeID,
		Name:       p.Name,
		Address:    p.Address,
		Port:       p.Port,
		LastSeenAt: p.LastSeenAt,
		Source:     p.Source,
	})
	if err != nil {
		r.logger.Warn("Failed to cache peer", zap.String("peer_id", p.NodeID), zap.Error(err))
	}
}

func sortedCopy(m map[string]*PeerRecord) []PeerRecord {
	out := make([]PeerRecord, 0, len(m))
	for _, p := range m {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Address < out[j].Address
	})
	return out
}
