// Package monitoring exposes the node's status to operators: a JSON and
// websocket feed, Prometheus gauges and the control endpoints behind the CLI.
package monitoring

import (
	"context"
	"time"

	"github.com/p2p-db-sync/dbsync/internal/fullsync"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/sync"
)

// NodeStatus describes the local node
type NodeStatus struct {
	NodeID    string    `json:"node_id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	Protocol  string    `json:"protocol"`
	HighWater int64     `json:"high_water"`
	StartedAt time.Time `json:"started_at"`
}

// PeerStatus joins what discovery, the engine and the watermarks know
// about one peer
type PeerStatus struct {
	discovery.PeerRecord
	Exchange *sync.PeerStatus `json:"exchange,omitempty"`
	Lag      *sync.Lag        `json:"lag,omitempty"`
}

// Status is a point-in-time view of the node
type Status struct {
	Node        NodeStatus             `json:"node"`
	SyncPaused  bool                   `json:"sync_paused"`
	Peers       []PeerStatus           `json:"peers"`
	Rejected    []discovery.PeerRecord `json:"rejected,omitempty"`
	Sessions    []fullsync.Progress    `json:"sessions"`
	GeneratedAt time.Time              `json:"generated_at"`
}

// Service is what the admin surface reads and drives
type Service interface {
	Status(ctx context.Context) (*Status, error)

	StartFullSync(ctx context.Context, peerID string, direction fullsync.Direction) (*fullsync.Progress, error)
	CancelSession(sessionID string) error
	ClearStuckSession(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (*fullsync.Progress, error)
	Sessions(ctx context.Context, limit int) ([]fullsync.Progress, error)

	RemovePeer(ctx context.Context, nodeID string) error

	PauseSync()
	ResumeSync()
	TriggerSync()
}
