package sync

import (
	"context"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/network"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/messages"
)

// PeerConn carries the requests of one exchange
type PeerConn interface {
	RequestEvents(ctx context.Context, since int64, limit int) (*messages.EventsResponseMessage, error)
	PushEvents(ctx context.Context, events []*changelog.ChangeEvent, through int64) (int64, error)
	Close() error
}

// Dialer opens exchange connections to peers
type Dialer interface {
	Connect(ctx context.Context, peer discovery.PeerRecord) (PeerConn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, peer discovery.PeerRecord) (PeerConn, error)

// Connect calls f
func (f DialerFunc) Connect(ctx context.Context, peer discovery.PeerRecord) (PeerConn, error) {
	return f(ctx, peer)
}

// NetworkDialer dials peers through the network client
func NetworkDialer(c *network.Client) Dialer {
	return DialerFunc(func(ctx context.Context, peer discovery.PeerRecord) (PeerConn, error) {
		return c.Connect(ctx, peer)
	})
}

// PeerSource lists the peers eligible for exchanges
type PeerSource interface {
	HealthyPeers() []discovery.PeerRecord
	TrustedPeers() []discovery.PeerRecord
}

// InMemoryDialer connects engines in one process without a network. The
// caller identity is passed to the serving engine as the peer id.
type InMemoryDialer struct {
	LocalID string
	Engines map[string]*Engine
	// Down makes Connect fail for the listed node ids
	Down map[string]bool
}

// Connect returns a direct connection to the engine registered for peer
func (d *InMemoryDialer) Connect(ctx context.Context, peer discovery.PeerRecord) (PeerConn, error) {
	if d.Down[peer.NodeID] {
		return nil, &unreachableError{peer: peer.NodeID}
	}
	e, ok := d.Engines[peer.NodeID]
	if !ok {
		return nil, &unreachableError{peer: peer.NodeID}
	}
	return &localConn{caller: d.LocalID, engine: e}, nil
}

type unreachableError struct {
	peer string
}

func (e *unreachableError) Error() string {
	return "peer " + e.peer + " is unreachable"
}

type localConn struct {
	caller string
	engine *Engine
}

func (c *localConn) RequestEvents(ctx context.Context, since int64, limit int) (*messages.EventsResponseMessage, error) {
	return c.engine.ServeEventsRequest(ctx, c.caller, &messages.EventsRequestMessage{Since: since, Limit: limit})
}

func (c *localConn) PushEvents(ctx context.Context, events []*changelog.ChangeEvent, through int64) (int64, error) {
	ack, err := c.engine.ServeEventsPush(ctx, c.caller, &messages.EventsPushMessage{Events: events, Through: through})
	if err != nil {
		return 0, err
	}
	return ack.AppliedThrough, nil
}

func (c *localConn) Close() error {
	return nil
}
