package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
	"github.com/p2p-db-sync/dbsync/internal/node"
)

// Client opens authenticated request streams to peers
type Client struct {
	transport       transport.Transport
	auth            transport.Authenticator
	dialTimeout     time.Duration
	exchangeTimeout time.Duration
	logger          *zap.Logger
}

// NewClient creates a client dialing through tr
func NewClient(tr transport.Transport, auth transport.Authenticator, dialTimeout, exchangeTimeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		transport:       tr,
		auth:            auth,
		dialTimeout:     dialTimeout,
		exchangeTimeout: exchangeTimeout,
		logger:          logger,
	}
}

// Open dials address and completes the handshake. When expectedPeer is
// set, the answering node must have that id.
func (c *Client) Open(ctx context.Context, address, expectedPeer string) (*transport.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	stream, err := c.transport.Dial(dialCtx, address)
	if err != nil {
		return nil, err
	}

	stream.SetDeadline(time.Now().Add(c.dialTimeout))
	conn, err := transport.ClientHandshake(stream, c.auth)
	if err != nil {
		stream.Close()
		return nil, Translate(err)
	}
	if expectedPeer != "" && conn.PeerID != expectedPeer {
		conn.Close()
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedPeer, expectedPeer, conn.PeerID)
	}

	deadline := time.Now().Add(c.exchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	return conn, nil
}

// Probe authenticates the node at address and returns its advertised record.
// It satisfies discovery.Prober.
func (c *Client) Probe(ctx context.Context, address string) (*discovery.PeerRecord, error) {
	conn, err := c.Open(ctx, address, "")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Send(messages.TypePing, messages.PingMessage{NodeID: c.auth.LocalNodeID()}); err != nil {
		return nil, err
	}
	var pong messages.PingMessage
	if err := conn.Expect(messages.TypePong, &pong); err != nil {
		return nil, Translate(err)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	port, _ := strconv.Atoi(portStr)
	return &discovery.PeerRecord{
		NodeID:  conn.PeerID,
		Name:    conn.PeerName,
		Address: host,
		Port:    port,
	}, nil
}

// Connect opens a request stream to a known peer
func (c *Client) Connect(ctx context.Context, peer discovery.PeerRecord) (*PeerConn, error) {
	conn, err := c.Open(ctx, peer.Endpoint(), peer.NodeID)
	if err != nil {
		return nil, err
	}
	return &PeerConn{conn: conn, logger: c.logger.With(zap.String("peer_id", peer.NodeID))}, nil
}

// PeerConn carries any number of sequential requests to one peer
type PeerConn struct {
	conn   *transport.Conn
	logger *zap.Logger
}

// Conn exposes the underlying framed stream for bulk transfers
func (p *PeerConn) Conn() *transport.Conn {
	return p.conn
}

// Ping asks the peer for its current log high-water mark
func (p *PeerConn) Ping(ctx context.Context) (*messages.PingMessage, error) {
	if err := p.conn.Send(messages.TypePing, messages.PingMessage{NodeID: p.conn.LocalID}); err != nil {
		return nil, err
	}
	var pong messages.PingMessage
	if err := p.conn.Expect(messages.TypePong, &pong); err != nil {
		return nil, Translate(err)
	}
	return &pong, nil
}

// RequestEvents pulls one batch of the peer's log after since
func (p *PeerConn) RequestEvents(ctx context.Context, since int64, limit int) (*messages.EventsResponseMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err := p.conn.Send(messages.TypeEventsRequest, messages.EventsRequestMessage{Since: since, Limit: limit})
	if err != nil {
		return nil, err
	}
	var resp messages.EventsResponseMessage
	if err := p.conn.Expect(messages.TypeEventsResponse, &resp); err != nil {
		return nil, Translate(err)
	}
	if resp.Through < since {
		return nil, fmt.Errorf("peer answered through %d for a request since %d", resp.Through, since)
	}
	return &resp, nil
}

// PushEvents offers our events up to through and returns what the peer
// durably applied
func (p *PeerConn) PushEvents(ctx context.Context, events []*changelog.ChangeEvent, through int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	err := p.conn.Send(messages.TypeEventsPush, messages.EventsPushMessage{Events: events, Through: through})
	if err != nil {
		return 0, err
	}
	var ack messages.EventsAckMessage
	if err := p.conn.Expect(messages.TypeEventsAck, &ack); err != nil {
		return 0, Translate(err)
	}
	return ack.AppliedThrough, nil
}

// Close closes the stream
func (p *PeerConn) Close() error {
	return p.conn.Close()
}

// IsTransient reports whether err is worth retrying on the next cycle
func IsTransient(err error) bool {
	return err != nil &&
		!errors.Is(err, node.ErrUnauthenticated) &&
		!errors.Is(err, ErrUnexpectedPeer)
}
