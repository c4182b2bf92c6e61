package network

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
	"github.com/p2p-db-sync/dbsync/internal/node"
	"github.com/p2p-db-sync/dbsync/internal/observability"
)

// SyncHandler serves incremental exchanges
type SyncHandler interface {
	ServeEventsRequest(ctx context.Context, peerID string, req *messages.EventsRequestMessage) (*messages.EventsResponseMessage, error)
	ServeEventsPush(ctx context.Context, peerID string, push *messages.EventsPushMessage) (*messages.EventsAckMessage, error)
	HighWater(ctx context.Context) (int64, error)
}

// SnapshotHandler serves full sync transfers. Both take over the stream
// until the transfer ends.
type SnapshotHandler interface {
	ServeSnapshot(ctx context.Context, conn *transport.Conn, req *messages.SnapshotRequestMessage) error
	ServeRestore(ctx context.Context, conn *transport.Conn, req *messages.RestoreRequestMessage) error
}

// Handler serves streams opened by peers
type Handler struct {
	auth            transport.Authenticator
	db              *database.DB
	registry        *discovery.Registry
	syncHandler     SyncHandler
	snapshots       SnapshotHandler
	exchangeTimeout time.Duration
	transferTimeout time.Duration
	logger          *zap.Logger
	metrics         *observability.Metrics
	ctx             context.Context
	now             func() time.Time
}

// HandlerOptions configures a Handler
type HandlerOptions struct {
	ExchangeTimeout time.Duration
	TransferTimeout time.Duration
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// NewHandler creates a stream handler. ctx bounds every served request.
func NewHandler(ctx context.Context, auth transport.Authenticator, db *database.DB, registry *discovery.Registry, opts HandlerOptions) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = time.Minute
	}
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = time.Hour
	}
	return &Handler{
		auth:            auth,
		db:              db,
		registry:        registry,
		exchangeTimeout: opts.ExchangeTimeout,
		transferTimeout: opts.TransferTimeout,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		ctx:             ctx,
		now:             time.Now,
	}
}

// SetSyncHandler sets the incremental exchange handler
func (h *Handler) SetSyncHandler(s SyncHandler) {
	h.syncHandler = s
}

// SetSnapshotHandler sets the full sync transfer handler
func (h *Handler) SetSnapshotHandler(s SnapshotHandler) {
	h.snapshots = s
}

// HandleStream authenticates the peer and serves its requests until it
// closes the stream
func (h *Handler) HandleStream(stream transport.Stream) {
	defer stream.Close()

	stream.SetDeadline(h.now().Add(h.exchangeTimeout))
	conn, err := transport.ServerHandshake(stream, h.auth)
	if err != nil {
		if errors.Is(err, node.ErrUnauthenticated) {
			observability.Add(h.metrics.AuthFailures, 1)
			h.registry.Reject("", stream.RemoteAddr(), 0, err.Error())
			return
		}
		h.logger.Debug("Handshake failed", zap.String("remote", stream.RemoteAddr()), zap.Error(err))
		return
	}
	h.registry.Touch(conn.PeerID)
	logger := h.logger.With(zap.String("peer_id", conn.PeerID))

	for {
		conn.SetDeadline(h.now().Add(h.exchangeTimeout))
		msg, err := conn.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("Stream ended", zap.Error(err))
			}
			return
		}

		if err := h.dispatch(conn, msg); err != nil {
			logger.Warn("Request failed", zap.String("type", msg.Type), zap.Error(err))
			conn.SendError(ErrorCode(err), err)
			return
		}
		if msg.Type == messages.TypeSnapshotRequest || msg.Type == messages.TypeRestoreRequest {
			return
		}
	}
}

func (h *Handler) dispatch(conn *transport.Conn, msg *messages.Message) error {
	ctx, span := observability.StartSpan(h.ctx, "serve."+msg.Type, attribute.String("peer_id", conn.PeerID))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	switch msg.Type {
	case messages.TypePing:
		err = h.servePing(ctx, conn)
	case messages.TypeEventsRequest, messages.TypeEventsPush:
		err = h.serveEvents(ctx, conn, msg)
	case messages.TypeSnapshotRequest:
		var req messages.SnapshotRequestMessage
		if err = msg.Decode(&req); err != nil {
			return err
		}
		if h.snapshots == nil {
			err = errors.New("full sync is not served by this node")
			return err
		}
		conn.SetDeadline(h.now().Add(h.transferTimeout))
		err = h.snapshots.ServeSnapshot(ctx, conn, &req)
	case messages.TypeRestoreRequest:
		var req messages.RestoreRequestMessage
		if err = msg.Decode(&req); err != nil {
			return err
		}
		if h.snapshots == nil {
			err = errors.New("full sync is not served by this node")
			return err
		}
		conn.SetDeadline(h.now().Add(h.transferTimeout))
		err = h.snapshots.ServeRestore(ctx, conn, &req)
	default:
		conn.SendMessage(messages.NewError(conn.LocalID, messages.CodeBadRequest, "unsupported message type "+msg.Type))
	}
	return err
}

func (h *Handler) servePing(ctx context.Context, conn *transport.Conn) error {
	var high int64
	if h.syncHandler != nil {
		var err error
		if high, err = h.syncHandler.HighWater(ctx); err != nil {
			return err
		}
	}
	address, port := "", 0
	if r, ok := h.auth.(interface{ Address() (string, int) }); ok {
		address, port = r.Address()
	}
	return conn.Send(messages.TypePong, messages.PingMessage{
		NodeID:    h.auth.LocalNodeID(),
		Name:      h.auth.LocalName(),
		Address:   address,
		Port:      port,
		HighWater: high,
	})
}

func (h *Handler) serveEvents(ctx context.Context, conn *transport.Conn, msg *messages.Message) error {
	if h.syncHandler == nil {
		return errors.New("incremental sync is not served by this node")
	}
	locked, err := h.db.PeerLocked(ctx, h.db.GetDB(), conn.PeerID, h.now())
	if err != nil {
		return err
	}
	if locked {
		return ErrPeerLocked
	}

	switch msg.Type {
	case messages.TypeEventsRequest:
		var req messages.EventsRequestMessage
		if err := msg.Decode(&req); err != nil {
			return err
		}
		resp, err := h.syncHandler.ServeEventsRequest(ctx, conn.PeerID, &req)
		if err != nil {
			return err
		}
		return conn.Send(messages.TypeEventsResponse, resp)
	default:
		var push messages.EventsPushMessage
		if err := msg.Decode(&push); err != nil {
			return err
		}
		ack, err := h.syncHandler.ServeEventsPush(ctx, conn.PeerID, &push)
		if err != nil {
			return err
		}
		return conn.Send(messages.TypeEventsAck, ack)
	}
}
