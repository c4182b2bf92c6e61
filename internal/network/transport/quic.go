package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// QUICTransport multiplexes one stream per request over a cached QUIC
// connection per peer address
type QUICTransport struct {
	port          int
	tlsConfig     *tls.Config
	logger        *zap.Logger
	listener      *quic.Listener
	stopCh        chan struct{}
	stopOnce      sync.Once
	connections   map[string]*quic.Conn // address -> connection
	connectionsMu sync.Mutex
}

// NewQUICTransport creates a new QUIC transport
func NewQUICTransport(port int, tlsConfig *tls.Config, logger *zap.Logger) *QUICTransport {
	return &QUICTransport{
		port:        port,
		tlsConfig:   tlsConfig,
		logger:      logger,
		stopCh:      make(chan struct{}),
		connections: make(map[string]*quic.Conn),
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:      30 * time.Second,
		MaxIdleTimeout:       120 * time.Second,
		HandshakeIdleTimeout: 3 * time.Second,
	}
}

// Start starts listening on QUIC
func (q *QUICTransport) Start(handler StreamHandler) error {
	listener, err := quic.ListenAddr(fmt.Sprintf(":%d", q.port), q.tlsConfig, quicConfig())
	if err != nil {
		return fmt.Errorf("failed to listen on QUIC: %w", err)
	}
	q.listener = listener
	q.port = listener.Addr().(*net.UDPAddr).Port

	go q.accept(handler)
	return nil
}

// Stop stops the QUIC transport and closes cached connections
func (q *QUICTransport) Stop() error {
	var err error
	q.stopOnce.Do(func() {
		close(q.stopCh)
		if q.listener != nil {
			err = q.listener.Close()
		}
		q.connectionsMu.Lock()
		for addr, conn := range q.connections {
			conn.CloseWithError(0, "shutdown")
			delete(q.connections, addr)
		}
		q.connectionsMu.Unlock()
	})
	return err
}

func (q *QUICTransport) accept(handler StreamHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-q.stopCh
		cancel()
	}()

	for {
		conn, err := q.listener.Accept(ctx)
		if err != nil {
			select {
			case <-q.stopCh:
				return
			default:
			}
			q.logger.Debug("QUIC accept ended", zap.Error(err))
			return
		}
		go q.handleConnection(ctx, conn, handler)
	}
}

func (q *QUICTransport) handleConnection(ctx context.Context, conn *quic.Conn, handler StreamHandler) {
	defer conn.CloseWithError(0, "")

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go handler.HandleStream(&quicStream{Stream: stream, conn: conn})
	}
}

// Dial opens a stream to address, reusing a cached connection when it is
// still alive
func (q *QUICTransport) Dial(ctx context.Context, address string) (Stream, error) {
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := q.getOrCreateConnection(ctx, address)
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err == nil {
			return &quicStream{Stream: stream, conn: conn}, nil
		}
		q.dropConnection(address, conn)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("failed to open stream to %s: %w", address, err)
		}
	}
	return nil, fmt.Errorf("failed to open stream to %s", address)
}

func (q *QUICTransport) getOrCreateConnection(ctx context.Context, address string) (*quic.Conn, error) {
	q.connectionsMu.Lock()
	defer q.connectionsMu.Unlock()

	if conn, ok := q.connections[address]; ok {
		if conn.Context().Err() == nil {
			return conn, nil
		}
		delete(q.connections, address)
	}

	conn, err := quic.DialAddr(ctx, address, q.tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	q.connections[address] = conn
	return conn, nil
}

func (q *QUICTransport) dropConnection(address string, conn *quic.Conn) {
	q.connectionsMu.Lock()
	if q.connections[address] == conn {
		delete(q.connections, address)
	}
	q.connectionsMu.Unlock()
	conn.CloseWithError(0, "stream open failed")
}

// Port returns the bound port
func (q *QUICTransport) Port() int {
	return q.port
}

// Protocol returns "quic"
func (q *QUICTransport) Protocol() string {
	return "quic"
}

type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

// Close closes both directions of the stream
func (s *quicStream) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}

func (s *quicStream) Binding() ([]byte, error) {
	state := s.conn.ConnectionState().TLS
	return state.ExportKeyingMaterial(exporterLabel, nil, 32)
}

func (s *quicStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
