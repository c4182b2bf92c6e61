package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPTransport carries one stream per TLS-over-TCP connection
type TCPTransport struct {
	port      int
	tlsConfig *tls.Config
	logger    *zap.Logger
	listener  net.Listener
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewTCPTransport creates a new TCP transport
func NewTCPTransport(port int, tlsConfig *tls.Config, logger *zap.Logger) *TCPTransport {
	return &TCPTransport{
		port:      port,
		tlsConfig: tlsConfig,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start starts listening on TCP
func (t *TCPTransport) Start(handler StreamHandler) error {
	listener, err := tls.Listen("tcp", fmt.Sprintf(":%d", t.port), t.tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	t.listener = listener
	t.port = listener.Addr().(*net.TCPAddr).Port

	t.wg.Add(1)
	go t.accept(handler)
	return nil
}

// Stop stops the TCP transport
func (t *TCPTransport) Stop() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.listener != nil {
			err = t.listener.Close()
		}
		t.wg.Wait()
	})
	return err
}

func (t *TCPTransport) accept(handler StreamHandler) {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn("TCP accept failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		go func() {
			tlsConn := conn.(*tls.Conn)
			if tcp, ok := tlsConn.NetConn().(*net.TCPConn); ok {
				tcp.SetKeepAlive(true)
				tcp.SetKeepAlivePeriod(60 * time.Second)
			}
			handler.HandleStream(&tcpStream{Conn: tlsConn})
		}()
	}
}

// Dial opens a TLS connection to address
func (t *TCPTransport) Dial(ctx context.Context, address string) (Stream, error) {
	dialer := &tls.Dialer{Config: t.tlsConfig}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &tcpStream{Conn: conn.(*tls.Conn)}, nil
}

// Port returns the bound port
func (t *TCPTransport) Port() int {
	return t.port
}

// Protocol returns "tcp"
func (t *TCPTransport) Protocol() string {
	return "tcp"
}

type tcpStream struct {
	*tls.Conn
}

func (s *tcpStream) Binding() ([]byte, error) {
	if err := s.Conn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	state := s.Conn.ConnectionState()
	return state.ExportKeyingMaterial(exporterLabel, nil, 32)
}

func (s *tcpStream) RemoteAddr() string {
	return s.Conn.RemoteAddr().String()
}
