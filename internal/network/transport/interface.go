package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Stream is one bidirectional request stream between two nodes
type Stream interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
	// Binding returns keying material unique to the underlying TLS session.
	// Handshake proofs cover it so they cannot be relayed to another session.
	Binding() ([]byte, error)
	RemoteAddr() string
}

// StreamHandler serves streams opened by peers
type StreamHandler interface {
	HandleStream(stream Stream)
}

// StreamHandlerFunc adapts a function to StreamHandler
type StreamHandlerFunc func(stream Stream)

// HandleStream calls f(stream)
func (f StreamHandlerFunc) HandleStream(stream Stream) {
	f(stream)
}

// Transport accepts streams from peers and opens streams to them
type Transport interface {
	// Start starts listening and passes every accepted stream to handler
	Start(handler StreamHandler) error
	// Stop stops the transport
	Stop() error
	// Dial opens a new stream to address ("host:port")
	Dial(ctx context.Context, address string) (Stream, error)
	// Port returns the bound port
	Port() int
	// Protocol returns "quic" or "tcp"
	Protocol() string
}

// NewTransport creates a transport for protocol. "quic" listens on both UDP
// and TCP and falls back to TCP per peer when QUIC cannot be reached.
func NewTransport(protocol string, port int, logger *zap.Logger) (Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tlsConfig, err := newTLSConfig()
	if err != nil {
		return nil, err
	}

	switch protocol {
	case "quic":
		return NewFallbackTransport(port, tlsConfig, logger), nil
	case "tcp":
		return NewTCPTransport(port, tlsConfig, logger), nil
	default:
		return nil, fmt.Errorf("unknown protocol: %s", protocol)
	}
}

const exporterLabel = "EXPORTER-dbsync-handshake"
