package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// FallbackTransport listens on QUIC and TCP with the same port number and
// dials QUIC first, remembering peers that are only reachable over TCP
type FallbackTransport struct {
	primaryTransport  *QUICTransport
	fallbackTransport *TCPTransport
	logger            *zap.Logger
	quicDisabled      bool
	peerProtocols     map[string]string // address -> protocol that worked
	peerProtocolsMu   sync.RWMutex
}

// NewFallbackTransport creates a transport that tries QUIC first, then TCP
func NewFallbackTransport(port int, tlsConfig *tls.Config, logger *zap.Logger) *FallbackTransport {
	return &FallbackTransport{
		primaryTransport:  NewQUICTransport(port, tlsConfig, logger),
		fallbackTransport: NewTCPTransport(port, tlsConfig, logger),
		logger:            logger,
		peerProtocols:     make(map[string]string),
	}
}

// Start starts the TCP listener and, when possible, the QUIC listener on
// the same port
func (ft *FallbackTransport) Start(handler StreamHandler) error {
	if err := ft.fallbackTransport.Start(handler); err != nil {
		return err
	}
	ft.primaryTransport.port = ft.fallbackTransport.Port()
	if err := ft.primaryTransport.Start(handler); err != nil {
		ft.logger.Warn("QUIC transport unavailable, serving TCP only", zap.Error(err))
		ft.quicDisabled = true
		return nil
	}
	ft.logger.Info("Transport started", zap.Int("port", ft.Port()))
	return nil
}

// Stop stops both transports
func (ft *FallbackTransport) Stop() error {
	errQUIC := ft.primaryTransport.Stop()
	errTCP := ft.fallbackTransport.Stop()
	if errQUIC != nil {
		return errQUIC
	}
	return errTCP
}

// Dial opens a stream over QUIC, falling back to TCP
func (ft *FallbackTransport) Dial(ctx context.Context, address string) (Stream, error) {
	ft.peerProtocolsMu.RLock()
	known := ft.peerProtocols[address]
	ft.peerProtocolsMu.RUnlock()

	if known != "tcp" && !ft.quicDisabled {
		stream, err := ft.primaryTransport.Dial(ctx, address)
		if err == nil {
			ft.remember(address, "quic")
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		ft.logger.Debug("QUIC dial failed, trying TCP", zap.String("address", address), zap.Error(err))
	}

	stream, err := ft.fallbackTransport.Dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("peer %s unreachable over QUIC and TCP: %w", address, err)
	}
	ft.remember(address, "tcp")
	return stream, nil
}

func (ft *FallbackTransport) remember(address, protocol string) {
	ft.peerProtocolsMu.Lock()
	ft.peerProtocols[address] = protocol
	ft.peerProtocolsMu.Unlock()
}

// Port returns the bound port
func (ft *FallbackTransport) Port() int {
	return ft.fallbackTransport.Port()
}

// Protocol returns "quic"
func (ft *FallbackTransport) Protocol() string {
	return "quic"
}
