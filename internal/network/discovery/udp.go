package discovery

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/network/messages"
)

// AnnouncementHandler receives decoded announcements with their sender address
type AnnouncementHandler func(a *messages.AnnounceMessage, from net.IP)

// UDPDiscovery sends and receives announcements as UDP datagrams
type UDPDiscovery struct {
	port     int
	targets  []string
	conn     *net.UDPConn
	handler  AnnouncementHandler
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewUDPDiscovery creates a UDP discovery endpoint listening on port and
// announcing to targets (usually the broadcast address on the same port)
func NewUDPDiscovery(port int, targets []string, handler AnnouncementHandler, logger *zap.Logger) *UDPDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UDPDiscovery{
		port:    port,
		targets: targets,
		handler: handler,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start starts listening for announcements
func (u *UDPDiscovery) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf(":%d", u.port))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	u.conn = conn
	u.port = conn.LocalAddr().(*net.UDPAddr).Port

	u.wg.Add(1)
	go u.listen()
	return nil
}

// Stop stops the UDP discovery service
func (u *UDPDiscovery) Stop() error {
	var err error
	u.stopOnce.Do(func() {
		close(u.stopCh)
		if u.conn != nil {
			err = u.conn.Close()
		}
		u.wg.Wait()
	})
	return err
}

// Port returns the bound port
func (u *UDPDiscovery) Port() int {
	return u.port
}

func (u *UDPDiscovery) listen() {
	defer u.wg.Done()
	buffer := make([]byte, 4096)
	for {
		n, addr, err := u.conn.ReadFromUDP(buffer)
		if err != nil {
			select {
			case <-u.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		msg, err := messages.DecodeMessage(buffer[:n])
		if err != nil || msg.Type != messages.TypeAnnounce {
			continue
		}
		var a messages.AnnounceMessage
		if err := msg.Decode(&a); err != nil {
			u.logger.Debug("Malformed announcement", zap.String("from", addr.String()), zap.Error(err))
			continue
		}
		u.handler(&a, addr.IP)
	}
}

// Announce sends a to every target. Failures are logged, not returned;
// discovery degrades to the peers already known.
func (u *UDPDiscovery) Announce(a *messages.AnnounceMessage) {
	msg, err := messages.NewMessage(messages.TypeAnnounce, a.NodeID, a)
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}

	for _, target := range u.targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			u.logger.Warn("Invalid announcement target", zap.String("target", target), zap.Error(err))
			continue
		}
		if _, err := u.conn.WriteToUDP(data, addr); err != nil {
			u.logger.Warn("Announcement failed", zap.String("target", target), zap.Error(err))
		}
	}
}
