package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/network/messages"
)

const (
	mdnsServiceType = "_dbsync._tcp"
	mdnsDomain      = "local."
)

// MDNSDiscovery publishes the local node as a DNS-SD service and browses
// for others. TXT records carry the same signed fields as a UDP announcement.
type MDNSDiscovery struct {
	handler AnnouncementHandler
	logger  *zap.Logger
	server  *zeroconf.Server
}

// NewMDNSDiscovery creates a new mDNS discovery service
func NewMDNSDiscovery(handler AnnouncementHandler, logger *zap.Logger) *MDNSDiscovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MDNSDiscovery{handler: handler, logger: logger}
}

// Start registers the service with an initial announcement
func (m *MDNSDiscovery) Start(a *messages.AnnounceMessage) error {
	server, err := zeroconf.Register(a.NodeID, mdnsServiceType, mdnsDomain, a.Port, encodeTXT(a), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	m.server = server
	return nil
}

// Stop stops the mDNS discovery service
func (m *MDNSDiscovery) Stop() error {
	if m.server != nil {
		m.server.Shutdown()
	}
	return nil
}

// Announce refreshes the published TXT record so its timestamp stays fresh
func (m *MDNSDiscovery) Announce(a *messages.AnnounceMessage) {
	if m.server != nil {
		m.server.SetText(encodeTXT(a))
	}
}

// Browse collects service entries for up to timeout and passes each to
// the handler
func (m *MDNSDiscovery) Browse(ctx context.Context, timeout time.Duration) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, mdnsServiceType, mdnsDomain, entries); err != nil {
		return fmt.Errorf("failed to browse mDNS: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			m.handleServiceEntry(entry)
		}
	}
}

func (m *MDNSDiscovery) handleServiceEntry(entry *zeroconf.ServiceEntry) {
	a, err := decodeTXT(entry.Text)
	if err != nil {
		m.logger.Debug("Ignoring mDNS entry", zap.String("instance", entry.Instance), zap.Error(err))
		return
	}

	var from net.IP
	if len(entry.AddrIPv4) > 0 {
		from = entry.AddrIPv4[0]
	}
	if a.Port == 0 {
		a.Port = entry.Port
	}
	m.handler(a, from)
}

func encodeTXT(a *messages.AnnounceMessage) []string {
	return []string{
		"node_id=" + a.NodeID,
		"name=" + a.NodeName,
		"address=" + a.Address,
		"port=" + strconv.Itoa(a.Port),
		"sent_at=" + strconv.FormatInt(a.SentAt, 10),
		"token=" + hex.EncodeToString(a.Token),
	}
}

func decodeTXT(txt []string) (*messages.AnnounceMessage, error) {
	a := &messages.AnnounceMessage{}
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		var err error
		switch key {
		case "node_id":
			a.NodeID = value
		case "name":
			a.NodeName = value
		case "address":
			a.Address = value
		case "port":
			a.Port, err = strconv.Atoi(value)
		case "sent_at":
			a.SentAt, err = strconv.ParseInt(value, 10, 64)
		case "token":
			a.Token, err = hex.DecodeString(value)
		}
		if err != nil {
			return nil, fmt.Errorf("bad %s: %w", key, err)
		}
	}
	if a.NodeID == "" || len(a.Token) == 0 {
		return nil, fmt.Errorf("not a dbsync announcement")
	}
	return a, nil
}
