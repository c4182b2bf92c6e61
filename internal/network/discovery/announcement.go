package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/p2p-db-sync/dbsync/internal/network/messages"
)

var (
	// ErrInvalidToken means the announcement was not signed with the cluster key
	ErrInvalidToken = errors.New("invalid announcement token")
	// ErrStaleAnnouncement means the announcement is older than the accepted age
	ErrStaleAnnouncement = errors.New("stale announcement")
)

// Signer signs and verifies announcements with the registration key
type Signer interface {
	LocalNodeID() string
	LocalName() string
	Address() (string, int)
	SignAnnouncement(fields ...string) []byte
	VerifyAnnouncement(token []byte, fields ...string) bool
}

func announcementFields(a *messages.AnnounceMessage) []string {
	return []string{
		a.NodeID,
		a.NodeName,
		a.Address,
		strconv.Itoa(a.Port),
		strconv.FormatInt(a.SentAt, 10),
	}
}

// NewAnnouncement builds a signed announcement of the local node
func NewAnnouncement(s Signer, now time.Time) *messages.AnnounceMessage {
	address, port := s.Address()
	a := &messages.AnnounceMessage{
		NodeID:   s.LocalNodeID(),
		NodeName: s.LocalName(),
		Address:  address,
		Port:     port,
		SentAt:   now.UnixMilli(),
	}
	a.Token = s.SignAnnouncement(announcementFields(a)...)
	return a
}

// VerifyAnnouncement checks the token and freshness of a
func VerifyAnnouncement(s Signer, a *messages.AnnounceMessage, now time.Time, maxAge time.Duration) error {
	if a.NodeID == "" || a.Port <= 0 {
		return fmt.Errorf("%w: missing node id or port", ErrInvalidToken)
	}
	if !s.VerifyAnnouncement(a.Token, announcementFields(a)...) {
		return ErrInvalidToken
	}
	sent := time.UnixMilli(a.SentAt)
	if age := now.Sub(sent); age > maxAge || age < -maxAge {
		return fmt.Errorf("%w: sent %v ago", ErrStaleAnnouncement, age.Round(time.Second))
	}
	return nil
}
