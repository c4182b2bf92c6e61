// Package network connects authenticated peers: the client opens request
// streams to a peer and the handler serves the streams peers open to us.
package network

import (
	"errors"
	"fmt"

	"github.com/p2p-db-sync/dbsync/internal/network/messages"
	"github.com/p2p-db-sync/dbsync/internal/network/transport"
	"github.com/p2p-db-sync/dbsync/internal/node"
)

var (
	// ErrPeerLocked is returned when the peer holds a full sync lock for us
	ErrPeerLocked = errors.New("peer is locked by an active full sync")
	// ErrRestoreInProgress is returned when the peer is already restoring
	ErrRestoreInProgress = errors.New("restore already in progress on peer")
	// ErrSessionActive is returned when the pair already has a live full sync session
	ErrSessionActive = errors.New("a full sync session is already active for this peer")
	// ErrUnexpectedPeer is returned when an address answers with another node id
	ErrUnexpectedPeer = errors.New("address answered with a different node id")
)

// Translate maps peer error codes onto local sentinel errors
func Translate(err error) error {
	var re *transport.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	switch re.Code {
	case messages.CodePeerLocked:
		return fmt.Errorf("%w: %s", ErrPeerLocked, re.Message)
	case messages.CodeUnauthenticated:
		return fmt.Errorf("%w: %s", node.ErrUnauthenticated, re.Message)
	case messages.CodeRestoreInProgress:
		return fmt.Errorf("%w: %s", ErrRestoreInProgress, re.Message)
	case messages.CodeSessionActive:
		return fmt.Errorf("%w: %s", ErrSessionActive, re.Message)
	}
	return err
}

// ErrorCode picks the wire code for a local error
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrPeerLocked):
		return messages.CodePeerLocked
	case errors.Is(err, ErrRestoreInProgress):
		return messages.CodeRestoreInProgress
	case errors.Is(err, ErrSessionActive):
		return messages.CodeSessionActive
	case errors.Is(err, node.ErrUnauthenticated):
		return messages.CodeUnauthenticated
	default:
		return messages.CodeInternal
	}
}
