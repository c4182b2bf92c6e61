package messages

import (
	"github.com/p2p-db-sync/dbsync/internal/changelog"
	"github.com/p2p-db-sync/dbsync/internal/replica"
	"github.com/p2p-db-sync/dbsync/internal/snapshot"
)

// Message type constants
const (
	TypeAnnounce        = "announce"
	TypeHello           = "hello"
	TypeHelloAck        = "hello_ack"
	TypeHelloComplete   = "hello_complete"
	TypeHelloOK         = "hello_ok"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeEventsRequest   = "events_request"
	TypeEventsResponse  = "events_response"
	TypeEventsPush      = "events_push"
	TypeEventsAck       = "events_ack"
	TypeSnapshotRequest = "snapshot_request"
	TypeSnapshotHeader  = "snapshot_header"
	TypeRestoreRequest  = "restore_request"
	TypeRestoreProgress = "restore_progress"
	TypeRestoreResult   = "restore_result"
	TypeError           = "error"
)

// Error codes carried in ErrorMessage
const (
	CodeUnauthenticated   = "unauthenticated"
	CodePeerLocked        = "peer_locked"
	CodeRestoreInProgress = "restore_in_progress"
	CodeSessionActive     = "session_active"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

// AnnounceMessage is broadcast by discovery. Token authenticates every
// other field with a key derived from the registration key.
type AnnounceMessage struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
	SentAt   int64  `json:"sent_at"` // unix millis
	Token    []byte `json:"token"`
}

// HelloMessage opens the handshake on a new stream
type HelloMessage struct {
	NodeID    string `json:"node_id"`
	Name      string `json:"name"`
	Challenge []byte `json:"challenge"`
}

// HelloAckMessage answers the initiator's challenge and poses our own
type HelloAckMessage struct {
	NodeID    string `json:"node_id"`
	Name      string `json:"name"`
	Proof     []byte `json:"proof"`
	Challenge []byte `json:"challenge"`
}

// HelloCompleteMessage carries the initiator's proof
type HelloCompleteMessage struct {
	Proof []byte `json:"proof"`
}

// PingMessage is used by probes and carries the sender's advertised endpoint
type PingMessage struct {
	NodeID    string `json:"node_id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
	HighWater int64  `json:"high_water"`
}

// EventsRequestMessage asks for the responder's events after Since
type EventsRequestMessage struct {
	Since int64 `json:"since"`
	Limit int   `json:"limit"`
}

// EventsResponseMessage is one batch of the responder's log
type EventsResponseMessage struct {
	Events    []*changelog.ChangeEvent `json:"events"`
	Through   int64                    `json:"through"`
	More      bool                     `json:"more"`
	HighWater int64                    `json:"high_water"`
}

// EventsPushMessage offers the sender's events up to Through
type EventsPushMessage struct {
	Events  []*changelog.ChangeEvent `json:"events"`
	Through int64                    `json:"through"`
}

// EventsAckMessage confirms the receiver durably applied a push
type EventsAckMessage struct {
	AppliedThrough int64 `json:"applied_through"`
}

// SnapshotRequestMessage asks the responder to export a snapshot (pull)
type SnapshotRequestMessage struct {
	SessionID string `json:"session_id"`
	Checksums bool   `json:"checksums"`
}

// SnapshotHeaderMessage precedes Manifest.Size raw snapshot bytes
type SnapshotHeaderMessage struct {
	Manifest *snapshot.Manifest `json:"manifest"`
}

// RestoreRequestMessage precedes Manifest.Size raw snapshot bytes the
// responder restores (push)
type RestoreRequestMessage struct {
	Manifest *snapshot.Manifest `json:"manifest"`
	Verify   string             `json:"verify"`
}

// RestoreProgressMessage reports the responder's restore progress
type RestoreProgressMessage struct {
	Phase       string `json:"phase"`
	RowsApplied int64  `json:"rows_applied"`
	TotalRows   int64  `json:"total_rows"`
}

// RestoreResultMessage ends a push
type RestoreResultMessage struct {
	RowsApplied  int64                 `json:"rows_applied"`
	VerifyReport []replica.TableReport `json:"verify_report,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// ErrorMessage reports a failed request
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
