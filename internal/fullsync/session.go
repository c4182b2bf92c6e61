// Package fullsync transfers and replays a consistent snapshot between two
// nodes on operator request.
package fullsync

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/p2p-db-sync/dbsync/internal/database"
	"github.com/p2p-db-sync/dbsync/internal/network/flowcontrol"
	"github.com/p2p-db-sync/dbsync/internal/replica"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusBackingUp    Status = "BACKING_UP"
	StatusTransferring Status = "TRANSFERRING"
	StatusRestoring    Status = "RESTORING"
	StatusVerifying    Status = "VERIFYING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Direction says which side is the snapshot source
type Direction string

const (
	// DirectionPull restores the peer's snapshot locally
	DirectionPull Direction = "PULL"
	// DirectionPush restores the local snapshot on the peer
	DirectionPush Direction = "PUSH"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == DirectionPull || d == DirectionPush
}

const (
	eventBackup   = "backup"
	eventTransfer = "transfer"
	eventRestore  = "restore"
	eventVerify   = "verify"
	eventComplete = "complete"
	eventFail     = "fail"
	eventCancel   = "cancel"
)

func newLifecycle(initial Status) *fsm.FSM {
	active := []string{
		string(StatusPending), string(StatusBackingUp), string(StatusTransferring),
		string(StatusRestoring), string(StatusVerifying),
	}
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventBackup, Src: []string{string(StatusPending)}, Dst: string(StatusBackingUp)},
			{Name: eventTransfer, Src: []string{string(StatusBackingUp)}, Dst: string(StatusTransferring)},
			{Name: eventRestore, Src: []string{string(StatusTransferring)}, Dst: string(StatusRestoring)},
			{Name: eventVerify, Src: []string{string(StatusRestoring)}, Dst: string(StatusVerifying)},
			// A served snapshot completes once it is sent.
			{Name: eventComplete, Src: []string{string(StatusTransferring), string(StatusRestoring), string(StatusVerifying)}, Dst: string(StatusCompleted)},
			{Name: eventFail, Src: active, Dst: string(StatusFailed)},
			// RESTORING is included; the caller refuses when the restore
			// transaction is not ours or has already committed.
			{Name: eventCancel, Src: active[:4], Dst: string(StatusCancelled)},
		},
		fsm.Callbacks{},
	)
}

// Progress is a pollable view of a session
type Progress struct {
	SessionID                 string                `json:"session_id"`
	Direction                 Direction             `json:"direction"`
	PeerNodeID                string                `json:"peer_node_id"`
	Inbound                   bool                  `json:"inbound"`
	Phase                     Status                `json:"phase"`
	PercentComplete           float64               `json:"percent_complete"`
	BytesTransferred          int64                 `json:"bytes_transferred"`
	TotalBytes                int64                 `json:"total_bytes"`
	RowsApplied               int64                 `json:"rows_applied"`
	TotalRows                 int64                 `json:"total_rows"`
	EstimatedSecondsRemaining int64                 `json:"estimated_seconds_remaining"` // -1 when unknown
	StartedAt                 time.Time             `json:"started_at"`
	UpdatedAt                 time.Time             `json:"updated_at"`
	CompletedAt               *time.Time            `json:"completed_at,omitempty"`
	Error                     string                `json:"error,omitempty"`
	VerifyReport              []replica.TableReport `json:"verify_report,omitempty"`
	Stuck                     bool                  `json:"stuck"`
}

// Session is one full sync run. All fields are guarded by mu.
type Session struct {
	mu sync.Mutex

	id        string
	direction Direction
	peerID    string
	inbound   bool
	spool     string // spool file name
	lifecycle *fsm.FSM

	bytes, totalBytes int64
	rows, totalRows   int64
	startedAt         time.Time
	phaseStartedAt    time.Time
	lastProgressAt    time.Time
	completedAt       *time.Time
	err               string
	report            []replica.TableReport
	transfer          *flowcontrol.Counter

	cancel          context.CancelFunc
	cancelRequested bool
	committed       bool
	done            chan struct{}
	// orphaned sessions were found unfinished at startup and have no task
	orphaned bool
}

func newSession(id string, direction Direction, peerID string, inbound bool, now time.Time) *Session {
	return &Session{
		id:             id,
		direction:      direction,
		peerID:         peerID,
		inbound:        inbound,
		spool:          "dbsync-" + id + ".snap",
		lifecycle:      newLifecycle(StatusPending),
		startedAt:      now,
		phaseStartedAt: now,
		lastProgressAt: now,
		done:           make(chan struct{}),
	}
}

func sessionFromRecord(r *database.SessionRecord) *Session {
	s := &Session{
		id:             r.SessionID,
		direction:      Direction(r.Direction),
		peerID:         r.PeerNodeID,
		spool:          "dbsync-" + r.SessionID + ".snap",
		lifecycle:      newLifecycle(Status(r.Status)),
		bytes:          r.BytesTransferred,
		totalBytes:     r.TotalBytes,
		rows:           r.RowsApplied,
		totalRows:      r.TotalRows,
		startedAt:      r.StartedAt,
		phaseStartedAt: r.UpdatedAt,
		lastProgressAt: r.UpdatedAt,
		completedAt:    r.CompletedAt,
		err:            r.Error,
		report:         decodeReport(r.VerifyReport),
		done:           make(chan struct{}),
	}
	close(s.done)
	return s
}

// Status returns the current state
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status()
}

func (s *Session) status() Status {
	return Status(s.lifecycle.Current())
}

// transition fires event. It is a no-op once the session is terminal so a
// session cleared by an operator stays failed.
func (s *Session) transition(event string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(event, now)
}

func (s *Session) transitionLocked(event string, now time.Time) error {
	if s.status().Terminal() {
		return ErrSessionFinished
	}
	if err := s.lifecycle.Event(context.Background(), event); err != nil {
		return err
	}
	s.phaseStartedAt = now
	s.lastProgressAt = now
	if s.status().Terminal() {
		t := now
		s.completedAt = &t
	}
	return nil
}

func (s *Session) setTotals(bytes, rows int64) {
	s.mu.Lock()
	s.totalBytes, s.totalRows = bytes, rows
	s.mu.Unlock()
}

// attachTransfer makes byte progress follow c
func (s *Session) attachTransfer(c *flowcontrol.Counter) {
	s.mu.Lock()
	s.transfer = c
	s.mu.Unlock()
}

// foldTransferLocked copies the transfer counter into the session
func (s *Session) foldTransferLocked() {
	if s.transfer == nil {
		return
	}
	s.bytes = s.transfer.Bytes()
	if lp := s.transfer.LastProgress(); lp.After(s.lastProgressAt) {
		s.lastProgressAt = lp
	}
}

func (s *Session) setRows(n int64, now time.Time) {
	s.mu.Lock()
	if n != s.rows {
		s.rows = n
		s.lastProgressAt = now
	}
	s.mu.Unlock()
}

func (s *Session) setReport(r []replica.TableReport) {
	s.mu.Lock()
	s.report = r
	s.mu.Unlock()
}

// stuck reports whether an active session made no progress for timeout
func (s *Session) stuckLocked(now time.Time, timeout time.Duration) bool {
	s.foldTransferLocked()
	if s.status().Terminal() {
		return false
	}
	return s.orphaned || now.Sub(s.lastProgressAt) >= timeout
}

func (s *Session) progress(now time.Time, stuckTimeout time.Duration) Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foldTransferLocked()

	status := s.status()
	p := Progress{
		SessionID:                 s.id,
		Direction:                 s.direction,
		PeerNodeID:                s.peerID,
		Inbound:                   s.inbound,
		Phase:                     status,
		BytesTransferred:          s.bytes,
		TotalBytes:                s.totalBytes,
		RowsApplied:               s.rows,
		TotalRows:                 s.totalRows,
		EstimatedSecondsRemaining: -1,
		StartedAt:                 s.startedAt,
		UpdatedAt:                 s.lastProgressAt,
		CompletedAt:               s.completedAt,
		Error:                     s.err,
		VerifyReport:              s.report,
		Stuck:                     s.stuckLocked(now, stuckTimeout),
	}

	elapsed := now.Sub(s.phaseStartedAt).Seconds()
	switch status {
	case StatusPending:
	case StatusBackingUp:
		p.PercentComplete = 5
	case StatusTransferring:
		p.PercentComplete = 10 + 60*fraction(s.bytes, s.totalBytes)
		if s.transfer != nil && s.transfer.Bytes() > 0 {
			p.EstimatedSecondsRemaining = int64(s.transfer.Remaining().Seconds())
		}
	case StatusRestoring:
		p.PercentComplete = 70 + 25*fraction(s.rows, s.totalRows)
		if s.rows > 0 && elapsed > 0 {
			rate := float64(s.rows) / elapsed
			p.EstimatedSecondsRemaining = int64(float64(s.totalRows-s.rows) / rate)
		}
	case StatusVerifying:
		p.PercentComplete = 95
	case StatusCompleted:
		p.PercentComplete = 100
		p.EstimatedSecondsRemaining = 0
	default:
		p.PercentComplete = lastPercent(s)
	}
	return p
}

// lastPercent is how far a failed or cancelled session got
func lastPercent(s *Session) float64 {
	switch {
	case s.rows > 0:
		return 70 + 25*fraction(s.rows, s.totalRows)
	case s.bytes > 0:
		return 10 + 60*fraction(s.bytes, s.totalBytes)
	}
	return 0
}

func fraction(n, total int64) float64 {
	if total <= 0 {
		return 1
	}
	f := float64(n) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}

func (s *Session) record() *database.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foldTransferLocked()
	return &database.SessionRecord{
		SessionID:        s.id,
		Direction:        string(s.direction),
		PeerNodeID:       s.peerID,
		Status:           string(s.status()),
		BytesTransferred: s.bytes,
		TotalBytes:       s.totalBytes,
		RowsApplied:      s.rows,
		TotalRows:        s.totalRows,
		StartedAt:        s.startedAt,
		UpdatedAt:        s.lastProgressAt,
		CompletedAt:      s.completedAt,
		Error:            s.err,
		VerifyReport:     encodeReport(s.report),
	}
}
