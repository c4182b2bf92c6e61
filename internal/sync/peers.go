package sync

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// PeerState is where a peer sits in the exchange cycle
type PeerState string

const (
	StateIdle       PeerState = "IDLE"
	StateExchanging PeerState = "EXCHANGING"
	StateApplying   PeerState = "APPLYING"
)

// PeerStatus is a point-in-time view of one peer's exchange progress
type PeerStatus struct {
	NodeID              string    `json:"node_id"`
	State               PeerState `json:"state"`
	LastExchangeAt      time.Time `json:"last_exchange_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextAttemptAt       time.Time `json:"next_attempt_at,omitempty"`
	Locked              bool      `json:"locked"`
	RemoteHighWater     int64     `json:"remote_high_water"` // last high-water mark the peer reported
}

// peerTracker serializes exchanges with one peer and holds its retry schedule
type peerTracker struct {
	exchange sync.Mutex // held for the whole exchange

	mu      sync.Mutex
	status  PeerStatus
	backoff *backoff.ExponentialBackOff
}

func newPeerTracker(nodeID string, initial, max time.Duration) *peerTracker {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return &peerTracker{
		status:  PeerStatus{NodeID: nodeID, State: StateIdle},
		backoff: b,
	}
}

func (p *peerTracker) ready(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !now.Before(p.status.NextAttemptAt)
}

func (p *peerTracker) setState(s PeerState) {
	p.mu.Lock()
	p.status.State = s
	p.mu.Unlock()
}

func (p *peerTracker) setRemoteHighWater(high int64) {
	p.mu.Lock()
	p.status.RemoteHighWater = high
	p.mu.Unlock()
}

func (p *peerTracker) setLocked(locked bool) {
	p.mu.Lock()
	p.status.Locked = locked
	p.mu.Unlock()
}

func (p *peerTracker) succeeded(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff.Reset()
	p.status.State = StateIdle
	p.status.LastExchangeAt = now
	p.status.LastSuccessAt = now
	p.status.LastError = ""
	p.status.ConsecutiveFailures = 0
	p.status.NextAttemptAt = time.Time{}
}

func (p *peerTracker) failed(now time.Time, err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	wait := p.backoff.NextBackOff()
	p.status.State = StateIdle
	p.status.LastExchangeAt = now
	p.status.LastError = err.Error()
	p.status.ConsecutiveFailures++
	p.status.NextAttemptAt = now.Add(wait)
	return wait
}

func (p *peerTracker) snapshot() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
