package node

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/p2p-db-sync/dbsync/internal/crypto"
)

// ErrUnauthenticated is returned when a peer fails to prove the registration key
var ErrUnauthenticated = errors.New("peer failed registration key check")

// Registry holds the local identity and the cluster registration key. It
// decides whether a peer is trusted; there is no partial trust.
type Registry struct {
	identity *Identity

	mu      sync.RWMutex
	key     []byte
	auth    *crypto.Authenticator
	signer  *crypto.TokenSigner
	address string
	port    int
}

// NewRegistry creates a registry for identity using registrationKey
func NewRegistry(identity *Identity, registrationKey string) (*Registry, error) {
	r := &Registry{identity: identity}
	if err := r.SetRegistrationKey(registrationKey); err != nil {
		return nil, err
	}
	return r, nil
}

// SetRegistrationKey replaces the registration key. Connections established
// afterwards must prove the new key.
func (r *Registry) SetRegistrationKey(key string) error {
	if key == "" {
		return fmt.Errorf("registration key is empty")
	}
	auth, err := crypto.NewAuthenticator([]byte(key))
	if err != nil {
		return err
	}
	signer, err := crypto.NewTokenSigner([]byte(key))
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.key = []byte(key)
	r.auth = auth
	r.signer = signer
	r.mu.Unlock()
	return nil
}

// LocalNodeID returns the stable id of this node
func (r *Registry) LocalNodeID() string {
	return r.identity.NodeID
}

// LocalName returns the human readable node name
func (r *Registry) LocalName() string {
	return r.identity.Name
}

// SetAddress records the address and port this node is reachable on
func (r *Registry) SetAddress(address string, port int) {
	r.mu.Lock()
	r.address = address
	r.port = port
	r.mu.Unlock()
}

// Address returns the advertised address and port
func (r *Registry) Address() (string, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.address, r.port
}

// ValidatePeerHandshake compares a presented key with the registration key
// in constant time
func (r *Registry) ValidatePeerHandshake(presentedKey []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return crypto.ConstantTimeEqual(presentedKey, r.key)
}

// Prove answers a challenge sent by peerID
func (r *Registry) Prove(challenge []byte, peerID string) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.auth.Prove(challenge, r.identity.NodeID, peerID)
}

// VerifyProof checks that peerID answered our challenge with the registration key
func (r *Registry) VerifyProof(challenge, proof []byte, peerID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.auth.Verify(challenge, proof, peerID, r.identity.NodeID) {
		return fmt.Errorf("%w: %s", ErrUnauthenticated, peerID)
	}
	return nil
}

// SignAnnouncement returns the discovery token for the given fields
func (r *Registry) SignAnnouncement(fields ...string) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.signer.Sign(fields...)
}

// VerifyAnnouncement checks a discovery token
func (r *Registry) VerifyAnnouncement(token []byte, fields ...string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.signer.Verify(token, fields...)
}

// SnapshotKey derives the key sealing one full sync session's frames
func (r *Registry) SnapshotKey(sessionID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return crypto.DeriveKey(r.key, []byte(sessionID), "dbsync-snapshot")
}

// DefaultAddress returns the first non-loopback IPv4 address of this host
func DefaultAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
