package node_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/p2p-db-sync/dbsync/internal/crypto"
	"github.com/p2p-db-sync/dbsync/internal/node"
)

const testKey = "cluster-secret-0123456789"

func TestIdentityIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "node.yaml")

	first, err := node.LoadOrCreateIdentity(path, "till-1")
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	if first.NodeID == "" {
		t.Fatal("Expected a generated node id")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Identity file not written: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	second, err := node.LoadOrCreateIdentity(path, "till-1-renamed")
	if err != nil {
		t.Fatalf("Failed to reload identity: %v", err)
	}
	if second.NodeID != first.NodeID {
		t.Errorf("Node id changed across restarts: %s -> %s", first.NodeID, second.NodeID)
	}
	if second.Name != "till-1-renamed" {
		t.Errorf("Expected name to follow configuration, got %s", second.Name)
	}
}

func TestCorruptIdentityIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte("name: x\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := node.LoadOrCreateIdentity(path, ""); err == nil {
		t.Error("Expected error for identity without node_id")
	}
}

func newRegistry(t *testing.T, id, key string) *node.Registry {
	t.Helper()
	r, err := node.NewRegistry(&node.Identity{NodeID: id, Name: id}, key)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	return r
}

func TestValidatePeerHandshake(t *testing.T) {
	r := newRegistry(t, "node-a", testKey)
	if !r.ValidatePeerHandshake([]byte(testKey)) {
		t.Error("Expected matching key to be accepted")
	}
	if r.ValidatePeerHandshake([]byte("cluster-secret-0123456788")) {
		t.Error("Expected mismatched key to be rejected")
	}
	if r.ValidatePeerHandshake(nil) {
		t.Error("Expected empty key to be rejected")
	}

	if _, err := node.NewRegistry(&node.Identity{NodeID: "x"}, ""); err == nil {
		t.Error("Expected error for empty registration key")
	}
}

func TestProofExchange(t *testing.T) {
	a := newRegistry(t, "node-a", testKey)
	b := newRegistry(t, "node-b", testKey)
	intruder := newRegistry(t, "node-x", "some-other-key-0123456789")

	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		t.Fatal(err)
	}

	if err := a.VerifyProof(challenge, b.Prove(challenge, "node-a"), "node-b"); err != nil {
		t.Errorf("Expected proof from b to verify: %v", err)
	}

	err = a.VerifyProof(challenge, intruder.Prove(challenge, "node-a"), "node-x")
	if !errors.Is(err, node.ErrUnauthenticated) {
		t.Errorf("Expected ErrUnauthenticated, got %v", err)
	}

	// Rotating the key invalidates proofs made with the old one.
	if err := a.SetRegistrationKey("rotated-secret-0123456789"); err != nil {
		t.Fatal(err)
	}
	if err := a.VerifyProof(challenge, b.Prove(challenge, "node-a"), "node-b"); err == nil {
		t.Error("Expected proof under the old key to fail after rotation")
	}
}

func TestSnapshotKeysDifferPerSession(t *testing.T) {
	r := newRegistry(t, "node-a", testKey)
	k1, err := r.SnapshotKey("session-1")
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := r.SnapshotKey("session-2")
	if string(k1) == string(k2) {
		t.Error("Expected distinct keys per session")
	}
}
