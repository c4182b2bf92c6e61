package crypto_test

import (
	"bytes"
	"testing"

	"github.com/p2p-db-sync/dbsync/internal/crypto"
)

func TestChallengeResponse(t *testing.T) {
	a, err := crypto.NewAuthenticator([]byte("cluster-secret-0123456789"))
	if err != nil {
		t.Fatalf("Failed to create authenticator: %v", err)
	}
	b, _ := crypto.NewAuthenticator([]byte("cluster-secret-0123456789"))
	wrong, _ := crypto.NewAuthenticator([]byte("another-secret-0123456789"))

	challenge, err := crypto.GenerateChallenge()
	if err != nil {
		t.Fatalf("Failed to generate challenge: %v", err)
	}

	proof := a.Prove(challenge, "node-a", "node-b")
	if !b.Verify(challenge, proof, "node-a", "node-b") {
		t.Error("Expected proof from a node with the same key to verify")
	}
	if b.Verify(challenge, proof, "node-c", "node-b") {
		t.Error("Proof must be bound to the prover identity")
	}
	if wrong.Verify(challenge, proof, "node-a", "node-b") {
		t.Error("Proof must not verify under a different key")
	}

	if _, err := crypto.NewAuthenticator(nil); err == nil {
		t.Error("Expected error for empty registration key")
	}
}

func TestTokenSigner(t *testing.T) {
	s, err := crypto.NewTokenSigner([]byte("cluster-secret-0123456789"))
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}
	token := s.Sign("node-a", "10.0.0.1", "7420")
	if !s.Verify(token, "node-a", "10.0.0.1", "7420") {
		t.Error("Expected token to verify")
	}
	if s.Verify(token, "node-a", "10.0.0.1", "7421") {
		t.Error("Token must cover every field")
	}
	// Shifting a boundary between fields must change the token.
	if s.Verify(token, "node-a1", "0.0.0.1", "7420") {
		t.Error("Field boundaries must be authenticated")
	}
}

func TestSealOpen(t *testing.T) {
	key, err := crypto.DeriveKey([]byte("cluster-secret-0123456789"), []byte("session-1"), "dbsync-snapshot")
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	if len(key) != crypto.KeySizeAES {
		t.Fatalf("Expected %d byte key, got %d", crypto.KeySizeAES, len(key))
	}

	sealer, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatalf("Failed to create sealer: %v", err)
	}

	plaintext := []byte(`{"table":"employees","rows":[]}`)
	sealed, err := sealer.Seal(plaintext, []byte("frame-1"))
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("Sealed output must not contain the plaintext")
	}

	opened, err := sealer.Open(sealed, []byte("frame-1"))
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("Expected %q, got %q", plaintext, opened)
	}

	if _, err := sealer.Open(sealed, []byte("frame-2")); err == nil {
		t.Error("Expected failure with wrong associated data")
	}

	otherKey, _ := crypto.DeriveKey([]byte("cluster-secret-0123456789"), []byte("session-2"), "dbsync-snapshot")
	other, _ := crypto.NewSealer(otherKey)
	if _, err := other.Open(sealed, []byte("frame-1")); err == nil {
		t.Error("Expected failure with a key from another session")
	}
}
