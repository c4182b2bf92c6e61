package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	// IVSize is the size of the initialization vector for AES-GCM (96 bits = 12 bytes)
	IVSize = 12
	// TagSize is the size of the GCM authentication tag (128 bits = 16 bytes)
	TagSize = 16
	// KeySizeAES is the size of AES-256 keys (256 bits = 32 bytes)
	KeySizeAES = 32
)

// DeriveKey expands a secret into a 256-bit key bound to info
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha3.New256, secret, salt, []byte(info))
	key := make([]byte, KeySizeAES)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and authenticates snapshot frames with AES-256-GCM
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer for key
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySizeAES {
		return nil, fmt.Errorf("invalid key size: %d (expected %d)", len(key), KeySizeAES)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns nonce || ciphertext || tag. associatedData is authenticated
// but not encrypted.
func (s *Sealer) Seal(plaintext, associatedData []byte) ([]byte, error) {
	nonce := make([]byte, IVSize, IVSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

// Open reverses Seal
func (s *Sealer) Open(sealed, associatedData []byte) ([]byte, error) {
	if len(sealed) < IVSize+TagSize {
		return nil, fmt.Errorf("sealed data too short: %d bytes", len(sealed))
	}
	plaintext, err := s.aead.Open(nil, sealed[:IVSize], sealed[IVSize:], associatedData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
