// Package crypto implements the cryptographic primitives for the Kraken
// messaging engine: X25519 key agreement, per-conversation shared key
// derivation, and authenticated symmetric encryption of message bodies.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", keys.PublicBase64())
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// PublicKeySize is the encoded size of an X25519 public key in bytes.
const PublicKeySize = 32

// KeyPair represents an X25519 key-agreement key pair owned by a single
// identity. The private key never leaves the process except in the wrapped
// form produced by PrivateBase64.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: private}
	copy(keyPair.Public[:], public)
	return keyPair, nil
}

// FromSecretKey reconstructs a key pair from an existing private key,
// re-deriving the public half.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], public)
	return keyPair, nil
}

// PublicBase64 returns the raw public key point in base64, the form
// published to the overlay.
func (kp *KeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(kp.Public[:])
}

// PrivateBase64 returns the private key in its exportable wrapped form,
// used only for local persistence.
func (kp *KeyPair) PrivateBase64() string {
	return base64.StdEncoding.EncodeToString(kp.Private[:])
}

// ParsePublicKey decodes a base64-encoded raw public key and validates
// its length.
func ParsePublicKey(encoded string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != PublicKeySize {
		return key, fmt.Errorf("invalid public key length: expected %d bytes, got %d", PublicKeySize, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// ParseSecretKey decodes a base64-encoded wrapped private key.
func ParseSecretKey(encoded string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("invalid secret key encoding: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("invalid secret key length: expected 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
