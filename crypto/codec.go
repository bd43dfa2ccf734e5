package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// NonceSize is the AES-GCM initialization vector size in bytes.
const NonceSize = 12

// MaxPlaintextSize bounds message bodies to prevent excessive memory usage.
const MaxPlaintextSize = 1024 * 1024

var (
	// ErrEncryptionFailure indicates the underlying cipher failed to seal
	// a message body.
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrDecryptionFailure indicates a message body could not be opened.
	// Malformed input, a wrong key, and an authentication-tag mismatch are
	// deliberately indistinguishable to the caller.
	ErrDecryptionFailure = errors.New("decryption failure")
)

// Encrypt seals plaintext with AES-256-GCM under the given shared key,
// generating a fresh random 12-byte IV per call. Both outputs are
// base64-encoded for transport over the overlay.
func Encrypt(plaintext string, key [32]byte) (ciphertext, iv string, err error) {
	if len(plaintext) > MaxPlaintextSize {
		return "", "", fmt.Errorf("%w: plaintext too large", ErrEncryptionFailure)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed),
		base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a base64-encoded ciphertext with the given shared key.
// Both encodings are validated before the cipher is invoked, and the
// decoded IV must be exactly 12 bytes. Every failure collapses into
// ErrDecryptionFailure carrying a human-readable cause.
func Decrypt(ciphertext, iv string, key [32]byte) (string, error) {
	if ciphertext == "" || iv == "" {
		return "", fmt.Errorf("%w: missing ciphertext or iv", ErrDecryptionFailure)
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecryptionFailure)
	}

	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: invalid iv encoding", ErrDecryptionFailure)
	}

	if len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: invalid iv length: expected %d bytes, got %d",
			ErrDecryptionFailure, NonceSize, len(nonce))
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: message authentication failed", ErrDecryptionFailure)
	}

	return string(plaintext), nil
}
