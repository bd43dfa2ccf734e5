package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// sharedKeyInfo is the HKDF info string binding derived keys to this
// protocol's conversation encryption.
var sharedKeyInfo = []byte("kraken-conversation-key-v1")

// DeriveSharedKey computes the symmetric conversation key between two
// parties using X25519 key agreement followed by HKDF-SHA256 expansion
// to a 256-bit key. The derivation is symmetric: (A_priv, B_pub) and
// (B_priv, A_pub) yield identical keys.
func DeriveSharedKey(privateKey, peerPublicKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedKey",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using X25519")

	var result [32]byte

	secret, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedKey",
			"error":    err.Error(),
		}).Error("X25519 computation failed")
		return result, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	kdf := hkdf.New(sha256.New, secret, nil, sharedKeyInfo)
	if _, err := io.ReadFull(kdf, result[:]); err != nil {
		return [32]byte{}, fmt.Errorf("failed to expand shared key: %w", err)
	}

	// Wipe the raw ECDH output; only the expanded key survives.
	for i := range secret {
		secret[i] = 0
	}

	return result, nil
}
