package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	if keyPair == nil {
		t.Fatal("GenerateKeyPair() returned nil key pair")
	}

	if isZeroKey(keyPair.Public) {
		t.Error("GenerateKeyPair() returned zero public key")
	}

	if isZeroKey(keyPair.Private) {
		t.Error("GenerateKeyPair() returned zero private key")
	}

	keyPair2, _ := GenerateKeyPair()
	if bytes.Equal(keyPair.Public[:], keyPair2.Public[:]) {
		t.Error("Multiple GenerateKeyPair() calls produced identical public keys")
	}
}

func TestFromSecretKey(t *testing.T) {
	original, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	restored, err := FromSecretKey(original.Private)
	if err != nil {
		t.Fatalf("FromSecretKey() unexpected error: %v", err)
	}

	if !bytes.Equal(restored.Public[:], original.Public[:]) {
		t.Error("FromSecretKey() did not re-derive the original public key")
	}
}

func TestFromSecretKeyZero(t *testing.T) {
	if _, err := FromSecretKey([32]byte{}); err == nil {
		t.Fatal("FromSecretKey() expected error for zero key but got nil")
	}
}

func TestPublicKeyEncodingRoundTrip(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error: %v", err)
	}

	parsed, err := ParsePublicKey(keyPair.PublicBase64())
	if err != nil {
		t.Fatalf("ParsePublicKey() error: %v", err)
	}

	if !bytes.Equal(parsed[:], keyPair.Public[:]) {
		t.Error("ParsePublicKey() did not round-trip the public key")
	}
}

func TestParsePublicKeyRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		encoded string
	}{
		{"invalid base64", "!!!not-base64!!!"},
		{"wrong length", "c2hvcnQ="},
		{"empty", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParsePublicKey(tc.encoded); err == nil {
				t.Errorf("ParsePublicKey(%q) expected error but got nil", tc.encoded)
			}
		})
	}
}
