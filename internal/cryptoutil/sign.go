package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Ed25519KeyPair wraps the stdlib key pair. crypto/ed25519 is used directly
// rather than golang.org/x/crypto/ed25519, which is a deprecated alias to
// it.
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, fmt.Errorf("crypto: ed25519 keygen: %w", err)
	}
	return Ed25519KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs message (the canonical JSON of a pairing QR payload with
// signature="").
func (kp Ed25519KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks sig over message under pub, returning ErrInvalidSignature
// on mismatch.
func Verify(pub ed25519.PublicKey, message, sig []byte) error {
	if !ed25519.Verify(pub, message, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// FingerprintSHA256 returns the lowercase hex SHA-256 of data, used both
// for TLS certificate pinning (DER of the cert) and for the pairing QR/TXT
// fingerprint (a public key).
func FingerprintSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
