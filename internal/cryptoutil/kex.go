package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// X25519KeyPair is an ephemeral or long-lived Curve25519 key pair used for
// the pairing ECDH handshake.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair draws a fresh key pair from crypto/rand.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, fmt.Errorf("crypto: x25519 keygen: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("crypto: x25519 basepoint mult: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs ECDH between the local private key and a peer's
// public key.
func (kp X25519KeyPair) SharedSecret(peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: x25519 ecdh: %w", err)
	}
	return secret, nil
}

// DeriveSymmetricKey runs HKDF-SHA256 over the raw ECDH shared secret to
// produce the 32-byte AES-256-GCM key both pairing peers end up sharing.
// salt/info let distinct contexts (e.g. per-challenge-id) derive distinct
// keys from the same ECDH output if ever needed; the pairing handshake
// passes nil for both.
func DeriveSymmetricKey(sharedSecret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedSecret, salt, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return key, nil
}
