// Package cryptoutil holds the crypto primitives: AES-256-GCM seal/open,
// X25519 ECDH + HKDF-SHA256 key derivation, and Ed25519 sign/verify, as a
// small set of stateless functions rather than a stateful service object.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard nonce
	TagSize   = 16 // GCM standard tag
)

var (
	ErrBadKeyLength   = errors.New("crypto: bad key length")
	ErrBadNonceLength = errors.New("crypto: bad nonce length")
	ErrAuthFailure    = errors.New("crypto: authentication failure")
)

// Sealed is the output of Encrypt: ciphertext, the random nonce drawn for
// this call, and the GCM authentication tag. Ciphertext length always equals
// plaintext length since Go's AEAD appends the tag in the
// return slice; Seal/Open below split it back out so callers can wire
// ciphertext/nonce/tag independently onto EnvelopePayload.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Encrypt seals plaintext under key with aad as additional authenticated
// data, drawing a fresh random 12-byte nonce. Every transport path must
// call Encrypt independently (even for the same logical payload) so that
// no nonce is ever reused under the same key.
func Encrypt(plaintext, key, aad []byte) (Sealed, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return Sealed{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("crypto: nonce read: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	ct := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	return Sealed{Ciphertext: ct, Nonce: nonce, Tag: tag}, nil
}

// Decrypt opens ciphertext||tag under key with aad, returning
// ErrAuthFailure on any tag mismatch.
func Decrypt(ciphertext, key, nonce, tag, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrBadNonceLength
	}
	if len(tag) != TagSize {
		return nil, ErrAuthFailure
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return pt, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return aead, nil
}
