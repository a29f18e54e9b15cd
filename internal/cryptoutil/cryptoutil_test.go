package cryptoutil

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	aad := []byte("device-a")
	plaintext := []byte("hello, paired device")

	sealed, err := Encrypt(plaintext, key, aad)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := Decrypt(sealed.Ciphertext, key, sealed.Nonce, sealed.Tag, aad)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongAADFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, KeySize)
	sealed, err := Encrypt([]byte("payload"), key, []byte("device-a"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(sealed.Ciphertext, key, sealed.Nonce, sealed.Tag, []byte("device-b")); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestEncryptDistinctNoncesPerCall(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, KeySize)
	a, err := Encrypt([]byte("same payload"), key, []byte("dev"))
	if err != nil {
		t.Fatalf("encrypt a: %v", err)
	}
	b, err := Encrypt([]byte("same payload"), key, []byte("dev"))
	if err != nil {
		t.Fatalf("encrypt b: %v", err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Fatalf("expected distinct nonces across separate Encrypt calls (dual-send discipline)")
	}
}

func TestX25519ECDHAgreement(t *testing.T) {
	alice, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("alice keygen: %v", err)
	}
	bob, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("bob keygen: %v", err)
	}
	s1, err := alice.SharedSecret(bob.Public)
	if err != nil {
		t.Fatalf("alice shared: %v", err)
	}
	s2, err := bob.SharedSecret(alice.Public)
	if err != nil {
		t.Fatalf("bob shared: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatalf("ECDH shared secrets disagree")
	}
	k1, err := DeriveSymmetricKey(s1, nil, nil)
	if err != nil {
		t.Fatalf("derive k1: %v", err)
	}
	k2, err := DeriveSymmetricKey(s2, nil, nil)
	if err != nil {
		t.Fatalf("derive k2: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("derived keys disagree")
	}
	if len(k1) != KeySize {
		t.Fatalf("expected %d byte key, got %d", KeySize, len(k1))
	}
}

func TestEd25519SignVerify(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := []byte(`{"challenge_id":"abc","signature":""}`)
	sig := kp.Sign(msg)
	if err := Verify(kp.Public, msg, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(kp.Public, []byte("tampered"), sig); err == nil {
		t.Fatalf("expected verify failure on tampered message")
	}
}
