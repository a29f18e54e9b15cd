// Package pairing implements the challenge/ack handshake that establishes
// a per-device symmetric key: Curve25519 ECDH for agreement, Ed25519
// signatures over the displayed QR payload, and a replay window plus
// timestamp check to reject stale or previously-seen challenges. The
// crypto primitives themselves live in internal/cryptoutil.
package pairing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callzhang/hypo/internal/cryptoutil"
	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/wire"
)

// Pairing failure kinds.
var (
	ErrInvalidSignature        = errors.New("pairing: invalid signature")
	ErrPayloadExpired          = errors.New("pairing: qr payload expired")
	ErrDuplicateChallenge      = errors.New("pairing: duplicate challenge_id")
	ErrChallengeWindowTooOld   = errors.New("pairing: challenge timestamp outside window")
	ErrInvalidChallengePayload = errors.New("pairing: invalid challenge payload")
)

// State is one step of the pairing session lifecycle.
type State string

const (
	StateIdle              State = "idle"
	StateDisplaying        State = "displaying"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateCompleted         State = "completed"
	StateFailed            State = "failed"
)

// Pairing timing bounds: how long a displayed QR stays valid and how far a
// challenge timestamp may drift from the host clock.
const (
	DefaultQRValidity = 300 * time.Second
	ChallengeWindow   = 30 * time.Second
	replayWindowSize  = 32
)

// QRPayload is the host's displayed pairing offer: its ephemeral X25519
// public key and device identity, signed with its long-lived Ed25519 key
// so an initiator (and, echoed back in the challenge, the host itself) can
// detect tampering.
type QRPayload struct {
	HostDeviceID   string    `json:"host_device_id"`
	HostDeviceName string    `json:"host_device_name"`
	HostPubKey     string    `json:"host_pub_key"`      // base64 X25519
	HostSignPubKey string    `json:"host_sign_pub_key"` // base64 Ed25519
	ExpiresAt      time.Time `json:"expires_at"`
	Signature      string    `json:"signature"` // base64 Ed25519 signature, "" while signing
}

// canonicalBytes returns the JSON encoding used as the Ed25519 signing
// input, with Signature forced to "".
func (q QRPayload) canonicalBytes() ([]byte, error) {
	q.Signature = ""
	return json.Marshal(q)
}

func (q QRPayload) expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// ChallengeMessage is the initiator's first message to the host.
// It embeds the QRPayload it scanned so the host can re-verify the
// signature without keeping separate session state.
type ChallengeMessage struct {
	ChallengeID         string    `json:"challenge_id"`
	InitiatorDeviceID   string    `json:"initiator_device_id"`
	InitiatorDeviceName string    `json:"initiator_device_name"`
	InitiatorPubKey     string    `json:"initiator_pub_key"` // base64 X25519
	Ciphertext          string    `json:"ciphertext"`
	Nonce               string    `json:"nonce"`
	Tag                 string    `json:"tag"`
	Timestamp           time.Time `json:"timestamp"`
	QR                  QRPayload `json:"qr"`
}

// AckMessage is the host's reply.
type AckMessage struct {
	ChallengeID   string `json:"challenge_id"`
	MacDeviceID   string `json:"mac_device_id"`
	MacDeviceName string `json:"mac_device_name"`
	Nonce         string `json:"nonce"`
	Ciphertext    string `json:"ciphertext"`
	Tag           string `json:"tag"`
}

// ackPlaintext is the encrypted body of AckMessage.
type ackPlaintext struct {
	ResponseHash string    `json:"response_hash"`
	IssuedAt     time.Time `json:"issued_at"`
}

// KeyStore is the subset of internal/keystore.Store the pairing session
// needs: on success both sides persist the derived symmetric key under the
// peer's device id.
type KeyStore interface {
	Store(deviceID entry.DeviceId, key []byte) error
}

// PairedDeviceSink records the peer as paired once the handshake succeeds.
// internal/settings.Store does not match it directly (its PutPairedDevice
// takes a whole PairedDevice row); cmd/hypod adapts it.
type PairedDeviceSink interface {
	PutPairedDevice(id entry.DeviceId, name string, platform entry.DevicePlatform) error
}

// replayCache rejects a challenge_id seen within the last replayWindowSize
// entries.
type replayCache struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
}

func newReplayCache() *replayCache {
	return &replayCache{seen: make(map[string]struct{})}
}

// checkAndRecord returns ErrDuplicateChallenge if id was already recorded,
// else records it and evicts the oldest entry once the window is full.
func (r *replayCache) checkAndRecord(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return ErrDuplicateChallenge
	}
	r.seen[id] = struct{}{}
	r.ring = append(r.ring, id)
	if len(r.ring) > replayWindowSize {
		oldest := r.ring[0]
		r.ring = r.ring[1:]
		delete(r.seen, oldest)
	}
	return nil
}

// HostSession drives the host side of the state machine: display a QR,
// await a challenge, verify/decrypt it, reply with an ack, and persist the
// resulting key.
type HostSession struct {
	DeviceID   entry.DeviceId
	DeviceName string
	SignKey    cryptoutil.Ed25519KeyPair
	Keys       KeyStore
	Paired     PairedDeviceSink

	mu      sync.Mutex
	state   State
	failure error
	ephem   cryptoutil.X25519KeyPair
	replay  *replayCache
}

func NewHostSession(deviceID entry.DeviceId, deviceName string, signKey cryptoutil.Ed25519KeyPair, keys KeyStore, paired PairedDeviceSink) *HostSession {
	return &HostSession{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		SignKey:    signKey,
		Keys:       keys,
		Paired:     paired,
		state:      StateIdle,
		replay:     newReplayCache(),
	}
}

func (h *HostSession) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Fingerprint returns the hex SHA-256 of the host's long-lived Ed25519
// public key, for a UI layer to display alongside the QR code.
func (h *HostSession) Fingerprint() string {
	return cryptoutil.FingerprintSHA256(h.SignKey.Public)
}

// DisplayQR generates a fresh ephemeral X25519 key pair, builds and signs a
// QRPayload valid for validity (DefaultQRValidity if zero), and transitions
// idle -> displaying -> awaiting_challenge.
func (h *HostSession) DisplayQR(validity time.Duration) (QRPayload, error) {
	if validity <= 0 {
		validity = DefaultQRValidity
	}
	ephem, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return QRPayload{}, fmt.Errorf("pairing: generate ephemeral key: %w", err)
	}

	h.mu.Lock()
	h.ephem = ephem
	h.state = StateDisplaying
	h.mu.Unlock()

	qr := QRPayload{
		HostDeviceID:   string(h.DeviceID),
		HostDeviceName: h.DeviceName,
		HostPubKey:     wire.EncodeBase64(ephem.Public[:]),
		HostSignPubKey: wire.EncodeBase64(h.SignKey.Public),
		ExpiresAt:      time.Now().UTC().Add(validity),
	}
	canon, err := qr.canonicalBytes()
	if err != nil {
		return QRPayload{}, fmt.Errorf("pairing: canonicalize qr: %w", err)
	}
	qr.Signature = wire.EncodeBase64(h.SignKey.Sign(canon))

	h.mu.Lock()
	h.state = StateAwaitingChallenge
	h.mu.Unlock()
	return qr, nil
}

// HandleChallenge verifies and decrypts an inbound ChallengeMessage,
// returning the plaintext challenge bytes and the derived symmetric key on
// success. On success the key is persisted under msg.InitiatorDeviceID and
// the peer recorded as paired; the session transitions to completed. Any
// error transitions to failed and is returned.
func (h *HostSession) HandleChallenge(msg ChallengeMessage) ([]byte, []byte, error) {
	plain, key, err := h.verifyAndDecrypt(msg)
	if err != nil {
		h.mu.Lock()
		h.state = StateFailed
		h.failure = err
		h.mu.Unlock()
		return nil, nil, err
	}

	initiatorID := entry.NormalizeDeviceId(msg.InitiatorDeviceID)
	if h.Keys != nil {
		if err := h.Keys.Store(initiatorID, key); err != nil {
			h.mu.Lock()
			h.state = StateFailed
			h.failure = err
			h.mu.Unlock()
			return nil, nil, fmt.Errorf("pairing: persist key: %w", err)
		}
	}
	if h.Paired != nil {
		_ = h.Paired.PutPairedDevice(initiatorID, msg.InitiatorDeviceName, entry.PlatformUnknown)
	}

	h.mu.Lock()
	h.state = StateCompleted
	h.mu.Unlock()
	return plain, key, nil
}

func (h *HostSession) verifyAndDecrypt(msg ChallengeMessage) ([]byte, []byte, error) {
	if msg.ChallengeID == "" || msg.InitiatorDeviceID == "" || msg.InitiatorPubKey == "" {
		return nil, nil, ErrInvalidChallengePayload
	}
	if err := h.replay.checkAndRecord(msg.ChallengeID); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	if msg.QR.expired(now) {
		return nil, nil, ErrPayloadExpired
	}
	canon, err := msg.QR.canonicalBytes()
	if err != nil {
		return nil, nil, ErrInvalidChallengePayload
	}
	sigRaw, err := wire.DecodeBase64Tolerant(msg.QR.Signature)
	if err != nil {
		return nil, nil, ErrInvalidSignature
	}
	if err := cryptoutil.Verify(ed25519.PublicKey(h.SignKey.Public), canon, sigRaw); err != nil {
		return nil, nil, ErrInvalidSignature
	}

	delta := now.Sub(msg.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	if delta > ChallengeWindow {
		return nil, nil, ErrChallengeWindowTooOld
	}

	var initiatorPub [32]byte
	pubRaw, err := wire.DecodeBase64Tolerant(msg.InitiatorPubKey)
	if err != nil || len(pubRaw) != 32 {
		return nil, nil, ErrInvalidChallengePayload
	}
	copy(initiatorPub[:], pubRaw)

	h.mu.Lock()
	ephem := h.ephem
	h.mu.Unlock()
	shared, err := ephem.SharedSecret(initiatorPub)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: ecdh: %w", err)
	}
	key, err := cryptoutil.DeriveSymmetricKey(shared, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("pairing: derive key: %w", err)
	}

	ciphertext, err := wire.DecodeBase64Tolerant(msg.Ciphertext)
	if err != nil {
		return nil, nil, ErrInvalidChallengePayload
	}
	nonce, err := wire.DecodeBase64Tolerant(msg.Nonce)
	if err != nil {
		return nil, nil, ErrInvalidChallengePayload
	}
	tag, err := wire.DecodeBase64Tolerant(msg.Tag)
	if err != nil {
		return nil, nil, ErrInvalidChallengePayload
	}
	plain, err := cryptoutil.Decrypt(ciphertext, key, nonce, tag, []byte(msg.InitiatorDeviceID))
	if err != nil {
		return nil, nil, err
	}
	return plain, key, nil
}

// BuildAck encrypts {response_hash, issued_at} under key with
// AAD=h.DeviceID and returns the ack message to send back to the
// initiator.
func (h *HostSession) BuildAck(msg ChallengeMessage, challengePlain, key []byte) (AckMessage, error) {
	hash := sha256.Sum256(challengePlain)
	body := ackPlaintext{ResponseHash: hex.EncodeToString(hash[:]), IssuedAt: time.Now().UTC()}
	plain, err := json.Marshal(body)
	if err != nil {
		return AckMessage{}, err
	}
	sealed, err := cryptoutil.Encrypt(plain, key, []byte(h.DeviceID))
	if err != nil {
		return AckMessage{}, err
	}
	return AckMessage{
		ChallengeID:   msg.ChallengeID,
		MacDeviceID:   string(h.DeviceID),
		MacDeviceName: h.DeviceName,
		Nonce:         wire.EncodeBase64(sealed.Nonce),
		Ciphertext:    wire.EncodeBase64(sealed.Ciphertext),
		Tag:           wire.EncodeBase64(sealed.Tag),
	}, nil
}

// InitiatorSession drives the initiator side: build a challenge from a
// scanned QRPayload, then verify the host's ack.
type InitiatorSession struct {
	DeviceID   entry.DeviceId
	DeviceName string
	Keys       KeyStore

	ephem cryptoutil.X25519KeyPair
	key   []byte
	plain []byte
}

func NewInitiatorSession(deviceID entry.DeviceId, deviceName string, keys KeyStore) *InitiatorSession {
	return &InitiatorSession{DeviceID: deviceID, DeviceName: deviceName, Keys: keys}
}

// BuildChallenge verifies qr's signature against hostSignPub, performs
// ECDH against qr's host public key with a fresh ephemeral key, derives
// the symmetric key, encrypts a random challenge payload, and returns the
// message to send to the host.
func (s *InitiatorSession) BuildChallenge(qr QRPayload, hostSignPub ed25519.PublicKey, challenge []byte) (ChallengeMessage, error) {
	if qr.expired(time.Now().UTC()) {
		return ChallengeMessage{}, ErrPayloadExpired
	}
	canon, err := qr.canonicalBytes()
	if err != nil {
		return ChallengeMessage{}, ErrInvalidChallengePayload
	}
	sigRaw, err := wire.DecodeBase64Tolerant(qr.Signature)
	if err != nil {
		return ChallengeMessage{}, ErrInvalidSignature
	}
	if err := cryptoutil.Verify(hostSignPub, canon, sigRaw); err != nil {
		return ChallengeMessage{}, err
	}

	var hostPub [32]byte
	pubRaw, err := wire.DecodeBase64Tolerant(qr.HostPubKey)
	if err != nil || len(pubRaw) != 32 {
		return ChallengeMessage{}, ErrInvalidChallengePayload
	}
	copy(hostPub[:], pubRaw)

	ephem, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return ChallengeMessage{}, fmt.Errorf("pairing: generate ephemeral key: %w", err)
	}
	shared, err := ephem.SharedSecret(hostPub)
	if err != nil {
		return ChallengeMessage{}, fmt.Errorf("pairing: ecdh: %w", err)
	}
	key, err := cryptoutil.DeriveSymmetricKey(shared, nil, nil)
	if err != nil {
		return ChallengeMessage{}, fmt.Errorf("pairing: derive key: %w", err)
	}

	sealed, err := cryptoutil.Encrypt(challenge, key, []byte(s.DeviceID))
	if err != nil {
		return ChallengeMessage{}, err
	}

	s.ephem = ephem
	s.key = key
	s.plain = challenge

	return ChallengeMessage{
		ChallengeID:         uuid.NewString(),
		InitiatorDeviceID:   string(s.DeviceID),
		InitiatorDeviceName: s.DeviceName,
		InitiatorPubKey:     wire.EncodeBase64(ephem.Public[:]),
		Ciphertext:          wire.EncodeBase64(sealed.Ciphertext),
		Nonce:               wire.EncodeBase64(sealed.Nonce),
		Tag:                 wire.EncodeBase64(sealed.Tag),
		Timestamp:           time.Now().UTC(),
		QR:                  qr,
	}, nil
}

// VerifyAck decrypts ack under the key derived in BuildChallenge and
// confirms response_hash matches sha256(challenge). On success it
// persists the derived key under the host's device id.
func (s *InitiatorSession) VerifyAck(ack AckMessage) error {
	ciphertext, err := wire.DecodeBase64Tolerant(ack.Ciphertext)
	if err != nil {
		return ErrInvalidChallengePayload
	}
	nonce, err := wire.DecodeBase64Tolerant(ack.Nonce)
	if err != nil {
		return ErrInvalidChallengePayload
	}
	tag, err := wire.DecodeBase64Tolerant(ack.Tag)
	if err != nil {
		return ErrInvalidChallengePayload
	}
	plain, err := cryptoutil.Decrypt(ciphertext, s.key, nonce, tag, []byte(ack.MacDeviceID))
	if err != nil {
		return err
	}
	var body ackPlaintext
	if err := json.Unmarshal(plain, &body); err != nil {
		return ErrInvalidChallengePayload
	}
	wantHash := sha256.Sum256(s.plain)
	if body.ResponseHash != hex.EncodeToString(wantHash[:]) {
		return ErrInvalidSignature
	}
	if s.Keys != nil {
		return s.Keys.Store(entry.NormalizeDeviceId(ack.MacDeviceID), s.key)
	}
	return nil
}
