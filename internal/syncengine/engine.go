// Package syncengine builds and parses sync envelopes: AES-256-GCM sealing
// keyed per target device, and deflate compression of the inner
// ClipboardPayload.
package syncengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/callzhang/hypo/internal/cryptoutil"
	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/logging"
	"github.com/callzhang/hypo/internal/wire"
)

// KeyLookup resolves a target device's symmetric key; backed by
// internal/keystore.Store in production.
type KeyLookup interface {
	Load(id entry.DeviceId) ([]byte, error)
}

// Engine builds outbound envelopes and parses inbound ones.
type Engine struct {
	Keys            KeyLookup
	LocalDeviceID   entry.DeviceId
	LocalPlatform   entry.DevicePlatform
	LocalDeviceName string
	// PlaintextMode gates the debug escape hatch that skips sealing; it
	// must be surfaced in logs whenever exercised.
	PlaintextMode bool
	Log           *logging.Logger
}

func (e *Engine) log() *logging.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Default()
}

// Transmit builds a SyncEnvelope carrying payload, deflate-compressed and
// sealed for targetDeviceID, ready to hand to a transport's Send.
func (e *Engine) Transmit(ent entry.ClipboardEntry, payload wire.ClipboardPayload, targetDeviceID entry.DeviceId) (wire.SyncEnvelope, error) {
	plain, err := json.Marshal(payload)
	if err != nil {
		return wire.SyncEnvelope{}, fmt.Errorf("syncengine: marshal payload: %w", err)
	}
	compressed, err := deflate(plain)
	if err != nil {
		return wire.SyncEnvelope{}, fmt.Errorf("syncengine: deflate: %w", err)
	}

	platform := ent.OriginPlatform
	if platform == "" {
		platform = e.LocalPlatform
	}

	aad := []byte(ent.DeviceID)

	var (
		ciphertext, nonce, tag []byte
	)
	if e.PlaintextMode {
		e.log().Warn(fmt.Sprintf("syncengine: sending envelope in plaintext mode to %s", targetDeviceID))
		ciphertext = compressed
	} else {
		key, kerr := e.Keys.Load(targetDeviceID)
		if kerr != nil {
			return wire.SyncEnvelope{}, fmt.Errorf("syncengine: key lookup for %s: %w", targetDeviceID, kerr)
		}
		sealed, serr := cryptoutil.Encrypt(compressed, key, aad)
		if serr != nil {
			return wire.SyncEnvelope{}, fmt.Errorf("syncengine: encrypt: %w", serr)
		}
		ciphertext, nonce, tag = sealed.Ciphertext, sealed.Nonce, sealed.Tag
	}

	envPayload := wire.EnvelopePayload{
		ContentType:    string(payload.ContentType),
		Ciphertext:     encodeBase64(ciphertext),
		DeviceID:       string(ent.DeviceID),
		DevicePlatform: string(platform),
		DeviceName:     e.LocalDeviceName,
		Target:         string(targetDeviceID),
		Encryption: wire.Encryption{
			Algorithm: "AES-256-GCM",
			Nonce:     encodeBase64(nonce),
			Tag:       encodeBase64(tag),
		},
	}
	return wire.NewClipboardEnvelope(envPayload), nil
}

// Decode reverses Transmit: frame-decode is assumed already done by the
// caller (the transport owns framing); Decode takes the parsed envelope.
func (e *Engine) Decode(env wire.SyncEnvelope) (wire.ClipboardPayload, error) {
	var payload wire.ClipboardPayload

	ciphertext, err := wire.DecodeBase64Tolerant(env.Payload.Ciphertext)
	if err != nil {
		return payload, &wire.FrameError{Kind: wire.FrameBadBase64, Cause: err}
	}

	var compressed []byte
	if env.Payload.Encryption.Plaintext() {
		e.log().Warn(fmt.Sprintf("syncengine: received plaintext-mode envelope from %s", env.Payload.DeviceID))
		compressed = ciphertext
	} else {
		nonce, err := wire.DecodeBase64Tolerant(env.Payload.Encryption.Nonce)
		if err != nil {
			return payload, &wire.FrameError{Kind: wire.FrameBadBase64, Cause: err}
		}
		tag, err := wire.DecodeBase64Tolerant(env.Payload.Encryption.Tag)
		if err != nil {
			return payload, &wire.FrameError{Kind: wire.FrameBadBase64, Cause: err}
		}
		key, err := e.Keys.Load(entry.DeviceId(env.Payload.DeviceID))
		if err != nil {
			return payload, err
		}
		aad := []byte(env.Payload.DeviceID)
		compressed, err = cryptoutil.Decrypt(ciphertext, key, nonce, tag, aad)
		if err != nil {
			return payload, err
		}
	}

	plain, err := inflate(compressed)
	if err != nil {
		return payload, fmt.Errorf("syncengine: inflate: %w", err)
	}
	if err := json.Unmarshal(plain, &payload); err != nil {
		return payload, &wire.FrameError{Kind: wire.FrameBadJSON, Cause: err}
	}
	return payload, nil
}

func deflate(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(p []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(p))
	defer r.Close()
	return io.ReadAll(r)
}

func encodeBase64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return wire.EncodeBase64(b)
}
