package syncengine

import (
	"bytes"
	"testing"
	"time"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/wire"
)

type fakeKeys struct{ keys map[entry.DeviceId][]byte }

func (f *fakeKeys) Load(id entry.DeviceId) ([]byte, error) {
	k, ok := f.keys[entry.NormalizeDeviceId(string(id))]
	if !ok {
		return nil, &missingKeyErr{id}
	}
	return k, nil
}

type missingKeyErr struct{ id entry.DeviceId }

func (e *missingKeyErr) Error() string { return "missing key for " + string(e.id) }

func TestTransmitDecodeRoundTrip(t *testing.T) {
	sharedKey := bytes.Repeat([]byte{0x5}, 32)
	// Both sides of a pairing store the same derived symmetric key, each
	// indexed by the OTHER peer's device id.
	senderKeys := &fakeKeys{keys: map[entry.DeviceId][]byte{"peer-1": sharedKey}}
	receiverKeys := &fakeKeys{keys: map[entry.DeviceId][]byte{"local-1": sharedKey}}

	sender := &Engine{Keys: senderKeys, LocalDeviceID: "local-1", LocalPlatform: entry.PlatformMacOS, LocalDeviceName: "Mac"}
	receiver := &Engine{Keys: receiverKeys}

	ent := entry.ClipboardEntry{DeviceID: "local-1", Timestamp: time.Now(), Content: entry.NewText("hello")}
	payload := wire.ClipboardPayload{ContentType: "text", Data: "aGVsbG8=", Metadata: map[string]string{"device_id": "local-1"}}

	env, err := sender.Transmit(ent, payload, "peer-1")
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if env.Payload.DeviceID == env.Payload.Target {
		t.Fatalf("device_id must not equal target")
	}

	got, err := receiver.Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ContentType != "text" || got.Data != payload.Data {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestDecodePlaintextMode(t *testing.T) {
	eng := &Engine{PlaintextMode: true, Keys: &fakeKeys{}}
	ent := entry.ClipboardEntry{DeviceID: "local-1", Timestamp: time.Now(), Content: entry.NewText("x")}
	payload := wire.ClipboardPayload{ContentType: "text", Data: "eA=="}

	env, err := eng.Transmit(ent, payload, "peer-1")
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if !env.Payload.Encryption.Plaintext() {
		t.Fatalf("expected plaintext mode envelope to have empty nonce/tag")
	}

	receiver := &Engine{Keys: &fakeKeys{}}
	got, err := receiver.Decode(env)
	if err != nil {
		t.Fatalf("decode plaintext: %v", err)
	}
	if got.Data != payload.Data {
		t.Fatalf("plaintext payload mismatch: %+v", got)
	}
}

func TestDecodeWrongKeyFailsAuth(t *testing.T) {
	keyA := bytes.Repeat([]byte{1}, 32)
	keyB := bytes.Repeat([]byte{2}, 32)
	sender := &Engine{Keys: &fakeKeys{keys: map[entry.DeviceId][]byte{"peer-1": keyA}}, LocalDeviceID: "local-1"}
	ent := entry.ClipboardEntry{DeviceID: "local-1", Timestamp: time.Now(), Content: entry.NewText("secret")}
	env, err := sender.Transmit(ent, wire.ClipboardPayload{ContentType: "text", Data: "eA=="}, "peer-1")
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	env.Payload.DeviceID = "local-1"
	receiver := &Engine{Keys: &fakeKeys{keys: map[entry.DeviceId][]byte{"local-1": keyB}}}
	if _, err := receiver.Decode(env); err == nil {
		t.Fatalf("expected auth failure with wrong key")
	}
}
