package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/syncengine"
	"github.com/callzhang/hypo/internal/wire"
)

type staticKeys struct{ key []byte }

func (s staticKeys) Load(entry.DeviceId) ([]byte, error) { return s.key, nil }

// TestDualSendUsesDistinctNoncesPerLeg drives one logical payload through
// both legs against echo servers and checks the sealed envelopes that come
// back carry different GCM nonces: the two paths must never share one.
func TestDualSendUsesDistinctNoncesPerLeg(t *testing.T) {
	lanSrv := echoServer(t)
	defer lanSrv.Close()
	cloudSrv := echoServer(t)
	defer cloudSrv.Close()

	lan := New(Config{URL: wsURL(lanSrv.URL), Environment: EnvironmentLAN}, nil)
	if err := lan.Connect(context.Background()); err != nil {
		t.Fatalf("connect lan: %v", err)
	}
	defer lan.Disconnect()

	cloud := New(Config{URL: wsURL(cloudSrv.URL), Environment: EnvironmentCloud}, nil)
	if err := cloud.Connect(context.Background()); err != nil {
		t.Fatalf("connect cloud: %v", err)
	}
	defer cloud.Disconnect()

	engine := &syncengine.Engine{
		Keys:            staticKeys{key: bytes.Repeat([]byte{0x2a}, 32)},
		LocalDeviceID:   "local-1",
		LocalPlatform:   entry.PlatformLinux,
		LocalDeviceName: "test",
	}
	dt := &DualTransport{LAN: lan, Cloud: cloud, Seal: engine}

	ent := entry.ClipboardEntry{DeviceID: "local-1", Timestamp: time.Now(), Content: entry.NewText("hi")}
	payload := wire.ClipboardPayload{
		ContentType: "text",
		Data:        wire.EncodeBase64([]byte("hi")),
		Compressed:  true,
	}
	if err := dt.Send(ent, payload, "peer-1"); err != nil {
		t.Fatalf("dual send: %v", err)
	}

	lanEnv := recvEnvelope(t, lan)
	cloudEnv := recvEnvelope(t, cloud)

	lanNonce, err := wire.DecodeBase64Tolerant(lanEnv.Payload.Encryption.Nonce)
	if err != nil || len(lanNonce) != 12 {
		t.Fatalf("bad lan nonce: %v len=%d", err, len(lanNonce))
	}
	cloudNonce, err := wire.DecodeBase64Tolerant(cloudEnv.Payload.Encryption.Nonce)
	if err != nil || len(cloudNonce) != 12 {
		t.Fatalf("bad cloud nonce: %v len=%d", err, len(cloudNonce))
	}
	if bytes.Equal(lanNonce, cloudNonce) {
		t.Fatalf("lan and cloud legs must carry distinct nonces")
	}
	if lanEnv.ID == cloudEnv.ID {
		t.Fatalf("each leg must carry its own envelope id")
	}
}

func recvEnvelope(t *testing.T, tr *WebSocketTransport) wire.SyncEnvelope {
	t.Helper()
	select {
	case env := <-tr.Inbox:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed envelope")
		return wire.SyncEnvelope{}
	}
}
