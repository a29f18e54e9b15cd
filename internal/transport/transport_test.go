package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/wire"
)

func TestSendQueueDropsOldestOnOverflow(t *testing.T) {
	q := newSendQueue(5)
	for i := 0; i < 8; i++ {
		q.push(&QueuedMessage{ID: string(rune('a' + i))})
	}
	if got := q.len(); got != 5 {
		t.Fatalf("expected queue capped at 5, got %d", got)
	}
	if got := q.droppedCount(); got != 3 {
		t.Fatalf("expected 3 dropped, got %d", got)
	}
	first := q.pop()
	if first.ID != "d" {
		t.Fatalf("expected oldest surviving item 'd', got %q", first.ID)
	}
}

func TestQueueHoldsExactlyCapAfterOneOverflow(t *testing.T) {
	q := newSendQueue(QueueCap)
	for i := 0; i < QueueCap+1; i++ {
		q.push(&QueuedMessage{ID: strconv.Itoa(i)})
	}
	if got := q.len(); got != QueueCap {
		t.Fatalf("expected exactly %d queued after %d pushes, got %d", QueueCap, QueueCap+1, got)
	}
	if got := q.droppedCount(); got != 1 {
		t.Fatalf("expected exactly one dropped message, got %d", got)
	}
}

// echoServer upgrades and echoes every binary frame back, mirroring a LAN
// peer or relay that simply reflects clipboard envelopes.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSendReceiveRoundTripOverLocalEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := New(Config{URL: wsURL(srv.URL), Environment: EnvironmentLAN}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	env := wire.NewClipboardEnvelope(wire.EnvelopePayload{
		ContentType: "text",
		DeviceID:    "local-1",
		Target:      "peer-1",
		Ciphertext:  "aGVsbG8=",
	})
	if err := tr.Send(env); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-tr.Inbox:
		if got.ID != env.ID {
			t.Fatalf("expected echoed envelope id %s, got %s", env.ID, got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed envelope")
	}
}

func TestQueryConnectedPeersTimesOutWithEmptyList(t *testing.T) {
	// A server that never answers the control query exercises the 5s
	// timeout path; shrink it via a short-lived override is not exposed,
	// so this test only checks the no-response branch does not hang
	// beyond the production timeout plus slack.
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := New(Config{URL: wsURL(srv.URL), Environment: EnvironmentCloud}, nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Disconnect()

	start := time.Now()
	ids, err := tr.QueryConnectedPeers(context.Background(), nil)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if ids != nil {
		t.Fatalf("expected nil/empty result on timeout, got %v", ids)
	}
	if elapsed := time.Since(start); elapsed < ControlQueryTimeout {
		t.Fatalf("expected to wait at least %s, waited %s", ControlQueryTimeout, elapsed)
	}
}

func TestDualTransportSucceedsIfEitherLegSucceeds(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	lan := New(Config{URL: wsURL(srv.URL), Environment: EnvironmentLAN}, nil)
	if err := lan.Connect(context.Background()); err != nil {
		t.Fatalf("connect lan: %v", err)
	}
	defer lan.Disconnect()

	dead := New(Config{URL: "ws://127.0.0.1:1", Environment: EnvironmentCloud}, nil)
	// Cloud leg is intentionally left unconnected (no live server). Its
	// Send only enqueues and so reports no error either; this checks that
	// the dual send succeeds while only the LAN leg has a live connection.

	dt := &DualTransport{LAN: lan, Cloud: dead, Seal: fakeSealer{}}
	ent := entry.ClipboardEntry{DeviceID: "local-1", Timestamp: time.Now(), Content: entry.NewText("hi")}
	payload := wire.ClipboardPayload{ContentType: "text", Data: "aGk="}
	if err := dt.Send(ent, payload, "peer-1"); err != nil {
		t.Fatalf("expected dual send to succeed via lan leg, got %v", err)
	}
}

type fakeSealer struct{}

func (fakeSealer) Transmit(ent entry.ClipboardEntry, payload wire.ClipboardPayload, target entry.DeviceId) (wire.SyncEnvelope, error) {
	return wire.NewClipboardEnvelope(wire.EnvelopePayload{
		ContentType: payload.ContentType,
		DeviceID:    string(ent.DeviceID),
		Target:      string(target),
		Ciphertext:  payload.Data,
	}), nil
}

