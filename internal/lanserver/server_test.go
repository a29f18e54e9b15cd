package lanserver

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/wire"
)

// TestUpgradeAcceptMatchesRFC6455Fixture checks the handshake against the
// literal key/accept pair from RFC 6455 section 1.3: the server must
// produce the mandated Sec-WebSocket-Accept for this vector.
func TestUpgradeAcceptMatchesRFC6455Fixture(t *testing.T) {
	h := newRecordingHandler()
	addr, stop := startTestServer(t, "local-1", h)
	defer stop()

	conn, _, resp := rawHandshake(t, addr)
	defer conn.Close()

	const wantAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != wantAccept {
		t.Fatalf("Sec-WebSocket-Accept = %q, want %q", got, wantAccept)
	}
}

func TestUpgradeRejectsNonWebSocketRequest(t *testing.T) {
	h := newRecordingHandler()
	addr, stop := startTestServer(t, "local-1", h)
	defer stop()

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a plain GET, got %d", resp.StatusCode)
	}
}

type recordingHandler struct {
	pairing   chan []byte
	clipboard chan wire.SyncEnvelope
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{pairing: make(chan []byte, 4), clipboard: make(chan wire.SyncEnvelope, 4)}
}

func (h *recordingHandler) HandlePairing(c *Conn, raw []byte)              { h.pairing <- raw }
func (h *recordingHandler) HandleClipboard(c *Conn, env wire.SyncEnvelope) { h.clipboard <- env }

func startTestServer(t *testing.T, localID entry.DeviceId, h Handler) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(ln.Addr().String(), localID, h, nil)
	_ = ln.Close() // Server.Start rebinds the same address
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	return srv.Addr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	}
}

// rawHandshake performs the HTTP upgrade over a plain TCP connection using
// the RFC 6455 section 1.3 sample key and returns the connection plus the
// buffered reader subsequent frame reads must go through.
func rawHandshake(t *testing.T, addr string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	req, _ := http.NewRequest("GET", "/", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Host = addr
	if err := req.Write(conn); err != nil {
		conn.Close()
		t.Fatalf("write request: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		t.Fatalf("read response: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		t.Fatalf("expected 101 Switching Protocols, got %d", resp.StatusCode)
	}
	return conn, br, resp
}

// writeClientFrame writes one masked client-to-server frame by hand so
// tests can produce shapes a well-behaved client library never would.
func writeClientFrame(t *testing.T, conn net.Conn, fin bool, opcode byte, payload []byte) {
	t.Helper()
	if _, err := conn.Write(clientFrameBytes(t, fin, opcode, payload)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestPairingFrameClassifiedAndDispatched(t *testing.T) {
	h := newRecordingHandler()
	addr, stop := startTestServer(t, "local-1", h)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	challenge := map[string]string{"challenge_id": "abc123", "initiator_device_id": "peer-1"}
	raw, _ := json.Marshal(challenge)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-h.pairing:
		var roundtrip map[string]string
		json.Unmarshal(got, &roundtrip)
		if roundtrip["challenge_id"] != "abc123" {
			t.Fatalf("unexpected pairing payload: %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pairing dispatch")
	}
}

func TestClipboardFrameTargetFilteringDropsMismatch(t *testing.T) {
	h := newRecordingHandler()
	addr, stop := startTestServer(t, "local-1", h)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	env := wire.NewClipboardEnvelope(wire.EnvelopePayload{
		ContentType: "text",
		DeviceID:    "peer-1",
		Target:      "someone-else",
		Ciphertext:  "aGk=",
	})
	frame, _ := wire.EncodeFrame(env)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-h.clipboard:
		t.Fatalf("expected mismatched target to be dropped, got %+v", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClipboardFrameDispatchedWhenTargetMatches(t *testing.T) {
	h := newRecordingHandler()
	addr, stop := startTestServer(t, "local-1", h)
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	env := wire.NewClipboardEnvelope(wire.EnvelopePayload{
		ContentType: "text",
		DeviceID:    "peer-1",
		Target:      "LOCAL-1", // case-insensitive match
		Ciphertext:  "aGk=",
	})
	frame, _ := wire.EncodeFrame(env)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-h.clipboard:
		if got.ID != env.ID {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for clipboard dispatch")
	}
}

func TestFragmentedFrameRejectedWithClose(t *testing.T) {
	h := newRecordingHandler()
	addr, stop := startTestServer(t, "local-1", h)
	defer stop()

	conn, br, _ := rawHandshake(t, addr)
	defer conn.Close()

	// First fragment of a text message: FIN clear.
	writeClientFrame(t, conn, false, opText, []byte(`{"challenge_id":`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f := readServerFrame(t, br)
	if f.opcode != opClose {
		t.Fatalf("expected close frame, got opcode 0x%x", f.opcode)
	}

	select {
	case got := <-h.pairing:
		t.Fatalf("fragmented frame must never be dispatched, got %s", got)
	default:
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	h := newRecordingHandler()
	addr, stop := startTestServer(t, "local-1", h)
	defer stop()

	conn, br, _ := rawHandshake(t, addr)
	defer conn.Close()

	writeClientFrame(t, conn, true, opPing, []byte("beat"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f := readServerFrame(t, br)
	if f.opcode != opPong || string(f.payload) != "beat" {
		t.Fatalf("expected pong echoing payload, got opcode 0x%x payload %q", f.opcode, f.payload)
	}
}

func TestCloseDrainsBufferedFramesBeforeRelease(t *testing.T) {
	h := newRecordingHandler()
	addr, stop := startTestServer(t, "local-1", h)
	defer stop()

	conn, br, _ := rawHandshake(t, addr)
	defer conn.Close()

	env := wire.NewClipboardEnvelope(wire.EnvelopePayload{
		ContentType: "text",
		DeviceID:    "peer-1",
		Target:      "local-1",
		Ciphertext:  "aGk=",
	})
	raw, _ := wire.EncodeFrame(env)

	// Write the close frame and a trailing clipboard frame in one burst so
	// the data frame sits in the server's read buffer behind the close.
	var burst []byte
	burst = append(burst, clientFrameBytes(t, true, opClose, nil)...)
	burst = append(burst, clientFrameBytes(t, true, opBinary, raw)...)
	if _, err := conn.Write(burst); err != nil {
		t.Fatalf("write burst: %v", err)
	}

	select {
	case got := <-h.clipboard:
		if got.ID != env.ID {
			t.Fatalf("unexpected envelope: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the buffered clipboard frame to be processed after close")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f := readServerFrame(t, br)
	if f.opcode != opClose {
		t.Fatalf("expected close reply, got opcode 0x%x", f.opcode)
	}
}

// readServerFrame parses one server-to-client frame off the wire. Unlike
// readFrame (which enforces the client-to-server masking requirement),
// server frames are sent unmasked per RFC 6455, so this helper skips the
// mask check and key.
func readServerFrame(t *testing.T, br *bufio.Reader) frame {
	t.Helper()
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	f := frame{fin: hdr[0]&0x80 != 0, opcode: hdr[0] & 0x0f}
	length := uint64(hdr[1] & 0x7f)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}
	f.payload = make([]byte, length)
	if _, err := io.ReadFull(br, f.payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return f
}

// clientFrameBytes builds a masked client frame without writing it, for
// tests that need several frames in a single TCP segment.
func clientFrameBytes(t *testing.T, fin bool, opcode byte, payload []byte) []byte {
	t.Helper()
	b0 := opcode
	if fin {
		b0 |= 0x80
	}
	buf := []byte{b0}
	switch {
	case len(payload) < 126:
		buf = append(buf, 0x80|byte(len(payload)))
	case len(payload) <= 0xffff:
		buf = append(buf, 0x80|126, byte(len(payload)>>8), byte(len(payload)))
	default:
		t.Fatalf("test frame too large: %d", len(payload))
	}
	mask := []byte{0x55, 0x66, 0x77, 0x88}
	buf = append(buf, mask...)
	for i, b := range payload {
		buf = append(buf, b^mask[i%4])
	}
	return buf
}
