package orchestrator

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/callzhang/hypo/internal/blobstore"
	"github.com/callzhang/hypo/internal/clipboard"
	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/history"
	"github.com/callzhang/hypo/internal/syncengine"
	"github.com/callzhang/hypo/internal/wire"
)

type fakeKeys struct {
	keys map[entry.DeviceId][]byte
}

func (f *fakeKeys) List() ([]entry.DeviceId, error) {
	out := make([]entry.DeviceId, 0, len(f.keys))
	for id := range f.keys {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeKeys) Load(id entry.DeviceId) ([]byte, error) {
	k, ok := f.keys[entry.NormalizeDeviceId(string(id))]
	if !ok {
		return nil, &missingKey{id}
	}
	return k, nil
}

type missingKey struct{ id entry.DeviceId }

func (e *missingKey) Error() string { return "no key for " + string(e.id) }

type recordingSender struct {
	mu    sync.Mutex
	sent  []entry.DeviceId
	fail  bool
	calls int
}

func (r *recordingSender) Send(ent entry.ClipboardEntry, payload wire.ClipboardPayload, target entry.DeviceId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail {
		return &missingKey{target}
	}
	r.sent = append(r.sent, target)
	return nil
}

type fakePasteboard struct {
	mu      sync.Mutex
	written []entry.ClipboardContent
	count   int
}

func (f *fakePasteboard) ChangeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}
func (f *fakePasteboard) ImageBytes() ([]byte, string, bool) { return nil, "", false }
func (f *fakePasteboard) File() (clipboard.RawFile, bool)    { return clipboard.RawFile{}, false }
func (f *fakePasteboard) URL() (string, bool)                { return "", false }
func (f *fakePasteboard) Text() (string, bool)               { return "", false }
func (f *fakePasteboard) Write(c entry.ClipboardContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, c)
	f.count++
	return nil
}

func newTestOrchestrator(keys *fakeKeys, sender Sender) *Orchestrator {
	engine := &syncengine.Engine{
		Keys:            keys,
		LocalDeviceID:   "local-1",
		LocalPlatform:   entry.PlatformLinux,
		LocalDeviceName: "test",
	}
	return New(history.New(10, nil), keys, engine, sender, "local-1")
}

func TestHandleCapturedFansOutToEveryPairedPeer(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	keys := &fakeKeys{keys: map[entry.DeviceId][]byte{"peer-a": key, "peer-b": key}}
	sender := &recordingSender{}
	o := newTestOrchestrator(keys, sender)

	e := entry.ClipboardEntry{DeviceID: "local-1", Content: entry.NewText("Hello")}
	if err := o.HandleCaptured(e); err != nil {
		t.Fatalf("handle captured: %v", err)
	}

	all := o.History.All()
	if len(all) != 1 || all[0].Content.Text != "Hello" {
		t.Fatalf("expected history to contain the captured entry, got %+v", all)
	}
	if all[0].TransportOrigin.IsRemote() {
		t.Fatalf("locally captured entry must have no transport origin")
	}

	o.processOnce()
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 2 {
		t.Fatalf("expected one send per paired peer, got %v", sender.sent)
	}
	seen := map[entry.DeviceId]bool{}
	for _, id := range sender.sent {
		seen[id] = true
	}
	if !seen["peer-a"] || !seen["peer-b"] {
		t.Fatalf("expected sends to peer-a and peer-b, got %v", sender.sent)
	}
}

func TestHandleCapturedRefusesRemoteEntries(t *testing.T) {
	keys := &fakeKeys{keys: map[entry.DeviceId][]byte{}}
	o := newTestOrchestrator(keys, &recordingSender{})

	e := entry.ClipboardEntry{DeviceID: "peer-a", Content: entry.NewText("x"), TransportOrigin: entry.OriginLAN}
	if err := o.HandleCaptured(e); err == nil {
		t.Fatalf("expected a received entry to be refused for fan-out")
	}
	if len(o.History.All()) != 0 {
		t.Fatalf("refused entry must not reach history via the capture path")
	}
}

func TestProcessOnceKeepsFailedMessagesForNextWake(t *testing.T) {
	key := bytes.Repeat([]byte{2}, 32)
	keys := &fakeKeys{keys: map[entry.DeviceId][]byte{"peer-a": key}}
	sender := &recordingSender{fail: true}
	o := newTestOrchestrator(keys, sender)

	if err := o.HandleCaptured(entry.ClipboardEntry{DeviceID: "local-1", Content: entry.NewText("x")}); err != nil {
		t.Fatalf("handle captured: %v", err)
	}

	o.processOnce()
	o.mu.Lock()
	kept := len(o.queue)
	o.mu.Unlock()
	if kept != 1 {
		t.Fatalf("expected failed message to be retained, queue len %d", kept)
	}

	sender.fail = false
	o.processOnce()
	o.mu.Lock()
	kept = len(o.queue)
	o.mu.Unlock()
	if kept != 0 {
		t.Fatalf("expected queue drained after successful retry, queue len %d", kept)
	}
}

func TestProcessOnceDropsExpiredMessages(t *testing.T) {
	key := bytes.Repeat([]byte{3}, 32)
	keys := &fakeKeys{keys: map[entry.DeviceId][]byte{"peer-a": key}}
	sender := &recordingSender{}
	o := newTestOrchestrator(keys, sender)

	o.mu.Lock()
	o.queue = append(o.queue, queuedMessage{
		Entry:    entry.ClipboardEntry{DeviceID: "local-1", Content: entry.NewText("old")},
		Target:   "peer-a",
		QueuedAt: time.Now().Add(-2 * QueueExpiry),
	})
	o.mu.Unlock()

	o.processOnce()
	sender.mu.Lock()
	calls := sender.calls
	sender.mu.Unlock()
	if calls != 0 {
		t.Fatalf("expected expired message to be dropped without a send attempt")
	}
	o.mu.Lock()
	kept := len(o.queue)
	o.mu.Unlock()
	if kept != 0 {
		t.Fatalf("expected expired message removed from queue, len %d", kept)
	}
}

func TestHandleIncomingInsertsAppliesAndTagsOrigin(t *testing.T) {
	sharedKey := bytes.Repeat([]byte{7}, 32)
	// The receiver looks the key up by the SENDER's device id.
	recvKeys := &fakeKeys{keys: map[entry.DeviceId][]byte{"peer-1": sharedKey}}
	sendKeys := &fakeKeys{keys: map[entry.DeviceId][]byte{"local-1": sharedKey}}

	peerEngine := &syncengine.Engine{Keys: sendKeys, LocalDeviceID: "peer-1", LocalDeviceName: "peer"}
	peerEntry := entry.ClipboardEntry{DeviceID: "peer-1", Content: entry.NewText("world")}
	payload := wire.ClipboardPayload{
		ContentType: "text",
		Data:        wire.EncodeBase64([]byte("world")),
		Metadata:    map[string]string{"device_id": "peer-1", "device_name": "peer"},
		Compressed:  true,
	}
	env, err := peerEngine.Transmit(peerEntry, payload, "local-1")
	if err != nil {
		t.Fatalf("peer transmit: %v", err)
	}

	o := newTestOrchestrator(recvKeys, &recordingSender{})
	pb := &fakePasteboard{}
	o.Pasteboard = pb

	if err := o.HandleIncoming(env, entry.OriginLAN); err != nil {
		t.Fatalf("handle incoming: %v", err)
	}

	all := o.History.All()
	if len(all) != 1 {
		t.Fatalf("expected one history entry, got %d", len(all))
	}
	got := all[0]
	if got.Content.Text != "world" {
		t.Fatalf("unexpected content: %+v", got.Content)
	}
	if got.TransportOrigin != entry.OriginLAN {
		t.Fatalf("expected transport origin lan, got %q", got.TransportOrigin)
	}
	if got.DeviceID != "peer-1" {
		t.Fatalf("expected sender device id preserved, got %q", got.DeviceID)
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if len(pb.written) != 1 || pb.written[0].Text != "world" {
		t.Fatalf("expected pasteboard to receive the remote content, got %+v", pb.written)
	}
}

func TestHandleIncomingExternalizesImageBytes(t *testing.T) {
	sharedKey := bytes.Repeat([]byte{9}, 32)
	recvKeys := &fakeKeys{keys: map[entry.DeviceId][]byte{"peer-1": sharedKey}}
	sendKeys := &fakeKeys{keys: map[entry.DeviceId][]byte{"local-1": sharedKey}}

	peerEngine := &syncengine.Engine{Keys: sendKeys, LocalDeviceID: "peer-1"}
	imgBytes := []byte{0x89, 0x50, 0x4e, 0x47, 1, 2, 3}
	payload := wire.ClipboardPayload{
		ContentType: "image",
		Data:        wire.EncodeBase64(imgBytes),
		Metadata:    map[string]string{"format": "png", "width": "2", "height": "2"},
		Compressed:  true,
	}
	env, err := peerEngine.Transmit(entry.ClipboardEntry{DeviceID: "peer-1"}, payload, "local-1")
	if err != nil {
		t.Fatalf("peer transmit: %v", err)
	}

	blobs, err := blobstore.NewFSBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}
	o := newTestOrchestrator(recvKeys, &recordingSender{})
	o.Blobs = blobs

	if err := o.HandleIncoming(env, entry.OriginCloud); err != nil {
		t.Fatalf("handle incoming: %v", err)
	}

	all := o.History.All()
	if len(all) != 1 || all[0].Content.Image == nil {
		t.Fatalf("expected one image entry, got %+v", all)
	}
	img := all[0].Content.Image
	if img.LocalPath == "" {
		t.Fatalf("expected inline image bytes to be externalized to a local path")
	}
	stored, err := blobs.Read(img.LocalPath)
	if err != nil || !bytes.Equal(stored, imgBytes) {
		t.Fatalf("expected blob store to hold the image bytes, err=%v", err)
	}
}

func TestHandleIncomingIgnoresMismatchedTarget(t *testing.T) {
	keys := &fakeKeys{keys: map[entry.DeviceId][]byte{}}
	o := newTestOrchestrator(keys, &recordingSender{})

	env := wire.NewClipboardEnvelope(wire.EnvelopePayload{
		ContentType: "text",
		DeviceID:    "peer-1",
		Target:      "someone-else",
		Ciphertext:  "aGk=",
	})
	if err := o.HandleIncoming(env, entry.OriginCloud); err != nil {
		t.Fatalf("mismatched target must be a silent no-op, got %v", err)
	}
	if len(o.History.All()) != 0 {
		t.Fatalf("mismatched target must not reach history")
	}
}
