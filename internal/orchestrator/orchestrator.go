// Package orchestrator bridges capture -> history -> per-peer queue ->
// transport on the outbound side, and incoming frame -> history ->
// pasteboard -> echo-suppression -> last_seen refresh on the inbound side.
// The per-peer queue wakes its processor on connection-state changes
// rather than polling.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callzhang/hypo/internal/blobstore"
	"github.com/callzhang/hypo/internal/clipboard"
	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/history"
	"github.com/callzhang/hypo/internal/logging"
	"github.com/callzhang/hypo/internal/syncengine"
	"github.com/callzhang/hypo/internal/transportmgr"
	"github.com/callzhang/hypo/internal/wire"
)

// QueueExpiry is the orchestrator's own 60s message-expiry bound. It is
// deliberately independent of internal/transport's 300s queue expiry: the
// two queues bound different stages of a message's life.
const QueueExpiry = 60 * time.Second

// KeyLister enumerates every peer with a stored symmetric key, i.e. every
// peer eligible to receive a sync fan-out; internal/keystore.Store
// satisfies this.
type KeyLister interface {
	List() ([]entry.DeviceId, error)
}

// Sender delivers one sealed envelope to one peer; internal/transport's
// DualTransport and WebSocketTransport (via a small wrapper) both satisfy
// this by combining Sealer.Transmit with Send.
type Sender interface {
	Send(ent entry.ClipboardEntry, payload wire.ClipboardPayload, target entry.DeviceId) error
}

// LastSeenSink refreshes a peer's online/last_seen bookkeeping on receive;
// internal/settings.Store satisfies this via SetOnline.
type LastSeenSink interface {
	SetOnline(id entry.DeviceId, online bool)
}

// queuedMessage is one pending per-peer sync.
type queuedMessage struct {
	Entry    entry.ClipboardEntry
	Payload  wire.ClipboardPayload
	Target   entry.DeviceId
	QueuedAt time.Time
}

// Orchestrator owns no socket or storage state of its own; it composes the
// other components.
type Orchestrator struct {
	History    *history.Store
	Keys       KeyLister
	Engine     *syncengine.Engine
	Transport  Sender
	Monitor    *clipboard.Monitor
	Pasteboard clipboard.Pasteboard
	LastSeen   LastSeenSink
	// Blobs, when set, receives inline image/file bytes so history rows
	// reference them via local_path instead of carrying the raw blob.
	Blobs blobstore.BlobStore
	Log   *logging.Logger

	LocalDeviceID entry.DeviceId

	mu    sync.Mutex
	queue []queuedMessage
	wake  chan struct{}
}

func New(hist *history.Store, keys KeyLister, engine *syncengine.Engine, transport Sender, localID entry.DeviceId) *Orchestrator {
	return &Orchestrator{
		History:       hist,
		Keys:          keys,
		Engine:        engine,
		Transport:     transport,
		LocalDeviceID: localID,
		wake:          make(chan struct{}, 1),
	}
}

func (o *Orchestrator) log() *logging.Logger {
	if o.Log != nil {
		return o.Log
	}
	return logging.Default()
}

// HandleCaptured processes one locally captured entry: insert into History,
// then enqueue a per-peer message for every peer with a stored key. e must
// be local; a non-local entry is never fanned out even if mistakenly
// routed here.
func (o *Orchestrator) HandleCaptured(e entry.ClipboardEntry) error {
	if !e.IsLocal() {
		return fmt.Errorf("orchestrator: refusing to fan out non-local entry %s", e.ID)
	}
	if e.ID == (uuid.UUID{}) {
		e.ID = uuid.New()
	}
	o.externalizeBlob(e.ID, &e.Content)
	top := o.History.Insert(e)

	payload, err := entryToPayload(top, o.LocalDeviceID, o.Engine.LocalDeviceName)
	if err != nil {
		return fmt.Errorf("orchestrator: build payload: %w", err)
	}

	peers, err := o.Keys.List()
	if err != nil {
		return fmt.Errorf("orchestrator: list peers: %w", err)
	}

	now := time.Now()
	o.mu.Lock()
	for _, peer := range peers {
		o.queue = append(o.queue, queuedMessage{Entry: top, Payload: payload, Target: peer, QueuedAt: now})
	}
	o.mu.Unlock()
	o.wakeProcessor()
	return nil
}

// OnConnectionStateChange should be wired to transportmgr.Manager's
// subscriber channel; any Connected* transition wakes the processor so
// messages queued while disconnected get a retry pass.
func (o *Orchestrator) OnConnectionStateChange(s transportmgr.ConnectionState) {
	if s.Name == transportmgr.StateConnectedLAN.Name || s.Name == transportmgr.StateConnectedCloud.Name {
		o.wakeProcessor()
	}
}

func (o *Orchestrator) wakeProcessor() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Run drains the per-peer queue on every wake until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
			o.processOnce()
		}
	}
}

// processOnce tries each currently queued message exactly once; failures
// are kept for the next wake. Messages older than QueueExpiry at
// processing time are dropped outright.
func (o *Orchestrator) processOnce() {
	o.mu.Lock()
	pending := o.queue
	o.queue = nil
	o.mu.Unlock()

	var retained []queuedMessage
	for _, m := range pending {
		if time.Since(m.QueuedAt) > QueueExpiry {
			o.log().Warn(fmt.Sprintf("orchestrator: dropping expired queued message for %s", m.Target))
			continue
		}
		if err := o.Transport.Send(m.Entry, m.Payload, m.Target); err != nil {
			o.log().Warn(fmt.Sprintf("orchestrator: send to %s failed, keeping queued: %v", m.Target, err))
			retained = append(retained, m)
			continue
		}
	}

	if len(retained) == 0 {
		return
	}
	o.mu.Lock()
	o.queue = append(retained, o.queue...)
	o.mu.Unlock()
}

// HandleIncoming processes an inbound envelope from either transport
//: target filtering, decrypt, History insert tagged with origin,
// pasteboard write, monitor echo suppression, and sender last_seen
// refresh.
func (o *Orchestrator) HandleIncoming(env wire.SyncEnvelope, origin entry.TransportOrigin) error {
	if env.Payload.Target != "" && !entry.NormalizeDeviceId(env.Payload.Target).Equal(o.LocalDeviceID) {
		return nil
	}

	payload, err := o.Engine.Decode(env)
	if err != nil {
		return fmt.Errorf("orchestrator: decode envelope %s: %w", env.ID, err)
	}
	content, err := payloadToContent(payload)
	if err != nil {
		return fmt.Errorf("orchestrator: payload to content: %w", err)
	}

	senderID := entry.NormalizeDeviceId(env.Payload.DeviceID)
	e := entry.ClipboardEntry{
		ID:               env.ID,
		Timestamp:        time.Now().UTC(),
		DeviceID:         senderID,
		OriginPlatform:   entry.DevicePlatform(env.Payload.DevicePlatform),
		OriginDeviceName: env.Payload.DeviceName,
		Content:          content,
		TransportOrigin:  origin,
	}
	o.externalizeBlob(e.ID, &e.Content)
	o.History.Insert(e)

	if o.Pasteboard != nil {
		if werr := o.Pasteboard.Write(content); werr != nil {
			o.log().Warn(fmt.Sprintf("orchestrator: write to pasteboard failed: %v", werr))
		} else if o.Monitor != nil {
			o.Monitor.SuppressNext(o.Pasteboard.ChangeCount())
		}
	}

	if o.LastSeen != nil {
		o.LastSeen.SetOnline(senderID, true)
	}
	return nil
}

// externalizeBlob writes inline image/file bytes to the blob store and
// records the returned path on the content, so persisted history rows can
// drop the raw bytes. The in-memory copy keeps its bytes for sending.
func (o *Orchestrator) externalizeBlob(id uuid.UUID, content *entry.ClipboardContent) {
	if o.Blobs == nil {
		return
	}
	switch content.Type {
	case entry.ContentImage:
		img := content.Image
		if img == nil || len(img.Bytes) == 0 || img.LocalPath != "" {
			return
		}
		name := id.String()
		if img.Format != "" {
			name += "." + string(img.Format)
		}
		path, err := o.Blobs.Write(name, img.Bytes)
		if err != nil {
			o.log().Warn(fmt.Sprintf("orchestrator: externalize image blob: %v", err))
			return
		}
		img.LocalPath = path
	case entry.ContentFile:
		f := content.File
		if f == nil || len(f.InlineBytes) == 0 || f.LocalPath != "" {
			return
		}
		path, err := o.Blobs.Write(id.String()+"_"+f.Name, f.InlineBytes)
		if err != nil {
			o.log().Warn(fmt.Sprintf("orchestrator: externalize file blob: %v", err))
			return
		}
		f.LocalPath = path
	}
}

// entryToPayload builds the inner ClipboardPayload from a history entry,
// populating the content-specific metadata keys the receiving side
// reconstructs the entry from.
func entryToPayload(e entry.ClipboardEntry, localID entry.DeviceId, localName string) (wire.ClipboardPayload, error) {
	meta := map[string]string{"device_id": string(localID), "device_name": localName}
	var data []byte

	switch e.Content.Type {
	case entry.ContentText:
		data = []byte(e.Content.Text)
	case entry.ContentLink:
		data = []byte(e.Content.Link)
	case entry.ContentImage:
		img := e.Content.Image
		if img == nil {
			return wire.ClipboardPayload{}, fmt.Errorf("orchestrator: image entry missing image payload")
		}
		data = img.Bytes
		meta["format"] = string(img.Format)
		meta["width"] = strconv.Itoa(img.PixelWidth)
		meta["height"] = strconv.Itoa(img.PixelHeight)
	case entry.ContentFile:
		f := e.Content.File
		if f == nil {
			return wire.ClipboardPayload{}, fmt.Errorf("orchestrator: file entry missing file payload")
		}
		data = f.InlineBytes
		meta["file_name"] = f.Name
		meta["uti"] = f.UTIOrMIME
		if f.SourceURL != "" {
			meta["source_url"] = f.SourceURL
		}
	default:
		return wire.ClipboardPayload{}, fmt.Errorf("orchestrator: unknown content type %q", e.Content.Type)
	}

	return wire.ClipboardPayload{
		ContentType: string(e.Content.Type),
		Data:        wire.EncodeBase64(data),
		Metadata:    meta,
		Compressed:  true,
	}, nil
}

// payloadToContent reverses entryToPayload on the receive path.
func payloadToContent(p wire.ClipboardPayload) (entry.ClipboardContent, error) {
	data, err := wire.DecodeBase64Tolerant(p.Data)
	if err != nil {
		return entry.ClipboardContent{}, fmt.Errorf("orchestrator: decode payload data: %w", err)
	}

	switch entry.ContentType(p.ContentType) {
	case entry.ContentText:
		return entry.NewText(string(data)), nil
	case entry.ContentLink:
		return entry.NewLink(string(data)), nil
	case entry.ContentImage:
		img := &entry.Image{Bytes: data, ByteSize: len(data), Format: entry.ImageFormat(p.Metadata["format"])}
		if w, werr := strconv.Atoi(p.Metadata["width"]); werr == nil {
			img.PixelWidth = w
		}
		if h, herr := strconv.Atoi(p.Metadata["height"]); herr == nil {
			img.PixelHeight = h
		}
		return entry.NewImage(img), nil
	case entry.ContentFile:
		f := &entry.File{
			Name:      p.Metadata["file_name"],
			ByteSize:  len(data),
			UTIOrMIME: p.Metadata["uti"],
			SourceURL: p.Metadata["source_url"],
		}
		if len(data) > 0 {
			f.InlineBytes = data
		}
		return entry.NewFile(f), nil
	default:
		return entry.ClipboardContent{}, fmt.Errorf("orchestrator: unknown content_type %q", p.ContentType)
	}
}
