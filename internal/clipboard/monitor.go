// Package clipboard implements the capture side: it polls the system
// pasteboard at a fixed interval, throttles via a token bucket, classifies
// new content in strict priority order, and emits typed
// entry.ClipboardEntry values. A ticker-driven poll is used since there is
// no portable change-notification API for a native pasteboard.
package clipboard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/notify"
)

const (
	DefaultPollInterval             = 500 * time.Millisecond
	DefaultTokenBucketSize          = 5
	DefaultTokenRefillPerSecond     = 1
	DefaultMaxRawSizeForCompression = 1 << 20 // 1 MiB
	DefaultMaxImageDimensionPx      = 2048
	DefaultMaxAttachmentBytes       = 10 << 20 // 10 MiB
	DefaultMaxCopySizeBytes         = 50 << 20 // 50 MiB
)

// Config carries the capture size limits and timing knobs.
type Config struct {
	PollInterval             time.Duration
	TokenBucketSize          int
	TokenRefillPerSecond     float64
	MaxRawSizeForCompression int
	MaxImageDimensionPx      int
	MaxAttachmentBytes       int
	MaxCopySizeBytes         int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:             DefaultPollInterval,
		TokenBucketSize:          DefaultTokenBucketSize,
		TokenRefillPerSecond:     DefaultTokenRefillPerSecond,
		MaxRawSizeForCompression: DefaultMaxRawSizeForCompression,
		MaxImageDimensionPx:      DefaultMaxImageDimensionPx,
		MaxAttachmentBytes:       DefaultMaxAttachmentBytes,
		MaxCopySizeBytes:         DefaultMaxCopySizeBytes,
	}
}

// Monitor polls a Pasteboard and emits classified entries on Captured.
type Monitor struct {
	pb       Pasteboard
	cfg      Config
	sink     notify.Sink
	limit    *rate.Limiter
	deviceID entry.DeviceId

	mtx             sync.Mutex
	lastChangeCount int
	suppressUntil   int // a change counter value whose emission must be skipped (echo suppression)

	Captured chan entry.ClipboardEntry
}

func New(pb Pasteboard, cfg Config, deviceID entry.DeviceId, sink notify.Sink) *Monitor {
	if cfg.PollInterval == 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		pb:              pb,
		cfg:             cfg,
		sink:            sink,
		deviceID:        deviceID,
		limit:           rate.NewLimiter(rate.Limit(cfg.TokenRefillPerSecond), cfg.TokenBucketSize),
		Captured:        make(chan entry.ClipboardEntry, 8),
		lastChangeCount: -1,
		suppressUntil:   -1,
	}
}

// SuppressNext tells the monitor to ignore the next tick that observes
// changeCount, so applying a received remote clipboard does not re-emit it
// as a local capture.
func (m *Monitor) SuppressNext(changeCount int) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.suppressUntil = changeCount
}

// Run polls until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	cc := m.pb.ChangeCount()

	m.mtx.Lock()
	unchanged := cc == m.lastChangeCount
	suppressed := cc == m.suppressUntil && cc != m.lastChangeCount
	if suppressed {
		m.suppressUntil = -1
	}
	m.lastChangeCount = cc
	m.mtx.Unlock()

	if unchanged || suppressed {
		return
	}
	if !m.limit.Allow() {
		return
	}

	content, ok := m.classify()
	if !ok {
		return
	}
	e := entry.ClipboardEntry{
		Timestamp: time.Now().UTC(),
		DeviceID:  m.deviceID,
		Content:   content,
	}
	select {
	case m.Captured <- e:
	default:
		// Capture channel backpressure: drop rather than block the poll
		// loop. Bursty ingestion above configured caps is refused at
		// capture time, not queued indefinitely.
	}
}

// classify applies the strict priority order: image, then file, then link,
// then text.
func (m *Monitor) classify() (entry.ClipboardContent, bool) {
	if data, format, ok := m.pb.ImageBytes(); ok {
		return m.classifyImage(data, format)
	}
	if rf, ok := m.pb.File(); ok {
		return m.classifyFile(rf)
	}
	if u, ok := m.pb.URL(); ok && u != "" {
		return entry.NewLink(u), true
	}
	if t, ok := m.pb.Text(); ok && t != "" {
		return entry.NewText(t), true
	}
	return entry.ClipboardContent{}, false
}

func (m *Monitor) classifyImage(raw []byte, format string) (entry.ClipboardContent, bool) {
	if len(raw) > m.cfg.MaxCopySizeBytes {
		m.notifyTooLarge(len(raw))
		return entry.ClipboardContent{}, false
	}
	out, ok, err := recompressForTransmission(raw, m.cfg.MaxRawSizeForCompression, m.cfg.MaxImageDimensionPx, m.cfg.MaxAttachmentBytes)
	if err != nil || !ok {
		m.notifyTooLarge(len(raw))
		return entry.ClipboardContent{}, false
	}
	img := &entry.Image{
		ByteSize: len(out),
		Format:   entry.ImageFormat(format),
		Bytes:    out,
	}
	if w, h, derr := decodeDims(out); derr == nil {
		img.PixelWidth, img.PixelHeight = w, h
	}
	if len(out) != len(raw) {
		img.Format = entry.ImageJPEG
	}
	return entry.NewImage(img), true
}

func (m *Monitor) classifyFile(rf RawFile) (entry.ClipboardContent, bool) {
	f := &entry.File{Name: rf.Name, ByteSize: rf.ByteSize, UTIOrMIME: rf.UTIOrMIME, SourceURL: rf.SourceURL}
	if rf.SourceURL != "" {
		// a local source exists; store only the pointer.
		return entry.NewFile(f), true
	}
	if rf.ByteSize > m.cfg.MaxAttachmentBytes {
		m.notifyTooLarge(rf.ByteSize)
		return entry.ClipboardContent{}, false
	}
	f.InlineBytes = rf.Bytes
	return entry.NewFile(f), true
}

func (m *Monitor) notifyTooLarge(size int) {
	if m.sink != nil {
		m.sink.Notify(notify.KindItemTooLarge, notify.ItemTooLarge(size, m.cfg.MaxAttachmentBytes))
	}
}
