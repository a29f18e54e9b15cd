package main

import (
	"sync"

	"github.com/callzhang/hypo/internal/clipboard"
	"github.com/callzhang/hypo/internal/entry"
)

// memoryPasteboard is a process-local clipboard.Pasteboard implementation.
// Real platform pasteboard adapters (NSPasteboard, UIPasteboard, the
// Windows/X11/Wayland clipboard APIs) live in the host shells; this
// headless stand-in lets hypod run end to end without one, and a host
// shell wires in a real adapter satisfying the same interface in its
// place.
type memoryPasteboard struct {
	mu          sync.Mutex
	changeCount int
	content     entry.ClipboardContent
}

func newMemoryPasteboard() *memoryPasteboard {
	return &memoryPasteboard{}
}

var _ clipboard.Pasteboard = (*memoryPasteboard)(nil)

func (m *memoryPasteboard) ChangeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changeCount
}

func (m *memoryPasteboard) ImageBytes() (data []byte, format string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.content.Type != entry.ContentImage || m.content.Image == nil {
		return nil, "", false
	}
	return m.content.Image.Bytes, string(m.content.Image.Format), true
}

func (m *memoryPasteboard) File() (clipboard.RawFile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.content.Type != entry.ContentFile || m.content.File == nil {
		return clipboard.RawFile{}, false
	}
	f := m.content.File
	return clipboard.RawFile{
		Name:      f.Name,
		ByteSize:  f.ByteSize,
		UTIOrMIME: f.UTIOrMIME,
		SourceURL: f.SourceURL,
		Bytes:     f.InlineBytes,
	}, true
}

func (m *memoryPasteboard) URL() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.content.Type != entry.ContentLink {
		return "", false
	}
	return m.content.Link, true
}

func (m *memoryPasteboard) Text() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.content.Type != entry.ContentText {
		return "", false
	}
	return m.content.Text, true
}

// Write applies a received remote entry, bumping ChangeCount the same way a
// real OS pasteboard would on any local write, so the monitor's own poll
// loop sees the change and the orchestrator's echo suppression can match it.
func (m *memoryPasteboard) Write(content entry.ClipboardContent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content = content
	m.changeCount++
	return nil
}
