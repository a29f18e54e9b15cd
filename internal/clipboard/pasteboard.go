package clipboard

import "github.com/callzhang/hypo/internal/entry"

// RawFile is a file reference as reported by the platform pasteboard, before
// the monitor decides whether to inline its bytes or keep only a pointer.
type RawFile struct {
	Name      string
	ByteSize  int
	UTIOrMIME string
	SourceURL string
	Bytes     []byte // nil if only a SourceURL is available
}

// Pasteboard is the platform-specific collaborator a host shell supplies
// (NSPasteboard, UIPasteboard, the X11/Wayland selections). It only
// reports what kinds of content the native pasteboard currently holds;
// classification and the strict priority order live in Monitor, not in a
// platform adapter.
type Pasteboard interface {
	// ChangeCount returns a monotonically increasing counter that changes
	// whenever the system pasteboard's content changes.
	ChangeCount() int

	ImageBytes() (data []byte, format string, ok bool)
	File() (RawFile, bool)
	URL() (string, bool)
	Text() (string, bool)

	// Write applies a received remote entry to the system pasteboard.
	Write(content entry.ClipboardContent) error
}
