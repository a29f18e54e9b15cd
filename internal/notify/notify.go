// Package notify defines the notification sink a host shell plugs in:
// the core never renders UI, it only raises named events for a host shell
// to surface.
package notify

import (
	"fmt"

	"github.com/inhies/go-bytesize"

	"github.com/callzhang/hypo/internal/logging"
)

// Kind enumerates the user-visible notification events the core can raise.
type Kind string

const (
	KindItemTooLarge  Kind = "item_too_large"
	KindDecryptFailed Kind = "decrypt_failed"
	KindPaired        Kind = "paired"
	KindPairingFailed Kind = "pairing_failed"
	KindPeerOnline    Kind = "peer_online"
	KindPeerOffline   Kind = "peer_offline"
)

// Sink is the interface a host shell implements to receive notifications.
// The core ships only a logging-backed default; rendering belongs to the
// host shell.
type Sink interface {
	Notify(kind Kind, message string)
}

// LogSink logs notifications instead of rendering them; used when no host
// shell is wired (tests, headless operation).
type LogSink struct {
	Log *logging.Logger
}

func NewLogSink(log *logging.Logger) *LogSink {
	if log == nil {
		log = logging.Default()
	}
	return &LogSink{Log: log}
}

func (s *LogSink) Notify(kind Kind, message string) {
	s.Log.Warn(fmt.Sprintf("notify[%s]: %s", kind, message))
}

// ItemTooLarge formats the standard "item too large" message with a
// human-readable size.
func ItemTooLarge(actual, limit int) string {
	return fmt.Sprintf("Item too large: %s exceeds limit of %s",
		bytesize.New(float64(actual)), bytesize.New(float64(limit)))
}
