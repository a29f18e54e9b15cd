package entry

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceId is a lower-cased UUID string. Comparisons must always go through
// Equal/NormalizeDeviceId rather than direct string equality, since a peer
// may round-trip a mixed-case id through a legacy client.
type DeviceId string

// NormalizeDeviceId lower-cases a device id for storage/comparison.
func NormalizeDeviceId(id string) DeviceId {
	return DeviceId(strings.ToLower(id))
}

func (d DeviceId) Equal(o DeviceId) bool {
	return strings.EqualFold(string(d), string(o))
}

func (d DeviceId) String() string { return string(d) }

// NewDeviceId mints a fresh random device id.
func NewDeviceId() DeviceId {
	return NormalizeDeviceId(uuid.NewString())
}

// DevicePlatform enumerates the host operating systems a peer may run.
type DevicePlatform string

const (
	PlatformMacOS   DevicePlatform = "macos"
	PlatformAndroid DevicePlatform = "android"
	PlatformIOS     DevicePlatform = "ios"
	PlatformWindows DevicePlatform = "windows"
	PlatformLinux   DevicePlatform = "linux"
	PlatformUnknown DevicePlatform = "unknown"
)

// TransportOrigin tags which path delivered an entry. The zero value (empty
// string) means "produced locally"; see TransportOrigin.IsRemote.
type TransportOrigin string

const (
	OriginLAN   TransportOrigin = "lan"
	OriginCloud TransportOrigin = "cloud"
)

func (t TransportOrigin) IsRemote() bool { return t != "" }

// ClipboardEntry is one row of capture/receive history.
type ClipboardEntry struct {
	ID               uuid.UUID
	Timestamp        time.Time
	DeviceID         DeviceId
	OriginPlatform   DevicePlatform
	OriginDeviceName string
	Content          ClipboardContent
	IsPinned         bool
	IsEncrypted      bool
	TransportOrigin  TransportOrigin
}

// Matches reports whether e and o are the same logical clipboard item per
// the content-match relation.
func (e ClipboardEntry) Matches(o ClipboardEntry) bool {
	return e.Content.Matches(o.Content)
}

// IsLocal reports whether this entry originated on the local device (as
// opposed to being received over LAN or cloud). The orchestrator must never
// re-forward a non-local entry.
func (e ClipboardEntry) IsLocal() bool {
	return !e.TransportOrigin.IsRemote()
}
