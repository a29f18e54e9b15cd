// Package config loads hypod's startup configuration: a gcfg-format (INI-
// like) file plus HYPO_* environment variable overrides, with the
// environment winning wherever both are set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gravwell/gcfg"

	"github.com/callzhang/hypo/internal/clipboard"
	"github.com/callzhang/hypo/internal/discovery"
	"github.com/callzhang/hypo/internal/entry"
	"github.com/callzhang/hypo/internal/lanserver"
)

// maxConfigSize keeps a malformed or mis-pointed path from pulling an
// unbounded read into memory.
const maxConfigSize = 4 << 20

// fileConfig is the gcfg-decoded shape of the on-disk config file: a
// single [Global] section, since this config needs no per-source
// sectioning.
type fileConfig struct {
	Global struct {
		Device_ID       string
		Device_Name     string
		Device_Platform string
		Lan_Port        int
		Cloud_Relay_URL string
		Plaintext_Mode  bool

		Max_Attachment_Bytes         int
		Max_Raw_Size_For_Compression int
		Max_Image_Dimension_Px       int
		Max_Copy_Size_Bytes          int

		Stale_Peer_Interval_Seconds int
		Prune_Interval_Seconds      int

		History_Max_Entries int

		Key_Store_Path string
		Settings_Path  string
		History_Path   string
		Blob_Dir       string
	}
}

// Config is the resolved, typed configuration hypod wires its components
// from.
type Config struct {
	DeviceID       entry.DeviceId
	DeviceName     string
	DevicePlatform entry.DevicePlatform
	LANPort        int
	CloudRelayURL  string
	PlaintextMode  bool

	MaxAttachmentBytes       int
	MaxRawSizeForCompression int
	MaxImageDimensionPx      int
	MaxCopySizeBytes         int

	StalePeerInterval time.Duration
	PruneInterval     time.Duration

	HistoryMaxEntries int

	KeyStorePath string
	SettingsPath string
	HistoryPath  string
	BlobDir      string
}

// Default returns a Config with every size limit and discovery interval at
// its default, a fresh random device id, and local paths under dir.
func Default(dir string) Config {
	return Config{
		DeviceID:                 entry.NewDeviceId(),
		DeviceName:               "hypo-device",
		DevicePlatform:           entry.PlatformLinux,
		LANPort:                  lanserver.DefaultPort,
		MaxAttachmentBytes:       clipboard.DefaultMaxAttachmentBytes,
		MaxRawSizeForCompression: clipboard.DefaultMaxRawSizeForCompression,
		MaxImageDimensionPx:      clipboard.DefaultMaxImageDimensionPx,
		MaxCopySizeBytes:         clipboard.DefaultMaxCopySizeBytes,
		StalePeerInterval:        discovery.DefaultStalePeerInterval,
		PruneInterval:            discovery.DefaultPruneInterval,
		HistoryMaxEntries:        200,
		KeyStorePath:             filepath.Join(dir, "keystore.db"),
		SettingsPath:             filepath.Join(dir, "settings.db"),
		HistoryPath:              filepath.Join(dir, "history.db"),
		BlobDir:                  filepath.Join(dir, "blobs"),
	}
}

// Load reads path (if it exists) into a Config seeded with Default(dir),
// then applies HYPO_* environment overrides. A missing file is not an
// error: an agent can run purely off environment variables and defaults.
func Load(path, dir string) (Config, error) {
	cfg := Default(dir)

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if len(b) > maxConfigSize {
				return cfg, fmt.Errorf("config: %s exceeds %d bytes", path, maxConfigSize)
			}
			var fc fileConfig
			if err := gcfg.ReadStringInto(&fc, string(b)); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
			applyFile(&cfg, fc)
		case os.IsNotExist(err):
			// no file: defaults plus env overrides only
		default:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	g := fc.Global
	if g.Device_ID != "" {
		cfg.DeviceID = entry.NormalizeDeviceId(g.Device_ID)
	}
	if g.Device_Name != "" {
		cfg.DeviceName = g.Device_Name
	}
	if g.Device_Platform != "" {
		cfg.DevicePlatform = entry.DevicePlatform(g.Device_Platform)
	}
	if g.Lan_Port != 0 {
		cfg.LANPort = g.Lan_Port
	}
	if g.Cloud_Relay_URL != "" {
		cfg.CloudRelayURL = g.Cloud_Relay_URL
	}
	cfg.PlaintextMode = g.Plaintext_Mode

	if g.Max_Attachment_Bytes != 0 {
		cfg.MaxAttachmentBytes = g.Max_Attachment_Bytes
	}
	if g.Max_Raw_Size_For_Compression != 0 {
		cfg.MaxRawSizeForCompression = g.Max_Raw_Size_For_Compression
	}
	if g.Max_Image_Dimension_Px != 0 {
		cfg.MaxImageDimensionPx = g.Max_Image_Dimension_Px
	}
	if g.Max_Copy_Size_Bytes != 0 {
		cfg.MaxCopySizeBytes = g.Max_Copy_Size_Bytes
	}
	if g.Stale_Peer_Interval_Seconds != 0 {
		cfg.StalePeerInterval = time.Duration(g.Stale_Peer_Interval_Seconds) * time.Second
	}
	if g.Prune_Interval_Seconds != 0 {
		cfg.PruneInterval = time.Duration(g.Prune_Interval_Seconds) * time.Second
	}
	if g.History_Max_Entries != 0 {
		cfg.HistoryMaxEntries = g.History_Max_Entries
	}
	if g.Key_Store_Path != "" {
		cfg.KeyStorePath = g.Key_Store_Path
	}
	if g.Settings_Path != "" {
		cfg.SettingsPath = g.Settings_Path
	}
	if g.History_Path != "" {
		cfg.HistoryPath = g.History_Path
	}
	if g.Blob_Dir != "" {
		cfg.BlobDir = g.Blob_Dir
	}
}

// applyEnv overrides cfg from HYPO_* environment variables; an env var
// wins over both the file and the defaults whenever it is set.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("HYPO_DEVICE_ID"); ok && v != "" {
		cfg.DeviceID = entry.NormalizeDeviceId(v)
	}
	if v, ok := os.LookupEnv("HYPO_DEVICE_NAME"); ok && v != "" {
		cfg.DeviceName = v
	}
	if v, ok := os.LookupEnv("HYPO_DEVICE_PLATFORM"); ok && v != "" {
		cfg.DevicePlatform = entry.DevicePlatform(v)
	}
	if v, ok := os.LookupEnv("HYPO_LAN_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LANPort = n
		}
	}
	if v, ok := os.LookupEnv("HYPO_CLOUD_RELAY_URL"); ok && v != "" {
		cfg.CloudRelayURL = v
	}
	if v, ok := os.LookupEnv("HYPO_PLAINTEXT_MODE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PlaintextMode = b
		}
	}
	if v, ok := os.LookupEnv("HYPO_MAX_ATTACHMENT_BYTES"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttachmentBytes = n
		}
	}
	if v, ok := os.LookupEnv("HYPO_KEYSTORE_PATH"); ok && v != "" {
		cfg.KeyStorePath = v
	}
	if v, ok := os.LookupEnv("HYPO_SETTINGS_PATH"); ok && v != "" {
		cfg.SettingsPath = v
	}
	if v, ok := os.LookupEnv("HYPO_HISTORY_PATH"); ok && v != "" {
		cfg.HistoryPath = v
	}
	if v, ok := os.LookupEnv("HYPO_BLOB_DIR"); ok && v != "" {
		cfg.BlobDir = v
	}
}
