package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/callzhang/hypo/internal/entry"
)

var (
	historyBucket = []byte("history")
	rowsKey       = []byte("rows")
)

// Persister serializes the entry list to bbolt, omitting large inline blobs
//: images/files keep only their LocalPath reference, never their raw
// bytes, in the persisted form.
type Persister struct {
	db *bolt.DB
}

func OpenPersister(path string) (*Persister, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init bucket: %w", err)
	}
	return &Persister{db: db}, nil
}

func (p *Persister) Close() error { return p.db.Close() }

// persistedEntry mirrors entry.ClipboardEntry but strips raw blob bytes.
type persistedEntry struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	DeviceID         string          `json:"device_id"`
	OriginPlatform   string          `json:"origin_platform,omitempty"`
	OriginDeviceName string          `json:"origin_device_name,omitempty"`
	ContentType      string          `json:"content_type"`
	Text             string          `json:"text,omitempty"`
	Link             string          `json:"link,omitempty"`
	Image            *persistedImage `json:"image,omitempty"`
	File             *persistedFile  `json:"file,omitempty"`
	IsPinned         bool            `json:"is_pinned"`
	IsEncrypted      bool            `json:"is_encrypted"`
	TransportOrigin  string          `json:"transport_origin,omitempty"`
}

type persistedImage struct {
	PixelWidth  int    `json:"pixel_width"`
	PixelHeight int    `json:"pixel_height"`
	ByteSize    int    `json:"byte_size"`
	Format      string `json:"format"`
	AltText     string `json:"alt_text,omitempty"`
	LocalPath   string `json:"local_path,omitempty"`
}

type persistedFile struct {
	Name      string `json:"name"`
	ByteSize  int    `json:"byte_size"`
	UTIOrMIME string `json:"uti_or_mime"`
	SourceURL string `json:"source_url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

func toPersisted(e entry.ClipboardEntry) persistedEntry {
	p := persistedEntry{
		ID:               e.ID.String(),
		Timestamp:        e.Timestamp,
		DeviceID:         string(e.DeviceID),
		OriginPlatform:   string(e.OriginPlatform),
		OriginDeviceName: e.OriginDeviceName,
		ContentType:      string(e.Content.Type),
		IsPinned:         e.IsPinned,
		IsEncrypted:      e.IsEncrypted,
		TransportOrigin:  string(e.TransportOrigin),
	}
	switch e.Content.Type {
	case entry.ContentText:
		p.Text = e.Content.Text
	case entry.ContentLink:
		p.Link = e.Content.Link
	case entry.ContentImage:
		if img := e.Content.Image; img != nil {
			p.Image = &persistedImage{
				PixelWidth: img.PixelWidth, PixelHeight: img.PixelHeight,
				ByteSize: img.ByteSize, Format: string(img.Format),
				AltText: img.AltText, LocalPath: img.LocalPath,
			}
		}
	case entry.ContentFile:
		if f := e.Content.File; f != nil {
			p.File = &persistedFile{
				Name: f.Name, ByteSize: f.ByteSize, UTIOrMIME: f.UTIOrMIME,
				SourceURL: f.SourceURL, LocalPath: f.LocalPath,
			}
		}
	}
	return p
}

func fromPersisted(p persistedEntry) (entry.ClipboardEntry, error) {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return entry.ClipboardEntry{}, err
	}
	e := entry.ClipboardEntry{
		ID:               id,
		Timestamp:        p.Timestamp,
		DeviceID:         entry.DeviceId(p.DeviceID),
		OriginPlatform:   entry.DevicePlatform(p.OriginPlatform),
		OriginDeviceName: p.OriginDeviceName,
		IsPinned:         p.IsPinned,
		IsEncrypted:      p.IsEncrypted,
		TransportOrigin:  entry.TransportOrigin(p.TransportOrigin),
	}
	switch entry.ContentType(p.ContentType) {
	case entry.ContentText:
		e.Content = entry.NewText(p.Text)
	case entry.ContentLink:
		e.Content = entry.NewLink(p.Link)
	case entry.ContentImage:
		if p.Image != nil {
			e.Content = entry.NewImage(&entry.Image{
				PixelWidth: p.Image.PixelWidth, PixelHeight: p.Image.PixelHeight,
				ByteSize: p.Image.ByteSize, Format: entry.ImageFormat(p.Image.Format),
				AltText: p.Image.AltText, LocalPath: p.Image.LocalPath,
			})
		}
	case entry.ContentFile:
		if p.File != nil {
			e.Content = entry.NewFile(&entry.File{
				Name: p.File.Name, ByteSize: p.File.ByteSize, UTIOrMIME: p.File.UTIOrMIME,
				SourceURL: p.File.SourceURL, LocalPath: p.File.LocalPath,
			})
		}
	}
	return e, nil
}

// Save overwrites the persisted row set.
func (p *Persister) Save(entries []entry.ClipboardEntry) error {
	rows := make([]persistedEntry, len(entries))
	for i, e := range entries {
		rows[i] = toPersisted(e)
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	return p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(historyBucket).Put(rowsKey, b)
	})
}

// Load reads the persisted row set back, if any.
func (p *Persister) Load() ([]entry.ClipboardEntry, error) {
	var raw []byte
	if err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(historyBucket).Get(rowsKey)
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rows []persistedEntry
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("history: unmarshal: %w", err)
	}
	out := make([]entry.ClipboardEntry, 0, len(rows))
	for _, r := range rows {
		e, err := fromPersisted(r)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
