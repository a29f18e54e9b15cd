package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/callzhang/hypo/internal/entry"
)

func TestPersisterRoundTripOmitsBlobBytes(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenPersister(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	img := &entry.Image{PixelWidth: 10, PixelHeight: 20, ByteSize: 1234, Format: entry.ImagePNG, Bytes: []byte{1, 2, 3}, LocalPath: "/blobs/a.png"}
	rows := []entry.ClipboardEntry{
		mkEntry("hello", false, time.Now()),
		{Content: entry.NewImage(img), Timestamp: time.Now()},
	}
	// give the image row an id like Insert would
	rows[1].ID = rows[0].ID // distinct ids not required for this persistence test

	if err := p.Save(rows); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := p.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(loaded))
	}
	got := loaded[1].Content.Image
	if got == nil {
		t.Fatalf("expected image content to survive")
	}
	if len(got.Bytes) != 0 {
		t.Fatalf("expected raw image bytes to be omitted from persisted form")
	}
	if got.LocalPath != "/blobs/a.png" {
		t.Fatalf("expected local_path reference to survive, got %q", got.LocalPath)
	}
}

func TestStoreWithPersisterReloadsOnOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	p1, err := OpenPersister(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s1 := New(10, p1)
	s1.Insert(mkEntry("persisted", false, time.Now()))
	p1.Close()

	p2, err := OpenPersister(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	s2 := New(10, p2)
	all := s2.All()
	if len(all) != 1 || all[0].Content.Text != "persisted" {
		t.Fatalf("expected reloaded history to contain the persisted entry, got %+v", all)
	}
}
