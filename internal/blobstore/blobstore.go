// Package blobstore defines the BlobStore collaborator interface, injected
// through constructors rather than reached via a process-wide
// storage-manager singleton. It also ships a minimal filesystem-backed
// default so the core runs standalone in tests and examples; a host app
// may supply a richer implementation.
package blobstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// BlobStore persists large attachment bytes to durable storage, returning a
// local_path a ClipboardEntry can reference instead of carrying inline
// bytes.
type BlobStore interface {
	// Write persists data under a store-chosen name derived from id and
	// returns the path to reference from entry.Image.LocalPath /
	// entry.File.LocalPath.
	Write(id string, data []byte) (path string, err error)
	Read(path string) ([]byte, error)
	Remove(path string) error
}

// FSBlobStore is the default BlobStore: one file per blob under a root
// directory, written atomically via temp+rename so a crash mid-write never
// leaves a torn blob behind.
type FSBlobStore struct {
	root string
}

func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) Write(id string, data []byte) (string, error) {
	path := filepath.Join(s.root, id)
	if err := renameio.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("blobstore: write %s: %w", id, err)
	}
	return path, nil
}

func (s *FSBlobStore) Read(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (s *FSBlobStore) Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
