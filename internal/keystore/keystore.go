// Package keystore persists per-peer symmetric keys in a single
// go.etcd.io/bbolt bucket, with a gofrs/flock file lock guaranteeing
// single-writer access across processes.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"github.com/callzhang/hypo/internal/cryptoutil"
	"github.com/callzhang/hypo/internal/entry"
)

var bucketName = []byte("keys")

// MissingKeyError is KeyError::missing_key(device_id).
type MissingKeyError struct {
	DeviceID entry.DeviceId
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("keystore: no key for device %s", e.DeviceID)
}

var ErrBadKeyLength = errors.New("keystore: stored key has wrong length")

const dbOpenMode os.FileMode = 0600
const flockTimeout = 2 * time.Second

// Store maps device_id -> 32-byte symmetric key, case-folded, with at most
// one key per peer.
type Store struct {
	mtx  sync.Mutex
	db   *bolt.DB
	lock *flock.Flock
}

// Open opens (creating if absent) the bbolt-backed key store at path,
// acquiring an exclusive file lock so a second process never interleaves
// writes with this one.
func Open(path string) (*Store, error) {
	lockPath := path + ".lock"
	lk := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), flockTimeout)
	defer cancel()
	locked, err := lk.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("keystore: acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("keystore: %s is locked by another process", path)
	}
	db, err := bolt.Open(path, dbOpenMode, &bolt.Options{Timeout: flockTimeout})
	if err != nil {
		lk.Unlock()
		return nil, fmt.Errorf("keystore: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		lk.Unlock()
		return nil, fmt.Errorf("keystore: init bucket: %w", err)
	}
	return &Store{db: db, lock: lk}, nil
}

func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	err := s.db.Close()
	s.lock.Unlock()
	return err
}

// Store persists key under the case-folded device id. key must be exactly
// cryptoutil.KeySize bytes.
func (s *Store) Store(deviceID entry.DeviceId, key []byte) error {
	if len(key) != cryptoutil.KeySize {
		return ErrBadKeyLength
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	id := entry.NormalizeDeviceId(string(deviceID))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		cp := make([]byte, len(key))
		copy(cp, key)
		return b.Put([]byte(id), cp)
	})
}

// Load returns the key for deviceID, or a *MissingKeyError if none is
// stored.
func (s *Store) Load(deviceID entry.DeviceId) ([]byte, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	id := entry.NormalizeDeviceId(string(deviceID))
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		v := b.Get([]byte(id))
		if v == nil {
			return &MissingKeyError{DeviceID: id}
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Has(deviceID entry.DeviceId) bool {
	_, err := s.Load(deviceID)
	return err == nil
}

func (s *Store) Delete(deviceID entry.DeviceId) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	id := entry.NormalizeDeviceId(string(deviceID))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(id))
	})
}

// List returns every device id with a stored key.
func (s *Store) List() ([]entry.DeviceId, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var ids []entry.DeviceId
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			ids = append(ids, entry.DeviceId(k))
			return nil
		})
	})
	return ids, err
}
