// Package settings is the bbolt-backed store for the agent's persisted
// state, except the symmetric keys themselves (those live in
// internal/keystore): paired devices, transport preference, the discovery
// cache, and the displayed (not wire) encryption key summary.
package settings

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/callzhang/hypo/internal/entry"
)

var (
	bucketPairedDevices  = []byte("paired_devices")
	bucketTransportPref  = []byte("transport_preference")
	bucketDiscoveryCache = []byte("discovery_cache")
	bucketKeySummary     = []byte("key_summary")

	allBuckets = [][]byte{bucketPairedDevices, bucketTransportPref, bucketDiscoveryCache, bucketKeySummary}
)

// PairedDevice is the persisted peer record.
type PairedDevice struct {
	ID          entry.DeviceId
	Name        string
	Platform    entry.DevicePlatform
	LastSeen    time.Time
	IsOnline    bool
	ServiceName string
	LANHost     string
	LANPort     uint16
	Fingerprint string
}

type Store struct {
	mtx sync.Mutex
	db  *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("settings: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("settings: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Paired devices ---

func (s *Store) PutPairedDevice(d PairedDevice) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	id := entry.NormalizeDeviceId(string(d.ID))
	d.ID = id
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPairedDevices).Put([]byte(id), b)
	})
}

func (s *Store) GetPairedDevice(id entry.DeviceId) (PairedDevice, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	nid := entry.NormalizeDeviceId(string(id))
	var d PairedDevice
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPairedDevices).Get([]byte(nid))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &d)
	})
	return d, found, err
}

func (s *Store) ListPairedDevices() ([]PairedDevice, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []PairedDevice
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPairedDevices).ForEach(func(_, v []byte) error {
			var d PairedDevice
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	return out, err
}

// SetOnline updates a paired device's runtime-observable is_online flag
// and, when transitioning online, refreshes last_seen, keeping it
// monotonic non-decreasing per id. Unknown ids are a no-op: the connection
// prober recomputes status for every discovered id, not just paired ones.
func (s *Store) SetOnline(id entry.DeviceId, online bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	nid := entry.NormalizeDeviceId(string(id))
	var d PairedDevice
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPairedDevices).Get([]byte(nid))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &d)
	})
	if !found {
		return
	}
	d.IsOnline = online
	if online {
		now := time.Now().UTC()
		if now.After(d.LastSeen) {
			d.LastSeen = now
		}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return
	}
	_ = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPairedDevices).Put([]byte(nid), b)
	})
}

func (s *Store) RemovePairedDevice(id entry.DeviceId) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	nid := entry.NormalizeDeviceId(string(id))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPairedDevices).Delete([]byte(nid))
	})
}

// --- Transport preference ---

// TransportPreference selects lan_first (try LAN, fall back to cloud) vs
// cloud_only.
type TransportPreference string

const (
	PreferLANFirst  TransportPreference = "lan_first"
	PreferCloudOnly TransportPreference = "cloud_only"
)

var transportPrefKey = []byte("preference")

func (s *Store) SetTransportPreference(p TransportPreference) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransportPref).Put(transportPrefKey, []byte(p))
	})
}

func (s *Store) TransportPreference() (TransportPreference, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var p TransportPreference = PreferLANFirst
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTransportPref).Get(transportPrefKey)
		if v != nil {
			p = TransportPreference(v)
		}
		return nil
	})
	return p, err
}

// --- Discovery cache (service_name -> last_seen epoch seconds) ---

func (s *Store) PutDiscoveryCacheEntry(serviceName string, lastSeen time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDiscoveryCache).Put([]byte(serviceName), []byte(fmt.Sprintf("%d", lastSeen.Unix())))
	})
}

func (s *Store) DiscoveryCache() (map[string]time.Time, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make(map[string]time.Time)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDiscoveryCache).ForEach(func(k, v []byte) error {
			var epoch int64
			fmt.Sscanf(string(v), "%d", &epoch)
			out[string(k)] = time.Unix(epoch, 0)
			return nil
		})
	})
	return out, err
}

// SetLastSeen and LastSeen satisfy internal/discovery.Cache, letting a
// Store back the discovery peer warm-start cache directly.
func (s *Store) SetLastSeen(serviceName string, t time.Time) error {
	return s.PutDiscoveryCacheEntry(serviceName, t)
}

func (s *Store) LastSeen() (map[string]time.Time, error) {
	return s.DiscoveryCache()
}

// --- Encryption key summary (displayed only, never sent) ---

func (s *Store) PutKeySummary(deviceID entry.DeviceId, fingerprint string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	nid := entry.NormalizeDeviceId(string(deviceID))
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeySummary).Put([]byte(nid), []byte(fingerprint))
	})
}

func (s *Store) KeySummary(deviceID entry.DeviceId) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	nid := entry.NormalizeDeviceId(string(deviceID))
	var fp string
	err := s.db.View(func(tx *bolt.Tx) error {
		fp = string(tx.Bucket(bucketKeySummary).Get([]byte(nid)))
		return nil
	})
	return fp, err
}
