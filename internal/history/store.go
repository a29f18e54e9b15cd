// Package history implements the clipboard history store: an ordered,
// deduplicated, pin-aware ring buffer with bbolt persistence, kept behind
// a single serializing lock.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callzhang/hypo/internal/entry"
)

const DefaultMaxEntries = 200

// Store is the single-writer, in-memory + persisted clipboard history.
// Every public method takes the internal mutex; callers may invoke it from
// any goroutine without holding other components' locks.
type Store struct {
	mtx     sync.Mutex
	entries []entry.ClipboardEntry
	max     int
	persist *Persister // nil if persistence is disabled (e.g. tests)
}

func New(maxEntries int, persist *Persister) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	s := &Store{max: maxEntries, persist: persist}
	if persist != nil {
		if rows, err := persist.Load(); err == nil {
			s.entries = rows
		}
	}
	return s
}

// Insert applies the dedup semantics: a matching existing entry is
// moved to the top (timestamp refreshed, pin preserved) instead of being
// duplicated; otherwise the new entry is appended, the list re-sorted, and
// trimmed. Returns the row the insert produced (either the moved-up
// existing row or the freshly appended one); it is the top of history
// unless pinned rows sort above it.
func (s *Store) Insert(e entry.ClipboardEntry) entry.ClipboardEntry {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if e.ID == (uuid.UUID{}) {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	for i := range s.entries {
		if s.entries[i].Matches(e) {
			s.entries[i].Timestamp = time.Now().UTC()
			// is_pinned of the existing row is preserved; only the
			// origin metadata may usefully refresh.
			s.entries[i].DeviceID = e.DeviceID
			s.entries[i].TransportOrigin = e.TransportOrigin
			result := s.entries[i]
			s.sortLocked()
			s.persistLocked()
			return result
		}
	}

	s.entries = append(s.entries, e)
	s.sortLocked()
	s.trimLocked()
	s.persistLocked()
	return e
}

// sortLocked enforces (is_pinned desc, timestamp desc).
func (s *Store) sortLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].IsPinned != s.entries[j].IsPinned {
			return s.entries[i].IsPinned
		}
		return s.entries[i].Timestamp.After(s.entries[j].Timestamp)
	})
}

// trimLocked implements the strict trim rule:
// pinned entries are never evicted to satisfy max_entries, but the next
// unpinned insert still drops the oldest unpinned entry first once the
// unpinned portion alone would exceed max_entries-pinned_count.
func (s *Store) trimLocked() {
	pinned := 0
	for _, e := range s.entries {
		if e.IsPinned {
			pinned++
		}
	}
	capUnpinned := s.max - pinned
	if capUnpinned < 0 {
		capUnpinned = 0
	}
	// entries is sorted pinned-first, then by recency; walk from the front
	// keeping the first (most recent) capUnpinned unpinned entries and
	// dropping the rest.
	keepUnpinned := 0
	out := make([]entry.ClipboardEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.IsPinned {
			out = append(out, e)
			continue
		}
		if keepUnpinned < capUnpinned {
			out = append(out, e)
			keepUnpinned++
		}
	}
	s.entries = out
}

func (s *Store) persistLocked() {
	if s.persist == nil {
		return
	}
	_ = s.persist.Save(s.entries)
}

// All returns a snapshot of the current history, already in display order.
func (s *Store) All() []entry.ClipboardEntry {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]entry.ClipboardEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) GetByID(id uuid.UUID) (entry.ClipboardEntry, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, true
		}
	}
	return entry.ClipboardEntry{}, false
}

func (s *Store) Remove(id uuid.UUID) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.persistLocked()
			return true
		}
	}
	return false
}

func (s *Store) Clear() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.entries = nil
	s.persistLocked()
}

// UpdatePin toggles the pin state of id and re-sorts/trims accordingly.
func (s *Store) UpdatePin(id uuid.UUID, pinned bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].IsPinned = pinned
			s.sortLocked()
			s.trimLocked()
			s.persistLocked()
			return true
		}
	}
	return false
}

// UpdateLimit changes max_entries and re-trims immediately.
func (s *Store) UpdateLimit(max int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if max <= 0 {
		max = DefaultMaxEntries
	}
	s.max = max
	s.trimLocked()
	s.persistLocked()
}
