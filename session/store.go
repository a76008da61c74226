package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MutateFunc observes the committed entry (nil when absent) and returns the
// next entry. Returning nil deletes the record.
type MutateFunc func(current *Entry) (*Entry, error)

// Store is the persisted session store. Implementations serialize writes per
// session key; the mutate closure always observes committed state and partial
// updates are never observable.
type Store interface {
	// Read returns the entry for the key, or nil when absent.
	Read(sessionKey string) (*Entry, error)

	// Upsert atomically mutates the entry for the key.
	// The returned entry is the committed result (nil after a delete).
	Upsert(sessionKey string, mutate MutateFunc) (*Entry, error)

	// List returns all entries, sorted by key for deterministic iteration.
	List() ([]*Entry, error)
}

// MemoryStore is an in-memory Store. It is the test double and the backing
// for ephemeral processes; FileStore layers persistence on the same logic.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Read returns a copy of the entry for the key, or nil.
func (s *MemoryStore) Read(sessionKey string) (*Entry, error) {
	key := NormalizeKey(sessionKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[key]
	if entry == nil {
		return nil, nil
	}
	if entry.Acp != nil {
		entry.Acp.migrateLegacyIdentity()
	}
	return entry.Clone(), nil
}

// Upsert atomically mutates the entry for the key under the store lock.
func (s *MemoryStore) Upsert(sessionKey string, mutate MutateFunc) (*Entry, error) {
	key := NormalizeKey(sessionKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Entry
	if existing := s.entries[key]; existing != nil {
		if existing.Acp != nil {
			existing.Acp.migrateLegacyIdentity()
		}
		current = existing.Clone()
	}

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}

	if next == nil {
		delete(s.entries, key)
		return nil, nil
	}

	next.Key = key
	if next.SessionID == "" {
		next.SessionID = uuid.New().String()
	}
	next.UpdatedAt = time.Now().UnixMilli()
	s.entries[key] = next.Clone()
	return next.Clone(), nil
}

// List returns copies of all entries sorted by key.
func (s *MemoryStore) List() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		entry := s.entries[key]
		if entry.Acp != nil {
			entry.Acp.migrateLegacyIdentity()
		}
		entries = append(entries, entry.Clone())
	}
	return entries, nil
}
