package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore is a JSON-file backed Store. The whole map is rewritten on every
// upsert via a temp file and rename, so a crashed write never leaves a
// half-written store behind.
type FileStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
}

// NewFileStore opens (or creates) the store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		entries: make(map[string]*Entry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read session store: %w", err)
	}

	if len(data) == 0 {
		return nil
	}

	var raw map[string]*Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse session store %s: %w", s.path, err)
	}

	for key, entry := range raw {
		if entry == nil {
			continue
		}
		entry.Key = NormalizeKey(key)
		if entry.Acp != nil {
			entry.Acp.migrateLegacyIdentity()
		}
		s.entries[entry.Key] = entry
	}
	return nil
}

// persist writes the full map atomically. Caller holds s.mu.
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session store: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close session store: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace session store: %w", err)
	}
	return nil
}

// Read returns a copy of the entry for the key, or nil.
func (s *FileStore) Read(sessionKey string) (*Entry, error) {
	key := NormalizeKey(sessionKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entries[key]
	if entry == nil {
		return nil, nil
	}
	return entry.Clone(), nil
}

// Upsert atomically mutates and persists the entry for the key. When the
// persist fails, the in-memory state is rolled back so the mutate closure of
// the next call still observes the committed state.
func (s *FileStore) Upsert(sessionKey string, mutate MutateFunc) (*Entry, error) {
	key := NormalizeKey(sessionKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	var current *Entry
	prev, existed := s.entries[key]
	if existed {
		current = prev.Clone()
	}

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}

	if next == nil {
		if !existed {
			return nil, nil
		}
		delete(s.entries, key)
		if err := s.persist(); err != nil {
			s.entries[key] = prev
			return nil, err
		}
		return nil, nil
	}

	next.Key = key
	if next.SessionID == "" {
		next.SessionID = uuid.New().String()
	}
	next.UpdatedAt = time.Now().UnixMilli()
	s.entries[key] = next.Clone()

	if err := s.persist(); err != nil {
		if existed {
			s.entries[key] = prev
		} else {
			delete(s.entries, key)
		}
		return nil, err
	}
	return next.Clone(), nil
}

// List returns copies of all entries sorted by key.
func (s *FileStore) List() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, s.entries[key].Clone())
	}
	return entries, nil
}
