package channels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw/session"
)

// BindingConversation identifies a channel conversation.
type BindingConversation struct {
	Channel        string `json:"channel"`
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
}

// BindingRecord binds a channel conversation to an ACP session key. Messages
// arriving on a bound conversation route to that session instead of the
// agent's main session.
type BindingRecord struct {
	ID               string              `json:"id"`
	TargetSessionKey string              `json:"target_session_key"`
	Conversation     BindingConversation `json:"conversation"`
	Label            string              `json:"label,omitempty"`
	BoundBy          string              `json:"bound_by,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	ExpiresAt        *time.Time          `json:"expires_at,omitempty"`
}

func (r *BindingRecord) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// BindingStorage persists binding records.
type BindingStorage interface {
	Load() ([]*BindingRecord, error)
	Save(record *BindingRecord) error
	Delete(bindingID string) error
}

// JSONBindingStorage is a JSON-file BindingStorage.
type JSONBindingStorage struct {
	mu       sync.Mutex
	filePath string
}

// NewJSONBindingStorage creates a storage file under dataDir.
func NewJSONBindingStorage(dataDir string) (*JSONBindingStorage, error) {
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, "bindings.json")
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := os.WriteFile(filePath, []byte("[]"), 0o644); err != nil {
			return nil, fmt.Errorf("could not create binding storage: %w", err)
		}
	}
	return &JSONBindingStorage{filePath: filePath}, nil
}

func (s *JSONBindingStorage) Load() ([]*BindingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *JSONBindingStorage) Save(record *BindingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}

	replaced := false
	for i, existing := range records {
		if existing.ID == record.ID {
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}
	return s.saveLocked(records)
}

func (s *JSONBindingStorage) Delete(bindingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadLocked()
	if err != nil {
		return err
	}

	kept := records[:0]
	for _, record := range records {
		if record.ID != bindingID {
			kept = append(kept, record)
		}
	}
	if len(kept) == len(records) {
		return fmt.Errorf("binding not found: %s", bindingID)
	}
	return s.saveLocked(kept)
}

func (s *JSONBindingStorage) loadLocked() ([]*BindingRecord, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, fmt.Errorf("could not read binding storage: %w", err)
	}
	var records []*BindingRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("could not parse binding storage: %w", err)
	}
	return records, nil
}

func (s *JSONBindingStorage) saveLocked(records []*BindingRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal bindings: %w", err)
	}
	if err := os.WriteFile(s.filePath, data, 0o644); err != nil {
		return fmt.Errorf("could not write binding storage: %w", err)
	}
	return nil
}

// BindingService indexes conversation bindings and acts as the session
// router for the inbound dispatcher.
type BindingService struct {
	mu           sync.RWMutex
	byID         map[string]*BindingRecord
	byConvo      map[string]*BindingRecord
	storage      BindingStorage
	defaultAgent string
	now          func() time.Time
}

// NewBindingService creates a service routing unbound conversations to the
// default agent's main session. storage may be nil for in-memory operation.
func NewBindingService(defaultAgent string, storage BindingStorage) (*BindingService, error) {
	if defaultAgent == "" {
		defaultAgent = "main"
	}
	svc := &BindingService{
		byID:         make(map[string]*BindingRecord),
		byConvo:      make(map[string]*BindingRecord),
		storage:      storage,
		defaultAgent: defaultAgent,
		now:          time.Now,
	}

	if storage != nil {
		records, err := storage.Load()
		if err != nil {
			return nil, err
		}
		now := svc.now()
		for _, record := range records {
			if record.expired(now) {
				continue
			}
			svc.byID[record.ID] = record
			svc.byConvo[conversationKey(record.Conversation)] = record
		}
	}
	return svc, nil
}

func conversationKey(c BindingConversation) string {
	return strings.ToLower(c.Channel) + "|" + strings.ToLower(c.AccountID) + "|" + c.ConversationID
}

// BindInput parameterizes Bind.
type BindInput struct {
	TargetSessionKey string
	Conversation     BindingConversation
	Label            string
	BoundBy          string
	TTL              time.Duration
}

// Bind creates a binding. A conversation holds at most one live binding.
func (s *BindingService) Bind(input BindInput) (*BindingRecord, error) {
	if input.TargetSessionKey == "" {
		return nil, fmt.Errorf("target session key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationKey(input.Conversation)
	if existing, ok := s.byConvo[key]; ok && !existing.expired(s.now()) {
		return existing, fmt.Errorf("conversation is already bound to %s", existing.TargetSessionKey)
	}

	record := &BindingRecord{
		ID:               uuid.New().String(),
		TargetSessionKey: session.NormalizeKey(input.TargetSessionKey),
		Conversation:     input.Conversation,
		Label:            input.Label,
		BoundBy:          input.BoundBy,
		CreatedAt:        s.now(),
	}
	if input.TTL > 0 {
		expires := record.CreatedAt.Add(input.TTL)
		record.ExpiresAt = &expires
	}

	s.byID[record.ID] = record
	s.byConvo[key] = record
	if s.storage != nil {
		if err := s.storage.Save(record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// Unbind removes a binding by id.
func (s *BindingService) Unbind(bindingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[bindingID]
	if !ok {
		return fmt.Errorf("binding not found: %s", bindingID)
	}
	delete(s.byID, bindingID)
	delete(s.byConvo, conversationKey(record.Conversation))
	if s.storage != nil {
		return s.storage.Delete(bindingID)
	}
	return nil
}

// Lookup returns the live binding for a conversation, if any.
func (s *BindingService) Lookup(channel, accountID, conversationID string) *BindingRecord {
	s.mu.RLock()
	record := s.byConvo[conversationKey(BindingConversation{
		Channel:        channel,
		AccountID:      accountID,
		ConversationID: conversationID,
	})]
	s.mu.RUnlock()

	if record == nil || record.expired(s.now()) {
		return nil
	}
	return record
}

// List returns all live bindings.
func (s *BindingService) List() []*BindingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]*BindingRecord, 0, len(s.byID))
	for _, record := range s.byID {
		if !record.expired(now) {
			out = append(out, record)
		}
	}
	return out
}

// RouteSessionKey maps a conversation to its session key: the bound ACP
// session when a live binding exists, else the default agent's main session.
func (s *BindingService) RouteSessionKey(channel, accountID, conversationID string) string {
	if record := s.Lookup(channel, accountID, conversationID); record != nil {
		return record.TargetSessionKey
	}
	return session.MainKey(s.defaultAgent)
}

// CleanupExpired drops expired bindings from memory and storage, returning
// the number removed.
func (s *BindingService) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, record := range s.byID {
		if !record.expired(now) {
			continue
		}
		delete(s.byID, id)
		delete(s.byConvo, conversationKey(record.Conversation))
		if s.storage != nil {
			_ = s.storage.Delete(id)
		}
		removed++
	}
	return removed
}
