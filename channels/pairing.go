package channels

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultPairingTTL bounds how long an issued pairing code stays redeemable.
const DefaultPairingTTL = time.Hour

// PairingGraceWindow is how old an inbound message may be and still trigger a
// pairing reply. Older messages are historical backlog and stay silent.
const PairingGraceWindow = 2 * time.Minute

// PairingRequest is one issued pairing challenge.
type PairingRequest struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id"`
	ID        string            `json:"id"`
	Code      string            `json:"code"`
	CreatedAt time.Time         `json:"created_at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// PairingStore issues pairing challenges and contributes redeemed senders to
// DM allowlists.
type PairingStore interface {
	// UpsertChannelPairingRequest returns the live code for (channel,
	// accountId, id), creating one when absent or expired. created reports
	// whether this call issued a new code; callers reply only on creation.
	UpsertChannelPairingRequest(ctx context.Context, req PairingRequest) (code string, created bool, err error)

	// ReadStoreAllowFromForDmPolicy lists senders redeemed for the channel
	// account.
	ReadStoreAllowFromForDmPolicy(ctx context.Context, channel, accountID string) ([]string, error)

	// RedeemPairingCode resolves a code back to its request and moves the
	// sender onto the store allowlist.
	RedeemPairingCode(ctx context.Context, channel, accountID, code string) (*PairingRequest, error)
}

// GeneratePairingCode returns a short unguessable code: 80 random bits,
// base32 without padding.
func GeneratePairingCode() (string, error) {
	var buf [10]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	return strings.ToUpper(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:])), nil
}

// WithinPairingGrace reports whether a message timestamp is recent enough to
// trigger a pairing reply. Zero timestamps are treated as current.
func WithinPairingGrace(messageAt, now time.Time) bool {
	if messageAt.IsZero() {
		return true
	}
	return now.Sub(messageAt) <= PairingGraceWindow
}

// MemoryPairingStore is the in-process PairingStore.
type MemoryPairingStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	requests map[string]*PairingRequest // keyed by channel|account|sender
	byCode   map[string]string          // code -> request key
	allowed  map[string][]string        // channel|account -> redeemed senders

	now func() time.Time
}

// NewMemoryPairingStore creates a pairing store with the default TTL.
func NewMemoryPairingStore() *MemoryPairingStore {
	return &MemoryPairingStore{
		ttl:      DefaultPairingTTL,
		requests: make(map[string]*PairingRequest),
		byCode:   make(map[string]string),
		allowed:  make(map[string][]string),
		now:      time.Now,
	}
}

// SetClockForTesting overrides the store clock.
func (s *MemoryPairingStore) SetClockForTesting(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func pairingKey(channel, accountID, senderID string) string {
	return strings.ToLower(channel) + "|" + strings.ToLower(accountID) + "|" + strings.ToLower(senderID)
}

func accountKey(channel, accountID string) string {
	return strings.ToLower(channel) + "|" + strings.ToLower(accountID)
}

// UpsertChannelPairingRequest returns the live code for the sender, creating
// one when absent or expired.
func (s *MemoryPairingStore) UpsertChannelPairingRequest(ctx context.Context, req PairingRequest) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairingKey(req.Channel, req.AccountID, req.ID)
	now := s.now()

	if existing, ok := s.requests[key]; ok {
		if now.Sub(existing.CreatedAt) < s.ttl {
			return existing.Code, false, nil
		}
		delete(s.byCode, existing.Code)
		delete(s.requests, key)
	}

	code, err := s.generateUniqueCode()
	if err != nil {
		return "", false, err
	}

	issued := &PairingRequest{
		Channel:   req.Channel,
		AccountID: req.AccountID,
		ID:        req.ID,
		Code:      code,
		CreatedAt: now,
		Meta:      req.Meta,
	}
	s.requests[key] = issued
	s.byCode[code] = key
	return code, true, nil
}

// generateUniqueCode regenerates on collision with a live code. Caller holds
// s.mu.
func (s *MemoryPairingStore) generateUniqueCode() (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := GeneratePairingCode()
		if err != nil {
			return "", err
		}
		if _, collides := s.byCode[code]; !collides {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique pairing code")
}

// ReadStoreAllowFromForDmPolicy lists redeemed senders for the account.
func (s *MemoryPairingStore) ReadStoreAllowFromForDmPolicy(ctx context.Context, channel, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.allowed[accountKey(channel, accountID)]...), nil
}

// RedeemPairingCode resolves a live code and allowlists its sender.
func (s *MemoryPairingStore) RedeemPairingCode(ctx context.Context, channel, accountID, code string) (*PairingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = strings.ToUpper(strings.TrimSpace(code))
	key, ok := s.byCode[code]
	if !ok {
		return nil, fmt.Errorf("unknown pairing code")
	}

	req := s.requests[key]
	if req == nil || req.Channel != channel || !strings.EqualFold(req.AccountID, accountID) {
		return nil, fmt.Errorf("unknown pairing code")
	}
	if s.now().Sub(req.CreatedAt) >= s.ttl {
		delete(s.byCode, code)
		delete(s.requests, key)
		return nil, fmt.Errorf("pairing code expired")
	}

	delete(s.byCode, code)
	delete(s.requests, key)

	account := accountKey(channel, accountID)
	s.allowed[account] = append(s.allowed[account], req.ID)

	redeemed := *req
	return &redeemed, nil
}
