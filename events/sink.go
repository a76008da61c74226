// Package events publishes user-visible system activity entries.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/logger"
)

// SystemEventKeys scope a system event to a session and an idempotency
// context. Two enqueues with the same text and keys publish once.
type SystemEventKeys struct {
	SessionKey string
	ContextKey string
}

// SystemEvent is one published activity entry.
type SystemEvent struct {
	Text       string    `json:"text"`
	SessionKey string    `json:"session_key,omitempty"`
	ContextKey string    `json:"context_key,omitempty"`
	At         time.Time `json:"at"`
}

// Subscriber receives published events.
type Subscriber func(event SystemEvent)

// Sink deduplicates and fans out system events.
type Sink struct {
	mu          sync.Mutex
	seen        map[string]struct{}
	subscribers []Subscriber
	log         *logger.FieldLogger
	now         func() time.Time
}

// NewSink creates an empty sink.
func NewSink() *Sink {
	return &Sink{
		seen: make(map[string]struct{}),
		log:  logger.Module("events"),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber for future events.
func (s *Sink) Subscribe(fn Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// EnqueueSystemEvent publishes one activity entry. Repeat calls with the same
// text and keys are no-ops; the first call returns true.
func (s *Sink) EnqueueSystemEvent(text string, keys SystemEventKeys) bool {
	if text == "" {
		return false
	}

	idempotencyKey := keys.SessionKey + "|" + keys.ContextKey + "|" + text

	s.mu.Lock()
	if _, dup := s.seen[idempotencyKey]; dup {
		s.mu.Unlock()
		return false
	}
	s.seen[idempotencyKey] = struct{}{}
	subscribers := append([]Subscriber(nil), s.subscribers...)
	event := SystemEvent{
		Text:       text,
		SessionKey: keys.SessionKey,
		ContextKey: keys.ContextKey,
		At:         s.now(),
	}
	s.mu.Unlock()

	s.log.Info("system event",
		zap.String("session_key", keys.SessionKey),
		zap.String("context_key", keys.ContextKey),
		zap.String("text", text))

	for _, fn := range subscribers {
		fn(event)
	}
	return true
}
