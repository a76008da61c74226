package channels

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultHistoryLimit caps pending history per conversation when a channel
// configures none.
const DefaultHistoryLimit = 20

// HistoryEntry is one gated-out group message kept as context.
type HistoryEntry struct {
	Sender    string
	Body      string
	Timestamp time.Time
	MessageID string
}

// HistoryAggregator keeps a bounded list of gated-out messages per group
// conversation. On the next allowed message they are replayed as context and
// the list is cleared.
type HistoryAggregator struct {
	mu             sync.Mutex
	limit          int
	byConversation map[string][]HistoryEntry
}

// NewHistoryAggregator creates an aggregator with the given per-conversation
// cap. Zero selects the default.
func NewHistoryAggregator(limit int) *HistoryAggregator {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryAggregator{
		limit:          limit,
		byConversation: make(map[string][]HistoryEntry),
	}
}

// Record appends a gated-out message, dropping the oldest entries over the
// default cap.
func (h *HistoryAggregator) Record(conversationKey string, entry HistoryEntry) {
	h.RecordCapped(conversationKey, entry, 0)
}

// RecordCapped appends with a per-conversation cap override. A non-positive
// limit uses the aggregator's default.
func (h *HistoryAggregator) RecordCapped(conversationKey string, entry HistoryEntry, limit int) {
	if limit <= 0 {
		limit = h.limit
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.byConversation[conversationKey], entry)
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	h.byConversation[conversationKey] = entries
}

// Len returns the number of pending entries for a conversation.
func (h *HistoryAggregator) Len(conversationKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byConversation[conversationKey])
}

// Drain removes and returns the pending entries for a conversation.
func (h *HistoryAggregator) Drain(conversationKey string) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.byConversation[conversationKey]
	delete(h.byConversation, conversationKey)
	return entries
}

// BuildEnvelope formats drained history entries ahead of the current message
// into a single prompt envelope.
func BuildEnvelope(history []HistoryEntry, currentSender, currentText string) string {
	if len(history) == 0 {
		return formatEnvelopeLine(currentSender, currentText)
	}

	var b strings.Builder
	b.WriteString("[Chat messages since your last reply]\n")
	for _, entry := range history {
		b.WriteString(formatEnvelopeLine(entry.Sender, entry.Body))
		b.WriteByte('\n')
	}
	b.WriteString("[Current message]\n")
	b.WriteString(formatEnvelopeLine(currentSender, currentText))
	return b.String()
}

func formatEnvelopeLine(sender, body string) string {
	if sender == "" {
		return body
	}
	return fmt.Sprintf("%s: %s", sender, body)
}
