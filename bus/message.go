package bus

import (
	"encoding/json"
	"strings"
	"time"
)

// InboundMessage is the normalized inbound frame every transport adapter
// produces. Downstream stages never see transport-specific payloads.
type InboundMessage struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	Surface        string    `json:"surface,omitempty"`
	AccountID      string    `json:"account_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name,omitempty"`
	ConversationID string    `json:"conversation_id"`
	IsGroup        bool      `json:"is_group"`
	ThreadID       string    `json:"thread_id,omitempty"`
	MessageID      string    `json:"message_id"`
	Text           string    `json:"text"`
	MediaRefs      []string  `json:"media_refs,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ReplyToID      string    `json:"reply_to_id,omitempty"`

	// Reaction is set when the frame is a reaction rather than a message.
	Reaction *ReactionRecord `json:"reaction,omitempty"`

	// CombinedMessageIDs carries every original message id when the
	// debouncer merged multiple frames into this one.
	CombinedMessageIDs []string `json:"combined_message_ids,omitempty"`
}

// ConversationKey identifies the conversation for debounce and history
// bookkeeping.
func (m *InboundMessage) ConversationKey() string {
	return m.Provider + ":" + m.AccountID + ":" + m.ConversationID
}

// DedupeKey identifies the frame for at-most-once processing.
func (m *InboundMessage) DedupeKey() string {
	return m.Provider + ":" + m.AccountID + ":" + m.MessageID
}

// DedupeKeys returns one dedupe key per original message id, so every
// fragment of a debounce-merged frame is covered.
func (m *InboundMessage) DedupeKeys() []string {
	ids := m.MessageIDs()
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, m.Provider+":"+m.AccountID+":"+id)
	}
	return keys
}

// MessageIDs returns the combined id list, falling back to the single id.
func (m *InboundMessage) MessageIDs() []string {
	if len(m.CombinedMessageIDs) > 0 {
		return m.CombinedMessageIDs
	}
	if m.MessageID == "" {
		return nil
	}
	return []string{m.MessageID}
}

// ReactionRecord is the normalized reaction shape. Transports deliver
// reactions either as a bare emoji string or as a structured record; both
// collapse into this at the transport boundary.
type ReactionRecord struct {
	Emoji           string `json:"emoji"`
	TargetMessageID string `json:"target_message_id,omitempty"`
	Removed         bool   `json:"removed,omitempty"`
}

// NormalizeReaction converts a duck-typed transport reaction payload into a
// ReactionRecord. Accepts a plain string, a ReactionRecord, or a JSON object
// with emoji/targetMessageId/removed fields. Returns nil for empty input.
func NormalizeReaction(raw any) *ReactionRecord {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return &ReactionRecord{Emoji: trimmed}
	case ReactionRecord:
		if v.Emoji == "" {
			return nil
		}
		clone := v
		return &clone
	case *ReactionRecord:
		if v == nil || v.Emoji == "" {
			return nil
		}
		clone := *v
		return &clone
	case map[string]any:
		record := &ReactionRecord{}
		if emoji, ok := v["emoji"].(string); ok {
			record.Emoji = strings.TrimSpace(emoji)
		}
		if target, ok := v["targetMessageId"].(string); ok {
			record.TargetMessageID = target
		} else if target, ok := v["target_message_id"].(string); ok {
			record.TargetMessageID = target
		}
		if removed, ok := v["removed"].(bool); ok {
			record.Removed = removed
		}
		if record.Emoji == "" {
			return nil
		}
		return record
	case json.RawMessage:
		var asString string
		if json.Unmarshal(v, &asString) == nil {
			return NormalizeReaction(asString)
		}
		var asMap map[string]any
		if json.Unmarshal(v, &asMap) == nil {
			return NormalizeReaction(asMap)
		}
		return nil
	default:
		return nil
	}
}

// Reply kinds for OutboundMessage.Kind.
const (
	ReplyKindTool  = "tool"
	ReplyKindBlock = "block"
	ReplyKindFinal = "final"
)

// ReplyPayload is one outbound reply unit.
type ReplyPayload struct {
	Text         string   `json:"text,omitempty"`
	MediaURL     string   `json:"media_url,omitempty"`
	MediaURLs    []string `json:"media_urls,omitempty"`
	IsReasoning  bool     `json:"is_reasoning,omitempty"`
	AudioAsVoice bool     `json:"audio_as_voice,omitempty"`
}

// AllMediaURLs flattens MediaURL and MediaURLs preserving order.
func (p *ReplyPayload) AllMediaURLs() []string {
	var urls []string
	if p.MediaURL != "" {
		urls = append(urls, p.MediaURL)
	}
	for _, u := range p.MediaURLs {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// IsEmpty reports whether the payload carries nothing deliverable.
func (p *ReplyPayload) IsEmpty() bool {
	return p == nil || (strings.TrimSpace(p.Text) == "" && len(p.AllMediaURLs()) == 0)
}

// OutboundMessage is one reply addressed back to a transport.
type OutboundMessage struct {
	ID             string       `json:"id"`
	Provider       string       `json:"provider"`
	AccountID      string       `json:"account_id"`
	ConversationID string       `json:"conversation_id"`
	ThreadID       string       `json:"thread_id,omitempty"`
	Kind           string       `json:"kind"`
	Payload        ReplyPayload `json:"payload"`
	Timestamp      time.Time    `json:"timestamp"`
}
