package channels

import "strings"

// CapabilityScope defines where a channel capability is available.
type CapabilityScope string

const (
	CapabilityScopeOff   CapabilityScope = "off"
	CapabilityScopeDM    CapabilityScope = "dm"
	CapabilityScopeGroup CapabilityScope = "group"
	CapabilityScopeAll   CapabilityScope = "all"
)

// ChannelCapabilities describes what a channel transport supports. Transports
// declare these; the pipeline consults them before producing output the
// channel cannot deliver.
type ChannelCapabilities struct {
	Reactions CapabilityScope
	Media     CapabilityScope
	Streaming CapabilityScope
	Typing    CapabilityScope
}

// DefaultCapabilities is the baseline for channels that declare nothing.
func DefaultCapabilities() ChannelCapabilities {
	return ChannelCapabilities{
		Reactions: CapabilityScopeAll,
		Media:     CapabilityScopeAll,
		Streaming: CapabilityScopeOff,
		Typing:    CapabilityScopeAll,
	}
}

// ParseCapabilityScope parses a scope string, defaulting unknown values to off.
func ParseCapabilityScope(s string) CapabilityScope {
	switch CapabilityScope(strings.ToLower(strings.TrimSpace(s))) {
	case CapabilityScopeDM:
		return CapabilityScopeDM
	case CapabilityScopeGroup:
		return CapabilityScopeGroup
	case CapabilityScopeAll:
		return CapabilityScopeAll
	default:
		return CapabilityScopeOff
	}
}

// CapabilitiesFromConfig builds capabilities from the per-channel config map,
// falling back to defaults for unset keys.
func CapabilitiesFromConfig(raw map[string]string) ChannelCapabilities {
	caps := DefaultCapabilities()
	if raw == nil {
		return caps
	}
	if v, ok := raw["reactions"]; ok {
		caps.Reactions = ParseCapabilityScope(v)
	}
	if v, ok := raw["media"]; ok {
		caps.Media = ParseCapabilityScope(v)
	}
	if v, ok := raw["streaming"]; ok {
		caps.Streaming = ParseCapabilityScope(v)
	}
	if v, ok := raw["typing"]; ok {
		caps.Typing = ParseCapabilityScope(v)
	}
	return caps
}

// scopeAllows reports whether a scope covers the DM/group context.
func scopeAllows(scope CapabilityScope, isGroup bool) bool {
	switch scope {
	case CapabilityScopeAll:
		return true
	case CapabilityScopeDM:
		return !isGroup
	case CapabilityScopeGroup:
		return isGroup
	default:
		return false
	}
}

// AllowsReactions reports whether reaction frames are processed in this
// context.
func (c ChannelCapabilities) AllowsReactions(isGroup bool) bool {
	return scopeAllows(c.Reactions, isGroup)
}

// AllowsMedia reports whether media payloads may be delivered in this context.
func (c ChannelCapabilities) AllowsMedia(isGroup bool) bool {
	return scopeAllows(c.Media, isGroup)
}

// AllowsStreaming reports whether intermediate block replies may be sent.
func (c ChannelCapabilities) AllowsStreaming(isGroup bool) bool {
	return scopeAllows(c.Streaming, isGroup)
}

// AllowsTyping reports whether typing indicators may be driven.
func (c ChannelCapabilities) AllowsTyping(isGroup bool) bool {
	return scopeAllows(c.Typing, isGroup)
}
