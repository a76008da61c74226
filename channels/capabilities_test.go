package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCapabilityScope(t *testing.T) {
	assert.Equal(t, CapabilityScopeAll, ParseCapabilityScope(" ALL "))
	assert.Equal(t, CapabilityScopeDM, ParseCapabilityScope("dm"))
	assert.Equal(t, CapabilityScopeGroup, ParseCapabilityScope("group"))
	assert.Equal(t, CapabilityScopeOff, ParseCapabilityScope("bogus"))
	assert.Equal(t, CapabilityScopeOff, ParseCapabilityScope(""))
}

func TestCapabilitiesFromConfig(t *testing.T) {
	caps := CapabilitiesFromConfig(map[string]string{
		"reactions": "dm",
		"streaming": "all",
	})

	assert.Equal(t, CapabilityScopeDM, caps.Reactions)
	assert.Equal(t, CapabilityScopeAll, caps.Streaming)
	// Unset keys keep defaults.
	assert.Equal(t, CapabilityScopeAll, caps.Media)
	assert.Equal(t, CapabilityScopeAll, caps.Typing)

	assert.Equal(t, DefaultCapabilities(), CapabilitiesFromConfig(nil))
}

func TestScopeAllowsContext(t *testing.T) {
	caps := ChannelCapabilities{
		Reactions: CapabilityScopeDM,
		Media:     CapabilityScopeGroup,
		Streaming: CapabilityScopeOff,
		Typing:    CapabilityScopeAll,
	}

	assert.True(t, caps.AllowsReactions(false))
	assert.False(t, caps.AllowsReactions(true))
	assert.True(t, caps.AllowsMedia(true))
	assert.False(t, caps.AllowsMedia(false))
	assert.False(t, caps.AllowsStreaming(false))
	assert.True(t, caps.AllowsTyping(true))
}
