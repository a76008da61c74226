package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "agent:main:acp:discord:c1", NormalizeKey("  Agent:Main:ACP:discord:C1 "))
	assert.Equal(t, "", NormalizeKey("   "))
}

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "agent:main:main", MainKey("Main"))
	assert.Equal(t, "agent:main:acp:discord:c1", AcpKey("main", "Discord:C1"))
}

func TestIsAcpShapedKey(t *testing.T) {
	assert.True(t, IsAcpShapedKey("agent:main:acp:discord:c1"))
	assert.True(t, IsAcpShapedKey("AGENT:Main:ACP:x"))
	assert.False(t, IsAcpShapedKey("agent:main:main"))
	assert.False(t, IsAcpShapedKey("discord:c1"))
	assert.False(t, IsAcpShapedKey("agent::acp:x"))
	assert.False(t, IsAcpShapedKey(""))
}

func TestAgentIDFromKey(t *testing.T) {
	assert.Equal(t, "main", AgentIDFromKey("agent:main:acp:discord:c1"))
	assert.Equal(t, "ops", AgentIDFromKey("agent:ops:main"))
	assert.Equal(t, "", AgentIDFromKey("discord:c1"))
}
