package session

import "strings"

// Session keys have the shape "agent:<agentId>:<scope>", where scope is
// "main", "acp:<id>", or domain-specific.
const (
	keyPrefix = "agent:"
	acpScope  = "acp:"
)

// NormalizeKey normalizes a session key for storage and actor lookup.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// MainKey returns the main session key for an agent.
func MainKey(agentID string) string {
	return keyPrefix + NormalizeKey(agentID) + ":main"
}

// AcpKey returns the ACP session key for an agent and an ACP session id.
func AcpKey(agentID, id string) string {
	return keyPrefix + NormalizeKey(agentID) + ":" + acpScope + NormalizeKey(id)
}

// IsAcpShapedKey reports whether the key names an ACP session
// ("agent:<id>:acp:..."). The manager fails closed when such a key has no
// persisted ACP metadata.
func IsAcpShapedKey(key string) bool {
	key = NormalizeKey(key)
	if !strings.HasPrefix(key, keyPrefix) {
		return false
	}
	rest := key[len(keyPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return false
	}
	return strings.HasPrefix(rest[idx+1:], acpScope)
}

// AgentIDFromKey extracts the agent id from a session key, or "" when the key
// is not agent-shaped.
func AgentIDFromKey(key string) string {
	key = NormalizeKey(key)
	if !strings.HasPrefix(key, keyPrefix) {
		return ""
	}
	rest := key[len(keyPrefix):]
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return ""
	}
	return rest[:idx]
}
