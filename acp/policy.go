package acp

import (
	"fmt"
	"strings"
	"time"

	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/config"
)

// IsAcpEnabledByPolicy checks if ACP is enabled at all.
func IsAcpEnabledByPolicy(cfg *config.Config) bool {
	return cfg != nil && cfg.ACP.Enabled
}

// IsAcpDispatchEnabled checks if inbound messages may be routed through ACP.
func IsAcpDispatchEnabled(cfg *config.Config) bool {
	return IsAcpEnabledByPolicy(cfg) && cfg.ACP.Dispatch.Enabled
}

// ResolveAcpAgentPolicyError checks agent membership in acp.allowed_agents.
// An empty list means all agents are allowed; a non-empty list requires
// membership.
func ResolveAcpAgentPolicyError(cfg *config.Config, agentID string) error {
	if cfg == nil || len(cfg.ACP.AllowedAgents) == 0 {
		return nil
	}

	agentID = normalizeAgentID(agentID)
	for _, allowed := range cfg.ACP.AllowedAgents {
		if normalizeAgentID(allowed) == agentID {
			return nil
		}
	}

	return acpruntime.NewDispatchDisabledError(
		fmt.Sprintf("Agent '%s' is not authorized for ACP dispatch", agentID))
}

// ResolveAcpDefaultAgent resolves the default agent ID for ACP sessions.
func ResolveAcpDefaultAgent(cfg *config.Config) string {
	if cfg == nil || cfg.ACP.DefaultAgent == "" {
		return "main"
	}
	return normalizeAgentID(cfg.ACP.DefaultAgent)
}

// ResolveAcpBackend resolves the backend id to use: an explicit request wins,
// then the configured backend, then the registry default.
func ResolveAcpBackend(cfg *config.Config, requestedBackend string) string {
	if requestedBackend != "" {
		return requestedBackend
	}
	if cfg != nil {
		return cfg.ACP.Backend
	}
	return ""
}

// ResolveAcpMaxConcurrentSessions resolves the admission limit.
// Zero means unlimited.
func ResolveAcpMaxConcurrentSessions(cfg *config.Config) int {
	if cfg == nil || cfg.ACP.MaxConcurrentSessions <= 0 {
		return 0
	}
	return cfg.ACP.MaxConcurrentSessions
}

// ResolveRuntimeIdleTTL resolves the idle TTL for cached runtime handles.
// Zero disables idle eviction.
func ResolveRuntimeIdleTTL(cfg *config.Config) time.Duration {
	if cfg == nil {
		return 5 * time.Minute
	}
	minutes := cfg.ACP.Runtime.TTLMinutes
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes * float64(time.Minute))
}

func normalizeAgentID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "main"
	}
	return id
}
