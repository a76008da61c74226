package config

import (
	"fmt"
	"strings"
)

// Validator validates a Config. When strict is false, unknown policy values
// are reported as warnings instead of errors.
type Validator struct {
	strict   bool
	warnings []string
}

// NewValidator creates a validator.
func NewValidator(strict bool) *Validator {
	return &Validator{strict: strict}
}

// Warnings returns warnings collected during the last Validate call.
func (val *Validator) Warnings() []string {
	return val.warnings
}

var (
	validDMPolicies    = []string{"", "open", "pairing", "allowlist", "disabled"}
	validGroupPolicies = []string{"", "open", "allowlist", "disabled"}
	validSendPolicies  = []string{"", "allow", "deny"}
)

// Validate checks the configuration for invalid values.
func (val *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	val.warnings = nil

	if err := val.validateACP(&cfg.ACP); err != nil {
		return err
	}

	for channel, ch := range cfg.Channels {
		if err := val.validateChannel(channel, ch); err != nil {
			return err
		}
	}

	if !contains(validSendPolicies, strings.ToLower(cfg.Session.SendPolicy.Default)) {
		return fmt.Errorf("session.send_policy.default must be 'allow' or 'deny', got %q", cfg.Session.SendPolicy.Default)
	}

	return nil
}

func (val *Validator) validateACP(acp *ACPConfig) error {
	if acp.MaxConcurrentSessions < 0 {
		return fmt.Errorf("acp.max_concurrent_sessions must not be negative, got %d", acp.MaxConcurrentSessions)
	}
	if acp.Runtime.TTLMinutes < 0 {
		return fmt.Errorf("acp.runtime.ttl_minutes must not be negative, got %v", acp.Runtime.TTLMinutes)
	}
	if acp.Stream.CoalesceIdleMs < 0 {
		return fmt.Errorf("acp.stream.coalesce_idle_ms must not be negative, got %d", acp.Stream.CoalesceIdleMs)
	}
	if acp.Stream.MaxChunkChars < 0 {
		return fmt.Errorf("acp.stream.max_chunk_chars must not be negative, got %d", acp.Stream.MaxChunkChars)
	}
	if acp.Enabled && acp.Backend == "" {
		val.warn("acp.enabled is set without acp.backend; the default registered backend will be used")
	}
	return nil
}

func (val *Validator) validateChannel(channel string, ch ChannelConfig) error {
	if !contains(validDMPolicies, strings.ToLower(ch.DMPolicy)) {
		if val.strict {
			return fmt.Errorf("channels.%s.dm_policy: unknown policy %q", channel, ch.DMPolicy)
		}
		val.warn(fmt.Sprintf("channels.%s.dm_policy: unknown policy %q", channel, ch.DMPolicy))
	}
	if !contains(validGroupPolicies, strings.ToLower(ch.GroupPolicy)) {
		if val.strict {
			return fmt.Errorf("channels.%s.group_policy: unknown policy %q", channel, ch.GroupPolicy)
		}
		val.warn(fmt.Sprintf("channels.%s.group_policy: unknown policy %q", channel, ch.GroupPolicy))
	}
	if ch.HistoryLimit < 0 {
		return fmt.Errorf("channels.%s.history_limit must not be negative, got %d", channel, ch.HistoryLimit)
	}
	if ch.TextChunkLimit < 0 {
		return fmt.Errorf("channels.%s.text_chunk_limit must not be negative, got %d", channel, ch.TextChunkLimit)
	}
	if ch.MediaMaxBytes < 0 {
		return fmt.Errorf("channels.%s.media_max_bytes must not be negative, got %d", channel, ch.MediaMaxBytes)
	}
	if ch.DebounceIdleMs < 0 {
		return fmt.Errorf("channels.%s.debounce_idle_ms must not be negative, got %d", channel, ch.DebounceIdleMs)
	}
	return nil
}

func (val *Validator) warn(msg string) {
	val.warnings = append(val.warnings, msg)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
