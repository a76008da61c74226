package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "localhost", cfg.Gateway.Host)
	assert.Equal(t, 28789, cfg.Gateway.Port)
	assert.Equal(t, "/ws", cfg.Gateway.Path)
	assert.False(t, cfg.ACP.Enabled)
	assert.True(t, cfg.ACP.Dispatch.Enabled)
	assert.InDelta(t, 5.0, cfg.ACP.Runtime.TTLMinutes, 0.001)
	assert.Equal(t, 700, cfg.ACP.Stream.CoalesceIdleMs)
	assert.Equal(t, "allow", cfg.Session.SendPolicy.Default)
}

func TestLoadReadsChannelPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"channels": {
			"discord": {
				"dm_policy": "pairing",
				"group_policy": "allowlist",
				"group_allow_from": ["alice"],
				"require_mention": true,
				"capabilities": {"reactions": "dm"}
			}
		}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	ch := cfg.ChannelFor("discord")
	assert.Equal(t, "pairing", ch.DMPolicy)
	assert.Equal(t, "allowlist", ch.GroupPolicy)
	assert.Equal(t, []string{"alice"}, ch.GroupAllowFrom)
	assert.True(t, ch.RequireMention)
	assert.Equal(t, "dm", ch.Capabilities["reactions"])

	// Unconfigured channels fall back to zero-value defaults.
	assert.Equal(t, ChannelConfig{}, cfg.ChannelFor("telegram"))
}

func TestValidateRejectsUnknownPolicies(t *testing.T) {
	cfg := &Config{
		Channels: map[string]ChannelConfig{
			"discord": {DMPolicy: "everyone"},
		},
		Session: SessionConfig{SendPolicy: SendPolicyConfig{Default: "allow"}},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dm_policy")
}

func TestValidateRejectsNegativeLimits(t *testing.T) {
	cfg := &Config{
		ACP:     ACPConfig{Runtime: ACPRuntimeConfig{TTLMinutes: -1}},
		Session: SessionConfig{SendPolicy: SendPolicyConfig{Default: "allow"}},
	}
	require.Error(t, Validate(cfg))

	cfg = &Config{
		Channels: map[string]ChannelConfig{"discord": {HistoryLimit: -5}},
		Session:  SessionConfig{SendPolicy: SendPolicyConfig{Default: "allow"}},
	}
	require.Error(t, Validate(cfg))
}

func TestValidateSendPolicy(t *testing.T) {
	cfg := &Config{Session: SessionConfig{SendPolicy: SendPolicyConfig{Default: "maybe"}}}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send_policy")

	cfg.Session.SendPolicy.Default = "deny"
	assert.NoError(t, Validate(cfg))
}

func TestNonStrictValidatorCollectsWarnings(t *testing.T) {
	val := NewValidator(false)
	cfg := &Config{
		Channels: map[string]ChannelConfig{"discord": {DMPolicy: "everyone"}},
		Session:  SessionConfig{SendPolicy: SendPolicyConfig{Default: "allow"}},
	}
	require.NoError(t, val.Validate(cfg))
	assert.NotEmpty(t, val.Warnings())
}

func TestSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Gateway: GatewayConfig{Host: "0.0.0.0", Port: 1234, Path: "/ws"},
	}
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.Logging.Level)
	assert.Equal(t, 1234, loaded.Gateway.Port)
}
