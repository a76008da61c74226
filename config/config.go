package config

// Config is the root configuration for an openclaw process.
type Config struct {
	Logging  LoggingConfig            `mapstructure:"logging" json:"logging"`
	Gateway  GatewayConfig            `mapstructure:"gateway" json:"gateway"`
	ACP      ACPConfig                `mapstructure:"acp" json:"acp"`
	Channels map[string]ChannelConfig `mapstructure:"channels" json:"channels,omitempty"`
	Commands CommandsConfig           `mapstructure:"commands" json:"commands"`
	Session  SessionConfig            `mapstructure:"session" json:"session"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" json:"level"`
}

// GatewayConfig configures the WebSocket control plane.
type GatewayConfig struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
	Path string `mapstructure:"path" json:"path"`
}

// ACPConfig configures the ACP session manager.
type ACPConfig struct {
	Enabled               bool              `mapstructure:"enabled" json:"enabled"`
	Backend               string            `mapstructure:"backend" json:"backend"`
	DefaultAgent          string            `mapstructure:"default_agent" json:"default_agent,omitempty"`
	AllowedAgents         []string          `mapstructure:"allowed_agents" json:"allowed_agents,omitempty"`
	MaxConcurrentSessions int               `mapstructure:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	Dispatch              ACPDispatchConfig `mapstructure:"dispatch" json:"dispatch"`
	Runtime               ACPRuntimeConfig  `mapstructure:"runtime" json:"runtime"`
	Stream                ACPStreamConfig   `mapstructure:"stream" json:"stream"`
}

// ACPDispatchConfig gates inbound routing through the ACP manager.
type ACPDispatchConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// ACPRuntimeConfig configures cached runtime handles.
type ACPRuntimeConfig struct {
	// TTLMinutes is the idle TTL for cached runtime handles. Zero disables eviction.
	TTLMinutes float64 `mapstructure:"ttl_minutes" json:"ttl_minutes"`
}

// ACPStreamConfig shapes streamed block replies.
type ACPStreamConfig struct {
	CoalesceIdleMs int `mapstructure:"coalesce_idle_ms" json:"coalesce_idle_ms"`
	MaxChunkChars  int `mapstructure:"max_chunk_chars" json:"max_chunk_chars"`
}

// ChannelConfig carries per-channel inbound policy.
type ChannelConfig struct {
	DMPolicy       string   `mapstructure:"dm_policy" json:"dm_policy"`
	GroupPolicy    string   `mapstructure:"group_policy" json:"group_policy"`
	AllowFrom      []string `mapstructure:"allow_from" json:"allow_from,omitempty"`
	GroupAllowFrom []string `mapstructure:"group_allow_from" json:"group_allow_from,omitempty"`
	RequireMention bool     `mapstructure:"require_mention" json:"require_mention"`
	OnCharPrefix   string   `mapstructure:"on_char_prefix" json:"on_char_prefix,omitempty"`
	TextChunkLimit int      `mapstructure:"text_chunk_limit" json:"text_chunk_limit"`
	MediaMaxBytes  int64    `mapstructure:"media_max_bytes" json:"media_max_bytes"`
	HistoryLimit   int      `mapstructure:"history_limit" json:"history_limit"`
	DebounceIdleMs int      `mapstructure:"debounce_idle_ms" json:"debounce_idle_ms"`

	// Capabilities holds per-capability scopes ("off", "dm", "group", "all")
	// keyed by capability name (reactions, media, streaming, typing).
	Capabilities map[string]string `mapstructure:"capabilities" json:"capabilities,omitempty"`
}

// CommandsConfig controls text command handling.
type CommandsConfig struct {
	UseAccessGroups bool   `mapstructure:"use_access_groups" json:"use_access_groups"`
	Text            bool   `mapstructure:"text" json:"text"`
	BangPrefix      string `mapstructure:"bang_prefix" json:"bang_prefix,omitempty"`
}

// SessionConfig configures the session store and send policy.
type SessionConfig struct {
	StorePath  string           `mapstructure:"store_path" json:"store_path,omitempty"`
	SendPolicy SendPolicyConfig `mapstructure:"send_policy" json:"send_policy"`
}

// SendPolicyConfig decides whether unsolicited sends are allowed.
type SendPolicyConfig struct {
	Default string `mapstructure:"default" json:"default"` // "allow" or "deny"
}

// ChannelFor returns the channel config for the given channel id,
// falling back to zero-value defaults when the channel is not configured.
func (c *Config) ChannelFor(channel string) ChannelConfig {
	if c == nil || c.Channels == nil {
		return ChannelConfig{}
	}
	return c.Channels[channel]
}
