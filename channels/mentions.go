package channels

import (
	"regexp"
	"strings"
)

// MentionConfig drives group-message gating for one routed agent.
type MentionConfig struct {
	// BotName and Aliases are the names whose @-mention addresses the bot.
	BotName string
	Aliases []string

	// RequireMention gates group messages on an explicit mention.
	RequireMention bool

	// OnCharPrefix is a per-account direct trigger. A message starting with
	// it counts as an implicit mention.
	OnCharPrefix string

	// BangPrefix is the alternate control-command prefix besides '/'.
	BangPrefix string
}

// GateOutcome says what to do with a group message.
type GateOutcome int

const (
	// GateProcess dispatches the message.
	GateProcess GateOutcome = iota
	// GateHistory records the message as pending history and drops it.
	GateHistory
	// GateDrop discards the message without recording it.
	GateDrop
)

// mentionPattern matches @name tokens.
var mentionPattern = regexp.MustCompile(`@([\w.\-]+)`)

// ContainsMention reports whether the text explicitly mentions any of the
// names, either as an @-token or (for multi-word names) as a bare substring
// match on word boundaries.
func ContainsMention(text string, names ...string) bool {
	lower := strings.ToLower(text)
	for _, match := range mentionPattern.FindAllStringSubmatch(lower, -1) {
		for _, name := range names {
			if name != "" && match[1] == strings.ToLower(name) {
				return true
			}
		}
	}
	return false
}

// StripMentions removes @-mentions of the given names from the text.
func StripMentions(text string, names ...string) string {
	out := mentionPattern.ReplaceAllStringFunc(text, func(token string) string {
		bare := strings.ToLower(strings.TrimPrefix(token, "@"))
		for _, name := range names {
			if name != "" && bare == strings.ToLower(name) {
				return ""
			}
		}
		return token
	})
	return strings.TrimSpace(strings.Join(strings.Fields(out), " "))
}

// mentionNames collects the bot name plus aliases.
func (c MentionConfig) mentionNames() []string {
	names := make([]string, 0, len(c.Aliases)+1)
	if c.BotName != "" {
		names = append(names, c.BotName)
	}
	names = append(names, c.Aliases...)
	return names
}

// HasImplicitMention reports whether the on-char prefix addresses the bot
// directly.
func (c MentionConfig) HasImplicitMention(text string) bool {
	if c.OnCharPrefix == "" {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(text), c.OnCharPrefix)
}

// CommandGate says how control commands are handled for one frame. With
// Enabled false command syntax is ordinary text.
type CommandGate struct {
	Enabled    bool
	Authorized bool
}

// GateGroupMessage decides whether a group message is processed, recorded as
// history, or dropped.
func (c MentionConfig) GateGroupMessage(text string, commands CommandGate) GateOutcome {
	if commands.Enabled && IsControlCommand(text, c.BangPrefix) {
		if commands.Authorized {
			return GateProcess
		}
		// Unauthorized commands drop silently, mentioned or not, and are
		// not worth replaying as context.
		return GateDrop
	}
	if ContainsMention(text, c.mentionNames()...) || c.HasImplicitMention(text) {
		return GateProcess
	}
	if c.RequireMention {
		return GateHistory
	}
	return GateProcess
}
