package channels

import "strings"

// DM and group policy values.
const (
	PolicyOpen      = "open"
	PolicyPairing   = "pairing"
	PolicyAllowlist = "allowlist"
	PolicyDisabled  = "disabled"
)

// Access verdicts.
const (
	AccessAllow   = "allow"
	AccessBlock   = "block"
	AccessPairing = "pairing"
)

// Block reasons. Blocks are silent toward the sender; reasons feed logs only.
const (
	ReasonGroupPolicyDisabled       = "GROUP_POLICY_DISABLED"
	ReasonGroupPolicyEmptyAllowlist = "GROUP_POLICY_EMPTY_ALLOWLIST"
	ReasonGroupPolicyNotAllowlisted = "GROUP_POLICY_NOT_ALLOWLISTED"
	ReasonDMPolicyDisabled          = "DM_POLICY_DISABLED"
	ReasonDMPolicyNotAllowlisted    = "DM_POLICY_NOT_ALLOWLISTED"
)

// AccessInput carries everything the access engine evaluates for one frame.
type AccessInput struct {
	Channel    string
	AccountID  string
	SenderID   string
	SenderName string
	IsGroup    bool

	DMPolicy    string
	GroupPolicy string

	AllowFrom      []string
	GroupAllowFrom []string

	// StoreAllowFrom are pairing-store contributions. They extend DM
	// allowlists only, never group allowlists.
	StoreAllowFrom []string
}

// AccessDecision is the engine's verdict for one frame.
type AccessDecision struct {
	Verdict string
	Reason  string
}

// NormalizeAllowEntry canonicalizes an allowlist entry: trimmed, leading '@'
// stripped, lowercased.
func NormalizeAllowEntry(entry string) string {
	entry = strings.TrimSpace(entry)
	entry = strings.TrimPrefix(entry, "@")
	return strings.ToLower(entry)
}

// normalizeAllowList normalizes and de-duplicates allowlist entries,
// preserving first-seen order.
func normalizeAllowList(entries ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range entries {
		for _, entry := range list {
			normalized := NormalizeAllowEntry(entry)
			if normalized == "" {
				continue
			}
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}
			out = append(out, normalized)
		}
	}
	return out
}

// EffectiveAllowFrom merges the configured DM allowlist with pairing-store
// contributions.
func EffectiveAllowFrom(allowFrom, storeAllowFrom []string) []string {
	return normalizeAllowList(allowFrom, storeAllowFrom)
}

// EffectiveGroupAllowFrom is the explicit group allowlist when set, else the
// DM allowlist. Pairing-store entries do not propagate into groups.
func EffectiveGroupAllowFrom(groupAllowFrom, allowFrom []string) []string {
	if len(groupAllowFrom) > 0 {
		return normalizeAllowList(groupAllowFrom)
	}
	return normalizeAllowList(allowFrom)
}

// senderMatches reports whether the sender id or display name appears in the
// normalized allowlist.
func senderMatches(allowlist []string, senderID, senderName string) bool {
	id := NormalizeAllowEntry(senderID)
	name := NormalizeAllowEntry(senderName)
	for _, entry := range allowlist {
		if entry == id && id != "" {
			return true
		}
		if entry == name && name != "" {
			return true
		}
	}
	return false
}

// EvaluateAccess applies the DM/group policy rules to one frame.
func EvaluateAccess(input AccessInput) AccessDecision {
	if input.IsGroup {
		return evaluateGroupAccess(input)
	}
	return evaluateDMAccess(input)
}

func evaluateGroupAccess(input AccessInput) AccessDecision {
	switch input.GroupPolicy {
	case PolicyDisabled:
		return AccessDecision{Verdict: AccessBlock, Reason: ReasonGroupPolicyDisabled}
	case PolicyAllowlist:
		allowlist := EffectiveGroupAllowFrom(input.GroupAllowFrom, input.AllowFrom)
		if len(allowlist) == 0 {
			return AccessDecision{Verdict: AccessBlock, Reason: ReasonGroupPolicyEmptyAllowlist}
		}
		if !senderMatches(allowlist, input.SenderID, input.SenderName) {
			return AccessDecision{Verdict: AccessBlock, Reason: ReasonGroupPolicyNotAllowlisted}
		}
		return AccessDecision{Verdict: AccessAllow}
	default:
		// open (and unset, which defaults open)
		return AccessDecision{Verdict: AccessAllow}
	}
}

func evaluateDMAccess(input AccessInput) AccessDecision {
	switch input.DMPolicy {
	case PolicyDisabled:
		return AccessDecision{Verdict: AccessBlock, Reason: ReasonDMPolicyDisabled}
	case PolicyAllowlist:
		allowlist := EffectiveAllowFrom(input.AllowFrom, input.StoreAllowFrom)
		if !senderMatches(allowlist, input.SenderID, input.SenderName) {
			return AccessDecision{Verdict: AccessBlock, Reason: ReasonDMPolicyNotAllowlisted}
		}
		return AccessDecision{Verdict: AccessAllow}
	case PolicyPairing:
		allowlist := EffectiveAllowFrom(input.AllowFrom, input.StoreAllowFrom)
		if senderMatches(allowlist, input.SenderID, input.SenderName) {
			return AccessDecision{Verdict: AccessAllow}
		}
		return AccessDecision{Verdict: AccessPairing}
	default:
		// open (and unset, which defaults open)
		return AccessDecision{Verdict: AccessAllow}
	}
}

// IsControlCommand reports whether the text is a control command: it starts
// with '/' or the configured bang prefix.
func IsControlCommand(text, bangPrefix string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false
	}
	if strings.HasPrefix(trimmed, "/") {
		return true
	}
	return bangPrefix != "" && strings.HasPrefix(trimmed, bangPrefix)
}

// IsCommandAuthorized checks command gating: the sender must be allowlisted
// under the DM allowlist in a DM, else under the group allowlist.
func IsCommandAuthorized(input AccessInput) bool {
	if input.IsGroup {
		allowlist := EffectiveGroupAllowFrom(input.GroupAllowFrom, input.AllowFrom)
		return senderMatches(allowlist, input.SenderID, input.SenderName)
	}
	allowlist := EffectiveAllowFrom(input.AllowFrom, input.StoreAllowFrom)
	return senderMatches(allowlist, input.SenderID, input.SenderName)
}
