package session

import (
	acpruntime "github.com/openclaw/openclaw/acp/runtime"
)

// Session states for AcpMeta.State.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StateError   = "error"
)

// Identity states for AcpIdentity.State.
const (
	IdentityPending  = "pending"
	IdentityResolved = "resolved"
)

// Identity sources for AcpIdentity.Source.
const (
	IdentitySourceEnsure = "ensure"
	IdentitySourceStatus = "status"
)

// AcpIdentity tracks runtime-assigned identifiers for a session.
// State is monotonic: once resolved, it can only regress via a session close.
type AcpIdentity struct {
	State            string `json:"state"`
	Source           string `json:"source"`
	BackendSessionID string `json:"backend_session_id,omitempty"`
	AgentSessionID   string `json:"agent_session_id,omitempty"`
	AcpxRecordID     string `json:"acpx_record_id,omitempty"`
	LastUpdatedAt    int64  `json:"last_updated_at"`
}

// Clone returns a copy of the identity.
func (i *AcpIdentity) Clone() *AcpIdentity {
	if i == nil {
		return nil
	}
	clone := *i
	return &clone
}

// AcpRuntimeOptions are persisted per-session runtime options. They survive
// restarts so a re-ensured handle is configured identically.
type AcpRuntimeOptions struct {
	RuntimeMode       string `json:"runtime_mode,omitempty"`
	Model             string `json:"model,omitempty"`
	PermissionProfile string `json:"permission_profile,omitempty"`
	TimeoutSeconds    int    `json:"timeout_seconds,omitempty"`
	Cwd               string `json:"cwd,omitempty"`
}

// IsZero reports whether no option is set.
func (o *AcpRuntimeOptions) IsZero() bool {
	return o == nil || *o == AcpRuntimeOptions{}
}

// Clone returns a copy of the options.
func (o *AcpRuntimeOptions) Clone() *AcpRuntimeOptions {
	if o == nil {
		return nil
	}
	clone := *o
	return &clone
}

// AcpMeta is the persisted ACP metadata for a session key.
type AcpMeta struct {
	Backend            string                           `json:"backend"`
	Agent              string                           `json:"agent"`
	RuntimeSessionName string                           `json:"runtime_session_name"`
	Identity           *AcpIdentity                     `json:"identity,omitempty"`
	Mode               acpruntime.AcpRuntimeSessionMode `json:"mode"`
	RuntimeOptions     *AcpRuntimeOptions               `json:"runtime_options,omitempty"`
	Cwd                string                           `json:"cwd,omitempty"`
	State              string                           `json:"state"`
	LastActivityAt     int64                            `json:"last_activity_at"`
	LastError          string                           `json:"last_error,omitempty"`

	// Legacy flat identity fields from entries persisted before the unified
	// identity record existed. Rewritten into Identity on read and never
	// persisted again.
	LegacyBackendSessionID      string `json:"backendSessionId,omitempty"`
	LegacyAgentSessionID        string `json:"agentSessionId,omitempty"`
	LegacySessionIDsProvisional *bool  `json:"sessionIdsProvisional,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (m *AcpMeta) Clone() *AcpMeta {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Identity = m.Identity.Clone()
	clone.RuntimeOptions = m.RuntimeOptions.Clone()
	return &clone
}

// migrateLegacyIdentity rewrites flat legacy identity fields into the unified
// identity record. One-way: the flat fields are dropped so the next persist
// writes only the new shape.
func (m *AcpMeta) migrateLegacyIdentity() {
	if m == nil {
		return
	}
	if m.LegacyBackendSessionID == "" && m.LegacyAgentSessionID == "" && m.LegacySessionIDsProvisional == nil {
		return
	}

	if m.Identity == nil {
		state := IdentityResolved
		if m.LegacySessionIDsProvisional != nil && *m.LegacySessionIDsProvisional {
			state = IdentityPending
		}
		m.Identity = &AcpIdentity{
			State:            state,
			Source:           IdentitySourceEnsure,
			BackendSessionID: m.LegacyBackendSessionID,
			AgentSessionID:   m.LegacyAgentSessionID,
			LastUpdatedAt:    m.LastActivityAt,
		}
	}

	m.LegacyBackendSessionID = ""
	m.LegacyAgentSessionID = ""
	m.LegacySessionIDsProvisional = nil
}

// Entry is one persisted session record. Only the Acp field is interpreted by
// the ACP session manager; SessionID and Label belong to the wider session
// bookkeeping.
type Entry struct {
	Key       string   `json:"-"`
	SessionID string   `json:"session_id"`
	Label     string   `json:"label,omitempty"`
	UpdatedAt int64    `json:"updated_at"`
	Acp       *AcpMeta `json:"acp,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Acp = e.Acp.Clone()
	return &clone
}
