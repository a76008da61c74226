package acp

import (
	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/session"
)

// IdentityFromEnsure seeds a session identity from an ensure response.
// Ensure-derived ids are preliminary: the identity stays pending until a
// status call corroborates them.
func IdentityFromEnsure(handle acpruntime.AcpRuntimeHandle, now int64) *session.AcpIdentity {
	return &session.AcpIdentity{
		State:            session.IdentityPending,
		Source:           session.IdentitySourceEnsure,
		BackendSessionID: handle.BackendSessionId,
		AgentSessionID:   handle.AgentSessionId,
		AcpxRecordID:     handle.AcpxRecordId,
		LastUpdatedAt:    now,
	}
}

// IdentityFromStatus builds an incoming identity from a status response.
// Returns nil when the status supplies no ids (nothing to merge).
func IdentityFromStatus(status *acpruntime.AcpRuntimeStatus, now int64) *session.AcpIdentity {
	if status == nil {
		return nil
	}
	if status.BackendSessionId == "" && status.AgentSessionId == "" && status.AcpxRecordId == "" {
		return nil
	}
	return &session.AcpIdentity{
		State:            session.IdentityResolved,
		Source:           session.IdentitySourceStatus,
		BackendSessionID: status.BackendSessionId,
		AgentSessionID:   status.AgentSessionId,
		AcpxRecordID:     status.AcpxRecordId,
		LastUpdatedAt:    now,
	}
}

// MergeIdentity merges incoming into current under the monotonic rules:
// empty incoming keeps current; per-field the newer lastUpdatedAt wins;
// status-sourced incoming may upgrade pending to resolved, never the reverse.
func MergeIdentity(current, incoming *session.AcpIdentity) *session.AcpIdentity {
	if incoming == nil {
		return current.Clone()
	}
	if current == nil {
		return incoming.Clone()
	}

	merged := current.Clone()
	incomingNewer := incoming.LastUpdatedAt >= current.LastUpdatedAt

	if incoming.BackendSessionID != "" && (merged.BackendSessionID == "" || incomingNewer) {
		merged.BackendSessionID = incoming.BackendSessionID
	}
	if incoming.AgentSessionID != "" && (merged.AgentSessionID == "" || incomingNewer) {
		merged.AgentSessionID = incoming.AgentSessionID
	}
	if incoming.AcpxRecordID != "" && (merged.AcpxRecordID == "" || incomingNewer) {
		merged.AcpxRecordID = incoming.AcpxRecordID
	}

	// State is monotonic toward resolved within a session lifetime.
	if incoming.State == session.IdentityResolved && merged.State != session.IdentityResolved {
		merged.State = session.IdentityResolved
		merged.Source = incoming.Source
	}

	if incomingNewer {
		merged.LastUpdatedAt = incoming.LastUpdatedAt
	}

	return merged
}

// IdentityEquals reports whether two identities carry the same state and ids.
func IdentityEquals(a, b *session.AcpIdentity) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.State == b.State &&
		a.BackendSessionID == b.BackendSessionID &&
		a.AgentSessionID == b.AgentSessionID &&
		a.AcpxRecordID == b.AcpxRecordID
}

// IsIdentityPending reports whether the identity exists and is still pending.
func IsIdentityPending(identity *session.AcpIdentity) bool {
	return identity != nil && identity.State == session.IdentityPending
}

// projectIdentityOntoHandle copies resolved ids into the cached handle so
// downstream addressing (status queries, notices) uses the reconciled values.
func projectIdentityOntoHandle(identity *session.AcpIdentity, handle *acpruntime.AcpRuntimeHandle) {
	if identity == nil || handle == nil {
		return
	}
	if identity.BackendSessionID != "" {
		handle.BackendSessionId = identity.BackendSessionID
	}
	if identity.AgentSessionID != "" {
		handle.AgentSessionId = identity.AgentSessionID
	}
	if identity.AcpxRecordID != "" {
		handle.AcpxRecordId = identity.AcpxRecordID
	}
}
