package acp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/session"
)

func TestIdentityFromEnsureIsPending(t *testing.T) {
	handle := acpruntime.AcpRuntimeHandle{
		BackendSessionId: "b-1",
		AgentSessionId:   "a-1",
	}

	identity := IdentityFromEnsure(handle, 100)
	require.NotNil(t, identity)
	assert.Equal(t, session.IdentityPending, identity.State)
	assert.Equal(t, session.IdentitySourceEnsure, identity.Source)
	assert.Equal(t, "b-1", identity.BackendSessionID)
	assert.Equal(t, "a-1", identity.AgentSessionID)
}

func TestIdentityFromStatusWithoutIdsIsNil(t *testing.T) {
	assert.Nil(t, IdentityFromStatus(nil, 100))
	assert.Nil(t, IdentityFromStatus(&acpruntime.AcpRuntimeStatus{Summary: "active"}, 100))
}

func TestMergeIdentityEmptyIncomingKeepsCurrent(t *testing.T) {
	current := &session.AcpIdentity{
		State:            session.IdentityResolved,
		BackendSessionID: "b-1",
		LastUpdatedAt:    100,
	}

	merged := MergeIdentity(current, nil)
	require.NotNil(t, merged)
	assert.Equal(t, "b-1", merged.BackendSessionID)
	assert.Equal(t, session.IdentityResolved, merged.State)
}

func TestMergeIdentityNewerFieldWins(t *testing.T) {
	current := &session.AcpIdentity{
		State:            session.IdentityPending,
		Source:           session.IdentitySourceEnsure,
		BackendSessionID: "b-old",
		LastUpdatedAt:    100,
	}
	incoming := &session.AcpIdentity{
		State:            session.IdentityResolved,
		Source:           session.IdentitySourceStatus,
		BackendSessionID: "b-new",
		AgentSessionID:   "a-1",
		LastUpdatedAt:    200,
	}

	merged := MergeIdentity(current, incoming)
	assert.Equal(t, "b-new", merged.BackendSessionID)
	assert.Equal(t, "a-1", merged.AgentSessionID)
	assert.Equal(t, session.IdentityResolved, merged.State)
	assert.Equal(t, session.IdentitySourceStatus, merged.Source)
	assert.Equal(t, int64(200), merged.LastUpdatedAt)
}

func TestMergeIdentityOlderIncomingFillsGapsOnly(t *testing.T) {
	current := &session.AcpIdentity{
		State:            session.IdentityResolved,
		BackendSessionID: "b-current",
		LastUpdatedAt:    200,
	}
	incoming := &session.AcpIdentity{
		State:            session.IdentityPending,
		BackendSessionID: "b-stale",
		AgentSessionID:   "a-late",
		LastUpdatedAt:    100,
	}

	merged := MergeIdentity(current, incoming)
	// Occupied field keeps the newer value; the empty field is filled.
	assert.Equal(t, "b-current", merged.BackendSessionID)
	assert.Equal(t, "a-late", merged.AgentSessionID)
	assert.Equal(t, int64(200), merged.LastUpdatedAt)
}

func TestMergeIdentityNeverRegressesResolved(t *testing.T) {
	current := &session.AcpIdentity{
		State:         session.IdentityResolved,
		Source:        session.IdentitySourceStatus,
		LastUpdatedAt: 100,
	}
	incoming := &session.AcpIdentity{
		State:         session.IdentityPending,
		Source:        session.IdentitySourceEnsure,
		LastUpdatedAt: 300,
	}

	merged := MergeIdentity(current, incoming)
	assert.Equal(t, session.IdentityResolved, merged.State)
}

func TestIdentityEquals(t *testing.T) {
	a := &session.AcpIdentity{State: session.IdentityResolved, BackendSessionID: "b"}
	b := &session.AcpIdentity{State: session.IdentityResolved, BackendSessionID: "b", LastUpdatedAt: 99}

	assert.True(t, IdentityEquals(a, b))
	assert.True(t, IdentityEquals(nil, nil))
	assert.False(t, IdentityEquals(a, nil))

	b.BackendSessionID = "other"
	assert.False(t, IdentityEquals(a, b))
}
