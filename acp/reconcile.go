package acp

import (
	"context"

	"go.uber.org/zap"

	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/config"
)

// StartupIdentityReconcileResult summarizes a reconcile sweep over persisted
// sessions whose identity is still pending.
type StartupIdentityReconcileResult struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// ReconcilePendingSessionIdentities sweeps the store for ACP sessions with a
// pending identity, queries each backend's status and merges any ids it
// reports. Per-session failures are swallowed so one bad session cannot block
// startup.
func (m *Manager) ReconcilePendingSessionIdentities(ctx context.Context, cfg *config.Config) StartupIdentityReconcileResult {
	result := StartupIdentityReconcileResult{}

	entries, err := m.store.List()
	if err != nil {
		m.log.Warn("identity reconcile sweep could not list sessions", zap.Error(err))
		return result
	}

	for _, entry := range entries {
		if entry.Acp == nil || !IsIdentityPending(entry.Acp.Identity) {
			continue
		}
		result.Checked++

		sessionKey := entry.Key
		meta := entry.Acp

		err := m.actorQueue.Run(ctx, sessionKey, func() error {
			state, err := m.ensureRuntimeState(ctx, ensureParams{
				cfg:        cfg,
				sessionKey: sessionKey,
				backendID:  meta.Backend,
				agent:      meta.Agent,
				mode:       meta.Mode,
				cwd:        effectiveCwd(meta),
			})
			if err != nil {
				return err
			}

			capabilities, _ := state.Runtime.GetCapabilities(ctx, &state.Handle)
			if !capabilities.SupportsControl(acpruntime.AcpControlSessionStatus) {
				return nil
			}

			status, err := state.Runtime.GetStatus(ctx, state.Handle)
			if err != nil {
				return err
			}

			incoming := IdentityFromStatus(status, m.now().UnixMilli())
			if incoming == nil {
				return nil
			}

			_, becameResolved, err := m.reconcileIdentity(sessionKey, incoming)
			if err != nil {
				return err
			}
			if becameResolved {
				result.Resolved++
			}
			return nil
		})
		if err != nil {
			result.Failed++
			m.log.Warn("identity reconcile failed for session",
				zap.String("session_key", sessionKey), zap.Error(err))
		}
	}

	return result
}
