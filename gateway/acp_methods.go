package gateway

import (
	"context"
	"fmt"

	"github.com/openclaw/openclaw/acp"
	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/config"
)

// RegisterAcpMethods registers the ACP session control methods.
func RegisterAcpMethods(registry *MethodRegistry, cfg *config.Config, manager *acp.Manager) {
	registry.Register("acp_initialize", func(connID string, params map[string]any) (any, error) {
		return handleAcpInitialize(cfg, manager, params)
	})
	registry.Register("acp_resolve", func(connID string, params map[string]any) (any, error) {
		return handleAcpResolve(cfg, manager, params)
	})
	registry.Register("acp_status", func(connID string, params map[string]any) (any, error) {
		return handleAcpStatus(cfg, manager, params)
	})
	registry.Register("acp_set_mode", func(connID string, params map[string]any) (any, error) {
		return handleAcpSetMode(cfg, manager, params)
	})
	registry.Register("acp_set_config_option", func(connID string, params map[string]any) (any, error) {
		return handleAcpSetConfigOption(cfg, manager, params)
	})
	registry.Register("acp_update_options", func(connID string, params map[string]any) (any, error) {
		return handleAcpUpdateOptions(cfg, manager, params)
	})
	registry.Register("acp_reset_options", func(connID string, params map[string]any) (any, error) {
		return handleAcpResetOptions(cfg, manager, params)
	})
	registry.Register("acp_cancel", func(connID string, params map[string]any) (any, error) {
		return handleAcpCancel(cfg, manager, params)
	})
	registry.Register("acp_close", func(connID string, params map[string]any) (any, error) {
		return handleAcpClose(cfg, manager, params)
	})
	registry.Register("acp_observability", func(connID string, params map[string]any) (any, error) {
		return manager.GetObservabilitySnapshot(cfg), nil
	})
	registry.Register("acp_reconcile", func(connID string, params map[string]any) (any, error) {
		return manager.ReconcilePendingSessionIdentities(context.Background(), cfg), nil
	})
}

// AcpInitializeParams parameterize acp_initialize.
type AcpInitializeParams struct {
	SessionKey string `json:"session_key"`
	Agent      string `json:"agent,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Cwd        string `json:"cwd,omitempty"`
	Backend    string `json:"backend,omitempty"`
	Label      string `json:"label,omitempty"`
}

func handleAcpInitialize(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	var p AcpInitializeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}

	var mode acpruntime.AcpRuntimeSessionMode
	switch p.Mode {
	case "oneshot":
		mode = acpruntime.AcpSessionModeOneshot
	case "persistent", "":
		mode = acpruntime.AcpSessionModePersistent
	default:
		return nil, fmt.Errorf("invalid mode: %s (must be 'persistent' or 'oneshot')", p.Mode)
	}

	meta, err := manager.InitializeSession(context.Background(), acp.InitializeSessionInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
		Agent:      p.Agent,
		Mode:       mode,
		Cwd:        p.Cwd,
		BackendID:  p.Backend,
		Label:      p.Label,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"session_key": p.SessionKey,
		"meta":        meta,
	}, nil
}

// acpSessionKeyParams cover the methods that only take a session key.
type acpSessionKeyParams struct {
	SessionKey string `json:"session_key"`
}

func requireSessionKey(params map[string]any) (string, error) {
	var p acpSessionKeyParams
	if err := decodeParams(params, &p); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	if p.SessionKey == "" {
		return "", fmt.Errorf("session_key parameter is required")
	}
	return p.SessionKey, nil
}

func handleAcpResolve(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	sessionKey, err := requireSessionKey(params)
	if err != nil {
		return nil, err
	}

	resolution, err := manager.ResolveSession(cfg, sessionKey)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"session_key": sessionKey,
		"kind":        resolution.Kind,
	}
	if resolution.Meta != nil {
		result["meta"] = resolution.Meta
	}
	return result, nil
}

func handleAcpStatus(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	sessionKey, err := requireSessionKey(params)
	if err != nil {
		return nil, err
	}

	return manager.GetSessionStatus(context.Background(), acp.GetSessionStatusInput{
		Cfg:        cfg,
		SessionKey: sessionKey,
	})
}

// AcpSetModeParams parameterize acp_set_mode.
type AcpSetModeParams struct {
	SessionKey  string `json:"session_key"`
	RuntimeMode string `json:"runtime_mode"`
}

func handleAcpSetMode(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	var p AcpSetModeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}
	if p.RuntimeMode == "" {
		return nil, fmt.Errorf("runtime_mode parameter is required")
	}

	options, err := manager.SetSessionRuntimeMode(context.Background(), acp.SetSessionRuntimeModeInput{
		Cfg:         cfg,
		SessionKey:  p.SessionKey,
		RuntimeMode: p.RuntimeMode,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"runtime_options": options}, nil
}

// AcpSetConfigOptionParams parameterize acp_set_config_option.
type AcpSetConfigOptionParams struct {
	SessionKey string `json:"session_key"`
	Key        string `json:"key"`
	Value      string `json:"value"`
}

func handleAcpSetConfigOption(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	var p AcpSetConfigOptionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}
	if p.Key == "" {
		return nil, fmt.Errorf("key parameter is required")
	}

	options, err := manager.SetSessionConfigOption(context.Background(), acp.SetSessionConfigOptionInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
		Key:        p.Key,
		Value:      p.Value,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"runtime_options": options}, nil
}

// AcpUpdateOptionsParams parameterize acp_update_options. Absent fields are
// left untouched.
type AcpUpdateOptionsParams struct {
	SessionKey        string  `json:"session_key"`
	RuntimeMode       *string `json:"runtime_mode,omitempty"`
	Model             *string `json:"model,omitempty"`
	PermissionProfile *string `json:"permission_profile,omitempty"`
	TimeoutSeconds    *int    `json:"timeout_seconds,omitempty"`
	Cwd               *string `json:"cwd,omitempty"`
}

func handleAcpUpdateOptions(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	var p AcpUpdateOptionsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}

	options, err := manager.UpdateSessionRuntimeOptions(context.Background(), acp.UpdateSessionRuntimeOptionsInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
		Patch: acp.RuntimeOptionPatch{
			RuntimeMode:       p.RuntimeMode,
			Model:             p.Model,
			PermissionProfile: p.PermissionProfile,
			TimeoutSeconds:    p.TimeoutSeconds,
			Cwd:               p.Cwd,
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"runtime_options": options}, nil
}

func handleAcpResetOptions(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	sessionKey, err := requireSessionKey(params)
	if err != nil {
		return nil, err
	}

	if err := manager.ResetSessionRuntimeOptions(context.Background(), acp.ResetSessionRuntimeOptionsInput{
		Cfg:        cfg,
		SessionKey: sessionKey,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"reset": true}, nil
}

// AcpCancelParams parameterize acp_cancel.
type AcpCancelParams struct {
	SessionKey string `json:"session_key"`
	Reason     string `json:"reason,omitempty"`
}

func handleAcpCancel(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	var p AcpCancelParams
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}

	if err := manager.CancelSession(context.Background(), acp.CancelSessionInput{
		Cfg:        cfg,
		SessionKey: p.SessionKey,
		Reason:     p.Reason,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true}, nil
}

// AcpCloseParams parameterize acp_close.
type AcpCloseParams struct {
	SessionKey        string `json:"session_key"`
	Reason            string `json:"reason,omitempty"`
	ClearMeta         bool   `json:"clear_meta,omitempty"`
	RequireAcpSession bool   `json:"require_acp_session,omitempty"`
}

func handleAcpClose(cfg *config.Config, manager *acp.Manager, params map[string]any) (any, error) {
	var p AcpCloseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.SessionKey == "" {
		return nil, fmt.Errorf("session_key parameter is required")
	}

	result, err := manager.CloseSession(context.Background(), acp.CloseSessionInput{
		Cfg:               cfg,
		SessionKey:        p.SessionKey,
		Reason:            p.Reason,
		ClearMeta:         p.ClearMeta,
		RequireAcpSession: p.RequireAcpSession,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"runtime_closed": result.RuntimeClosed,
		"runtime_notice": result.RuntimeNotice,
		"meta_cleared":   result.MetaCleared,
	}, nil
}
