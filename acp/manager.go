package acp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/config"
	"github.com/openclaw/openclaw/internal/logger"
	"github.com/openclaw/openclaw/session"
)

var (
	globalManager   *Manager
	globalManagerMu sync.RWMutex
)

// GetGlobalManager returns the global ACP manager instance, or nil.
func GetGlobalManager() *Manager {
	globalManagerMu.RLock()
	defer globalManagerMu.RUnlock()
	return globalManager
}

// SetGlobalManager sets the global ACP manager instance.
// This should be called once during application initialization.
func SetGlobalManager(manager *Manager) {
	globalManagerMu.Lock()
	defer globalManagerMu.Unlock()
	globalManager = manager
}

// GetOrCreateGlobalManager gets the existing global manager or creates one
// backed by the given store.
func GetOrCreateGlobalManager(store session.Store) *Manager {
	globalManagerMu.Lock()
	defer globalManagerMu.Unlock()

	if globalManager == nil {
		globalManager = NewManager(store)
	}
	return globalManager
}

// ResetGlobalManagerForTesting clears the global singleton so tests can
// construct fresh managers without leaking state.
func ResetGlobalManagerForTesting() {
	globalManagerMu.Lock()
	defer globalManagerMu.Unlock()
	globalManager = nil
}

// Manager orchestrates ACP session lifecycle: ensure/run/cancel/close/status
// over the actor queue, runtime cache and metadata store, with admission
// control, idle eviction, identity reconciliation and observability.
type Manager struct {
	actorQueue   *ActorQueue
	runtimeCache *RuntimeCache
	store        session.Store

	mu                  sync.Mutex
	activeTurnBySession map[string]*ActiveTurnState
	errorCountsByCode   map[string]int
	draining            bool

	sessionLimitMu      sync.Mutex
	pendingSessionInits int

	turnLatencyStats *TurnLatencyStats

	// now is the clock; tests inject a virtual one for TTL behavior.
	now func() time.Time

	log *logger.FieldLogger
}

// NewManager creates a new ACP session manager backed by the given store.
func NewManager(store session.Store) *Manager {
	return &Manager{
		actorQueue:          NewActorQueue(),
		runtimeCache:        NewRuntimeCache(),
		store:               store,
		activeTurnBySession: make(map[string]*ActiveTurnState),
		errorCountsByCode:   make(map[string]int),
		turnLatencyStats:    &TurnLatencyStats{},
		now:                 time.Now,
		log:                 logger.Module("acp"),
	}
}

// SetClockForTesting overrides the manager clock.
func (m *Manager) SetClockForTesting(now func() time.Time) {
	m.now = now
}

// BeginDraining makes new turn submissions fail immediately. In-flight
// operations continue until completion.
func (m *Manager) BeginDraining() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.draining = true
}

func (m *Manager) isDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// ActiveTurnState tracks an active turn execution for cancellation.
type ActiveTurnState struct {
	runtime acpruntime.AcpRuntime
	handle  acpruntime.AcpRuntimeHandle
	abort   context.CancelFunc

	cancelOnce sync.Once
	cancelDone chan struct{}
	cancelErr  error

	mu        sync.Mutex
	cancelled bool
}

func (t *ActiveTurnState) markCancelled() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

func (t *ActiveTurnState) wasCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// requestCancel aborts the turn signal and invokes runtime.Cancel exactly
// once, no matter how many callers race here.
func (t *ActiveTurnState) requestCancel(ctx context.Context, reason string) error {
	t.cancelOnce.Do(func() {
		t.markCancelled()
		t.abort()
		t.cancelDone = make(chan struct{})
		go func() {
			t.cancelErr = t.runtime.Cancel(ctx, t.handle, reason)
			close(t.cancelDone)
		}()
	})
	<-t.cancelDone
	return t.cancelErr
}

// TurnLatencyStats tracks turn execution statistics.
type TurnLatencyStats struct {
	mu        sync.Mutex
	completed int
	failed    int
	totalMs   int64
	maxMs     int64
}

// RecordCompletion records a completed turn.
func (s *TurnLatencyStats) RecordCompletion(duration time.Duration, err error) {
	durationMs := duration.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalMs += durationMs
	if durationMs > s.maxMs {
		s.maxMs = durationMs
	}
	if err != nil {
		s.failed++
	} else {
		s.completed++
	}
}

// Snapshot returns completed, failed, average and max latency.
func (s *TurnLatencyStats) Snapshot() (completed, failed int, averageMs, maxMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.completed + s.failed
	if total > 0 {
		averageMs = s.totalMs / int64(total)
	}
	return s.completed, s.failed, averageMs, s.maxMs
}

// Session resolution kinds.
const (
	ResolutionNone  = "none"
	ResolutionStale = "stale"
	ResolutionReady = "ready"
)

// SessionResolution is the result of resolving a session key against the
// persisted store.
type SessionResolution struct {
	Kind       string
	SessionKey string
	Meta       *session.AcpMeta
}

// ResolveSession resolves a session key: "ready" with metadata when ACP
// metadata exists, "stale" when the key is ACP-shaped but metadata is
// missing, "none" otherwise.
func (m *Manager) ResolveSession(cfg *config.Config, sessionKey string) (SessionResolution, error) {
	key := session.NormalizeKey(sessionKey)
	if key == "" {
		return SessionResolution{Kind: ResolutionNone}, nil
	}

	entry, err := m.store.Read(key)
	if err != nil {
		return SessionResolution{}, acpruntime.NewSessionInitError("Could not read session metadata", err)
	}

	if entry != nil && entry.Acp != nil {
		return SessionResolution{Kind: ResolutionReady, SessionKey: key, Meta: entry.Acp}, nil
	}
	if session.IsAcpShapedKey(key) {
		return SessionResolution{Kind: ResolutionStale, SessionKey: key}, nil
	}
	return SessionResolution{Kind: ResolutionNone, SessionKey: key}, nil
}

// resolutionError converts a non-ready resolution into the fail-closed error.
func resolutionError(resolution SessionResolution) error {
	switch resolution.Kind {
	case ResolutionStale:
		return acpruntime.NewSessionInitError(
			fmt.Sprintf("ACP metadata is missing for session: %s", resolution.SessionKey), nil)
	default:
		return acpruntime.NewSessionInitError(
			fmt.Sprintf("Session is not ACP-enabled: %s", resolution.SessionKey), nil)
	}
}

// InitializeSessionInput parameterizes InitializeSession.
type InitializeSessionInput struct {
	Cfg            *config.Config
	SessionKey     string
	Agent          string
	Mode           acpruntime.AcpRuntimeSessionMode
	Cwd            string
	BackendID      string
	RuntimeOptions *session.AcpRuntimeOptions
	Label          string
}

// InitializeSession ensures a runtime session and persists its ACP metadata.
// On persistence failure the just-ensured handle is closed so no orphan
// runtime handles remain.
func (m *Manager) InitializeSession(ctx context.Context, input InitializeSessionInput) (*session.AcpMeta, error) {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return nil, acpruntime.NewSessionInitError("ACP session key is required", nil)
	}

	cwd, err := ValidateCwd(input.Cwd)
	if err != nil {
		return nil, err
	}

	agent := normalizeAgentID(input.Agent)
	mode := input.Mode
	if mode == "" {
		mode = acpruntime.AcpSessionModePersistent
	}

	m.evictIdleRuntimeHandles(ctx, input.Cfg)

	var resultMeta *session.AcpMeta

	err = m.actorQueue.Run(ctx, sessionKey, func() error {
		backendID := ResolveAcpBackend(input.Cfg, input.BackendID)

		state, err := m.ensureRuntimeState(ctx, ensureParams{
			cfg:        input.Cfg,
			sessionKey: sessionKey,
			backendID:  backendID,
			agent:      agent,
			mode:       mode,
			cwd:        cwd,
		})
		if err != nil {
			return err
		}

		now := m.now().UnixMilli()
		meta := &session.AcpMeta{
			Backend:            state.Handle.Backend,
			Agent:              agent,
			RuntimeSessionName: state.Handle.RuntimeSessionName,
			Identity:           IdentityFromEnsure(state.Handle, now),
			Mode:               mode,
			RuntimeOptions:     input.RuntimeOptions.Clone(),
			Cwd:                state.Handle.Cwd,
			State:              session.StateIdle,
			LastActivityAt:     now,
		}

		_, err = m.store.Upsert(sessionKey, func(current *session.Entry) (*session.Entry, error) {
			if current == nil {
				current = &session.Entry{Key: sessionKey}
			}
			if input.Label != "" {
				current.Label = input.Label
			}
			current.Acp = meta.Clone()
			return current, nil
		})
		if err != nil {
			// Compensate: never leave an orphan runtime handle behind a
			// failed metadata write.
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = state.Runtime.Close(closeCtx, state.Handle, "init-meta-failed")
			m.runtimeCache.Clear(sessionKey)
			return acpruntime.NewSessionInitError("Could not persist ACP session metadata", err)
		}

		resultMeta = meta
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resultMeta, nil
}

type ensureParams struct {
	cfg        *config.Config
	sessionKey string
	backendID  string
	agent      string
	mode       acpruntime.AcpRuntimeSessionMode
	cwd        string
}

// ensureRuntimeState returns a cached runtime state when (backend, agent,
// mode, cwd) match, otherwise closes any mismatched handle and ensures a new
// one under admission control. Caller must hold the session actor.
func (m *Manager) ensureRuntimeState(ctx context.Context, params ensureParams) (*CachedRuntimeState, error) {
	cached := m.runtimeCache.Get(params.sessionKey, m.now())
	if cached != nil {
		backendMatches := params.backendID == "" || cached.Backend == params.backendID
		if backendMatches && cached.Agent == params.agent && cached.Mode == params.mode && cached.Cwd == params.cwd {
			return cached, nil
		}

		// Parameter change (including cwd) invalidates the cached handle.
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = cached.Runtime.Close(closeCtx, cached.Handle, "session-params-changed")
		cancel()
		m.runtimeCache.Clear(params.sessionKey)
	}

	maxSessions := ResolveAcpMaxConcurrentSessions(params.cfg)
	if maxSessions > 0 {
		release, err := m.acquireSessionInitSlot(maxSessions)
		if err != nil {
			m.RecordError(acpruntime.GetAcpErrorCode(err))
			return nil, err
		}
		defer release()
	}

	backend, err := acpruntime.RequireAcpRuntimeBackend(params.backendID)
	if err != nil {
		m.RecordError(acpruntime.GetAcpErrorCode(err))
		return nil, err
	}

	handle, err := backend.Runtime.EnsureSession(ctx, acpruntime.AcpRuntimeEnsureInput{
		SessionKey: params.sessionKey,
		Agent:      params.agent,
		Mode:       params.mode,
		Cwd:        params.cwd,
	})
	if err != nil {
		wrapped := acpruntime.NewSessionInitError("Could not initialize ACP session runtime", err)
		m.RecordError(acpruntime.GetAcpErrorCode(wrapped))
		return nil, wrapped
	}

	state := &CachedRuntimeState{
		Runtime: backend.Runtime,
		Handle:  handle,
		Backend: handle.Backend,
		Agent:   params.agent,
		Mode:    params.mode,
		Cwd:     handle.Cwd,
	}
	m.runtimeCache.Set(params.sessionKey, state, m.now())
	return state, nil
}

// acquireSessionInitSlot enforces the admission limit. Eviction runs before
// admission (callers go through evictIdleRuntimeHandles first), so idle
// handles past their TTL free slots deterministically.
func (m *Manager) acquireSessionInitSlot(maxSessions int) (func(), error) {
	m.sessionLimitMu.Lock()
	defer m.sessionLimitMu.Unlock()

	active := m.runtimeCache.Size() + m.pendingSessionInits
	if active >= maxSessions {
		return nil, acpruntime.NewSessionLimitError(active, maxSessions)
	}

	m.pendingSessionInits++
	released := false
	return func() {
		m.sessionLimitMu.Lock()
		defer m.sessionLimitMu.Unlock()
		if released {
			return
		}
		released = true
		if m.pendingSessionInits > 0 {
			m.pendingSessionInits--
		}
	}, nil
}

// effectiveCwd resolves the working directory for a session: the persisted
// runtime option wins over the ensure-time cwd.
func effectiveCwd(meta *session.AcpMeta) string {
	if meta.RuntimeOptions != nil && meta.RuntimeOptions.Cwd != "" {
		return meta.RuntimeOptions.Cwd
	}
	return meta.Cwd
}

// persistMeta commits a mutation of the ACP metadata for a session key.
func (m *Manager) persistMeta(sessionKey string, mutate func(meta *session.AcpMeta) error) (*session.AcpMeta, error) {
	entry, err := m.store.Upsert(sessionKey, func(current *session.Entry) (*session.Entry, error) {
		if current == nil || current.Acp == nil {
			return current, fmt.Errorf("no ACP metadata for session: %s", sessionKey)
		}
		if err := mutate(current.Acp); err != nil {
			return nil, err
		}
		return current, nil
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return entry.Acp, nil
}

// reconcileIdentity merges an incoming identity into the persisted one under
// the monotonic rules and projects the result onto the cached handle.
// Returns the merged identity and whether this call transitioned it from
// pending to resolved.
func (m *Manager) reconcileIdentity(sessionKey string, incoming *session.AcpIdentity) (*session.AcpIdentity, bool, error) {
	var merged *session.AcpIdentity
	var becameResolved bool

	_, err := m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
		wasPending := meta.Identity == nil || meta.Identity.State == session.IdentityPending
		merged = MergeIdentity(meta.Identity, incoming)
		becameResolved = wasPending && merged != nil && merged.State == session.IdentityResolved
		meta.Identity = merged
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if cached := m.runtimeCache.Peek(sessionKey); cached != nil {
		projectIdentityOntoHandle(merged, &cached.Handle)
	}
	return merged, becameResolved, nil
}

// AcpSessionStatus represents the status of an ACP session.
type AcpSessionStatus struct {
	SessionKey     string                            `json:"session_key"`
	Backend        string                            `json:"backend"`
	Agent          string                            `json:"agent"`
	Identity       *session.AcpIdentity              `json:"identity,omitempty"`
	State          string                            `json:"state"`
	Mode           acpruntime.AcpRuntimeSessionMode  `json:"mode"`
	RuntimeOptions *session.AcpRuntimeOptions        `json:"runtime_options,omitempty"`
	Capabilities   acpruntime.AcpRuntimeCapabilities `json:"capabilities"`
	RuntimeStatus  *acpruntime.AcpRuntimeStatus      `json:"runtime_status,omitempty"`
	LastActivityAt int64                             `json:"last_activity_at"`
	LastError      string                            `json:"last_error,omitempty"`
}

// GetSessionStatusInput parameterizes GetSessionStatus.
type GetSessionStatusInput struct {
	Cfg        *config.Config
	SessionKey string
}

// GetSessionStatus ensures the runtime handle, queries capabilities and
// status, reconciles identity from the status response, and reports the
// merged view.
func (m *Manager) GetSessionStatus(ctx context.Context, input GetSessionStatusInput) (*AcpSessionStatus, error) {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return nil, acpruntime.NewSessionInitError("ACP session key is required", nil)
	}

	m.evictIdleRuntimeHandles(ctx, input.Cfg)

	var result *AcpSessionStatus

	err := m.actorQueue.Run(ctx, sessionKey, func() error {
		resolution, err := m.ResolveSession(input.Cfg, sessionKey)
		if err != nil {
			return err
		}
		if resolution.Kind != ResolutionReady {
			return resolutionError(resolution)
		}
		meta := resolution.Meta

		state, err := m.ensureRuntimeState(ctx, ensureParams{
			cfg:        input.Cfg,
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

		var runtimeStatus *acpruntime.AcpRuntimeStatus
		if capabilities.SupportsControl(acpruntime.AcpControlSessionStatus) {
			status, statusErr := state.Runtime.GetStatus(ctx, state.Handle)
			if statusErr == nil && status != nil {
				runtimeStatus = status
				if incoming := IdentityFromStatus(status, m.now().UnixMilli()); incoming != nil {
					merged, _, reconcileErr := m.reconcileIdentity(sessionKey, incoming)
					if reconcileErr == nil {
						meta.Identity = merged
					}
				}
			}
		}

		result = &AcpSessionStatus{
			SessionKey:     sessionKey,
			Backend:        meta.Backend,
			Agent:          meta.Agent,
			Identity:       meta.Identity,
			State:          meta.State,
			Mode:           meta.Mode,
			RuntimeOptions: meta.RuntimeOptions,
			Capabilities:   capabilities,
			RuntimeStatus:  runtimeStatus,
			LastActivityAt: meta.LastActivityAt,
			LastError:      meta.LastError,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetSessionRuntimeModeInput parameterizes SetSessionRuntimeMode.
type SetSessionRuntimeModeInput struct {
	Cfg         *config.Config
	SessionKey  string
	RuntimeMode string
}

// SetSessionRuntimeMode applies a runtime mode via the backend's
// session/set_mode control and persists it as a runtime option.
func (m *Manager) SetSessionRuntimeMode(ctx context.Context, input SetSessionRuntimeModeInput) (*session.AcpRuntimeOptions, error) {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return nil, acpruntime.NewSessionInitError("ACP session key is required", nil)
	}

	mode, err := ValidateRuntimeMode(input.RuntimeMode)
	if err != nil {
		return nil, err
	}

	var resultOptions *session.AcpRuntimeOptions

	err = m.actorQueue.Run(ctx, sessionKey, func() error {
		resolution, err := m.ResolveSession(input.Cfg, sessionKey)
		if err != nil {
			return err
		}
		if resolution.Kind != ResolutionReady {
			return resolutionError(resolution)
		}
		meta := resolution.Meta

		state, err := m.ensureRuntimeState(ctx, ensureParams{
			cfg:        input.Cfg,
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
		if !capabilities.SupportsControl(acpruntime.AcpControlSessionSetMode) {
			return acpruntime.NewUnsupportedControlError(state.Backend, acpruntime.AcpControlSessionSetMode)
		}

		if err := state.Runtime.SetMode(ctx, state.Handle, mode); err != nil {
			if acpruntime.GetAcpErrorCode(err) == acpruntime.ErrCodeBackendUnsupportedControl {
				return acpruntime.NewUnsupportedControlError(state.Backend, acpruntime.AcpControlSessionSetMode)
			}
			return acpruntime.NewTurnError("Could not update ACP runtime mode", err)
		}

		merged, err := m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
			meta.RuntimeOptions = MergeRuntimeOptions(meta.RuntimeOptions, RuntimeOptionPatch{RuntimeMode: &mode})
			return nil
		})
		if err != nil {
			return acpruntime.NewSessionInitError("Could not persist ACP runtime options", err)
		}

		// Force reapply on the next turn.
		m.runtimeCache.SetAppliedControlSignature(sessionKey, "")
		resultOptions = merged.RuntimeOptions
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resultOptions, nil
}

// SetSessionConfigOptionInput parameterizes SetSessionConfigOption.
type SetSessionConfigOptionInput struct {
	Cfg        *config.Config
	SessionKey string
	Key        string
	Value      string
}

// SetSessionConfigOption applies one config option via the backend's
// session/set_config_option control. Keys the backend does not advertise are
// rejected. Known option keys are persisted so they survive restarts.
func (m *Manager) SetSessionConfigOption(ctx context.Context, input SetSessionConfigOptionInput) (*session.AcpRuntimeOptions, error) {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return nil, acpruntime.NewSessionInitError("ACP session key is required", nil)
	}

	key := normalizeConfigOptionKey(input.Key)
	if key == "" {
		return nil, acpruntime.NewInvalidRuntimeOptionError("config option key must be non-empty text")
	}

	patch, err := ValidateRuntimeOptionPatch(patchFromConfigOption(key, input.Value))
	if err != nil {
		return nil, err
	}

	var resultOptions *session.AcpRuntimeOptions

	err = m.actorQueue.Run(ctx, sessionKey, func() error {
		resolution, err := m.ResolveSession(input.Cfg, sessionKey)
		if err != nil {
			return err
		}
		if resolution.Kind != ResolutionReady {
			return resolutionError(resolution)
		}
		meta := resolution.Meta

		state, err := m.ensureRuntimeState(ctx, ensureParams{
			cfg:        input.Cfg,
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
		if !capabilities.SupportsControl(acpruntime.AcpControlSessionSetConfigOption) ||
			!capabilities.AdvertisesConfigOptionKey(key) {
			return acpruntime.NewUnsupportedControlError(state.Backend, acpruntime.AcpControlSessionSetConfigOption)
		}

		if err := state.Runtime.SetConfigOption(ctx, state.Handle, key, input.Value); err != nil {
			if acpruntime.GetAcpErrorCode(err) == acpruntime.ErrCodeBackendUnsupportedControl {
				return acpruntime.NewUnsupportedControlError(state.Backend, acpruntime.AcpControlSessionSetConfigOption)
			}
			return acpruntime.NewTurnError("Could not update ACP config option", err)
		}

		if !patch.IsZero() {
			merged, err := m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
				meta.RuntimeOptions = MergeRuntimeOptions(meta.RuntimeOptions, patch)
				return nil
			})
			if err != nil {
				return acpruntime.NewSessionInitError("Could not persist ACP runtime options", err)
			}
			resultOptions = merged.RuntimeOptions
		} else {
			resultOptions = meta.RuntimeOptions
		}

		m.runtimeCache.SetAppliedControlSignature(sessionKey, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resultOptions, nil
}

// UpdateSessionRuntimeOptionsInput parameterizes UpdateSessionRuntimeOptions.
type UpdateSessionRuntimeOptionsInput struct {
	Cfg        *config.Config
	SessionKey string
	Patch      RuntimeOptionPatch
}

// UpdateSessionRuntimeOptions validates and persists a runtime option patch.
// A cwd change invalidates the cached handle; any write resets the applied
// control signature so the next turn reapplies.
func (m *Manager) UpdateSessionRuntimeOptions(ctx context.Context, input UpdateSessionRuntimeOptionsInput) (*session.AcpRuntimeOptions, error) {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return nil, acpruntime.NewSessionInitError("ACP session key is required", nil)
	}

	patch, err := ValidateRuntimeOptionPatch(input.Patch)
	if err != nil {
		return nil, err
	}

	var resultOptions *session.AcpRuntimeOptions

	err = m.actorQueue.Run(ctx, sessionKey, func() error {
		resolution, err := m.ResolveSession(input.Cfg, sessionKey)
		if err != nil {
			return err
		}
		if resolution.Kind != ResolutionReady {
			return resolutionError(resolution)
		}

		previousCwd := effectiveCwd(resolution.Meta)

		merged, err := m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
			meta.RuntimeOptions = MergeRuntimeOptions(meta.RuntimeOptions, patch)
			return nil
		})
		if err != nil {
			return acpruntime.NewSessionInitError("Could not persist ACP runtime options", err)
		}

		if effectiveCwd(merged) != previousCwd {
			if cached := m.runtimeCache.Peek(sessionKey); cached != nil {
				closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				_ = cached.Runtime.Close(closeCtx, cached.Handle, "cwd-changed")
				cancel()
				m.runtimeCache.Clear(sessionKey)
			}
		}

		m.runtimeCache.SetAppliedControlSignature(sessionKey, "")
		resultOptions = merged.RuntimeOptions
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resultOptions, nil
}

// ResetSessionRuntimeOptionsInput parameterizes ResetSessionRuntimeOptions.
type ResetSessionRuntimeOptionsInput struct {
	Cfg        *config.Config
	SessionKey string
}

// ResetSessionRuntimeOptions clears persisted options and closes the cached
// handle so the next turn starts from backend defaults.
func (m *Manager) ResetSessionRuntimeOptions(ctx context.Context, input ResetSessionRuntimeOptionsInput) error {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return acpruntime.NewSessionInitError("ACP session key is required", nil)
	}

	return m.actorQueue.Run(ctx, sessionKey, func() error {
		resolution, err := m.ResolveSession(input.Cfg, sessionKey)
		if err != nil {
			return err
		}
		if resolution.Kind != ResolutionReady {
			return resolutionError(resolution)
		}

		if cached := m.runtimeCache.Peek(sessionKey); cached != nil {
			closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = cached.Runtime.Close(closeCtx, cached.Handle, "reset-runtime-options")
			cancel()
			m.runtimeCache.Clear(sessionKey)
		}

		_, err = m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
			meta.RuntimeOptions = nil
			return nil
		})
		if err != nil {
			return acpruntime.NewSessionInitError("Could not persist ACP runtime options", err)
		}
		return nil
	})
}

// applyRuntimeControls applies setMode and advertised config options when the
// control signature changed since the last apply. Caller holds the actor.
func (m *Manager) applyRuntimeControls(ctx context.Context, sessionKey string, state *CachedRuntimeState, options *session.AcpRuntimeOptions) error {
	desired := ControlSignature(options)
	if desired == state.AppliedControlSignature {
		return nil
	}
	if desired == "" {
		m.runtimeCache.SetAppliedControlSignature(sessionKey, "")
		return nil
	}

	capabilities, _ := state.Runtime.GetCapabilities(ctx, &state.Handle)

	if options.RuntimeMode != "" {
		if !capabilities.SupportsControl(acpruntime.AcpControlSessionSetMode) {
			return acpruntime.NewUnsupportedControlError(state.Backend, acpruntime.AcpControlSessionSetMode)
		}
		if err := state.Runtime.SetMode(ctx, state.Handle, options.RuntimeMode); err != nil {
			return acpruntime.NewTurnError("Could not apply ACP runtime mode", err)
		}
	}

	entries := configOptionEntries(options)
	if len(entries) > 0 {
		if !capabilities.SupportsControl(acpruntime.AcpControlSessionSetConfigOption) {
			return acpruntime.NewUnsupportedControlError(state.Backend, acpruntime.AcpControlSessionSetConfigOption)
		}
		for _, entry := range entries {
			key, value := entry[0], entry[1]
			if !capabilities.AdvertisesConfigOptionKey(key) {
				return acpruntime.NewUnsupportedControlError(state.Backend, acpruntime.AcpControlSessionSetConfigOption)
			}
			if err := state.Runtime.SetConfigOption(ctx, state.Handle, key, value); err != nil {
				return acpruntime.NewTurnError(fmt.Sprintf("Could not apply ACP config option '%s'", key), err)
			}
		}
	}

	m.runtimeCache.SetAppliedControlSignature(sessionKey, desired)
	return nil
}

// RunTurnInput parameterizes RunTurn.
type RunTurnInput struct {
	Cfg        *config.Config
	SessionKey string
	Text       string
	Mode       acpruntime.AcpRuntimePromptMode
	RequestID  string

	// OnEvent receives streamed events in source order. Error events are
	// consumed by the manager and surfaced as the returned error.
	OnEvent func(event acpruntime.AcpRuntimeEvent)
}

// RunTurn executes one turn on a session with at-most-one turn per session
// (I2). See the package doc for the full lifecycle.
func (m *Manager) RunTurn(ctx context.Context, input RunTurnInput) error {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return acpruntime.NewSessionInitError("ACP session key is required", nil)
	}
	if m.isDraining() {
		return acpruntime.NewTurnError("ACP manager is draining; new turns are rejected", nil)
	}

	requestID := input.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	m.evictIdleRuntimeHandles(ctx, input.Cfg)

	return m.actorQueue.Run(ctx, sessionKey, func() error {
		resolution, err := m.ResolveSession(input.Cfg, sessionKey)
		if err != nil {
			return err
		}
		if resolution.Kind != ResolutionReady {
			err := resolutionError(resolution)
			m.RecordError(acpruntime.GetAcpErrorCode(err))
			return err
		}
		meta := resolution.Meta

		state, err := m.ensureRuntimeState(ctx, ensureParams{
			cfg:        input.Cfg,
			sessionKey: sessionKey,
			backendID:  meta.Backend,
			agent:      meta.Agent,
			mode:       meta.Mode,
			cwd:        effectiveCwd(meta),
		})
		if err != nil {
			return err
		}

		// Preliminary ids from ensure are merged before the turn so restart
		// adoption is visible immediately.
		if _, _, reconcileErr := m.reconcileIdentity(sessionKey, IdentityFromEnsure(state.Handle, m.now().UnixMilli())); reconcileErr != nil {
			m.log.Warn("identity reconcile from ensure failed",
				zap.String("session_key", sessionKey), zap.Error(reconcileErr))
		}

		if err := m.applyRuntimeControls(ctx, sessionKey, state, meta.RuntimeOptions); err != nil {
			m.RecordError(acpruntime.GetAcpErrorCode(err))
			return err
		}

		if _, err := m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
			meta.State = session.StateRunning
			meta.LastError = ""
			meta.LastActivityAt = m.now().UnixMilli()
			return nil
		}); err != nil {
			return acpruntime.NewSessionInitError("Could not persist ACP session state", err)
		}

		turnCtx, abort := context.WithCancel(ctx)
		defer abort()

		activeTurn := &ActiveTurnState{
			runtime: state.Runtime,
			handle:  state.Handle,
			abort:   abort,
		}
		m.mu.Lock()
		m.activeTurnBySession[sessionKey] = activeTurn
		m.mu.Unlock()

		startedAt := time.Now()

		turnErr := m.streamTurn(turnCtx, state, acpruntime.AcpRuntimeTurnInput{
			Handle:    state.Handle,
			Text:      input.Text,
			Mode:      input.Mode,
			RequestID: requestID,
		}, input.OnEvent)

		// A cancelled turn resolves as idle, not as error.
		if turnErr != nil && activeTurn.wasCancelled() {
			turnErr = nil
		}

		m.turnLatencyStats.RecordCompletion(time.Since(startedAt), turnErr)

		if turnErr != nil {
			code := acpruntime.NormalizeAcpErrorCode(acpruntime.GetAcpErrorCode(turnErr))
			m.RecordError(code)
			if _, err := m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
				meta.State = session.StateError
				meta.LastError = turnErr.Error()
				meta.LastActivityAt = m.now().UnixMilli()
				return nil
			}); err != nil {
				m.log.Warn("could not persist error state",
					zap.String("session_key", sessionKey), zap.Error(err))
			}
		} else {
			if _, err := m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
				meta.State = session.StateIdle
				meta.LastActivityAt = m.now().UnixMilli()
				return nil
			}); err != nil {
				m.log.Warn("could not persist idle state",
					zap.String("session_key", sessionKey), zap.Error(err))
			}
		}

		m.mu.Lock()
		delete(m.activeTurnBySession, sessionKey)
		m.mu.Unlock()

		if meta.Mode == acpruntime.AcpSessionModeOneshot {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = state.Runtime.Close(closeCtx, state.Handle, "oneshot-complete")
			cancel()
			m.runtimeCache.Clear(sessionKey)
		} else if turnErr == nil {
			// Best-effort corroboration of ensure-derived ids.
			m.reconcileIdentityFromStatus(ctx, sessionKey, state)
		}

		return turnErr
	})
}

// streamTurn drains the runtime event stream. An in-band error event is
// recorded and the stream is drained to respect backend ordering; the error
// is returned after the stream ends.
func (m *Manager) streamTurn(ctx context.Context, state *CachedRuntimeState, turnInput acpruntime.AcpRuntimeTurnInput, onEvent func(acpruntime.AcpRuntimeEvent)) error {
	events, err := state.Runtime.RunTurn(ctx, turnInput)
	if err != nil {
		if acpruntime.IsAcpRuntimeError(err) {
			return err
		}
		return acpruntime.NewTurnError("ACP turn failed to start", err)
	}

	var deferred error
	for event := range events {
		if event == nil {
			continue
		}
		if errEvent, ok := event.(*acpruntime.AcpEventError); ok {
			deferred = acpruntime.NewAcpRuntimeError(
				acpruntime.NormalizeAcpErrorCode(errEvent.Code), errEvent.Message, nil)
			continue
		}
		if onEvent != nil {
			onEvent(event)
		}
	}

	if deferred != nil {
		return deferred
	}
	if ctx.Err() != nil {
		return acpruntime.NewTurnError("ACP turn cancelled", ctx.Err())
	}
	return nil
}

// reconcileIdentityFromStatus queries the backend status and merges any ids
// it reports. Failures are logged and swallowed.
func (m *Manager) reconcileIdentityFromStatus(ctx context.Context, sessionKey string, state *CachedRuntimeState) {
	capabilities, _ := state.Runtime.GetCapabilities(ctx, &state.Handle)
	if !capabilities.SupportsControl(acpruntime.AcpControlSessionStatus) {
		return
	}

	status, err := state.Runtime.GetStatus(ctx, state.Handle)
	if err != nil || status == nil {
		return
	}

	incoming := IdentityFromStatus(status, m.now().UnixMilli())
	if incoming == nil {
		return
	}
	if _, _, err := m.reconcileIdentity(sessionKey, incoming); err != nil {
		m.log.Warn("identity reconcile from status failed",
			zap.String("session_key", sessionKey), zap.Error(err))
	}
}

// CancelSessionInput parameterizes CancelSession.
type CancelSessionInput struct {
	Cfg        *config.Config
	SessionKey string
	Reason     string
}

// CancelSession cancels the active turn if there is one (aborting its signal
// and invoking runtime.Cancel exactly once), otherwise cancels on an idle
// handle under the session actor.
func (m *Manager) CancelSession(ctx context.Context, input CancelSessionInput) error {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return acpruntime.NewSessionInitError("ACP session key is required", nil)
	}

	m.mu.Lock()
	activeTurn := m.activeTurnBySession[sessionKey]
	m.mu.Unlock()

	if activeTurn != nil {
		return activeTurn.requestCancel(ctx, input.Reason)
	}

	m.evictIdleRuntimeHandles(ctx, input.Cfg)

	return m.actorQueue.Run(ctx, sessionKey, func() error {
		resolution, err := m.ResolveSession(input.Cfg, sessionKey)
		if err != nil {
			return err
		}
		if resolution.Kind != ResolutionReady {
			return resolutionError(resolution)
		}
		meta := resolution.Meta

		state, err := m.ensureRuntimeState(ctx, ensureParams{
			cfg:        input.Cfg,
			sessionKey: sessionKey,
			backendID:  meta.Backend,
			agent:      meta.Agent,
			mode:       meta.Mode,
			cwd:        effectiveCwd(meta),
		})
		if err != nil {
			return err
		}

		cancelErr := state.Runtime.Cancel(ctx, state.Handle, input.Reason)

		if _, err := m.persistMeta(sessionKey, func(meta *session.AcpMeta) error {
			if cancelErr != nil {
				meta.State = session.StateError
				meta.LastError = cancelErr.Error()
			} else {
				meta.State = session.StateIdle
				meta.LastError = ""
			}
			meta.LastActivityAt = m.now().UnixMilli()
			return nil
		}); err != nil {
			m.log.Warn("could not persist cancel state",
				zap.String("session_key", sessionKey), zap.Error(err))
		}

		if cancelErr != nil {
			return acpruntime.NewTurnError("Could not cancel ACP session", cancelErr)
		}
		return nil
	})
}

// CloseSessionInput parameterizes CloseSession.
type CloseSessionInput struct {
	Cfg                     *config.Config
	SessionKey              string
	Reason                  string
	ClearMeta               bool
	AllowBackendUnavailable bool
	RequireAcpSession       bool
}

// CloseSessionResult reports what CloseSession did.
type CloseSessionResult struct {
	RuntimeClosed bool
	RuntimeNotice string
	MetaCleared   bool
}

// CloseSession cancels any active turn, closes the runtime handle, drops the
// cache slot and optionally deletes persisted metadata. A close failing with
// a missing/unavailable backend is treated as terminal when
// AllowBackendUnavailable is set: the slot is dropped and a notice surfaced.
func (m *Manager) CloseSession(ctx context.Context, input CloseSessionInput) (*CloseSessionResult, error) {
	sessionKey := session.NormalizeKey(input.SessionKey)
	if sessionKey == "" {
		return nil, acpruntime.NewSessionInitError("ACP session key is required", nil)
	}

	m.evictIdleRuntimeHandles(ctx, input.Cfg)

	m.mu.Lock()
	activeTurn := m.activeTurnBySession[sessionKey]
	m.mu.Unlock()
	if activeTurn != nil {
		if err := activeTurn.requestCancel(ctx, input.Reason); err != nil {
			m.log.Warn("cancel before close failed",
				zap.String("session_key", sessionKey), zap.Error(err))
		}
	}

	var result *CloseSessionResult

	err := m.actorQueue.Run(ctx, sessionKey, func() error {
		resolution, err := m.ResolveSession(input.Cfg, sessionKey)
		if err != nil {
			return err
		}
		if resolution.Kind != ResolutionReady {
			if input.RequireAcpSession {
				return resolutionError(resolution)
			}
			result = &CloseSessionResult{}
			return nil
		}

		runtimeClosed := false
		runtimeNotice := ""

		if cached := m.runtimeCache.Peek(sessionKey); cached != nil {
			if closeErr := cached.Runtime.Close(ctx, cached.Handle, input.Reason); closeErr != nil {
				code := acpruntime.GetAcpErrorCode(closeErr)
				backendGone := code == acpruntime.ErrCodeBackendMissing ||
					code == acpruntime.ErrCodeBackendUnavailable
				if !backendGone || !input.AllowBackendUnavailable {
					return closeErr
				}
				// Drop the slot so it stops counting against admission.
				runtimeNotice = closeErr.Error()
			} else {
				runtimeClosed = true
			}
			m.runtimeCache.Clear(sessionKey)
		}

		metaCleared := false
		if input.ClearMeta {
			if _, err := m.store.Upsert(sessionKey, func(current *session.Entry) (*session.Entry, error) {
				if current == nil {
					return nil, nil
				}
				current.Acp = nil
				return current, nil
			}); err != nil {
				return acpruntime.NewSessionInitError("Could not clear ACP session metadata", err)
			}
			metaCleared = true
		}

		result = &CloseSessionResult{
			RuntimeClosed: runtimeClosed,
			RuntimeNotice: runtimeNotice,
			MetaCleared:   metaCleared,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// evictIdleRuntimeHandles closes and removes handles idle past the TTL.
// Eviction takes the actor lane per candidate to avoid racing in-flight
// turns; close errors are logged and the slot is released regardless so
// admission stays correct.
func (m *Manager) evictIdleRuntimeHandles(ctx context.Context, cfg *config.Config) int {
	idleTTL := ResolveRuntimeIdleTTL(cfg)
	if idleTTL <= 0 || m.runtimeCache.Size() == 0 {
		return 0
	}

	candidates := m.runtimeCache.CollectIdleCandidates(idleTTL, m.now())
	evicted := 0

	for _, candidate := range candidates {
		m.mu.Lock()
		_, hasActiveTurn := m.activeTurnBySession[candidate.SessionKey]
		m.mu.Unlock()
		if hasActiveTurn {
			continue
		}

		_ = m.actorQueue.Run(ctx, candidate.SessionKey, func() error {
			cached := m.runtimeCache.Peek(candidate.SessionKey)
			if cached == nil {
				return nil
			}
			// Re-check idleness under the actor lane.
			if m.now().Sub(m.runtimeCache.LastTouchedAt(candidate.SessionKey)) < idleTTL {
				return nil
			}

			m.runtimeCache.Clear(candidate.SessionKey)

			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cached.Runtime.Close(closeCtx, cached.Handle, "idle-evicted"); err != nil {
				m.log.Warn("idle eviction close failed",
					zap.String("session_key", candidate.SessionKey), zap.Error(err))
			}

			m.runtimeCache.IncrementEvicted(m.now())
			evicted++
			return nil
		})
	}

	return evicted
}

// RecordError records an error by code for observability.
func (m *Manager) RecordError(code string) {
	if code == "" {
		code = acpruntime.ErrCodeTurnFailed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCountsByCode[code]++
}

// ErrorCounts returns a copy of error counts by code.
func (m *Manager) ErrorCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int, len(m.errorCountsByCode))
	for k, v := range m.errorCountsByCode {
		counts[k] = v
	}
	return counts
}

// HasActiveTurn reports whether a turn is currently running for the session.
func (m *Manager) HasActiveTurn(sessionKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.activeTurnBySession[session.NormalizeKey(sessionKey)]
	return ok
}

// ManagerObservabilitySnapshot represents observability data for telemetry.
type ManagerObservabilitySnapshot struct {
	RuntimeCache RuntimeCacheSnapshot `json:"runtime_cache"`
	Turns        TurnsSnapshot        `json:"turns"`
	ErrorsByCode map[string]int       `json:"errors_by_code"`
}

// RuntimeCacheSnapshot represents runtime cache statistics.
type RuntimeCacheSnapshot struct {
	ActiveSessions int    `json:"active_sessions"`
	IdleTtlMs      int64  `json:"idle_ttl_ms"`
	EvictedTotal   int    `json:"evicted_total"`
	LastEvictedAt  *int64 `json:"last_evicted_at,omitempty"`
}

// TurnsSnapshot represents turn execution statistics.
type TurnsSnapshot struct {
	Active           int   `json:"active"`
	QueueDepth       int   `json:"queue_depth"`
	Completed        int   `json:"completed"`
	Failed           int   `json:"failed"`
	AverageLatencyMs int64 `json:"average_latency_ms"`
	MaxLatencyMs     int64 `json:"max_latency_ms"`
}

// GetObservabilitySnapshot returns observability data.
func (m *Manager) GetObservabilitySnapshot(cfg *config.Config) ManagerObservabilitySnapshot {
	completed, failed, averageMs, maxMs := m.turnLatencyStats.Snapshot()

	cacheSnapshot := m.runtimeCache.Snapshot()
	cacheSnapshot.IdleTtlMs = ResolveRuntimeIdleTTL(cfg).Milliseconds()

	m.mu.Lock()
	active := len(m.activeTurnBySession)
	m.mu.Unlock()

	return ManagerObservabilitySnapshot{
		RuntimeCache: cacheSnapshot,
		Turns: TurnsSnapshot{
			Active:           active,
			QueueDepth:       m.actorQueue.PendingCount(),
			Completed:        completed,
			Failed:           failed,
			AverageLatencyMs: averageMs,
			MaxLatencyMs:     maxMs,
		},
		ErrorsByCode: m.ErrorCounts(),
	}
}

// normalizeConfigOptionKey lowercases and trims a config option key.
func normalizeConfigOptionKey(key string) string {
	return session.NormalizeKey(key)
}

// patchFromConfigOption infers a runtime option patch from a config option
// key/value. Unknown keys yield an empty patch: they are applied to the
// backend but not persisted.
func patchFromConfigOption(key, value string) RuntimeOptionPatch {
	switch key {
	case "model":
		return RuntimeOptionPatch{Model: &value}
	case "permission_profile", "permission-profile":
		return RuntimeOptionPatch{PermissionProfile: &value}
	case "cwd", "working_directory", "working-dir":
		return RuntimeOptionPatch{Cwd: &value}
	case "timeout", "timeout_seconds":
		timeout := 0
		if _, err := fmt.Sscanf(value, "%d", &timeout); err == nil {
			return RuntimeOptionPatch{TimeoutSeconds: &timeout}
		}
		// Non-numeric timeout fails validation downstream.
		negative := -1
		return RuntimeOptionPatch{TimeoutSeconds: &negative}
	default:
		return RuntimeOptionPatch{}
	}
}
