package acp

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/config"
	"github.com/openclaw/openclaw/session"
)

// fakeRuntime is a controllable in-memory AcpRuntime for manager tests.
type fakeRuntime struct {
	mu             sync.Mutex
	ensureCalls    int
	statusCalls    int
	cancelCalls    int
	setModeCalls   []string
	setConfigCalls [][2]string
	closeReasons   []string

	inFlightTurns    int
	maxInFlightTurns int

	caps      acpruntime.AcpRuntimeCapabilities
	status    *acpruntime.AcpRuntimeStatus
	ensureErr error
	closeErr  error

	turnEvents  []acpruntime.AcpRuntimeEvent
	turnStarted chan struct{}
	turnRelease chan struct{}
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		caps: acpruntime.AcpRuntimeCapabilities{
			Controls: []acpruntime.AcpRuntimeControl{
				acpruntime.AcpControlSessionSetMode,
				acpruntime.AcpControlSessionSetConfigOption,
				acpruntime.AcpControlSessionStatus,
			},
		},
	}
}

func (f *fakeRuntime) EnsureSession(ctx context.Context, input acpruntime.AcpRuntimeEnsureInput) (acpruntime.AcpRuntimeHandle, error) {
	f.mu.Lock()
	f.ensureCalls++
	calls := f.ensureCalls
	err := f.ensureErr
	f.mu.Unlock()

	if err != nil {
		return acpruntime.AcpRuntimeHandle{}, err
	}
	return acpruntime.AcpRuntimeHandle{
		SessionKey:         input.SessionKey,
		Backend:            "test",
		RuntimeSessionName: fmt.Sprintf("rt-%d", calls),
		Cwd:                input.Cwd,
		BackendSessionId:   fmt.Sprintf("backend-%d", calls),
	}, nil
}

func (f *fakeRuntime) RunTurn(ctx context.Context, input acpruntime.AcpRuntimeTurnInput) (<-chan acpruntime.AcpRuntimeEvent, error) {
	f.mu.Lock()
	f.inFlightTurns++
	if f.inFlightTurns > f.maxInFlightTurns {
		f.maxInFlightTurns = f.inFlightTurns
	}
	events := append([]acpruntime.AcpRuntimeEvent(nil), f.turnEvents...)
	started := f.turnStarted
	release := f.turnRelease
	f.mu.Unlock()

	out := make(chan acpruntime.AcpRuntimeEvent, len(events)+1)
	go func() {
		defer func() {
			f.mu.Lock()
			f.inFlightTurns--
			f.mu.Unlock()
			close(out)
		}()

		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				return
			}
		}
		for _, event := range events {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *fakeRuntime) GetCapabilities(ctx context.Context, handle *acpruntime.AcpRuntimeHandle) (acpruntime.AcpRuntimeCapabilities, error) {
	return f.caps, nil
}

func (f *fakeRuntime) GetStatus(ctx context.Context, handle acpruntime.AcpRuntimeHandle) (*acpruntime.AcpRuntimeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.status, nil
}

func (f *fakeRuntime) SetMode(ctx context.Context, handle acpruntime.AcpRuntimeHandle, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setModeCalls = append(f.setModeCalls, mode)
	return nil
}

func (f *fakeRuntime) SetConfigOption(ctx context.Context, handle acpruntime.AcpRuntimeHandle, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setConfigCalls = append(f.setConfigCalls, [2]string{key, value})
	return nil
}

func (f *fakeRuntime) Doctor(ctx context.Context) (acpruntime.AcpRuntimeDoctorReport, error) {
	return acpruntime.AcpRuntimeDoctorReport{Ok: true}, nil
}

func (f *fakeRuntime) Cancel(ctx context.Context, handle acpruntime.AcpRuntimeHandle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeRuntime) Close(ctx context.Context, handle acpruntime.AcpRuntimeHandle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeReasons = append(f.closeReasons, reason)
	return f.closeErr
}

func (f *fakeRuntime) closedWith(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, candidate := range f.closeReasons {
		if candidate == reason {
			return true
		}
	}
	return false
}

func (f *fakeRuntime) configCalls() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.setConfigCalls...)
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *config.Config) {
	t.Helper()

	fake := newFakeRuntime()
	require.NoError(t, acpruntime.RegisterAcpRuntimeBackend(acpruntime.AcpRuntimeBackend{
		ID:      "test",
		Runtime: fake,
	}))
	t.Cleanup(func() {
		acpruntime.UnregisterAcpRuntimeBackend("test")
	})

	cfg := &config.Config{
		ACP: config.ACPConfig{
			Enabled: true,
			Backend: "test",
			Runtime: config.ACPRuntimeConfig{TTLMinutes: 5},
		},
	}
	return NewManager(session.NewMemoryStore()), fake, cfg
}

func initTestSession(t *testing.T, m *Manager, cfg *config.Config, key string) {
	t.Helper()
	_, err := m.InitializeSession(context.Background(), InitializeSessionInput{
		Cfg:        cfg,
		SessionKey: key,
		Agent:      "main",
		Cwd:        "/tmp/work",
	})
	require.NoError(t, err)
}

func TestInitializeSessionPersistsMetadata(t *testing.T) {
	m, fake, cfg := newTestManager(t)

	meta, err := m.InitializeSession(context.Background(), InitializeSessionInput{
		Cfg:        cfg,
		SessionKey: "agent:main:acp:discord:chan-1",
		Agent:      "main",
		Cwd:        "/tmp/work",
	})
	require.NoError(t, err)
	require.NotNil(t, meta)

	assert.Equal(t, "test", meta.Backend)
	assert.Equal(t, "main", meta.Agent)
	assert.Equal(t, session.StateIdle, meta.State)
	assert.Equal(t, "/tmp/work", meta.Cwd)
	require.NotNil(t, meta.Identity)
	assert.Equal(t, session.IdentityPending, meta.Identity.State)
	assert.Equal(t, session.IdentitySourceEnsure, meta.Identity.Source)
	assert.Equal(t, "backend-1", meta.Identity.BackendSessionID)

	resolution, err := m.ResolveSession(cfg, "agent:main:acp:discord:chan-1")
	require.NoError(t, err)
	assert.Equal(t, ResolutionReady, resolution.Kind)

	fake.mu.Lock()
	assert.Equal(t, 1, fake.ensureCalls)
	fake.mu.Unlock()
}

func TestInitializeSessionRejectsRelativeCwd(t *testing.T) {
	m, _, cfg := newTestManager(t)

	_, err := m.InitializeSession(context.Background(), InitializeSessionInput{
		Cfg:        cfg,
		SessionKey: "agent:main:acp:discord:chan-1",
		Cwd:        "relative/path",
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeInvalidRuntimeOption, acpruntime.GetAcpErrorCode(err))
}

func TestResolveSessionKinds(t *testing.T) {
	m, _, cfg := newTestManager(t)

	resolution, err := m.ResolveSession(cfg, "discord:chan-1")
	require.NoError(t, err)
	assert.Equal(t, ResolutionNone, resolution.Kind)

	resolution, err = m.ResolveSession(cfg, "agent:main:acp:discord:chan-1")
	require.NoError(t, err)
	assert.Equal(t, ResolutionStale, resolution.Kind)

	initTestSession(t, m, cfg, "agent:main:acp:discord:chan-1")

	resolution, err = m.ResolveSession(cfg, "agent:main:acp:discord:chan-1")
	require.NoError(t, err)
	assert.Equal(t, ResolutionReady, resolution.Kind)
	require.NotNil(t, resolution.Meta)
}

func TestRunTurnRejectsStaleSession(t *testing.T) {
	m, fake, cfg := newTestManager(t)

	err := m.RunTurn(context.Background(), RunTurnInput{
		Cfg:        cfg,
		SessionKey: "agent:main:acp:discord:ghost",
		Text:       "hello",
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeSessionInitFailed, acpruntime.GetAcpErrorCode(err))
	assert.Contains(t, err.Error(), "ACP metadata is missing")

	// Fail-closed: the backend is never reached.
	fake.mu.Lock()
	assert.Equal(t, 0, fake.ensureCalls)
	fake.mu.Unlock()
}

func TestRunTurnStreamsEventsAndReturnsToIdle(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	fake.turnEvents = []acpruntime.AcpRuntimeEvent{
		&acpruntime.AcpEventTextDelta{Text: "hel", Stream: "output"},
		&acpruntime.AcpEventTextDelta{Text: "lo", Stream: "output"},
		&acpruntime.AcpEventDone{StopReason: "completed"},
	}

	var got []acpruntime.AcpRuntimeEvent
	err := m.RunTurn(context.Background(), RunTurnInput{
		Cfg:        cfg,
		SessionKey: key,
		Text:       "hi",
		OnEvent: func(event acpruntime.AcpRuntimeEvent) {
			got = append(got, event)
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "hel", got[0].(*acpruntime.AcpEventTextDelta).Text)
	assert.Equal(t, "lo", got[1].(*acpruntime.AcpEventTextDelta).Text)

	resolution, err := m.ResolveSession(cfg, key)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, resolution.Meta.State)
	assert.Empty(t, resolution.Meta.LastError)
}

func TestRunTurnInBandErrorSurfacesAfterDrain(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	fake.turnEvents = []acpruntime.AcpRuntimeEvent{
		&acpruntime.AcpEventTextDelta{Text: "partial", Stream: "output"},
		&acpruntime.AcpEventError{Message: "backend exploded", Code: "SOME_UNKNOWN_CODE"},
		&acpruntime.AcpEventTextDelta{Text: "trailing", Stream: "output"},
	}

	var got []acpruntime.AcpRuntimeEvent
	err := m.RunTurn(context.Background(), RunTurnInput{
		Cfg:        cfg,
		SessionKey: key,
		Text:       "hi",
		OnEvent: func(event acpruntime.AcpRuntimeEvent) {
			got = append(got, event)
		},
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeTurnFailed, acpruntime.GetAcpErrorCode(err))
	assert.Contains(t, err.Error(), "backend exploded")

	// The stream is drained past the in-band error.
	require.Len(t, got, 2)

	resolution, err := m.ResolveSession(cfg, key)
	require.NoError(t, err)
	assert.Equal(t, session.StateError, resolution.Meta.State)
	assert.NotEmpty(t, resolution.Meta.LastError)

	counts := m.ErrorCounts()
	assert.Equal(t, 1, counts[acpruntime.ErrCodeTurnFailed])
}

func TestSessionLimitAdmission(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	cfg.ACP.MaxConcurrentSessions = 1

	initTestSession(t, m, cfg, "agent:main:acp:discord:chan-1")

	_, err := m.InitializeSession(context.Background(), InitializeSessionInput{
		Cfg:        cfg,
		SessionKey: "agent:main:acp:discord:chan-2",
		Agent:      "main",
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeSessionInitFailed, acpruntime.GetAcpErrorCode(err))
	assert.Contains(t, err.Error(), "max concurrent sessions")

	fake.mu.Lock()
	assert.Equal(t, 1, fake.ensureCalls)
	fake.mu.Unlock()
}

func TestIdleEvictionFreesAdmissionSlot(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	cfg.ACP.MaxConcurrentSessions = 1
	cfg.ACP.Runtime.TTLMinutes = 5

	var clockMu sync.Mutex
	current := time.Now()
	m.SetClockForTesting(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	})

	initTestSession(t, m, cfg, "agent:main:acp:discord:chan-1")

	clockMu.Lock()
	current = current.Add(6 * time.Minute)
	clockMu.Unlock()

	initTestSession(t, m, cfg, "agent:main:acp:discord:chan-2")

	assert.True(t, fake.closedWith("idle-evicted"))

	snapshot := m.GetObservabilitySnapshot(cfg)
	assert.Equal(t, 1, snapshot.RuntimeCache.ActiveSessions)
	assert.Equal(t, 1, snapshot.RuntimeCache.EvictedTotal)
}

func TestCancelDuringTurnResolvesIdle(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	fake.turnStarted = make(chan struct{}, 1)
	fake.turnRelease = make(chan struct{})

	turnDone := make(chan error, 1)
	go func() {
		turnDone <- m.RunTurn(context.Background(), RunTurnInput{
			Cfg:        cfg,
			SessionKey: key,
			Text:       "long task",
		})
	}()

	select {
	case <-fake.turnStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started")
	}

	require.NoError(t, m.CancelSession(context.Background(), CancelSessionInput{
		Cfg:        cfg,
		SessionKey: key,
		Reason:     "user requested",
	}))

	select {
	case err := <-turnDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish after cancel")
	}

	fake.mu.Lock()
	assert.Equal(t, 1, fake.cancelCalls)
	fake.mu.Unlock()

	resolution, err := m.ResolveSession(cfg, key)
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, resolution.Meta.State)
	assert.Empty(t, resolution.Meta.LastError)
}

// failingStore wraps a store and fails Upsert after a set number of writes.
type failingStore struct {
	session.Store
	mu        sync.Mutex
	remaining int
}

func (s *failingStore) Upsert(sessionKey string, mutate session.MutateFunc) (*session.Entry, error) {
	s.mu.Lock()
	s.remaining--
	fail := s.remaining < 0
	s.mu.Unlock()

	if fail {
		return nil, fmt.Errorf("disk full")
	}
	return s.Store.Upsert(sessionKey, mutate)
}

func TestInitMetadataPersistFailureClosesHandle(t *testing.T) {
	fake := newFakeRuntime()
	require.NoError(t, acpruntime.RegisterAcpRuntimeBackend(acpruntime.AcpRuntimeBackend{
		ID:      "test",
		Runtime: fake,
	}))
	t.Cleanup(func() { acpruntime.UnregisterAcpRuntimeBackend("test") })

	cfg := &config.Config{ACP: config.ACPConfig{Enabled: true, Backend: "test", MaxConcurrentSessions: 1}}
	m := NewManager(&failingStore{Store: session.NewMemoryStore(), remaining: 0})

	_, err := m.InitializeSession(context.Background(), InitializeSessionInput{
		Cfg:        cfg,
		SessionKey: "agent:main:acp:discord:chan-1",
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeSessionInitFailed, acpruntime.GetAcpErrorCode(err))
	assert.True(t, fake.closedWith("init-meta-failed"))

	// The cache slot was released despite the failed init.
	snapshot := m.GetObservabilitySnapshot(cfg)
	assert.Equal(t, 0, snapshot.RuntimeCache.ActiveSessions)
}

func TestControlSignatureSkipsReapply(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	model := "claude-x"
	_, err := m.UpdateSessionRuntimeOptions(context.Background(), UpdateSessionRuntimeOptionsInput{
		Cfg:        cfg,
		SessionKey: key,
		Patch:      RuntimeOptionPatch{Model: &model},
	})
	require.NoError(t, err)

	fake.turnEvents = []acpruntime.AcpRuntimeEvent{&acpruntime.AcpEventDone{StopReason: "completed"}}

	require.NoError(t, m.RunTurn(context.Background(), RunTurnInput{Cfg: cfg, SessionKey: key, Text: "one"}))
	require.Equal(t, [][2]string{{"model", "claude-x"}}, fake.configCalls())

	// Unchanged options skip the reapply on the next turn.
	require.NoError(t, m.RunTurn(context.Background(), RunTurnInput{Cfg: cfg, SessionKey: key, Text: "two"}))
	require.Equal(t, [][2]string{{"model", "claude-x"}}, fake.configCalls())

	model2 := "claude-y"
	_, err = m.UpdateSessionRuntimeOptions(context.Background(), UpdateSessionRuntimeOptionsInput{
		Cfg:        cfg,
		SessionKey: key,
		Patch:      RuntimeOptionPatch{Model: &model2},
	})
	require.NoError(t, err)

	require.NoError(t, m.RunTurn(context.Background(), RunTurnInput{Cfg: cfg, SessionKey: key, Text: "three"}))
	require.Equal(t, [][2]string{{"model", "claude-x"}, {"model", "claude-y"}}, fake.configCalls())
}

func TestSetSessionRuntimeModeUnsupported(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	fake.caps = acpruntime.AcpRuntimeCapabilities{
		Controls: []acpruntime.AcpRuntimeControl{acpruntime.AcpControlSessionStatus},
	}

	_, err := m.SetSessionRuntimeMode(context.Background(), SetSessionRuntimeModeInput{
		Cfg:         cfg,
		SessionKey:  key,
		RuntimeMode: "plan",
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeBackendUnsupportedControl, acpruntime.GetAcpErrorCode(err))

	// Nothing persisted on failure.
	resolution, resolveErr := m.ResolveSession(cfg, key)
	require.NoError(t, resolveErr)
	assert.Nil(t, resolution.Meta.RuntimeOptions)
}

func TestOneshotSessionClosesAfterTurn(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"

	_, err := m.InitializeSession(context.Background(), InitializeSessionInput{
		Cfg:        cfg,
		SessionKey: key,
		Mode:       acpruntime.AcpSessionModeOneshot,
	})
	require.NoError(t, err)

	fake.turnEvents = []acpruntime.AcpRuntimeEvent{&acpruntime.AcpEventDone{StopReason: "completed"}}
	require.NoError(t, m.RunTurn(context.Background(), RunTurnInput{Cfg: cfg, SessionKey: key, Text: "once"}))

	assert.True(t, fake.closedWith("oneshot-complete"))

	// A following turn re-ensures a fresh handle.
	require.NoError(t, m.RunTurn(context.Background(), RunTurnInput{Cfg: cfg, SessionKey: key, Text: "again"}))
	fake.mu.Lock()
	assert.Equal(t, 2, fake.ensureCalls)
	fake.mu.Unlock()
}

func TestCloseSessionClearsMetadata(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	result, err := m.CloseSession(context.Background(), CloseSessionInput{
		Cfg:        cfg,
		SessionKey: key,
		Reason:     "operator close",
		ClearMeta:  true,
	})
	require.NoError(t, err)
	assert.True(t, result.RuntimeClosed)
	assert.True(t, result.MetaCleared)
	assert.True(t, fake.closedWith("operator close"))

	resolution, err := m.ResolveSession(cfg, key)
	require.NoError(t, err)
	assert.Equal(t, ResolutionStale, resolution.Kind)
}

func TestCloseSessionRequireAcpSession(t *testing.T) {
	m, _, cfg := newTestManager(t)

	_, err := m.CloseSession(context.Background(), CloseSessionInput{
		Cfg:               cfg,
		SessionKey:        "agent:main:acp:discord:ghost",
		RequireAcpSession: true,
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeSessionInitFailed, acpruntime.GetAcpErrorCode(err))

	result, err := m.CloseSession(context.Background(), CloseSessionInput{
		Cfg:        cfg,
		SessionKey: "agent:main:acp:discord:ghost",
	})
	require.NoError(t, err)
	assert.False(t, result.RuntimeClosed)
}

func TestCloseSessionAllowBackendUnavailable(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	fake.closeErr = acpruntime.NewBackendUnavailableError("test")

	result, err := m.CloseSession(context.Background(), CloseSessionInput{
		Cfg:                     cfg,
		SessionKey:              key,
		Reason:                  "teardown",
		AllowBackendUnavailable: true,
	})
	require.NoError(t, err)
	assert.False(t, result.RuntimeClosed)
	assert.NotEmpty(t, result.RuntimeNotice)

	// The cache slot is dropped even though the backend never confirmed.
	snapshot := m.GetObservabilitySnapshot(cfg)
	assert.Equal(t, 0, snapshot.RuntimeCache.ActiveSessions)
}

func TestCloseSessionPropagatesBackendUnavailable(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	fake.closeErr = acpruntime.NewBackendUnavailableError("test")

	_, err := m.CloseSession(context.Background(), CloseSessionInput{
		Cfg:        cfg,
		SessionKey: key,
		Reason:     "teardown",
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeBackendUnavailable, acpruntime.GetAcpErrorCode(err))
}

func TestRunTurnRejectedWhileDraining(t *testing.T) {
	m, _, cfg := newTestManager(t)
	m.BeginDraining()

	err := m.RunTurn(context.Background(), RunTurnInput{
		Cfg:        cfg,
		SessionKey: "agent:main:acp:discord:chan-1",
		Text:       "hello",
	})
	require.Error(t, err)
	assert.Equal(t, acpruntime.ErrCodeTurnFailed, acpruntime.GetAcpErrorCode(err))
}

func TestGetSessionStatusReconcilesIdentity(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	fake.status = &acpruntime.AcpRuntimeStatus{
		Summary:          "active",
		BackendSessionId: "backend-1",
		AgentSessionId:   "agent-session-9",
	}

	status, err := m.GetSessionStatus(context.Background(), GetSessionStatusInput{Cfg: cfg, SessionKey: key})
	require.NoError(t, err)
	require.NotNil(t, status.Identity)
	assert.Equal(t, session.IdentityResolved, status.Identity.State)
	assert.Equal(t, "agent-session-9", status.Identity.AgentSessionID)

	// Resolution is persisted, not just reported.
	resolution, err := m.ResolveSession(cfg, key)
	require.NoError(t, err)
	assert.Equal(t, session.IdentityResolved, resolution.Meta.Identity.State)
}

func TestReconcilePendingSessionIdentities(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	initTestSession(t, m, cfg, "agent:main:acp:discord:chan-1")

	fake.status = &acpruntime.AcpRuntimeStatus{
		BackendSessionId: "backend-1",
		AgentSessionId:   "agent-session-1",
	}

	result := m.ReconcilePendingSessionIdentities(context.Background(), cfg)
	assert.Equal(t, 1, result.Checked)
	assert.Equal(t, 1, result.Resolved)
	assert.Equal(t, 0, result.Failed)

	// A second sweep finds nothing pending.
	result = m.ReconcilePendingSessionIdentities(context.Background(), cfg)
	assert.Equal(t, 0, result.Checked)
}

func TestTurnsOnSameSessionNeverOverlap(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	fake.turnEvents = []acpruntime.AcpRuntimeEvent{&acpruntime.AcpEventDone{StopReason: "completed"}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.RunTurn(context.Background(), RunTurnInput{Cfg: cfg, SessionKey: key, Text: "go"})
		}()
	}
	wg.Wait()

	fake.mu.Lock()
	assert.Equal(t, 1, fake.maxInFlightTurns)
	fake.mu.Unlock()
}

func TestCwdChangeInvalidatesCachedHandle(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	newCwd := "/tmp/other"
	_, err := m.UpdateSessionRuntimeOptions(context.Background(), UpdateSessionRuntimeOptionsInput{
		Cfg:        cfg,
		SessionKey: key,
		Patch:      RuntimeOptionPatch{Cwd: &newCwd},
	})
	require.NoError(t, err)
	assert.True(t, fake.closedWith("cwd-changed"))

	fake.turnEvents = []acpruntime.AcpRuntimeEvent{&acpruntime.AcpEventDone{StopReason: "completed"}}
	require.NoError(t, m.RunTurn(context.Background(), RunTurnInput{Cfg: cfg, SessionKey: key, Text: "hi"}))

	fake.mu.Lock()
	assert.Equal(t, 2, fake.ensureCalls)
	fake.mu.Unlock()
}

func TestResetRuntimeOptionsClosesHandle(t *testing.T) {
	m, fake, cfg := newTestManager(t)
	key := "agent:main:acp:discord:chan-1"
	initTestSession(t, m, cfg, key)

	model := "claude-x"
	_, err := m.UpdateSessionRuntimeOptions(context.Background(), UpdateSessionRuntimeOptionsInput{
		Cfg:        cfg,
		SessionKey: key,
		Patch:      RuntimeOptionPatch{Model: &model},
	})
	require.NoError(t, err)

	require.NoError(t, m.ResetSessionRuntimeOptions(context.Background(), ResetSessionRuntimeOptionsInput{
		Cfg:        cfg,
		SessionKey: key,
	}))
	assert.True(t, fake.closedWith("reset-runtime-options"))

	resolution, err := m.ResolveSession(cfg, key)
	require.NoError(t, err)
	assert.Nil(t, resolution.Meta.RuntimeOptions)
}
