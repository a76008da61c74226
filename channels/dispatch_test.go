package channels

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/openclaw/acp"
	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/bus"
	"github.com/openclaw/openclaw/config"
	"github.com/openclaw/openclaw/events"
	"github.com/openclaw/openclaw/session"
)

// scriptedRuntime streams a fixed event sequence per turn.
type scriptedRuntime struct {
	mu         sync.Mutex
	turnEvents []acpruntime.AcpRuntimeEvent
	turns      int
	cancels    int
	lastText   string
	status     *acpruntime.AcpRuntimeStatus
}

func (f *scriptedRuntime) EnsureSession(ctx context.Context, input acpruntime.AcpRuntimeEnsureInput) (acpruntime.AcpRuntimeHandle, error) {
	return acpruntime.AcpRuntimeHandle{
		SessionKey:         input.SessionKey,
		Backend:            "dispatch-test",
		RuntimeSessionName: "run-1",
		Cwd:                input.Cwd,
		BackendSessionId:   "backend-1",
	}, nil
}

func (f *scriptedRuntime) RunTurn(ctx context.Context, input acpruntime.AcpRuntimeTurnInput) (<-chan acpruntime.AcpRuntimeEvent, error) {
	f.mu.Lock()
	f.turns++
	f.lastText = input.Text
	scripted := append([]acpruntime.AcpRuntimeEvent(nil), f.turnEvents...)
	f.mu.Unlock()

	out := make(chan acpruntime.AcpRuntimeEvent, len(scripted)+1)
	for _, event := range scripted {
		out <- event
	}
	out <- &acpruntime.AcpEventDone{StopReason: "end_turn"}
	close(out)
	return out, nil
}

func (f *scriptedRuntime) GetCapabilities(ctx context.Context, handle *acpruntime.AcpRuntimeHandle) (acpruntime.AcpRuntimeCapabilities, error) {
	return acpruntime.AcpRuntimeCapabilities{
		Controls: []acpruntime.AcpRuntimeControl{
			acpruntime.AcpControlSessionSetMode,
			acpruntime.AcpControlSessionSetConfigOption,
			acpruntime.AcpControlSessionStatus,
		},
	}, nil
}

func (f *scriptedRuntime) GetStatus(ctx context.Context, handle acpruntime.AcpRuntimeHandle) (*acpruntime.AcpRuntimeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != nil {
		return f.status, nil
	}
	return &acpruntime.AcpRuntimeStatus{Summary: "ok"}, nil
}

func (f *scriptedRuntime) SetMode(ctx context.Context, handle acpruntime.AcpRuntimeHandle, mode string) error {
	return nil
}

func (f *scriptedRuntime) SetConfigOption(ctx context.Context, handle acpruntime.AcpRuntimeHandle, key, value string) error {
	return nil
}

func (f *scriptedRuntime) Doctor(ctx context.Context) (acpruntime.AcpRuntimeDoctorReport, error) {
	return acpruntime.AcpRuntimeDoctorReport{Ok: true}, nil
}

func (f *scriptedRuntime) Cancel(ctx context.Context, handle acpruntime.AcpRuntimeHandle, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *scriptedRuntime) Close(ctx context.Context, handle acpruntime.AcpRuntimeHandle, reason string) error {
	return nil
}

func (f *scriptedRuntime) turnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns
}

func (f *scriptedRuntime) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func (f *scriptedRuntime) lastTurnText() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastText
}

type dispatchEnv struct {
	cfg      *config.Config
	manager  *acp.Manager
	runtime  *scriptedRuntime
	sink     *captureReplySink
	eventLog *events.Sink

	mu            sync.Mutex
	hookCount     int
	fallbackCalls []string
	routeReplies  []bool
}

func newDispatchEnv(t *testing.T, mutateCfg func(*config.Config)) (*dispatchEnv, *InboundDispatcher) {
	t.Helper()

	runtime := &scriptedRuntime{
		turnEvents: []acpruntime.AcpRuntimeEvent{
			&acpruntime.AcpEventTextDelta{Text: "Hello ", Stream: "output"},
			&acpruntime.AcpEventTextDelta{Text: "world", Stream: "output"},
		},
	}
	require.NoError(t, acpruntime.RegisterAcpRuntimeBackend(acpruntime.AcpRuntimeBackend{
		ID:      "dispatch-test",
		Runtime: runtime,
	}))
	t.Cleanup(func() {
		acpruntime.UnregisterAcpRuntimeBackend("dispatch-test")
	})

	cfg := &config.Config{
		ACP: config.ACPConfig{
			Enabled:  true,
			Backend:  "dispatch-test",
			Dispatch: config.ACPDispatchConfig{Enabled: true},
			Runtime:  config.ACPRuntimeConfig{TTLMinutes: 5},
			Stream:   config.ACPStreamConfig{CoalesceIdleMs: 60000},
		},
		Channels: map[string]config.ChannelConfig{},
		Commands: config.CommandsConfig{UseAccessGroups: true, Text: true},
	}
	if mutateCfg != nil {
		mutateCfg(cfg)
	}

	env := &dispatchEnv{
		cfg:      cfg,
		manager:  acp.NewManager(session.NewMemoryStore()),
		runtime:  runtime,
		sink:     &captureReplySink{},
		eventLog: events.NewSink(),
	}

	dispatcher := NewInboundDispatcher(InboundDispatcherConfig{
		Cfg:     cfg,
		Manager: env.manager,
		Sink:    env.eventLog,
		Deduper: NewDeduper(time.Minute, 100),
		History: NewHistoryAggregator(10),
		Pairing: NewMemoryPairingStore(),
		Mention: MentionConfig{BotName: "claw", RequireMention: true},
		Router: func(msg *bus.InboundMessage) string {
			return session.AcpKey("main", msg.Provider+":"+msg.ConversationID)
		},
		Sinks: func(msg *bus.InboundMessage, routeReply bool) ReplySink {
			env.mu.Lock()
			env.routeReplies = append(env.routeReplies, routeReply)
			env.mu.Unlock()
			return env.sink
		},
		Fallback: func(ctx context.Context, msg *bus.InboundMessage, prompt string) (bus.ReplyPayload, error) {
			env.mu.Lock()
			env.fallbackCalls = append(env.fallbackCalls, prompt)
			env.mu.Unlock()
			return bus.ReplyPayload{Text: "fallback: " + prompt}, nil
		},
		Hooks: DispatchHooks{
			MessageReceived: func(msg *bus.InboundMessage) {
				env.mu.Lock()
				env.hookCount++
				env.mu.Unlock()
			},
		},
	})
	return env, dispatcher
}

func (env *dispatchEnv) sessionKey(msg *bus.InboundMessage) string {
	return session.AcpKey("main", msg.Provider+":"+msg.ConversationID)
}

func (env *dispatchEnv) initSession(t *testing.T, msg *bus.InboundMessage, mode acpruntime.AcpRuntimeSessionMode) {
	t.Helper()
	_, err := env.manager.InitializeSession(context.Background(), acp.InitializeSessionInput{
		Cfg:        env.cfg,
		SessionKey: env.sessionKey(msg),
		Agent:      "main",
		Mode:       mode,
		Cwd:        "/tmp/work",
	})
	require.NoError(t, err)
}

func dmMessage(id, text string) *bus.InboundMessage {
	return &bus.InboundMessage{
		ID:             id,
		Provider:       "discord",
		AccountID:      "acct",
		SenderID:       "alice",
		SenderName:     "Alice",
		ConversationID: "dm-1",
		MessageID:      id,
		Text:           text,
		Timestamp:      time.Now(),
	}
}

func TestDispatchAcpStreamsFinalReply(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	msg := dmMessage("m1", "say hello")
	env.initSession(t, msg, acpruntime.AcpSessionModePersistent)

	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	finals := env.sink.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, "Hello world", finals[0].Text)
	assert.Empty(t, env.fallbackCalls)
}

func TestDispatchAcpMissingMetadataRepliesPolicyError(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	msg := dmMessage("m1", "hello")

	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	finals := env.sink.finals()
	require.Len(t, finals, 1)
	assert.Contains(t, finals[0].Text, "ACP error (ACP_SESSION_INIT_FAILED)")
	assert.Contains(t, finals[0].Text, "ACP metadata is missing")
	assert.Equal(t, 0, env.runtime.turnCount())
}

func TestDispatchAcpDisabledByPolicy(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, func(cfg *config.Config) {
		cfg.ACP.Dispatch.Enabled = false
	})
	msg := dmMessage("m1", "hello")
	env.initSession(t, msg, acpruntime.AcpSessionModePersistent)

	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	finals := env.sink.finals()
	require.Len(t, finals, 1)
	assert.Contains(t, finals[0].Text, "ACP error (ACP_DISPATCH_DISABLED)")
	assert.Equal(t, 0, env.runtime.turnCount())
}

func TestDispatchAcpAgentNotAllowed(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, func(cfg *config.Config) {
		cfg.ACP.AllowedAgents = []string{"other"}
	})
	msg := dmMessage("m1", "hello")
	env.initSession(t, msg, acpruntime.AcpSessionModePersistent)

	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	finals := env.sink.finals()
	require.Len(t, finals, 1)
	assert.Contains(t, finals[0].Text, "ACP error (ACP_DISPATCH_DISABLED)")
	assert.Contains(t, finals[0].Text, "not authorized")
}

func TestDispatchAbortCommandCancelsAndAcks(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	msg := dmMessage("m1", "/stop")
	env.initSession(t, msg, acpruntime.AcpSessionModePersistent)

	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	finals := env.sink.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, AbortAck, finals[0].Text)
	assert.Empty(t, env.fallbackCalls)
	assert.Equal(t, 0, env.runtime.turnCount())
	assert.Equal(t, 1, env.runtime.cancelCount())
}

func TestDispatchDeduplicates(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	msg := dmMessage("m1", "hello")
	env.initSession(t, msg, acpruntime.AcpSessionModePersistent)

	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))
	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	assert.Equal(t, 1, env.hookCount)
	assert.Equal(t, 1, env.runtime.turnCount())
}

func TestDispatchBlocksSilently(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, func(cfg *config.Config) {
		cfg.Channels["discord"] = config.ChannelConfig{DMPolicy: PolicyDisabled}
	})
	msg := dmMessage("m1", "hello")

	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	assert.Empty(t, env.sink.finals())
	assert.Empty(t, env.sink.blocks())
	assert.Empty(t, env.fallbackCalls)
}

func TestDispatchPairingRepliesOncePerRequest(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, func(cfg *config.Config) {
		cfg.Channels["discord"] = config.ChannelConfig{DMPolicy: PolicyPairing}
	})

	require.NoError(t, dispatcher.Dispatch(context.Background(), dmMessage("m1", "hello")))
	require.NoError(t, dispatcher.Dispatch(context.Background(), dmMessage("m2", "hello again")))

	finals := env.sink.finals()
	require.Len(t, finals, 1)
	assert.Contains(t, finals[0].Text, "Pairing required")
}

func TestDispatchPairingSkipsBacklogMessages(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, func(cfg *config.Config) {
		cfg.Channels["discord"] = config.ChannelConfig{DMPolicy: PolicyPairing}
	})

	msg := dmMessage("m1", "hello")
	msg.Timestamp = time.Now().Add(-time.Hour)
	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	assert.Empty(t, env.sink.finals())
}

func TestDispatchGroupGatingRecordsHistory(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)

	gated := dmMessage("m1", "random chatter")
	gated.IsGroup = true
	gated.ConversationID = "group-1"
	require.NoError(t, dispatcher.Dispatch(context.Background(), gated))

	assert.Equal(t, 0, env.runtime.turnCount())
	assert.Empty(t, env.sink.finals())

	mentioned := dmMessage("m2", "@claw summarize")
	mentioned.IsGroup = true
	mentioned.ConversationID = "group-1"
	env.initSession(t, mentioned, acpruntime.AcpSessionModePersistent)
	require.NoError(t, dispatcher.Dispatch(context.Background(), mentioned))

	require.Equal(t, 1, env.runtime.turnCount())
	finals := env.sink.finals()
	require.Len(t, finals, 1)
}

func TestDispatchGroupEnvelopeReachesFallback(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)

	// Non-ACP routing for this test.
	dispatcher.router = func(msg *bus.InboundMessage) string { return "" }

	gated := dmMessage("m1", "earlier context")
	gated.IsGroup = true
	gated.ConversationID = "group-1"
	gated.SenderName = "Bob"
	require.NoError(t, dispatcher.Dispatch(context.Background(), gated))

	mentioned := dmMessage("m2", "@claw what did Bob say?")
	mentioned.IsGroup = true
	mentioned.ConversationID = "group-1"
	require.NoError(t, dispatcher.Dispatch(context.Background(), mentioned))

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.fallbackCalls, 1)
	assert.Contains(t, env.fallbackCalls[0], "Bob: earlier context")
	assert.Contains(t, env.fallbackCalls[0], "what did Bob say?")
}

func TestDispatchFallbackForNonAcpSessions(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	dispatcher.router = func(msg *bus.InboundMessage) string { return "" }

	msg := dmMessage("m1", "plain question")
	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	finals := env.sink.finals()
	require.Len(t, finals, 1)
	assert.Equal(t, "fallback: plain question", finals[0].Text)
	assert.Equal(t, 0, env.runtime.turnCount())
}

func TestDispatchRouteReplyFlagForCrossSurface(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	dispatcher.router = func(msg *bus.InboundMessage) string { return "" }

	local := dmMessage("m1", "hello")
	require.NoError(t, dispatcher.Dispatch(context.Background(), local))

	crossed := dmMessage("m2", "hello")
	crossed.Surface = "webchat"
	require.NoError(t, dispatcher.Dispatch(context.Background(), crossed))

	env.mu.Lock()
	defer env.mu.Unlock()
	require.Len(t, env.routeReplies, 2)
	assert.False(t, env.routeReplies[0])
	assert.True(t, env.routeReplies[1])
}

func TestDispatchOneshotSessionCloses(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	msg := dmMessage("m1", "one and done")
	env.initSession(t, msg, acpruntime.AcpSessionModeOneshot)

	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	resolution, err := env.manager.ResolveSession(env.cfg, env.sessionKey(msg))
	require.NoError(t, err)
	assert.Equal(t, acp.ResolutionStale, resolution.Kind)
}

func TestDispatchIdentityResolvedNotice(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	env.runtime.status = &acpruntime.AcpRuntimeStatus{
		Summary:          "running",
		BackendSessionId: "backend-1",
		AgentSessionId:   "agent-xyz",
	}

	var notices []events.SystemEvent
	var noticesMu sync.Mutex
	env.eventLog.Subscribe(func(event events.SystemEvent) {
		noticesMu.Lock()
		defer noticesMu.Unlock()
		notices = append(notices, event)
	})

	msg := dmMessage("m1", "hello")
	env.initSession(t, msg, acpruntime.AcpSessionModePersistent)
	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	noticesMu.Lock()
	defer noticesMu.Unlock()
	var resolvedNotices int
	for _, notice := range notices {
		if notice.Text == "session ids resolved" {
			resolvedNotices++
		}
	}
	assert.Equal(t, 1, resolvedNotices, "expected exactly one identity-resolved notice, got %v", notices)
}

func TestDispatchTurnErrorSurfacesAsReply(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)
	env.runtime.turnEvents = []acpruntime.AcpRuntimeEvent{
		&acpruntime.AcpEventTextDelta{Text: "partial", Stream: "output"},
		&acpruntime.AcpEventError{Message: "model overloaded", Code: "ACP_TURN_FAILED"},
	}

	msg := dmMessage("m1", "hello")
	env.initSession(t, msg, acpruntime.AcpSessionModePersistent)
	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	finals := env.sink.finals()
	require.Len(t, finals, 1)
	assert.Contains(t, finals[0].Text, "ACP error (ACP_TURN_FAILED)")
	assert.Contains(t, finals[0].Text, "model overloaded")
}

func TestDispatchReactionBecomesSystemEvent(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)

	var eventTexts []string
	var eventsMu sync.Mutex
	env.eventLog.Subscribe(func(event events.SystemEvent) {
		eventsMu.Lock()
		defer eventsMu.Unlock()
		eventTexts = append(eventTexts, event.Text)
	})

	msg := dmMessage("m1", "")
	msg.Reaction = &bus.ReactionRecord{Emoji: "👍", TargetMessageID: "orig-1"}
	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	eventsMu.Lock()
	defer eventsMu.Unlock()
	require.Len(t, eventTexts, 1)
	assert.Contains(t, eventTexts[0], "👍")
	assert.Equal(t, 0, env.runtime.turnCount())
}

func TestDispatchChannelRequireMentionFromConfig(t *testing.T) {
	cfg := &config.Config{
		ACP:      config.ACPConfig{Dispatch: config.ACPDispatchConfig{Enabled: true}},
		Commands: config.CommandsConfig{UseAccessGroups: true, Text: true},
		Channels: map[string]config.ChannelConfig{
			"discord": {RequireMention: true, HistoryLimit: 2},
		},
	}

	history := NewHistoryAggregator(10)
	var fallbackMu sync.Mutex
	var fallbackCalls []string
	dispatcher := NewInboundDispatcher(InboundDispatcherConfig{
		Cfg:     cfg,
		History: history,
		Mention: MentionConfig{BotName: "claw"},
		Router:  func(*bus.InboundMessage) string { return "" },
		Sinks: func(*bus.InboundMessage, bool) ReplySink {
			return &captureReplySink{}
		},
		Fallback: func(ctx context.Context, msg *bus.InboundMessage, prompt string) (bus.ReplyPayload, error) {
			fallbackMu.Lock()
			fallbackCalls = append(fallbackCalls, prompt)
			fallbackMu.Unlock()
			return bus.ReplyPayload{Text: "ok"}, nil
		},
	})

	chatter := []string{"m1", "m2", "m3"}
	for _, id := range chatter {
		msg := dmMessage(id, "chatter "+id)
		msg.IsGroup = true
		msg.ConversationID = "group-1"
		require.NoError(t, dispatcher.Dispatch(context.Background(), msg))
	}

	// Channel config gates unmentioned messages into history, capped at the
	// channel's history limit.
	fallbackMu.Lock()
	assert.Empty(t, fallbackCalls)
	fallbackMu.Unlock()
	convKey := "discord:acct:group-1"
	assert.Equal(t, 2, history.Len(convKey))

	mentioned := dmMessage("m4", "@claw summarize")
	mentioned.IsGroup = true
	mentioned.ConversationID = "group-1"
	require.NoError(t, dispatcher.Dispatch(context.Background(), mentioned))

	fallbackMu.Lock()
	defer fallbackMu.Unlock()
	require.Len(t, fallbackCalls, 1)
	assert.NotContains(t, fallbackCalls[0], "chatter m1")
	assert.Contains(t, fallbackCalls[0], "chatter m2")
	assert.Contains(t, fallbackCalls[0], "chatter m3")
	assert.Contains(t, fallbackCalls[0], "summarize")
}

func TestDispatchDeduplicatesMergedFragments(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, nil)

	merged := dmMessage("m2", "first\nsecond")
	merged.CombinedMessageIDs = []string{"m1", "m2"}
	env.initSession(t, merged, acpruntime.AcpSessionModePersistent)
	require.NoError(t, dispatcher.Dispatch(context.Background(), merged))
	require.Equal(t, 1, env.runtime.turnCount())

	// Redelivery of an earlier fragment is suppressed too.
	redelivered := dmMessage("m1", "first")
	require.NoError(t, dispatcher.Dispatch(context.Background(), redelivered))

	assert.Equal(t, 1, env.runtime.turnCount())
	assert.Equal(t, 1, env.hookCount)
}

func TestDispatchChannelChunkLimitShapesBlocks(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, func(cfg *config.Config) {
		cfg.Channels["discord"] = config.ChannelConfig{TextChunkLimit: 4}
	})

	msg := dmMessage("m1", "say hello")
	env.initSession(t, msg, acpruntime.AcpSessionModePersistent)
	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	// Both scripted deltas overflow the channel's 4-char cap, so each is
	// emitted as its own block and nothing is left for the final reply.
	blocks := env.sink.blocks()
	require.Len(t, blocks, 2)
	assert.Equal(t, "Hello ", blocks[0].Text)
	assert.Equal(t, "world", blocks[1].Text)
	assert.Empty(t, env.sink.finals())
}

func TestDispatchReactionRespectsCapabilityScope(t *testing.T) {
	env, dispatcher := newDispatchEnv(t, func(cfg *config.Config) {
		cfg.Channels["discord"] = config.ChannelConfig{
			Capabilities: map[string]string{"reactions": "off"},
		}
	})

	var eventCount int
	var eventsMu sync.Mutex
	env.eventLog.Subscribe(func(events.SystemEvent) {
		eventsMu.Lock()
		defer eventsMu.Unlock()
		eventCount++
	})

	msg := dmMessage("m1", "")
	msg.Reaction = &bus.ReactionRecord{Emoji: "👍"}
	require.NoError(t, dispatcher.Dispatch(context.Background(), msg))

	eventsMu.Lock()
	defer eventsMu.Unlock()
	assert.Equal(t, 0, eventCount)
}
