package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/acp"
	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/bus"
	"github.com/openclaw/openclaw/config"
	"github.com/openclaw/openclaw/events"
	"github.com/openclaw/openclaw/internal/logger"
	"github.com/openclaw/openclaw/session"
)

// AbortAck is the fixed acknowledgement sent for an abort command.
const AbortAck = "Agent run cancelled."

// PairingReplyTemplate formats the one-time pairing challenge reply.
const PairingReplyTemplate = "Pairing required. Send this code to the bot owner: %s"

// abort commands recognized by the fast-abort path.
var abortCommands = map[string]struct{}{
	"/stop":  {},
	"/abort": {},
}

// FallbackResolver produces the final reply for messages not routed through
// the ACP manager.
type FallbackResolver func(ctx context.Context, msg *bus.InboundMessage, prompt string) (bus.ReplyPayload, error)

// SessionRouter maps an inbound message to its session key.
type SessionRouter func(msg *bus.InboundMessage) string

// SinkFactory builds the reply sink for one message. routeReply is set when
// the message originated on a different surface than its provider; such
// sinks must address the origin surface and suppress typing.
type SinkFactory func(msg *bus.InboundMessage, routeReply bool) ReplySink

// DispatchHooks are external observation points. All hooks are optional.
type DispatchHooks struct {
	// MessageReceived fires for every non-duplicate message.
	MessageReceived func(msg *bus.InboundMessage)
	// FinalizeTTS runs after a completed turn in final mode, if set.
	FinalizeTTS func(ctx context.Context, msg *bus.InboundMessage)
}

// InboundDispatcherConfig wires one dispatcher.
type InboundDispatcherConfig struct {
	Cfg      *config.Config
	Manager  *acp.Manager
	Sink     *events.Sink
	Deduper  *Deduper
	History  *HistoryAggregator
	Pairing  PairingStore
	Mention  MentionConfig
	Router   SessionRouter
	Sinks    SinkFactory
	Fallback FallbackResolver
	Hooks    DispatchHooks
}

// InboundDispatcher orchestrates one inbound message end to end: fast abort,
// dedupe, access control, gating, routing to the ACP manager or the fallback
// resolver, and post-turn bookkeeping.
type InboundDispatcher struct {
	cfg      *config.Config
	manager  *acp.Manager
	sink     *events.Sink
	deduper  *Deduper
	history  *HistoryAggregator
	pairing  PairingStore
	mention  MentionConfig
	router   SessionRouter
	sinks    SinkFactory
	fallback FallbackResolver
	hooks    DispatchHooks
	log      *logger.FieldLogger
}

// NewInboundDispatcher creates a dispatcher.
func NewInboundDispatcher(cfg InboundDispatcherConfig) *InboundDispatcher {
	d := &InboundDispatcher{
		cfg:      cfg.Cfg,
		manager:  cfg.Manager,
		sink:     cfg.Sink,
		deduper:  cfg.Deduper,
		history:  cfg.History,
		pairing:  cfg.Pairing,
		mention:  cfg.Mention,
		router:   cfg.Router,
		sinks:    cfg.Sinks,
		fallback: cfg.Fallback,
		hooks:    cfg.Hooks,
		log:      logger.Module("dispatch"),
	}
	if d.deduper == nil {
		d.deduper = NewDeduper(0, 0)
	}
	if d.history == nil {
		d.history = NewHistoryAggregator(0)
	}
	return d
}

// Dispatch processes one inbound message. Returned errors are internal;
// user-visible failures have already been replied to the sender.
func (d *InboundDispatcher) Dispatch(ctx context.Context, msg *bus.InboundMessage) error {
	sessionKey := ""
	if d.router != nil {
		sessionKey = session.NormalizeKey(d.router(msg))
	}
	routeReply := msg.Surface != "" && !strings.EqualFold(msg.Surface, msg.Provider)
	replies := d.sinks(msg, routeReply)

	// Reaction frames are activity, not prompts.
	if msg.Reaction != nil {
		return d.handleReaction(msg, sessionKey)
	}

	// Fast abort short-circuits everything including the resolver.
	if d.isAbortCommand(msg.Text) {
		return d.handleAbort(ctx, msg, sessionKey, replies)
	}

	if d.deduper.SeenAny(msg.DedupeKeys()...) {
		d.log.Debug("duplicate message dropped",
			zap.String("provider", msg.Provider),
			zap.String("message_id", msg.MessageID))
		return nil
	}

	if d.hooks.MessageReceived != nil {
		d.hooks.MessageReceived(msg)
	}
	if d.sink != nil && sessionKey != "" {
		d.sink.EnqueueSystemEvent("message received",
			events.SystemEventKeys{SessionKey: sessionKey, ContextKey: msg.DedupeKey()})
	}

	d.log.Info("inbound message",
		zap.String("provider", msg.Provider),
		zap.String("conversation", msg.ConversationID),
		zap.Bool("group", msg.IsGroup),
		zap.String("session_key", sessionKey))

	access := d.accessInput(ctx, msg)
	decision := EvaluateAccess(access)
	switch decision.Verdict {
	case AccessBlock:
		// Blocks are silent toward the sender.
		d.log.Info("message blocked",
			zap.String("provider", msg.Provider),
			zap.String("sender", msg.SenderID),
			zap.String("reason", decision.Reason))
		return nil
	case AccessPairing:
		return d.handlePairing(ctx, msg, replies)
	}

	prompt := msg.Text
	if msg.IsGroup {
		mention := d.mentionFor(msg.Provider)
		outcome := mention.GateGroupMessage(msg.Text, CommandGate{
			Enabled:    d.cfg.Commands.Text,
			Authorized: !d.cfg.Commands.UseAccessGroups || IsCommandAuthorized(access),
		})
		switch outcome {
		case GateHistory:
			d.history.RecordCapped(msg.ConversationKey(), HistoryEntry{
				Sender:    msg.SenderName,
				Body:      msg.Text,
				Timestamp: msg.Timestamp,
				MessageID: msg.MessageID,
			}, d.cfg.ChannelFor(msg.Provider).HistoryLimit)
			return nil
		case GateDrop:
			return nil
		}

		text := StripMentions(msg.Text, append([]string{mention.BotName}, mention.Aliases...)...)
		if text == "" {
			text = msg.Text
		}
		prompt = BuildEnvelope(d.history.Drain(msg.ConversationKey()), msg.SenderName, text)
	}

	if session.IsAcpShapedKey(sessionKey) {
		return d.dispatchAcp(ctx, msg, sessionKey, prompt, replies)
	}
	return d.dispatchFallback(ctx, msg, prompt, replies)
}

// handleReaction records a reaction as a system event when the channel's
// capability scope covers the context.
func (d *InboundDispatcher) handleReaction(msg *bus.InboundMessage, sessionKey string) error {
	caps := CapabilitiesFromConfig(d.cfg.ChannelFor(msg.Provider).Capabilities)
	if !caps.AllowsReactions(msg.IsGroup) {
		return nil
	}
	if d.sink != nil && sessionKey != "" {
		action := "added"
		if msg.Reaction.Removed {
			action = "removed"
		}
		d.sink.EnqueueSystemEvent(
			fmt.Sprintf("reaction %s: %s on %s", action, msg.Reaction.Emoji, msg.Reaction.TargetMessageID),
			events.SystemEventKeys{SessionKey: sessionKey, ContextKey: msg.DedupeKey()})
	}
	return nil
}

func (d *InboundDispatcher) isAbortCommand(text string) bool {
	_, ok := abortCommands[strings.ToLower(strings.TrimSpace(text))]
	return ok
}

func (d *InboundDispatcher) handleAbort(ctx context.Context, msg *bus.InboundMessage, sessionKey string, replies ReplySink) error {
	if sessionKey != "" && d.manager != nil {
		if err := d.manager.CancelSession(ctx, acp.CancelSessionInput{
			Cfg:        d.cfg,
			SessionKey: sessionKey,
			Reason:     "user-abort",
		}); err != nil {
			d.log.Warn("abort cancel failed",
				zap.String("session_key", sessionKey), zap.Error(err))
		}
	}
	replies.SendFinalReply(bus.ReplyPayload{Text: AbortAck})
	return nil
}

// mentionFor applies the provider's channel overrides to the base mention
// config.
func (d *InboundDispatcher) mentionFor(provider string) MentionConfig {
	mention := d.mention
	channelCfg := d.cfg.ChannelFor(provider)
	if channelCfg.RequireMention {
		mention.RequireMention = true
	}
	if channelCfg.OnCharPrefix != "" {
		mention.OnCharPrefix = channelCfg.OnCharPrefix
	}
	return mention
}

func (d *InboundDispatcher) accessInput(ctx context.Context, msg *bus.InboundMessage) AccessInput {
	channelCfg := d.cfg.ChannelFor(msg.Provider)

	var storeAllow []string
	if d.pairing != nil && !msg.IsGroup {
		allow, err := d.pairing.ReadStoreAllowFromForDmPolicy(ctx, msg.Provider, msg.AccountID)
		if err != nil {
			d.log.Warn("pairing allowlist read failed",
				zap.String("provider", msg.Provider), zap.Error(err))
		} else {
			storeAllow = allow
		}
	}

	return AccessInput{
		Channel:        msg.Provider,
		AccountID:      msg.AccountID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		IsGroup:        msg.IsGroup,
		DMPolicy:       channelCfg.DMPolicy,
		GroupPolicy:    channelCfg.GroupPolicy,
		AllowFrom:      channelCfg.AllowFrom,
		GroupAllowFrom: channelCfg.GroupAllowFrom,
		StoreAllowFrom: storeAllow,
	}
}

// handlePairing issues a pairing challenge and replies at most once per
// request, and only for messages recent enough to not be backlog replay.
func (d *InboundDispatcher) handlePairing(ctx context.Context, msg *bus.InboundMessage, replies ReplySink) error {
	if d.pairing == nil {
		return nil
	}

	code, created, err := d.pairing.UpsertChannelPairingRequest(ctx, PairingRequest{
		Channel:   msg.Provider,
		AccountID: msg.AccountID,
		ID:        msg.SenderID,
	})
	if err != nil {
		return fmt.Errorf("pairing request failed: %w", err)
	}
	if created && WithinPairingGrace(msg.Timestamp, time.Now()) {
		replies.SendFinalReply(bus.ReplyPayload{Text: fmt.Sprintf(PairingReplyTemplate, code)})
	}
	return nil
}

// dispatchAcp routes one message through the ACP session manager, streaming
// events into block replies.
func (d *InboundDispatcher) dispatchAcp(ctx context.Context, msg *bus.InboundMessage, sessionKey, prompt string, replies ReplySink) error {
	if err := d.acpGateError(sessionKey); err != nil {
		code := acpruntime.NormalizeAcpErrorCode(acpruntime.GetAcpErrorCode(err))
		replies.SendFinalReply(bus.ReplyPayload{
			Text: fmt.Sprintf("ACP error (%s): %s", code, acpErrorMessage(err)),
		})
		return nil
	}

	wasPending := d.identityPending(sessionKey)

	streamCfg := d.cfg.ACP.Stream
	if limit := d.cfg.ChannelFor(msg.Provider).TextChunkLimit; limit > 0 {
		streamCfg.MaxChunkChars = limit
	}
	adapter := newAcpStreamAdapter(replies, streamCfg)
	turnErr := d.manager.RunTurn(ctx, acp.RunTurnInput{
		Cfg:        d.cfg,
		SessionKey: sessionKey,
		Text:       prompt,
		Mode:       acpruntime.AcpPromptModePrompt,
		RequestID:  msg.MessageID,
		OnEvent:    adapter.OnEvent,
	})
	remainder := adapter.Finish()

	if turnErr != nil {
		code := acpruntime.NormalizeAcpErrorCode(acpruntime.GetAcpErrorCode(turnErr))
		replies.SendFinalReply(bus.ReplyPayload{
			Text: fmt.Sprintf("ACP error (%s): %s", code, acpErrorMessage(turnErr)),
		})
		return nil
	}

	if remainder != "" {
		replies.SendFinalReply(bus.ReplyPayload{Text: remainder})
	}

	d.postTurn(ctx, msg, sessionKey, wasPending)
	return nil
}

// acpGateError checks the routing gates: metadata present, dispatch enabled,
// agent allowed.
func (d *InboundDispatcher) acpGateError(sessionKey string) error {
	resolution, err := d.manager.ResolveSession(d.cfg, sessionKey)
	if err != nil {
		return err
	}
	if resolution.Kind != acp.ResolutionReady {
		return acpruntime.NewSessionInitError(
			fmt.Sprintf("ACP metadata is missing for session: %s", sessionKey), nil)
	}
	if !acp.IsAcpDispatchEnabled(d.cfg) {
		return acpruntime.NewDispatchDisabledError("ACP dispatch is disabled by policy")
	}
	return acp.ResolveAcpAgentPolicyError(d.cfg, resolution.Meta.Agent)
}

func (d *InboundDispatcher) identityPending(sessionKey string) bool {
	resolution, err := d.manager.ResolveSession(d.cfg, sessionKey)
	if err != nil || resolution.Kind != acp.ResolutionReady {
		return false
	}
	return acp.IsIdentityPending(resolution.Meta.Identity)
}

// postTurn runs the after-turn steps: TTS pass, oneshot close, one-time
// identity-resolved notice.
func (d *InboundDispatcher) postTurn(ctx context.Context, msg *bus.InboundMessage, sessionKey string, wasPending bool) {
	if d.hooks.FinalizeTTS != nil {
		d.hooks.FinalizeTTS(ctx, msg)
	}

	resolution, err := d.manager.ResolveSession(d.cfg, sessionKey)
	if err != nil || resolution.Kind != acp.ResolutionReady {
		return
	}
	meta := resolution.Meta

	if meta.Mode == acpruntime.AcpSessionModeOneshot {
		if _, closeErr := d.manager.CloseSession(ctx, acp.CloseSessionInput{
			Cfg:        d.cfg,
			SessionKey: sessionKey,
			Reason:     "oneshot-complete",
			ClearMeta:  true,
		}); closeErr != nil {
			d.log.Warn("oneshot close failed",
				zap.String("session_key", sessionKey), zap.Error(closeErr))
		}
		return
	}

	if wasPending && !acp.IsIdentityPending(meta.Identity) && meta.Identity != nil && d.sink != nil {
		d.sink.EnqueueSystemEvent("session ids resolved",
			events.SystemEventKeys{SessionKey: sessionKey, ContextKey: "identity-resolved"})
	}
}

// dispatchFallback invokes the fallback resolver for non-ACP sessions.
func (d *InboundDispatcher) dispatchFallback(ctx context.Context, msg *bus.InboundMessage, prompt string, replies ReplySink) error {
	if d.fallback == nil {
		d.log.Warn("no fallback resolver configured",
			zap.String("provider", msg.Provider))
		return nil
	}

	payload, err := d.fallback(ctx, msg, prompt)
	if err != nil {
		return fmt.Errorf("fallback resolver failed: %w", err)
	}
	replies.SendFinalReply(payload)
	return nil
}

// acpErrorMessage extracts the user-facing message from a runtime error.
func acpErrorMessage(err error) string {
	var runtimeErr *acpruntime.AcpRuntimeError
	if errors.As(err, &runtimeErr) {
		return runtimeErr.Message
	}
	return err.Error()
}
