package channels

import (
	"context"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/bus"
	"github.com/openclaw/openclaw/internal/logger"
)

// BusReplySink publishes replies onto the message bus addressed to the
// message's origin. When the message arrived from a different surface than
// its provider, replies are routed back to that surface.
type BusReplySink struct {
	bus            *bus.MessageBus
	provider       string
	accountID      string
	conversationID string
	threadID       string
	log            *logger.FieldLogger
}

// NewBusReplySink builds a sink addressing the origin of msg.
func NewBusReplySink(messageBus *bus.MessageBus, msg *bus.InboundMessage, routeReply bool) *BusReplySink {
	provider := msg.Provider
	if routeReply && msg.Surface != "" {
		provider = msg.Surface
	}
	return &BusReplySink{
		bus:            messageBus,
		provider:       provider,
		accountID:      msg.AccountID,
		conversationID: msg.ConversationID,
		threadID:       msg.ThreadID,
		log:            logger.Module("channels"),
	}
}

// SendToolResult publishes a tool reply.
func (s *BusReplySink) SendToolResult(payload bus.ReplyPayload) bool {
	return s.publish(bus.ReplyKindTool, payload)
}

// SendBlockReply publishes an intermediate block reply.
func (s *BusReplySink) SendBlockReply(payload bus.ReplyPayload) bool {
	return s.publish(bus.ReplyKindBlock, payload)
}

// SendFinalReply publishes the final reply.
func (s *BusReplySink) SendFinalReply(payload bus.ReplyPayload) bool {
	return s.publish(bus.ReplyKindFinal, payload)
}

func (s *BusReplySink) publish(kind string, payload bus.ReplyPayload) bool {
	if payload.IsReasoning || payload.IsEmpty() {
		return false
	}

	err := s.bus.PublishOutbound(context.Background(), &bus.OutboundMessage{
		Provider:       s.provider,
		AccountID:      s.accountID,
		ConversationID: s.conversationID,
		ThreadID:       s.threadID,
		Kind:           kind,
		Payload:        payload,
	})
	if err != nil {
		s.log.Warn("outbound publish failed",
			zap.String("provider", s.provider),
			zap.String("kind", kind),
			zap.Error(err))
		return false
	}
	return true
}
