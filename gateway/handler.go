package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/acp"
	"github.com/openclaw/openclaw/bus"
	"github.com/openclaw/openclaw/config"
	"github.com/openclaw/openclaw/internal/logger"
)

// Handler routes control-plane requests to registered methods.
type Handler struct {
	registry *MethodRegistry
	cfg      *config.Config
	manager  *acp.Manager
	bus      *bus.MessageBus
	log      *logger.FieldLogger
}

// NewHandler builds a handler with the system, chat and ACP method sets
// registered. bus may be nil when chat injection is not wired.
func NewHandler(cfg *config.Config, manager *acp.Manager, messageBus *bus.MessageBus) *Handler {
	h := &Handler{
		registry: NewMethodRegistry(),
		cfg:      cfg,
		manager:  manager,
		bus:      messageBus,
		log:      logger.Module("gateway"),
	}

	h.registerSystemMethods()
	h.registerChatMethods()
	if manager != nil {
		RegisterAcpMethods(h.registry, cfg, manager)
	}
	return h
}

// HandleRequest executes one request and maps failures to protocol errors.
func (h *Handler) HandleRequest(connID string, req *JSONRPCRequest) *JSONRPCResponse {
	if req.Method == "" {
		return NewErrorResponse(req.ID, ErrorInvalidRequest, "method is required")
	}

	result, err := h.registry.Call(req.Method, connID, req.Params)
	if err != nil {
		var unknown *ErrUnknownMethod
		if errors.As(err, &unknown) {
			return NewErrorResponse(req.ID, ErrorMethodNotFound, err.Error())
		}

		h.log.Warn("method call failed",
			zap.String("method", req.Method),
			zap.String("conn_id", connID),
			zap.Error(err))
		return NewErrorResponse(req.ID, ErrorInternalError, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

func (h *Handler) registerSystemMethods() {
	h.registry.Register("health", func(connID string, params map[string]any) (any, error) {
		return map[string]any{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
			"version":   ProtocolVersion,
		}, nil
	})

	h.registry.Register("methods.list", func(connID string, params map[string]any) (any, error) {
		return map[string]any{"methods": h.registry.Methods()}, nil
	})

	h.registry.Register("config.show", func(connID string, params map[string]any) (any, error) {
		if h.cfg == nil {
			return nil, fmt.Errorf("no configuration loaded")
		}
		return h.cfg, nil
	})
}

// ChatSendParams parameterize chat.send.
type ChatSendParams struct {
	Provider       string `json:"provider"`
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id,omitempty"`
	SenderName     string `json:"sender_name,omitempty"`
	Text           string `json:"text"`
	IsGroup        bool   `json:"is_group,omitempty"`
}

// ChatPostParams parameterize chat.post.
type ChatPostParams struct {
	Provider       string `json:"provider"`
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
	ThreadID       string `json:"thread_id,omitempty"`
	Text           string `json:"text"`
}

func (h *Handler) registerChatMethods() {
	// chat.send injects a synthetic inbound frame, as if a transport had
	// delivered it. The dispatch pipeline treats it like any other message.
	h.registry.Register("chat.send", func(connID string, params map[string]any) (any, error) {
		if h.bus == nil {
			return nil, fmt.Errorf("message bus is not available")
		}

		var p ChatSendParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		if p.Provider == "" {
			return nil, fmt.Errorf("provider parameter is required")
		}
		if p.ConversationID == "" {
			return nil, fmt.Errorf("conversation_id parameter is required")
		}
		if p.Text == "" {
			return nil, fmt.Errorf("text parameter is required")
		}

		sender := p.SenderID
		if sender == "" {
			sender = "gateway:" + connID
		}

		msg := &bus.InboundMessage{
			Provider:       p.Provider,
			AccountID:      p.AccountID,
			SenderID:       sender,
			SenderName:     p.SenderName,
			ConversationID: p.ConversationID,
			IsGroup:        p.IsGroup,
			Text:           p.Text,
			Timestamp:      time.Now(),
		}

		if err := h.bus.PublishInbound(context.Background(), msg); err != nil {
			return nil, fmt.Errorf("could not publish message: %w", err)
		}

		return map[string]any{
			"status":     "queued",
			"message_id": msg.ID,
		}, nil
	})

	// chat.post pushes an unsolicited outbound message straight to a
	// conversation, bypassing the dispatch pipeline. Gated by the send
	// policy.
	h.registry.Register("chat.post", func(connID string, params map[string]any) (any, error) {
		if h.bus == nil {
			return nil, fmt.Errorf("message bus is not available")
		}
		if h.cfg != nil && strings.EqualFold(h.cfg.Session.SendPolicy.Default, "deny") {
			return nil, fmt.Errorf("unsolicited sends are denied by send policy")
		}

		var p ChatPostParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		if p.Provider == "" {
			return nil, fmt.Errorf("provider parameter is required")
		}
		if p.ConversationID == "" {
			return nil, fmt.Errorf("conversation_id parameter is required")
		}
		if p.Text == "" {
			return nil, fmt.Errorf("text parameter is required")
		}

		out := &bus.OutboundMessage{
			Provider:       p.Provider,
			AccountID:      p.AccountID,
			ConversationID: p.ConversationID,
			ThreadID:       p.ThreadID,
			Kind:           bus.ReplyKindFinal,
			Payload:        bus.ReplyPayload{Text: p.Text},
		}
		if err := h.bus.PublishOutbound(context.Background(), out); err != nil {
			return nil, fmt.Errorf("could not publish message: %w", err)
		}

		return map[string]any{
			"status":     "sent",
			"message_id": out.ID,
		}, nil
	})
}
