package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openclaw/openclaw/internal/logger"
)

// ErrBusClosed is returned when publishing to or consuming from a closed bus.
var ErrBusClosed = errors.New("message bus is closed")

// MessageBus connects transport adapters to the dispatch pipeline. Inbound
// frames flow through a single queue; outbound replies fan out to per-channel
// subscribers.
type MessageBus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage

	outSubsMu sync.RWMutex
	outSubs   map[string]chan *OutboundMessage

	mu     sync.RWMutex
	closed bool

	log *logger.FieldLogger
}

// NewMessageBus creates a message bus with the given buffer size.
func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	b := &MessageBus{
		inbound:  make(chan *InboundMessage, bufferSize),
		outbound: make(chan *OutboundMessage, bufferSize),
		outSubs:  make(map[string]chan *OutboundMessage),
		log:      logger.Module("bus"),
	}
	go b.broadcastOutbound()
	return b
}

// PublishInbound enqueues an inbound frame.
func (b *MessageBus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until an inbound frame is available. Returns
// ErrBusClosed after Close once the queue is drained.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg, ok := <-b.inbound:
		if !ok {
			return nil, ErrBusClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound enqueues a reply for broadcast to subscribers.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg *OutboundMessage) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeOutbound registers an outbound subscriber for a provider. The
// returned channel closes when the bus closes.
func (b *MessageBus) SubscribeOutbound(provider string) <-chan *OutboundMessage {
	b.outSubsMu.Lock()
	defer b.outSubsMu.Unlock()

	if existing, ok := b.outSubs[provider]; ok {
		return existing
	}
	sub := make(chan *OutboundMessage, cap(b.outbound))
	b.outSubs[provider] = sub
	return sub
}

// broadcastOutbound routes outbound replies to the matching subscriber.
func (b *MessageBus) broadcastOutbound() {
	for msg := range b.outbound {
		b.outSubsMu.RLock()
		sub := b.outSubs[msg.Provider]
		b.outSubsMu.RUnlock()

		if sub == nil {
			b.log.Warn("dropping outbound reply without subscriber",
				zap.String("provider", msg.Provider),
				zap.String("conversation_id", msg.ConversationID))
			continue
		}

		select {
		case sub <- msg:
		default:
			b.log.Warn("outbound subscriber is full, dropping reply",
				zap.String("provider", msg.Provider))
		}
	}

	b.outSubsMu.Lock()
	for provider, sub := range b.outSubs {
		close(sub)
		delete(b.outSubs, provider)
	}
	b.outSubsMu.Unlock()
}

// Close drains and shuts the bus down. Publishing after Close fails with
// ErrBusClosed; consumers observe channel closure after the queues drain.
func (b *MessageBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.inbound)
	close(b.outbound)
}
