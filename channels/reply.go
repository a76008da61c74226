package channels

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/openclaw/bus"
	"github.com/openclaw/openclaw/internal/logger"
)

// ReplySender delivers one payload to the origin transport.
type ReplySender func(ctx context.Context, payload bus.ReplyPayload) error

// TypingCallbacks drive the transport typing indicator. Both callbacks are
// optional and their failures never fail the reply.
type TypingCallbacks struct {
	Start   func(ctx context.Context) error
	OnError func(err error)
}

// HumanDelay paces final replies to feel typed rather than instantaneous.
type HumanDelay struct {
	Min time.Duration
	Max time.Duration
}

func (d HumanDelay) pick() time.Duration {
	if d.Max <= 0 || d.Max < d.Min {
		return d.Min
	}
	if d.Max == d.Min {
		return d.Min
	}
	return d.Min + time.Duration(rand.Int63n(int64(d.Max-d.Min)))
}

// ReplyDispatcherConfig configures one dispatcher instance.
type ReplyDispatcherConfig struct {
	Send           ReplySender
	Typing         TypingCallbacks
	TextChunkLimit int
	TableMode      bool
	FinalDelay     HumanDelay
	SuppressTyping bool
	QueueSize      int
}

type queuedReply struct {
	kind    string
	payload bus.ReplyPayload
}

// ReplyDispatcher serializes outbound replies through a single worker so
// chunks of one reply never interleave with another.
type ReplyDispatcher struct {
	cfg ReplyDispatcherConfig
	log *logger.FieldLogger

	queue chan queuedReply

	mu        sync.Mutex
	queued    map[string]int
	inFlight  int
	completed bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewReplyDispatcher creates and starts a dispatcher.
func NewReplyDispatcher(cfg ReplyDispatcherConfig) *ReplyDispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TextChunkLimit <= 0 {
		cfg.TextChunkLimit = DefaultTextChunkLimit
	}
	d := &ReplyDispatcher{
		cfg:    cfg,
		log:    logger.Module("reply"),
		queue:  make(chan queuedReply, cfg.QueueSize),
		queued: make(map[string]int),
		done:   make(chan struct{}),
	}
	go d.worker()
	return d
}

// SendToolResult enqueues a tool-output reply.
func (d *ReplyDispatcher) SendToolResult(payload bus.ReplyPayload) bool {
	return d.enqueue(bus.ReplyKindTool, payload)
}

// SendBlockReply enqueues an intermediate streamed reply.
func (d *ReplyDispatcher) SendBlockReply(payload bus.ReplyPayload) bool {
	return d.enqueue(bus.ReplyKindBlock, payload)
}

// SendFinalReply enqueues the final reply.
func (d *ReplyDispatcher) SendFinalReply(payload bus.ReplyPayload) bool {
	return d.enqueue(bus.ReplyKindFinal, payload)
}

// enqueue queues one payload. Reasoning payloads and empty payloads are
// dropped. Returns false when the payload was not queued.
func (d *ReplyDispatcher) enqueue(kind string, payload bus.ReplyPayload) bool {
	if payload.IsReasoning {
		return false
	}
	if payload.IsEmpty() {
		return false
	}

	d.mu.Lock()
	if d.completed {
		d.mu.Unlock()
		return false
	}
	d.queued[kind]++
	d.mu.Unlock()

	select {
	case d.queue <- queuedReply{kind: kind, payload: payload}:
		return true
	case <-d.done:
		d.finishReply(kind)
		return false
	}
}

func (d *ReplyDispatcher) worker() {
	for {
		select {
		case item := <-d.queue:
			d.mu.Lock()
			d.inFlight++
			d.mu.Unlock()

			d.deliver(item)
			d.finishReply(item.kind)

			d.mu.Lock()
			d.inFlight--
			d.mu.Unlock()
		case <-d.done:
			return
		}
	}
}

func (d *ReplyDispatcher) finishReply(kind string) {
	d.mu.Lock()
	if d.queued[kind] > 0 {
		d.queued[kind]--
	}
	d.mu.Unlock()
}

// deliver sends one payload: typing indicator, human-delay pacing for finals,
// media/text split, text chunking.
func (d *ReplyDispatcher) deliver(item queuedReply) {
	ctx := context.Background()

	if !d.cfg.SuppressTyping && d.cfg.Typing.Start != nil {
		if err := d.cfg.Typing.Start(ctx); err != nil {
			if d.cfg.Typing.OnError != nil {
				d.cfg.Typing.OnError(err)
			}
			d.log.Warn("typing indicator failed", zap.Error(err))
		}
	}

	if item.kind == bus.ReplyKindFinal {
		if delay := d.cfg.FinalDelay.pick(); delay > 0 {
			time.Sleep(delay)
		}
	}

	media := item.payload.AllMediaURLs()
	if len(media) > 0 {
		// Text rides only the first media delivery.
		for i, url := range media {
			out := bus.ReplyPayload{MediaURL: url, AudioAsVoice: item.payload.AudioAsVoice}
			if i == 0 {
				out.Text = item.payload.Text
			}
			if err := d.cfg.Send(ctx, out); err != nil {
				d.log.Error("reply delivery failed",
					zap.String("kind", item.kind),
					zap.Error(err))
				return
			}
		}
		return
	}

	chunks := d.chunk(item.payload.Text)
	for _, chunk := range chunks {
		out := bus.ReplyPayload{Text: chunk, AudioAsVoice: item.payload.AudioAsVoice}
		if err := d.cfg.Send(ctx, out); err != nil {
			d.log.Error("reply delivery failed",
				zap.String("kind", item.kind),
				zap.Error(err))
			return
		}
	}
}

func (d *ReplyDispatcher) chunk(text string) []string {
	if d.cfg.TableMode {
		return ChunkTableAware(text, d.cfg.TextChunkLimit)
	}
	return ChunkText(text, d.cfg.TextChunkLimit)
}

// GetQueuedCounts reports queued-or-in-flight replies per kind.
func (d *ReplyDispatcher) GetQueuedCounts() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]int, len(d.queued))
	for kind, n := range d.queued {
		if n > 0 {
			out[kind] = n
		}
	}
	return out
}

// WaitForIdle blocks until every queued reply has been delivered or the
// context expires.
func (d *ReplyDispatcher) WaitForIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		d.mu.Lock()
		pending := d.pendingLocked()
		d.mu.Unlock()
		if pending == 0 {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *ReplyDispatcher) pendingLocked() int {
	total := d.inFlight
	for _, n := range d.queued {
		total += n
	}
	return total
}

// MarkComplete rejects further submissions; already-queued replies still
// deliver.
func (d *ReplyDispatcher) MarkComplete() {
	d.mu.Lock()
	d.completed = true
	d.mu.Unlock()
}

// Stop marks the dispatcher complete and halts the worker once idle.
func (d *ReplyDispatcher) Stop(ctx context.Context) error {
	d.MarkComplete()
	err := d.WaitForIdle(ctx)
	d.stopOnce.Do(func() { close(d.done) })
	return err
}
