package channels

import (
	"sync"
	"time"

	"github.com/openclaw/openclaw/bus"
	acpruntime "github.com/openclaw/openclaw/acp/runtime"
	"github.com/openclaw/openclaw/config"
)

// Stream coalescing defaults when the config leaves them unset.
const (
	DefaultCoalesceIdle  = 400 * time.Millisecond
	DefaultMaxChunkChars = 800
)

// ReplySink is the destination for streamed replies. *ReplyDispatcher
// implements it.
type ReplySink interface {
	SendToolResult(payload bus.ReplyPayload) bool
	SendBlockReply(payload bus.ReplyPayload) bool
	SendFinalReply(payload bus.ReplyPayload) bool
}

// acpStreamAdapter turns runtime events into sink deliveries: output text
// deltas coalesce into block replies by idle window and max chunk size,
// thought deltas become reasoning payloads, tool results pass through.
type acpStreamAdapter struct {
	sink     ReplySink
	idle     time.Duration
	maxChars int

	mu      sync.Mutex
	buffer  []rune
	timer   *time.Timer
	stopped bool
}

func newAcpStreamAdapter(sink ReplySink, streamCfg config.ACPStreamConfig) *acpStreamAdapter {
	idle := DefaultCoalesceIdle
	if streamCfg.CoalesceIdleMs > 0 {
		idle = time.Duration(streamCfg.CoalesceIdleMs) * time.Millisecond
	}
	maxChars := DefaultMaxChunkChars
	if streamCfg.MaxChunkChars > 0 {
		maxChars = streamCfg.MaxChunkChars
	}
	return &acpStreamAdapter{
		sink:     sink,
		idle:     idle,
		maxChars: maxChars,
	}
}

// OnEvent consumes one runtime event. Safe for the manager's in-order
// single-goroutine delivery.
func (a *acpStreamAdapter) OnEvent(event acpruntime.AcpRuntimeEvent) {
	switch e := event.(type) {
	case *acpruntime.AcpEventTextDelta:
		if e.Stream == "thought" {
			// Tagged so the sink can drop it.
			a.sink.SendBlockReply(bus.ReplyPayload{Text: e.Text, IsReasoning: true})
			return
		}
		a.appendText(e.Text)
	case *acpruntime.AcpEventToolResult:
		a.flushBlock()
		a.sink.SendToolResult(bus.ReplyPayload{
			Text:      e.Text,
			MediaURLs: e.MediaUrls,
		})
	case *acpruntime.AcpEventDone:
		// Finish consumes the remainder.
	}
}

func (a *acpStreamAdapter) appendText(text string) {
	if text == "" {
		return
	}

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.buffer = append(a.buffer, []rune(text)...)
	overflow := len(a.buffer) >= a.maxChars

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if !overflow {
		a.timer = time.AfterFunc(a.idle, a.flushBlock)
	}
	a.mu.Unlock()

	if overflow {
		a.flushBlock()
	}
}

// flushBlock emits the buffered output text as one block reply.
func (a *acpStreamAdapter) flushBlock() {
	a.mu.Lock()
	if a.stopped || len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	text := string(a.buffer)
	a.buffer = a.buffer[:0]
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()

	a.sink.SendBlockReply(bus.ReplyPayload{Text: text})
}

// Finish stops coalescing and returns any remaining buffered text so the
// caller can emit it as the final reply.
func (a *acpStreamAdapter) Finish() string {
	a.mu.Lock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	text := string(a.buffer)
	a.buffer = nil
	a.mu.Unlock()
	return text
}
