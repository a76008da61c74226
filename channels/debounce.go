package channels

import (
	"strings"
	"sync"
	"time"

	"github.com/openclaw/openclaw/bus"
)

// DefaultDebounceIdle is the flush window when a channel configures none.
const DefaultDebounceIdle = 800 * time.Millisecond

// Debouncer buffers rapid text fragments per conversation and flushes one
// merged frame once the sender pauses. Empty, media-bearing and command
// frames bypass the buffer and flush immediately.
type Debouncer struct {
	idle       time.Duration
	bangPrefix string
	flush      func(*bus.InboundMessage)
	idleFor    func(*bus.InboundMessage) time.Duration

	mu      sync.Mutex
	entries map[string]*debounceEntry
	stopped bool
}

type debounceEntry struct {
	frames []*bus.InboundMessage
	timer  *time.Timer
}

// NewDebouncer creates a debouncer that calls flush with coalesced frames.
func NewDebouncer(idle time.Duration, bangPrefix string, flush func(*bus.InboundMessage)) *Debouncer {
	if idle <= 0 {
		idle = DefaultDebounceIdle
	}
	return &Debouncer{
		idle:       idle,
		bangPrefix: bangPrefix,
		flush:      flush,
		entries:    make(map[string]*debounceEntry),
	}
}

// SetIdleResolver installs a per-frame flush window, typically sourced from
// channel config. A non-positive resolved value falls back to the default
// idle. Set before Submit is first called.
func (d *Debouncer) SetIdleResolver(fn func(*bus.InboundMessage) time.Duration) {
	d.idleFor = fn
}

func (d *Debouncer) idleForFrame(msg *bus.InboundMessage) time.Duration {
	if d.idleFor != nil {
		if idle := d.idleFor(msg); idle > 0 {
			return idle
		}
	}
	return d.idle
}

// ShouldDebounce reports whether the frame belongs in the buffer. Frames that
// cannot be merged flush immediately.
func (d *Debouncer) ShouldDebounce(msg *bus.InboundMessage) bool {
	if strings.TrimSpace(msg.Text) == "" {
		return false
	}
	if len(msg.MediaRefs) > 0 {
		return false
	}
	if IsControlCommand(msg.Text, d.bangPrefix) {
		return false
	}
	return true
}

// Submit routes one frame through the debouncer. Non-debounceable frames
// first flush any pending buffer for the conversation (preserving order),
// then flush themselves.
func (d *Debouncer) Submit(msg *bus.InboundMessage) {
	key := msg.ConversationKey()

	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	if !d.ShouldDebounce(msg) {
		pending := d.takeLocked(key)
		d.mu.Unlock()
		if pending != nil {
			d.flush(pending)
		}
		d.flush(msg)
		return
	}

	entry, ok := d.entries[key]
	if !ok {
		entry = &debounceEntry{}
		d.entries[key] = entry
	}
	entry.frames = append(entry.frames, msg)

	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(d.idleForFrame(msg), func() {
		d.flushKey(key)
	})
	d.mu.Unlock()
}

// flushKey drains one conversation buffer on timer fire.
func (d *Debouncer) flushKey(key string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	merged := d.takeLocked(key)
	d.mu.Unlock()

	if merged != nil {
		d.flush(merged)
	}
}

// takeLocked removes and merges the buffered frames for a key. Caller holds
// d.mu.
func (d *Debouncer) takeLocked(key string) *bus.InboundMessage {
	entry, ok := d.entries[key]
	if !ok {
		return nil
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(d.entries, key)
	return mergeFrames(entry.frames)
}

// mergeFrames merges buffered frames: newline-joined text, metadata from the
// last frame, combined message ids from all.
func mergeFrames(frames []*bus.InboundMessage) *bus.InboundMessage {
	if len(frames) == 0 {
		return nil
	}
	if len(frames) == 1 {
		return frames[0]
	}

	last := frames[len(frames)-1]
	merged := *last

	texts := make([]string, 0, len(frames))
	var ids []string
	for _, frame := range frames {
		if frame.Text != "" {
			texts = append(texts, frame.Text)
		}
		ids = append(ids, frame.MessageIDs()...)
	}
	merged.Text = strings.Join(texts, "\n")
	merged.CombinedMessageIDs = ids
	return &merged
}

// PendingConversations returns the number of buffered conversations.
func (d *Debouncer) PendingConversations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Stop drops all pending buffers. No flush fires after Stop returns.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, entry := range d.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(d.entries, key)
	}
}
