package acp

import (
	"sort"
	"sync"
	"time"

	acpruntime "github.com/openclaw/openclaw/acp/runtime"
)

// RuntimeCache caches opened runtime handles keyed by normalized session key.
// The manager exclusively owns the cached runtimes; the cache only tracks
// them and produces idle-eviction candidates.
type RuntimeCache struct {
	mu            sync.RWMutex
	states        map[string]*CachedRuntimeState
	evictedTotal  int
	lastEvictedAt *int64
}

// CachedRuntimeState is one cached runtime handle plus the parameters it was
// ensured with. A mismatch on (backend, agent, mode, cwd) invalidates reuse.
type CachedRuntimeState struct {
	Runtime acpruntime.AcpRuntime
	Handle  acpruntime.AcpRuntimeHandle
	Backend string
	Agent   string
	Mode    acpruntime.AcpRuntimeSessionMode
	Cwd     string

	// AppliedControlSignature is the digest of the runtime options last
	// applied to the handle. Stored opaquely; the manager computes it.
	AppliedControlSignature string

	lastTouchedAt time.Time
}

// NewRuntimeCache creates a new runtime cache.
func NewRuntimeCache() *RuntimeCache {
	return &RuntimeCache{
		states: make(map[string]*CachedRuntimeState),
	}
}

// Get retrieves a cached runtime state and updates lastTouchedAt.
func (c *RuntimeCache) Get(sessionKey string, now time.Time) *CachedRuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, exists := c.states[sessionKey]; exists {
		state.lastTouchedAt = now
		return state
	}
	return nil
}

// Peek retrieves a cached state without affecting idle accounting.
func (c *RuntimeCache) Peek(sessionKey string) *CachedRuntimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.states[sessionKey]
}

// Set stores a runtime state in the cache.
func (c *RuntimeCache) Set(sessionKey string, state *CachedRuntimeState, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state.lastTouchedAt = now
	c.states[sessionKey] = state
}

// Clear removes a state from the cache.
func (c *RuntimeCache) Clear(sessionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.states, sessionKey)
}

// Has checks if a session key is in the cache.
func (c *RuntimeCache) Has(sessionKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.states[sessionKey]
	return exists
}

// Size returns the number of cached states.
func (c *RuntimeCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.states)
}

// LastTouchedAt returns the last touched time for a session.
func (c *RuntimeCache) LastTouchedAt(sessionKey string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if state, exists := c.states[sessionKey]; exists {
		return state.lastTouchedAt
	}
	return time.Time{}
}

// SetAppliedControlSignature records the control signature for a session.
func (c *RuntimeCache) SetAppliedControlSignature(sessionKey, signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, exists := c.states[sessionKey]; exists {
		state.AppliedControlSignature = signature
	}
}

// IdleCandidate represents a candidate for idle eviction.
type IdleCandidate struct {
	SessionKey    string
	LastTouchedAt time.Time
}

// CollectIdleCandidates collects sessions idle for at least maxIdle, ordered
// stably by ascending lastTouchedAt (stalest first).
func (c *RuntimeCache) CollectIdleCandidates(maxIdle time.Duration, now time.Time) []IdleCandidate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var candidates []IdleCandidate
	for sessionKey, state := range c.states {
		if now.Sub(state.lastTouchedAt) >= maxIdle {
			candidates = append(candidates, IdleCandidate{
				SessionKey:    sessionKey,
				LastTouchedAt: state.lastTouchedAt,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastTouchedAt.Equal(candidates[j].LastTouchedAt) {
			return candidates[i].SessionKey < candidates[j].SessionKey
		}
		return candidates[i].LastTouchedAt.Before(candidates[j].LastTouchedAt)
	})

	return candidates
}

// IncrementEvicted increments the evicted counter.
func (c *RuntimeCache) IncrementEvicted(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictedTotal++
	at := now.UnixMilli()
	c.lastEvictedAt = &at
}

// Snapshot returns the cache statistics.
func (c *RuntimeCache) Snapshot() RuntimeCacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := RuntimeCacheSnapshot{
		ActiveSessions: len(c.states),
		EvictedTotal:   c.evictedTotal,
	}
	if c.lastEvictedAt != nil {
		at := *c.lastEvictedAt
		snapshot.LastEvictedAt = &at
	}
	return snapshot
}
