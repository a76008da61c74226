package acp

import (
	"context"
	"sync"
)

// ActorQueue serializes operations per actor key. Operations submitted under
// the same key run in enqueue order with no overlap; distinct keys run in
// parallel. A failed operation does not poison its lane.
type ActorQueue struct {
	mu           sync.Mutex
	tails        map[string]chan struct{}
	pendingByKey map[string]int
	pendingCount int
}

// NewActorQueue creates a new actor queue.
func NewActorQueue() *ActorQueue {
	return &ActorQueue{
		tails:        make(map[string]chan struct{}),
		pendingByKey: make(map[string]int),
	}
}

// Run executes fn with per-key serialization. It chains onto the previous
// tail for the key: FIFO order is the enqueue order of Run calls. When ctx is
// cancelled before the lane frees up, fn never runs and ctx.Err() is
// returned; the lane stays intact for later submissions.
func (q *ActorQueue) Run(ctx context.Context, actorKey string, fn func() error) error {
	q.mu.Lock()
	prev := q.tails[actorKey]
	marker := make(chan struct{})
	q.tails[actorKey] = marker
	q.pendingByKey[actorKey]++
	q.pendingCount++
	q.mu.Unlock()

	release := func() {
		close(marker)
		q.mu.Lock()
		q.pendingByKey[actorKey]--
		if q.pendingByKey[actorKey] <= 0 {
			delete(q.pendingByKey, actorKey)
		}
		q.pendingCount--
		// Drop the tail reference iff this marker is still current.
		if q.tails[actorKey] == marker {
			delete(q.tails, actorKey)
		}
		q.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
			// Prior operation finished; its error (if any) stays with it.
		case <-ctx.Done():
			// Hand the lane to the next waiter without running fn.
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}

	defer release()
	return fn()
}

// PendingCount returns the total number of queued or running operations.
func (q *ActorQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingCount
}

// PendingForKey returns the number of queued or running operations for a key.
func (q *ActorQueue) PendingForKey(actorKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingByKey[actorKey]
}
