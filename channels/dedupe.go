package channels

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Dedup defaults per the inbound pipeline contract.
const (
	DefaultDedupeTTL  = 5 * time.Minute
	DefaultDedupeSize = 2000
)

// Deduper suppresses duplicate inbound frames by origin message id. Entries
// expire after the TTL; over capacity, the oldest insertions are dropped.
type Deduper struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, time.Time]
}

// NewDeduper creates a deduper with the given TTL and capacity. Zero values
// select the defaults.
func NewDeduper(ttl time.Duration, size int) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	if size <= 0 {
		size = DefaultDedupeSize
	}
	return &Deduper{
		cache: expirable.NewLRU[string, time.Time](size, nil, ttl),
	}
}

// Seen reports whether the key was already seen within the TTL. On a miss the
// key is inserted, so only the first caller per key observes false.
func (d *Deduper) Seen(key string) bool {
	if key == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, present := d.cache.Get(key); present {
		return true
	}
	d.cache.Add(key, time.Now())
	return false
}

// SeenAny reports whether any of the keys was already seen within the TTL.
// On a full miss every key is inserted, so a transport redelivering one
// fragment of a merged frame is still suppressed.
func (d *Deduper) SeenAny(keys ...string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, present := d.cache.Get(key); present {
			return true
		}
	}
	for _, key := range keys {
		if key != "" {
			d.cache.Add(key, time.Now())
		}
	}
	return false
}

// Len returns the number of live entries.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
