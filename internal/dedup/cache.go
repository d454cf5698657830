// Package dedup implements the short-term duplicate-call suppressor.
//
// It is a volatile, process-local guard against bursts of duplicate
// calls within one poll cycle or across adjacent ticks before the
// durable call log catches up. Its loss on restart is safe; the call
// log in internal/storage is the long-term idempotence source of truth.
package dedup

import (
	"sync"
	"time"
)

const (
	// DefaultWindow suppresses repeat attempts for the same
	// (phone, event) pair.
	DefaultWindow = 10 * time.Minute
	// DefaultMaxAge is the sweep ceiling that bounds cache memory.
	DefaultMaxAge = time.Hour
)

// Cache tracks recent call attempts keyed by (phone, event).
// Safe for concurrent use; overlapping ticks share one Cache.
type Cache struct {
	mu      sync.Mutex
	window  time.Duration
	maxAge  time.Duration
	entries map[string]time.Time

	now func() time.Time // test hook
}

func New(window, maxAge time.Duration) *Cache {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxAge < window {
		maxAge = window
	}
	return &Cache{
		window:  window,
		maxAge:  maxAge,
		entries: map[string]time.Time{},
		now:     time.Now,
	}
}

// ShouldAttempt reports whether a call for (phone, eventID) may proceed.
// If the pair was attempted within the window it returns false;
// otherwise it records the attempt now and returns true.
//
// Every invocation also sweeps entries older than the ceiling. The sweep
// is O(entries), which is fine: cardinality is bounded by active users
// times near-term events.
func (c *Cache) ShouldAttempt(phone, eventID string) bool {
	key := phone + "|" + eventID

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	if last, ok := c.entries[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.entries[key] = now

	for k, t := range c.entries {
		if now.Sub(t) > c.maxAge {
			delete(c.entries, k)
		}
	}
	return true
}

// Len returns the number of tracked pairs (for status reporting).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
