package kafka

import (
	"sync"
	"time"
)

type retryEntry struct {
	attempts int
	first    time.Time
}

// retryTracker counts failed attempts per message so a poison message is
// eventually dead-lettered instead of blocking its partition.
type retryTracker struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string]retryEntry
}

func newRetryTracker(max int, window time.Duration) *retryTracker {
	if max <= 0 {
		max = defaultMaxAttempts
	}
	if window <= 0 {
		window = defaultRetryWindow
	}
	return &retryTracker{
		max:     max,
		window:  window,
		entries: make(map[string]retryEntry),
	}
}

// next records a failure and reports the attempt number and whether the budget is spent.
func (r *retryTracker) next(key string, now time.Time) (int, bool) {
	if r == nil {
		return 1, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.Sub(entry.first) > r.window {
		entry = retryEntry{first: now}
	}
	entry.attempts++
	r.entries[key] = entry
	r.evict(now)
	return entry.attempts, entry.attempts >= r.max
}

func (r *retryTracker) attempts(key string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[key].attempts
}

func (r *retryTracker) reset(key string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

func (r *retryTracker) evict(now time.Time) {
	for key, entry := range r.entries {
		if now.Sub(entry.first) > r.window {
			delete(r.entries, key)
		}
	}
}
