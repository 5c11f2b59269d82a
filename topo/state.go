package topo

import (
	"sync"
	"time"
)

// ResultTracker holds the latest run result for the HTTP endpoints and
// the label subscriber.
type ResultTracker struct {
	mu        sync.RWMutex
	current   *Result
	updatedAt time.Time
	history   []string
	maxRuns   int
}

// NewResultTracker creates a tracker that remembers the ids of the last
// maxRuns results.
func NewResultTracker(maxRuns int) *ResultTracker {
	if maxRuns <= 0 {
		maxRuns = 20
	}
	return &ResultTracker{maxRuns: maxRuns}
}

// Update replaces the current result.
func (rt *ResultTracker) Update(res *Result) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.current = res
	rt.updatedAt = time.Now()
	if res != nil {
		rt.history = append(rt.history, res.RunID)
		if len(rt.history) > rt.maxRuns {
			rt.history = rt.history[len(rt.history)-rt.maxRuns:]
		}
	}
}

// Current returns the latest result, or nil before the first run.
func (rt *ResultTracker) Current() *Result {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.current
}

// HasResult reports whether a result is available.
func (rt *ResultTracker) HasResult() bool {
	return rt.Current() != nil
}

// UpdatedAt returns when the current result was stored.
func (rt *ResultTracker) UpdatedAt() time.Time {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.updatedAt
}

// History returns recent run ids, oldest first.
func (rt *ResultTracker) History() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]string(nil), rt.history...)
}
