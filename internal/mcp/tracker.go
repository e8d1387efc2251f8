package mcp

import (
	"sync"
	"time"
)

// searchTracker records recent kensa_memory_search calls so handleMemoryStore
// can nudge callers that store without searching first.
//
// Keyed on (subject, agentType). In-memory and per process; the nudge is
// advisory, so losing it on restart is harmless.
type searchTracker struct {
	mu       sync.Mutex
	searches map[searchKey]time.Time
	window   time.Duration
	now      func() time.Time
}

type searchKey struct {
	subject   string
	agentType string
}

// maxTracked triggers a sweep of stale entries.
const maxTracked = 1000

func newSearchTracker(window time.Duration) *searchTracker {
	return &searchTracker{
		searches: make(map[searchKey]time.Time),
		window:   window,
		now:      time.Now,
	}
}

// Record notes a search by subject. An empty agentType means the search was
// unfiltered and covers every agent type.
func (t *searchTracker) Record(subject, agentType string) {
	if subject == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searches[searchKey{subject, agentType}] = t.now()
	if len(t.searches) > maxTracked {
		t.purgeStale()
	}
}

// WasSearched reports whether subject searched for agentType, or searched
// unfiltered, within the window.
func (t *searchTracker) WasSearched(subject, agentType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fresh(searchKey{subject, agentType}) || t.fresh(searchKey{subject, ""})
}

// fresh must be called with mu held.
func (t *searchTracker) fresh(k searchKey) bool {
	ts, ok := t.searches[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.searches, k)
		return false
	}
	return true
}

// purgeStale must be called with mu held.
func (t *searchTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.searches {
		if now.Sub(ts) > t.window {
			delete(t.searches, k)
		}
	}
}
