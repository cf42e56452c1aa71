package work

import (
	"strings"
	"sync"
	"time"
)

// CompletionTracker remembers when work last completed, in memory. It
// drives interval staleness and dependency checks; a restart forgets
// everything, which is wanted: the first scan after boot re-runs the
// ingestion chain and the store ratchet makes that idempotent.
type CompletionTracker struct {
	completions map[string]time.Time // key: "typeID" or "typeID:subject"
	mu          sync.RWMutex
}

// NewCompletionTracker creates an empty tracker.
func NewCompletionTracker() *CompletionTracker {
	return &CompletionTracker{
		completions: make(map[string]time.Time),
	}
}

func completionKey(typeID, subject string) string {
	if subject == "" {
		return typeID
	}
	return typeID + ":" + subject
}

// MarkCompleted records a completion at now.
func (t *CompletionTracker) MarkCompleted(item *WorkItem) {
	t.MarkCompletedAt(item, time.Now())
}

// MarkCompletedAt records a completion at a given time, for tests that need
// to age completions.
func (t *CompletionTracker) MarkCompletedAt(item *WorkItem, completedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completions[completionKey(item.TypeID, item.Subject)] = completedAt
}

// GetCompletion returns when a type/subject last completed.
func (t *CompletionTracker) GetCompletion(typeID, subject string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	completedAt, exists := t.completions[completionKey(typeID, subject)]
	return completedAt, exists
}

// IsStale reports whether work should run again: never completed, zero
// interval, or the interval has elapsed since the last completion.
func (t *CompletionTracker) IsStale(typeID, subject string, interval time.Duration) bool {
	if interval == 0 {
		return true
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	completedAt, exists := t.completions[completionKey(typeID, subject)]
	if !exists {
		return true
	}
	return time.Since(completedAt) > interval
}

// Clear forgets one type/subject completion.
func (t *CompletionTracker) Clear(typeID, subject string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.completions, completionKey(typeID, subject))
}

// ClearByTypeID forgets all completions of one work type, across subjects.
func (t *CompletionTracker) ClearByTypeID(typeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.completions {
		if key == typeID || strings.HasPrefix(key, typeID+":") {
			delete(t.completions, key)
		}
	}
}
