// Package confirm remembers which task each owner's last follow-up question
// was about, so a bare "yes" or "no" can be routed to it.
package confirm

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCapacity = 10_000
	DefaultTTL      = 24 * time.Hour
)

// Tracker maps owner -> task id. Entries live in process memory only and
// expire after the configured TTL.
type Tracker struct {
	mu      sync.Mutex
	pending *expirable.LRU[int64, int64]
}

// NewTracker creates a Tracker. Non-positive arguments select the defaults.
func NewTracker(capacity int, ttl time.Duration) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{pending: expirable.NewLRU[int64, int64](capacity, nil, ttl)}
}

// Set records that owner's latest follow-up was about taskID, replacing any
// earlier one.
func (t *Tracker) Set(owner, taskID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending.Add(owner, taskID)
}

// Take returns and clears the pending task for owner.
func (t *Tracker) Take(owner int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	taskID, ok := t.pending.Peek(owner)
	if !ok {
		return 0, false
	}
	t.pending.Remove(owner)
	return taskID, true
}

// Peek returns the pending task for owner without consuming it.
func (t *Tracker) Peek(owner int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Peek(owner)
}

// Forget drops every pending entry that points at taskID.
func (t *Tracker) Forget(taskID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, owner := range t.pending.Keys() {
		if id, ok := t.pending.Peek(owner); ok && id == taskID {
			t.pending.Remove(owner)
		}
	}
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending.Len()
}
