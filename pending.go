package reqpipe

import (
	"context"
	"sync"
	"time"
)

// PendingEntry is the registration of one in-flight request.
type PendingEntry struct {
	Key       string
	CreatedAt time.Time

	cancel context.CancelCauseFunc
}

// PendingRegistry tracks in-flight requests by canonical key. It holds at most one
// entry per key: registering a key that is already in flight cancels the older
// request first.
type PendingRegistry struct {
	mu      sync.Mutex
	entries map[string]*PendingEntry
	now     func() time.Time
}

// NewPendingRegistry creates an empty registry.
func NewPendingRegistry(now func() time.Time) *PendingRegistry {
	if now == nil {
		now = time.Now
	}
	return &PendingRegistry{
		entries: make(map[string]*PendingEntry),
		now:     now,
	}
}

// Supersede cancels and removes the entry registered under key, if any.
func (r *PendingRegistry) Supersede(key, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.supersedeLocked(key, reason)
}

func (r *PendingRegistry) supersedeLocked(key, reason string) bool {
	old, ok := r.entries[key]
	if !ok {
		return false
	}
	delete(r.entries, key)
	old.cancel(cancelledError(reason))
	return true
}

// Register records a new in-flight request under key. Any predecessor is cancelled
// and removed in the same critical section, so two registrations for one key can
// never both be live. The returned bool reports whether a predecessor was superseded.
func (r *PendingRegistry) Register(key string, cancel context.CancelCauseFunc) (*PendingEntry, bool) {
	entry := &PendingEntry{
		Key:       key,
		CreatedAt: r.now(),
		cancel:    cancel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	superseded := r.supersedeLocked(key, "duplicate request cancelled: "+key)
	r.entries[key] = entry
	return entry, superseded
}

// Release removes entry if it is still the one registered under key. It returns
// false when the entry was already superseded or cancelled.
func (r *PendingRegistry) Release(key string, entry *PendingEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[key] != entry {
		return false
	}
	delete(r.entries, key)
	return true
}

// CancelAll cancels every in-flight request and empties the registry.
func (r *PendingRegistry) CancelAll(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	for key, entry := range r.entries {
		delete(r.entries, key)
		entry.cancel(cancelledError(reason))
	}
	return n
}

// Len returns the number of in-flight requests.
func (r *PendingRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
