package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps history in process. Suitable for a single instance and tests.
type MemoryStore struct {
	mu        sync.Mutex
	retention time.Duration
	users     map[string]map[Key]*Entry
}

// NewMemoryStore returns a store that forgets impression times older than
// retention. Lifetime totals are kept regardless.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		users:     make(map[string]map[Key]*Entry),
	}
}

// Snapshot implements Store.
func (m *MemoryStore) Snapshot(ctx context.Context, userID string, keys []Key, now time.Time) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make(map[Key]Entry, len(keys))
	user := m.users[userID]
	for _, k := range keys {
		e, ok := user[k]
		if !ok {
			continue
		}
		entries[k] = Entry{Times: append([]time.Time(nil), e.Times...), Total: e.Total}
	}
	return NewSnapshot(now, entries), nil
}

// RecordImpression implements Store.
func (m *MemoryStore) RecordImpression(ctx context.Context, imp Impression) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[imp.UserID]
	if !ok {
		user = make(map[Key]*Entry)
		m.users[imp.UserID] = user
	}
	cutoff := imp.At.Add(-m.retention)
	for _, k := range imp.Keys() {
		e, ok := user[k]
		if !ok {
			e = &Entry{}
			user[k] = e
		}
		e.Times = append(prune(e.Times, cutoff, m.retention), imp.At)
		e.Total++
	}
	return nil
}

func prune(times []time.Time, cutoff time.Time, retention time.Duration) []time.Time {
	if retention <= 0 {
		return times
	}
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
