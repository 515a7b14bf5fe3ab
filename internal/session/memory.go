package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. The map lock is held only to
// insert, look up or delete entries; each entry has its own mutex so updates
// to different sessions never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	opts    Options
	now     func() time.Time
}

type entry struct {
	mu sync.Mutex
	s  Session
}

// NewMemoryStore creates an empty in-process registry.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

func (m *MemoryStore) Create(_ context.Context, s Session) (Session, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	s.UpdatedAt = s.CreatedAt
	s.Status = StatusPending
	s.Progress = 0
	s.Cancelled = false

	m.mu.Lock()
	m.entries[s.ID] = &entry{s: s}
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStore) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	return e, ok
}

func (m *MemoryStore) Get(_ context.Context, id string) (Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) (Session, error) {
	e, ok := m.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.s
	if err := fn(&next); err != nil {
		return e.s, err
	}
	next.UpdatedAt = m.now()
	e.s = next
	return next, nil
}

func (m *MemoryStore) UpdateProgress(ctx context.Context, id string, percent int) (Session, error) {
	s, _, err := updateIgnoringUnchanged(ctx, m, id, applyProgress(percent))
	return s, err
}

func (m *MemoryStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	_, changed, err := updateIgnoringUnchanged(ctx, m, id, applyCancel(m.now()))
	return changed, err
}

func (m *MemoryStore) Finish(ctx context.Context, id string, status Status, objectID, reason string) (Session, error) {
	s, _, err := updateIgnoringUnchanged(ctx, m, id, applyFinish(m.now(), status, objectID, reason))
	return s, err
}

// Reap removes expired sessions. It walks a snapshot of ids and re-checks
// each entry under its own lock, so concurrent creates are never blocked for
// the whole sweep.
func (m *MemoryStore) Reap(_ context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		e, ok := m.lookup(id)
		if !ok {
			continue
		}
		e.mu.Lock()
		expired := m.opts.expired(e.s, now)
		e.mu.Unlock()
		if !expired {
			continue
		}

		m.mu.Lock()
		if m.entries[id] == e {
			delete(m.entries, id)
			removed++
		}
		m.mu.Unlock()
	}
	return removed, nil
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
