package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// MemoryStore keeps sessions in an otter cache. Entries are evicted on their own
// expiry only, and reads still check ExpiresAt against the store clock so an entry
// the cache has not reaped yet is never served. Once maxSessions live sessions are
// held, Create fails with ErrStoreFull rather than dropping one early.
type MemoryStore struct {
	cache *otter.Cache[string, *Session]
	now   Clock
	max   int

	createMu sync.Mutex
}

// NewMemoryStore creates a store holding at most maxSessions sessions.
// A nil clock means time.Now.
func NewMemoryStore(maxSessions int, clock Clock) (*MemoryStore, error) {
	if clock == nil {
		clock = time.Now
	}
	if maxSessions <= 0 {
		maxSessions = 100000
	}

	cache, err := otter.New(&otter.Options[string, *Session]{
		ExpiryCalculator: otter.ExpiryCreatingFunc(func(e otter.Entry[string, *Session]) time.Duration {
			return e.Value.ExpiresAt.Sub(e.Value.CreatedAt)
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	return &MemoryStore{cache: cache, now: clock, max: maxSessions}, nil
}

func (m *MemoryStore) Create(_ context.Context, kind Kind, upstreamURL string, headers map[string]string, ttl time.Duration) (*Session, error) {
	s, err := New(m.now(), kind, upstreamURL, headers, ttl)
	if err != nil {
		return nil, err
	}

	m.createMu.Lock()
	defer m.createMu.Unlock()
	if m.cache.EstimatedSize() >= m.max && m.pruneExpired(s.CreatedAt) == 0 {
		return nil, ErrStoreFull
	}
	m.cache.Set(s.ID, s)
	return s.Clone(), nil
}

// pruneExpired drops sessions the store clock already considers expired and
// reports how many went.
func (m *MemoryStore) pruneExpired(now time.Time) int {
	var stale []string
	for id, s := range m.cache.All() {
		if s.Expired(now) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		m.cache.Invalidate(id)
	}
	return len(stale)
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	s, ok := m.cache.GetIfPresent(id)
	if !ok || s.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

// Len is an estimate used for metrics.
func (m *MemoryStore) Len() int {
	return m.cache.EstimatedSize()
}
