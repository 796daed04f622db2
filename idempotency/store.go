/*
Package idempotency replays the stored response of a POST that carries an
Idempotency-Key header instead of running it again.

KEYS:
  Keys are scoped by the authenticated user, so two users may pick the same
  key. A key reused with a different request body is rejected with 422.

STORAGE:
  MemoryStore for single-instance deployments and tests, RedisStore when
  several API instances share one database. Both expire entries after a TTL.

CONCURRENCY:
  Concurrent requests with the same key collapse into one execution
  (singleflight); the others receive its response marked as replayed.
*/
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Response is a captured HTTP response plus the fingerprint of the request
// that produced it.
type Response struct {
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Store persists responses by scoped key.
type Store interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, key string) (*Response, error)
	// Put keeps the first response stored under key.
	Put(ctx context.Context, key string, resp *Response, ttl time.Duration) error
}

type memoryEntry struct {
	resp    Response
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, nil
	}
	resp := e.resp
	resp.Body = append([]byte(nil), e.resp.Body...)
	return &resp, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, resp *Response, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return nil
	}
	cp := *resp
	cp.Body = append([]byte(nil), resp.Body...)
	m.entries[key] = memoryEntry{resp: cp, expires: now.Add(ttl)}
	return nil
}

// Len reports live and not yet swept entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// sweep drops expired entries. Called with mu held.
func (m *MemoryStore) sweep(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}
