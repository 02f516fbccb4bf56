// Package usagecache keeps short-lived copies of gateway usage snapshots so
// dashboard refreshes do not hit the gateway on every request.
package usagecache

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/credits/budget"
)

// Cache stores usage snapshots keyed by normalized email. A miss is
// reported as (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, email string) (*budget.Usage, bool, error)
	Set(ctx context.Context, email string, usage *budget.Usage, ttl time.Duration) error
	Delete(ctx context.Context, email string) error
}

type entry struct {
	usage   budget.Usage
	expires time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, email string) (*budget.Usage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[email]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, email)
		return nil, false, nil
	}
	u := e.usage
	return &u, true, nil
}

func (m *Memory) Set(_ context.Context, email string, usage *budget.Usage, ttl time.Duration) error {
	if usage == nil || ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[email] = entry{usage: *usage, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, email)
	return nil
}
