// Package memory provides an in-process store.Store for tests and
// single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Balance storage, keyed by normalized email
	balances map[string]*ledger.Balance

	// Events per email in append order
	events map[string][]*ledger.Event

	// Sync bookkeeping
	syncStates map[string]*syncstate.State

	closed bool
}

func New() *Store {
	return &Store{
		balances:   make(map[string]*ledger.Balance),
		events:     make(map[string][]*ledger.Event),
		syncStates: make(map[string]*syncstate.State),
	}
}

// ==================== Ledger Store ====================

func (s *Store) UpsertUser(_ context.Context, ident ledger.Identity) (*ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, credits.ErrStoreClosed
	}

	now := time.Now().UTC()
	b, ok := s.balances[ident.Email]
	if !ok {
		b = &ledger.Balance{
			Entity:        types.Entity{CreatedAt: now, UpdatedAt: now},
			Email:         ident.Email,
			Tier:          catalog.TierNone,
			Available:     types.Zero(),
			Lifetime:      types.Zero(),
			BudgetCeiling: types.Zero(),
			MonthlySpend:  types.Zero(),
		}
		s.balances[ident.Email] = b
	}
	if ident.Subject != "" {
		b.Subject = ident.Subject
	}
	if ident.DisplayName != "" {
		b.DisplayName = ident.DisplayName
	}
	b.UpdatedAt = now
	return b.Clone(), nil
}

func (s *Store) GetBalance(_ context.Context, email string) (*ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, ok := s.balances[email]; ok {
		return b.Clone(), nil
	}
	return nil, credits.ErrBalanceNotFound
}

// ApplyGrant mutates the balance and appends the event under one lock.
func (s *Store) ApplyGrant(_ context.Context, ev *ledger.Event) (*ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, credits.ErrStoreClosed
	}

	b, ok := s.balances[ev.Email]
	if !ok {
		b = &ledger.Balance{
			Entity:        types.Entity{CreatedAt: ev.CreatedAt, UpdatedAt: ev.CreatedAt},
			Email:         ev.Email,
			Tier:          catalog.TierNone,
			Available:     types.Zero(),
			Lifetime:      types.Zero(),
			BudgetCeiling: types.Zero(),
			MonthlySpend:  types.Zero(),
		}
	}

	available, err1 := b.Available.CheckedAdd(ev.Credits)
	lifetime, err2 := b.Lifetime.CheckedAdd(ev.Credits)
	ceiling, err3 := b.BudgetCeiling.CheckedAdd(ev.Credits)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, credits.ErrBalanceOverflow
	}

	s.balances[ev.Email] = b
	b.Available = available
	b.Lifetime = lifetime
	b.BudgetCeiling = ceiling
	if ev.SetsTier() {
		b.Tier = ev.Tier
	}
	b.UpdatedAt = ev.CreatedAt

	stored := *ev
	s.events[ev.Email] = append(s.events[ev.Email], &stored)

	return b.Clone(), nil
}

func (s *Store) ListRecentEvents(_ context.Context, email string, limit int) ([]*ledger.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[email]
	n := len(all)
	if limit > 0 && limit < n {
		n = limit
	}

	result := make([]*ledger.Event, 0, n)
	for i := len(all) - 1; i >= 0 && len(result) < n; i-- {
		ev := *all[i]
		result = append(result, &ev)
	}
	return result, nil
}

func (s *Store) SetMonthlySpend(_ context.Context, email string, spend types.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[email]
	if !ok {
		return credits.ErrBalanceNotFound
	}
	b.MonthlySpend = spend
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// ==================== Sync State Store ====================

func (s *Store) SaveSyncState(_ context.Context, st *syncstate.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return credits.ErrStoreClosed
	}
	c := *st
	c.Attempts = 1
	if prev, ok := s.syncStates[st.Email]; ok {
		if prev.Pending {
			c.Attempts = prev.Attempts + 1
		}
		if c.LastSuccessAt == nil {
			c.LastSuccessAt = prev.LastSuccessAt
		}
	}
	s.syncStates[st.Email] = &c
	return nil
}

func (s *Store) GetSyncState(_ context.Context, email string) (*syncstate.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.syncStates[email]; ok {
		c := *st
		return &c, nil
	}
	return nil, credits.ErrSyncStateNotFound
}

func (s *Store) ListPendingSync(_ context.Context, limit int) ([]*syncstate.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*syncstate.State, 0)
	for _, st := range s.syncStates {
		if st.Pending {
			c := *st
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastAttemptAt.Before(result[j].LastAttemptAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ==================== Core ====================

func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return credits.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
