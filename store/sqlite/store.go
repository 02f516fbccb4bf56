// Package sqlite implements store.Store on an embedded SQLite database
// through the grove sqlitedriver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the "sqlite" migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/syncstate"
	"github.com/xraph/credits/types"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// Open opens the database at dsn (a file path or ":memory:"). Unless opts
// say otherwise the pool holds one connection, so writers serialize and an
// in-memory database is shared across calls.
func Open(ctx context.Context, dsn string, opts ...driver.Option) (*Store, error) {
	sdb := sqlitedriver.New()
	opts = append([]driver.Option{driver.WithPoolSize(1)}, opts...)
	if err := sdb.Open(ctx, dsn, opts...); err != nil {
		return nil, fmt.Errorf("credits/sqlite: open: %w", err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		_ = sdb.Close() //nolint:errcheck // best-effort cleanup after failed open
		return nil, fmt.Errorf("credits/sqlite: open: %w", err)
	}

	s := New(db)
	if _, err := s.sdb.NewRaw(`PRAGMA busy_timeout = 5000`).Exec(ctx); err != nil {
		_ = s.Close() //nolint:errcheck // best-effort cleanup after failed setup
		return nil, fmt.Errorf("credits/sqlite: busy timeout: %w", err)
	}
	return s, nil
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("credits/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credits/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Ledger Store ====================

const upsertUserQuery = `
INSERT INTO credit_balances (email, subject, display_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (email) DO UPDATE SET
    subject      = COALESCE(NULLIF(excluded.subject, ''), credit_balances.subject),
    display_name = COALESCE(NULLIF(excluded.display_name, ''), credit_balances.display_name),
    updated_at   = excluded.updated_at
RETURNING ` + balanceColumns

func (s *Store) UpsertUser(ctx context.Context, ident ledger.Identity) (*ledger.Balance, error) {
	at := nanos(time.Now())
	m := new(balanceModel)
	err := s.sdb.NewRaw(upsertUserQuery, ident.Email, ident.Subject, ident.DisplayName, at, at).Scan(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("credits/sqlite: upsert user: %w", err)
	}
	return fromBalanceModel(m), nil
}

func (s *Store) GetBalance(ctx context.Context, email string) (*ledger.Balance, error) {
	m := new(balanceModel)
	err := s.sdb.NewSelect(m).
		Where("email = ?", email).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("credits/sqlite: get balance: %w", err)
	}
	return fromBalanceModel(m), nil
}

// grantQuery increments the balance in place. SQLite turns an overflowing
// integer sum into REAL, so the conflict WHERE refuses any increment past
// math.MaxInt64 and the statement returns no row instead.
const grantQuery = `
INSERT INTO credit_balances (email, tier, available_cents, lifetime_cents, budget_ceiling_cents, currency, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (email) DO UPDATE SET
    available_cents      = credit_balances.available_cents + excluded.available_cents,
    lifetime_cents       = credit_balances.lifetime_cents + excluded.lifetime_cents,
    budget_ceiling_cents = credit_balances.budget_ceiling_cents + excluded.budget_ceiling_cents,
    tier                 = CASE WHEN excluded.tier = 'none' THEN credit_balances.tier ELSE excluded.tier END,
    updated_at           = excluded.updated_at
WHERE credit_balances.available_cents <= ?
  AND credit_balances.lifetime_cents <= ?
  AND credit_balances.budget_ceiling_cents <= ?
RETURNING ` + balanceColumns

// ApplyGrant increments the balance and appends the event in one
// transaction.
func (s *Store) ApplyGrant(ctx context.Context, ev *ledger.Event) (*ledger.Balance, error) {
	em := toEventModel(ev)
	tier := string(catalog.TierNone)
	if ev.SetsTier() {
		tier = em.Tier
	}
	room := headroom(em.CreditsCents)

	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, grantError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is a no-op after commit

	bm := new(balanceModel)
	err = tx.NewRaw(grantQuery,
		em.Email, tier, em.CreditsCents, em.CreditsCents, em.CreditsCents, em.Currency, em.CreatedAt, em.CreatedAt,
		room, room, room,
	).Scan(ctx, bm)
	if isNoRows(err) {
		return nil, credits.ErrBalanceOverflow
	}
	if err != nil {
		return nil, grantError("increment balance", err)
	}

	if _, err := tx.NewInsert(em).Exec(ctx); err != nil {
		return nil, grantError("append event", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("credits/sqlite: apply grant: commit: %w: %w", credits.ErrTransactionFailed, err)
	}
	return fromBalanceModel(bm), nil
}

// headroom is the largest stored value that can absorb cents.
func headroom(cents int64) int64 {
	if cents <= 0 {
		return math.MaxInt64
	}
	return math.MaxInt64 - cents
}

func grantError(op string, err error) error {
	return fmt.Errorf("credits/sqlite: apply grant: %s: %w", op, err)
}

func (s *Store) ListRecentEvents(ctx context.Context, email string, limit int) ([]*ledger.Event, error) {
	var models []eventModel
	if err := s.recentEventsQuery(&models, email, limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/sqlite: list events: %w", err)
	}

	result := make([]*ledger.Event, 0, len(models))
	for i := range models {
		ev, err := fromEventModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("credits/sqlite: decode event: %w", err)
		}
		result = append(result, ev)
	}
	return result, nil
}

// recentEventsQuery selects newest first; seq breaks same-instant ties.
func (s *Store) recentEventsQuery(models *[]eventModel, email string, limit int) *sqlitedriver.SelectQuery {
	q := s.sdb.NewSelect(models).
		Where("email = ?", email).
		OrderExpr("created_at DESC").
		OrderExpr("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

func (s *Store) SetMonthlySpend(ctx context.Context, email string, spend types.Money) error {
	res, err := s.sdb.NewUpdate((*balanceModel)(nil)).
		Set("monthly_spend_cents = ?", spend.Amount).
		Set("updated_at = ?", nanos(time.Now())).
		Where("email = ?", email).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/sqlite: set monthly spend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credits/sqlite: set monthly spend: %w", err)
	}
	if n == 0 {
		return credits.ErrBalanceNotFound
	}
	return nil
}

// ==================== Sync State Store ====================

// saveSyncStateQuery keeps the attempt counter in the row: a pending row
// increments, anything else restarts at one.
const saveSyncStateQuery = `
INSERT INTO credit_sync_states (email, last_attempt_id, pending, attempts, last_attempt_at, last_success_at,
    last_error, last_ceiling_cents, currency, budget_action, customer_action, cache_flushed)
VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (email) DO UPDATE SET
    last_attempt_id    = excluded.last_attempt_id,
    attempts           = CASE WHEN credit_sync_states.pending = 1 THEN credit_sync_states.attempts + 1 ELSE 1 END,
    pending            = excluded.pending,
    last_attempt_at    = excluded.last_attempt_at,
    last_success_at    = COALESCE(excluded.last_success_at, credit_sync_states.last_success_at),
    last_error         = excluded.last_error,
    last_ceiling_cents = excluded.last_ceiling_cents,
    currency           = excluded.currency,
    budget_action      = excluded.budget_action,
    customer_action    = excluded.customer_action,
    cache_flushed      = excluded.cache_flushed`

func (s *Store) SaveSyncState(ctx context.Context, st *syncstate.State) error {
	m := toSyncStateModel(st)
	_, err := s.sdb.NewRaw(saveSyncStateQuery,
		m.Email, m.LastAttemptID, m.Pending, m.LastAttemptAt, m.LastSuccessAt,
		m.LastError, m.LastCeilingCents, m.Currency, m.BudgetAction, m.CustomerAction, m.CacheFlushed,
	).Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/sqlite: save sync state: %w", err)
	}
	return nil
}

func (s *Store) GetSyncState(ctx context.Context, email string) (*syncstate.State, error) {
	m := new(syncStateModel)
	err := s.sdb.NewSelect(m).
		Where("email = ?", email).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrSyncStateNotFound
		}
		return nil, fmt.Errorf("credits/sqlite: get sync state: %w", err)
	}
	return fromSyncStateModel(m), nil
}

func (s *Store) ListPendingSync(ctx context.Context, limit int) ([]*syncstate.State, error) {
	var models []syncStateModel
	q := s.sdb.NewSelect(&models).
		Where("pending = 1").
		OrderExpr("last_attempt_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/sqlite: list pending sync: %w", err)
	}

	result := make([]*syncstate.State, len(models))
	for i := range models {
		result[i] = fromSyncStateModel(&models[i])
	}
	return result, nil
}

// ==================== Helpers ====================

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, grove.ErrNoRows)
}
