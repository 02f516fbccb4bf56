// Package postgres implements store.Store on PostgreSQL through the grove
// pgdriver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the "pg" migration executor
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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// Open connects to dsn, wraps the pool in a grove handle and pings it.
func Open(ctx context.Context, dsn string, opts ...driver.Option) (*Store, error) {
	pgdb := pgdriver.New()
	if err := pgdb.Open(ctx, dsn, opts...); err != nil {
		return nil, fmt.Errorf("credits/postgres: open: %w", err)
	}
	db, err := grove.Open(pgdb)
	if err != nil {
		_ = pgdb.Close() //nolint:errcheck // best-effort cleanup after failed open
		return nil, fmt.Errorf("credits/postgres: open: %w", err)
	}

	s := New(db)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close() //nolint:errcheck // best-effort cleanup after failed ping
		return nil, fmt.Errorf("credits/postgres: ping: %w", err)
	}
	return s, nil
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("credits/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credits/postgres: migration failed: %w", err)
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
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (email) DO UPDATE SET
    subject      = COALESCE(NULLIF(EXCLUDED.subject, ''), credit_balances.subject),
    display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), credit_balances.display_name),
    updated_at   = EXCLUDED.updated_at
RETURNING ` + balanceColumns

func (s *Store) UpsertUser(ctx context.Context, ident ledger.Identity) (*ledger.Balance, error) {
	m := new(balanceModel)
	err := s.pg.NewRaw(upsertUserQuery, ident.Email, ident.Subject, ident.DisplayName, now()).Scan(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: upsert user: %w", err)
	}
	return fromBalanceModel(m), nil
}

func (s *Store) GetBalance(ctx context.Context, email string) (*ledger.Balance, error) {
	m := new(balanceModel)
	err := s.pg.NewSelect(m).
		Where("email = $1", email).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrBalanceNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get balance: %w", err)
	}
	return fromBalanceModel(m), nil
}

// grantQuery increments the balance in place. The WHERE on the conflict
// branch skips the update when any counter would pass math.MaxInt64, which
// surfaces as no returned row.
const grantQuery = `
INSERT INTO credit_balances (email, tier, available_cents, lifetime_cents, budget_ceiling_cents, currency, created_at, updated_at)
VALUES ($1, $2, $3, $3, $3, $4, $5, $5)
ON CONFLICT (email) DO UPDATE SET
    available_cents      = credit_balances.available_cents + EXCLUDED.available_cents,
    lifetime_cents       = credit_balances.lifetime_cents + EXCLUDED.lifetime_cents,
    budget_ceiling_cents = credit_balances.budget_ceiling_cents + EXCLUDED.budget_ceiling_cents,
    tier                 = CASE WHEN EXCLUDED.tier = 'none' THEN credit_balances.tier ELSE EXCLUDED.tier END,
    updated_at           = EXCLUDED.updated_at
WHERE credit_balances.available_cents <= $6
  AND credit_balances.lifetime_cents <= $6
  AND credit_balances.budget_ceiling_cents <= $6
RETURNING ` + balanceColumns

// ApplyGrant increments the balance row and inserts the event in one
// transaction. The ON CONFLICT increment takes the row lock, so concurrent
// grants for one email serialize without read-modify-write.
func (s *Store) ApplyGrant(ctx context.Context, ev *ledger.Event) (*ledger.Balance, error) {
	em := toEventModel(ev)
	tier := string(catalog.TierNone)
	if ev.SetsTier() {
		tier = em.Tier
	}

	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, grantError("begin", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is a no-op after commit

	bm := new(balanceModel)
	err = tx.NewRaw(grantQuery,
		em.Email, tier, em.CreditsCents, em.Currency, em.CreatedAt, headroom(em.CreditsCents),
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
		return nil, grantError("commit", err)
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

// grantError marks serialization and deadlock failures as retryable and
// integer overflow as ErrBalanceOverflow.
func grantError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("credits/postgres: apply grant: %s: %w: %w", op, credits.ErrTransactionFailed, err)
		case "22003":
			return fmt.Errorf("credits/postgres: apply grant: %s: %w: %w", op, credits.ErrBalanceOverflow, err)
		}
	}
	return fmt.Errorf("credits/postgres: apply grant: %s: %w", op, err)
}

func (s *Store) ListRecentEvents(ctx context.Context, email string, limit int) ([]*ledger.Event, error) {
	var models []eventModel
	if err := s.recentEventsQuery(&models, email, limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/postgres: list events: %w", err)
	}

	result := make([]*ledger.Event, 0, len(models))
	for i := range models {
		ev, err := fromEventModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("credits/postgres: decode event: %w", err)
		}
		result = append(result, ev)
	}
	return result, nil
}

// recentEventsQuery selects newest first. seq breaks ties between events
// stamped in the same instant.
func (s *Store) recentEventsQuery(models *[]eventModel, email string, limit int) *pgdriver.SelectQuery {
	q := s.pg.NewSelect(models).
		Where("email = $1", email).
		OrderExpr("created_at DESC").
		OrderExpr("seq DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}

func (s *Store) SetMonthlySpend(ctx context.Context, email string, spend types.Money) error {
	res, err := s.pg.NewUpdate((*balanceModel)(nil)).
		Set("monthly_spend_cents = $1", spend.Amount).
		Set("updated_at = $2", now()).
		Where("email = $3", email).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/postgres: set monthly spend: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credits/postgres: set monthly spend: %w", err)
	}
	if rows == 0 {
		return credits.ErrBalanceNotFound
	}
	return nil
}

// ==================== Sync State Store ====================

// saveSyncStateQuery counts attempts in the row itself: a pending row
// increments, anything else restarts at one.
const saveSyncStateQuery = `
INSERT INTO credit_sync_states (email, last_attempt_id, pending, attempts, last_attempt_at, last_success_at,
    last_error, last_ceiling_cents, currency, budget_action, customer_action, cache_flushed)
VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (email) DO UPDATE SET
    last_attempt_id    = EXCLUDED.last_attempt_id,
    attempts           = CASE WHEN credit_sync_states.pending THEN credit_sync_states.attempts + 1 ELSE 1 END,
    pending            = EXCLUDED.pending,
    last_attempt_at    = EXCLUDED.last_attempt_at,
    last_success_at    = COALESCE(EXCLUDED.last_success_at, credit_sync_states.last_success_at),
    last_error         = EXCLUDED.last_error,
    last_ceiling_cents = EXCLUDED.last_ceiling_cents,
    currency           = EXCLUDED.currency,
    budget_action      = EXCLUDED.budget_action,
    customer_action    = EXCLUDED.customer_action,
    cache_flushed      = EXCLUDED.cache_flushed`

func (s *Store) SaveSyncState(ctx context.Context, st *syncstate.State) error {
	m := toSyncStateModel(st)
	_, err := s.pg.NewRaw(saveSyncStateQuery,
		m.Email, m.LastAttemptID, m.Pending, m.LastAttemptAt, m.LastSuccessAt,
		m.LastError, m.LastCeilingCents, m.Currency, m.BudgetAction, m.CustomerAction, m.CacheFlushed,
	).Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/postgres: save sync state: %w", err)
	}
	return nil
}

func (s *Store) GetSyncState(ctx context.Context, email string) (*syncstate.State, error) {
	m := new(syncStateModel)
	err := s.pg.NewSelect(m).
		Where("email = $1", email).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrSyncStateNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get sync state: %w", err)
	}
	return fromSyncStateModel(m), nil
}

func (s *Store) ListPendingSync(ctx context.Context, limit int) ([]*syncstate.State, error) {
	var models []syncStateModel
	q := s.pg.NewSelect(&models).
		Where("pending").
		OrderExpr("last_attempt_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/postgres: list pending sync: %w", err)
	}

	result := make([]*syncstate.State, len(models))
	for i := range models {
		result[i] = fromSyncStateModel(&models[i])
	}
	return result, nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoRows matches the no-row errors of pgx and grove.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, grove.ErrNoRows)
}
