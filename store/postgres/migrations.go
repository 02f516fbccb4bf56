package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credits store.
var Migrations = migrate.NewGroup("credits")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_credit_balances",
			Version: "20260101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_balances (
    email                TEXT PRIMARY KEY,
    subject              TEXT NOT NULL DEFAULT '',
    display_name         TEXT NOT NULL DEFAULT '',
    tier                 TEXT NOT NULL DEFAULT 'none',
    available_cents      BIGINT NOT NULL DEFAULT 0,
    lifetime_cents       BIGINT NOT NULL DEFAULT 0,
    budget_ceiling_cents BIGINT NOT NULL DEFAULT 0,
    monthly_spend_cents  BIGINT NOT NULL DEFAULT 0,
    currency             TEXT NOT NULL DEFAULT 'usd',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_balances`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_events",
			Version: "20260101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_events (
    seq           BIGSERIAL PRIMARY KEY,
    id            TEXT NOT NULL UNIQUE,
    email         TEXT NOT NULL REFERENCES credit_balances (email),
    kind          TEXT NOT NULL,
    charged_cents BIGINT NOT NULL,
    credits_cents BIGINT NOT NULL,
    currency      TEXT NOT NULL DEFAULT 'usd',
    tier          TEXT NOT NULL DEFAULT 'none',
    note          TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_events_email ON credit_events (email, created_at DESC, seq DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_sync_states",
			Version: "20260101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_sync_states (
    email              TEXT PRIMARY KEY,
    last_attempt_id    TEXT NOT NULL DEFAULT '',
    pending            BOOLEAN NOT NULL DEFAULT FALSE,
    attempts           INT NOT NULL DEFAULT 0,
    last_attempt_at    TIMESTAMPTZ NOT NULL,
    last_success_at    TIMESTAMPTZ,
    last_error         TEXT NOT NULL DEFAULT '',
    last_ceiling_cents BIGINT NOT NULL DEFAULT 0,
    currency           TEXT NOT NULL DEFAULT 'usd',
    budget_action      TEXT NOT NULL DEFAULT '',
    customer_action    TEXT NOT NULL DEFAULT '',
    cache_flushed      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_credit_sync_states_pending ON credit_sync_states (last_attempt_at) WHERE pending;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_sync_states`)
				return err
			},
		},
	)
}
