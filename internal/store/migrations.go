package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "users_and_positions",
		sql: `
			CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL DEFAULT '',
				full_name TEXT NOT NULL DEFAULT '',
				main_balance BIGINT NOT NULL DEFAULT 0 CHECK (main_balance >= 0),
				investment_balance BIGINT NOT NULL DEFAULT 0 CHECK (investment_balance >= 0),
				referral_balance BIGINT NOT NULL DEFAULT 0 CHECK (referral_balance >= 0),
				total_balance BIGINT NOT NULL DEFAULT 0,
				current_investment BIGINT,
				investment_plan TEXT,
				version BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				CONSTRAINT users_total_is_sum CHECK (total_balance = main_balance + investment_balance + referral_balance)
			);

			CREATE TABLE IF NOT EXISTS positions (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users(id),
				amount BIGINT NOT NULL,
				plan JSONB,
				status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed')),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_gain_date TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS positions_active_user_idx ON positions (user_id) WHERE status = 'active';
		`,
	},
	{
		version: 2,
		name:    "ledger_entries",
		sql: `
			CREATE TABLE IF NOT EXISTS ledger_entries (
				id UUID PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users(id),
				position_id TEXT REFERENCES positions(id),
				type TEXT NOT NULL,
				amount BIGINT NOT NULL,
				plan_name TEXT,
				entry_date TIMESTAMPTZ NOT NULL,
				status TEXT NOT NULL DEFAULT 'completed',
				description TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS ledger_entries_user_idx ON ledger_entries (user_id, created_at DESC);
			CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_accrual_once_idx
				ON ledger_entries (position_id, type, entry_date)
				WHERE type IN ('daily_gain', 'capital_return');
		`,
	},
	{
		version: 3,
		name:    "position_reviews",
		sql: `
			CREATE TABLE IF NOT EXISTS position_reviews (
				position_id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL,
				reason TEXT NOT NULL,
				occurrences INTEGER NOT NULL DEFAULT 1,
				first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		version: 4,
		name:    "notification_outbox",
		sql: `
			CREATE TABLE IF NOT EXISTS notification_outbox (
				id BIGSERIAL PRIMARY KEY,
				event_id UUID NOT NULL UNIQUE,
				exchange TEXT NOT NULL,
				routing_key TEXT NOT NULL,
				payload JSONB NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				processing_started_at TIMESTAMPTZ,
				published_at TIMESTAMPTZ,
				last_error TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS notification_outbox_due_idx ON notification_outbox (status, next_attempt_at);
		`,
	},
}

// Migrate applies pending schema migrations, each in its own transaction.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		if err := applyMigration(ctx, db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *pgxpool.Pool, m migration) error {
	tx, err := db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// serialise concurrent starts of several replicas
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(741852)`); err != nil {
		return err
	}

	var applied bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&applied); err != nil {
		return err
	}
	if applied {
		return nil
	}

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.version, m.name); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
