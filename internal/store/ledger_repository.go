package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/recoverly/accrual-service/internal/domain"
)

// ApplyDelta increments the balance buckets and appends the entry in one transaction.
// Total is recomputed in the same statement; a delta that would take any bucket
// below zero is rejected with ErrInsufficientBalance.
func (r *PostgresRepository) ApplyDelta(ctx context.Context, userID string, delta domain.Delta, entry domain.LedgerEntry) (*domain.Balances, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balances domain.Balances
	err = tx.QueryRow(ctx, `
		UPDATE users
		SET main_balance = main_balance + $2,
			investment_balance = investment_balance + $3,
			referral_balance = referral_balance + $4,
			total_balance = (main_balance + $2) + (investment_balance + $3) + (referral_balance + $4),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1
		  AND main_balance + $2 >= 0
		  AND investment_balance + $3 >= 0
		  AND referral_balance + $4 >= 0
		RETURNING main_balance, investment_balance, referral_balance, total_balance
	`, userID, delta.Main, delta.Investment, delta.Referral).Scan(
		&balances.Main,
		&balances.Investment,
		&balances.Referral,
		&balances.Total,
	)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrUserNotFound
		}
		return nil, ErrInsufficientBalance
	}

	entry.UserID = userID
	if err := insertLedgerEntryTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &balances, nil
}

// ListLedgerEntries returns the newest entries for a user first.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, COALESCE(position_id, ''), type, amount, COALESCE(plan_name, ''),
		       entry_date, status, description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var (
			entry      domain.LedgerEntry
			entryType  string
			statusText string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.PositionID,
			&entryType,
			&entry.Amount,
			&entry.PlanName,
			&entry.Date,
			&statusText,
			&entry.Description,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entry.Type = domain.EntryType(entryType)
		entry.Status = domain.EntryStatus(statusText)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
