/**
 * @description
 * PostgreSQL implementation of the position store used by the accrual engine.
 *
 * @notes
 * - Every commit is a single transaction: the user row is updated only if its
 *   version still matches the snapshot, and each position only if it is still
 *   active with a lastGainDate before the day being settled.
 * - Balances are always changed with `bucket = bucket + delta`, never overwritten.
 */
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/recoverly/accrual-service/internal/domain"
)

var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository is the production Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by a pgx pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListAccrualCandidates returns user ids after afterID that hold an active position
// or still carry mirror fields, in id order.
func (r *PostgresRepository) ListAccrualCandidates(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT u.id
		FROM users u
		WHERE u.id > $1
		  AND (
			EXISTS (SELECT 1 FROM positions p WHERE p.user_id = u.id AND p.status = 'active')
			OR u.current_investment IS NOT NULL
			OR COALESCE(u.investment_plan, '') <> ''
		  )
		ORDER BY u.id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetUser loads the user aggregate with all of its positions.
func (r *PostgresRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	user := domain.User{ID: userID}
	err := r.db.QueryRow(ctx, `
		SELECT email, full_name, main_balance, investment_balance, referral_balance, total_balance,
		       current_investment, COALESCE(investment_plan, ''), version
		FROM users
		WHERE id = $1
	`, userID).Scan(
		&user.Email,
		&user.FullName,
		&user.Balances.Main,
		&user.Balances.Investment,
		&user.Balances.Referral,
		&user.Balances.Total,
		&user.Mirror.CurrentInvestment,
		&user.Mirror.InvestmentPlan,
		&user.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, amount, plan::text, status, created_at, last_gain_date, completed_at
		FROM positions
		WHERE user_id = $1
		ORDER BY created_at, id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			position domain.Position
			rawPlan  *string
			status   string
		)
		if err := rows.Scan(
			&position.ID,
			&position.Amount,
			&rawPlan,
			&status,
			&position.CreatedAt,
			&position.LastGainDate,
			&position.CompletedAt,
		); err != nil {
			return nil, err
		}
		position.UserID = userID
		position.Status = domain.PositionStatus(status)
		if rawPlan == nil {
			position.Plan, position.PlanErr = domain.ParsePlanSnapshot(nil)
		} else {
			position.Plan, position.PlanErr = domain.ParsePlanSnapshot([]byte(*rawPlan))
		}
		user.Positions = append(user.Positions, position)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &user, nil
}

// CommitUserAccrual persists one user's evaluation atomically.
func (r *PostgresRepository) CommitUserAccrual(ctx context.Context, accrual domain.UserAccrual) error {
	if !accrual.HasMutations() {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := commitAccrualTx(ctx, tx, accrual); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// commitAccrualTx applies the guarded updates; any error means the caller must roll back.
func commitAccrualTx(ctx context.Context, tx pgx.Tx, accrual domain.UserAccrual) error {
	if err := updateUserTx(ctx, tx, accrual); err != nil {
		return err
	}

	for _, update := range accrual.Positions {
		tag, err := tx.Exec(ctx, `
			UPDATE positions
			SET last_gain_date = $3,
				status = CASE WHEN $4 THEN 'completed' ELSE status END,
				completed_at = CASE WHEN $4 THEN $5 ELSE completed_at END,
				updated_at = NOW()
			WHERE id = $1
			  AND user_id = $2
			  AND status = 'active'
			  AND (last_gain_date IS NULL OR last_gain_date < $3)
		`, update.PositionID, accrual.UserID, update.LastGainDate, update.Complete, update.CompletedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("position %s: %w", update.PositionID, ErrPositionConflict)
		}
	}

	for _, entry := range accrual.Entries {
		if err := insertLedgerEntryTx(ctx, tx, entry); err != nil {
			if errors.Is(err, ErrDuplicateEntry) {
				return fmt.Errorf("%w: %v", ErrPositionConflict, err)
			}
			return err
		}
	}
	return nil
}

func updateUserTx(ctx context.Context, tx pgx.Tx, accrual domain.UserAccrual) error {
	d := accrual.Delta
	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET main_balance = main_balance + $2,
			investment_balance = investment_balance + $3,
			referral_balance = referral_balance + $4,
			total_balance = (main_balance + $2) + (investment_balance + $3) + (referral_balance + $4),
			current_investment = CASE WHEN $5 THEN $6 ELSE current_investment END,
			investment_plan = CASE WHEN $5 THEN NULLIF($7, '') ELSE investment_plan END,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $8
	`, accrual.UserID, d.Main, d.Investment, d.Referral,
		accrual.MirrorChanged, accrual.Mirror.CurrentInvestment, accrual.Mirror.InvestmentPlan,
		accrual.ExpectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, accrual.UserID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	return ErrVersionConflict
}

func insertLedgerEntryTx(ctx context.Context, tx pgx.Tx, entry domain.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, user_id, position_id, type, amount, plan_name, entry_date, status, description, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
	`, entry.ID, entry.UserID, entry.PositionID, string(entry.Type), entry.Amount, entry.PlanName,
		entry.Date, string(entry.Status), entry.Description, entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("ledger entry %s on %s: %w", entry.ID, pgErr.ConstraintName, ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}
