package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/recoverly/accrual-service/internal/domain"
)

// RecordPositionIssues upserts integrity problems into the review queue.
func (r *PostgresRepository) RecordPositionIssues(ctx context.Context, issues []domain.PositionIssue) error {
	if len(issues) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, issue := range issues {
		reason := issue.Reason
		if len(reason) > 2000 {
			reason = reason[:2000]
		}
		batch.Queue(`
			INSERT INTO position_reviews (position_id, user_id, reason)
			VALUES ($1, $2, $3)
			ON CONFLICT (position_id)
			DO UPDATE SET reason = EXCLUDED.reason,
				occurrences = position_reviews.occurrences + 1,
				last_seen_at = NOW()
		`, issue.PositionID, issue.UserID, reason)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()
	for range issues {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// ListPositionReviews returns the most recently seen review items first.
func (r *PostgresRepository) ListPositionReviews(ctx context.Context, limit int) ([]PositionReview, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT position_id, user_id, reason, occurrences, first_seen_at, last_seen_at
		FROM position_reviews
		ORDER BY last_seen_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reviews := make([]PositionReview, 0)
	for rows.Next() {
		var review PositionReview
		if err := rows.Scan(
			&review.PositionID,
			&review.UserID,
			&review.Reason,
			&review.Occurrences,
			&review.FirstSeenAt,
			&review.LastSeenAt,
		); err != nil {
			return nil, err
		}
		reviews = append(reviews, review)
	}
	return reviews, rows.Err()
}
