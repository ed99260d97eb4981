package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EnqueueOutboxMessage parks a notification for the relay. A second park of the
// same event id is ignored.
func (r *PostgresRepository) EnqueueOutboxMessage(
	ctx context.Context,
	eventID uuid.UUID,
	exchange string,
	routingKey string,
	payload interface{},
	reason string,
) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO notification_outbox (event_id, exchange, routing_key, payload, last_error)
		VALUES ($1, $2, $3, $4::jsonb, NULLIF($5, ''))
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob), reason)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox message: %w", err)
	}
	return nil
}

// ClaimOutboxMessages marks up to limit due messages as processing and returns them.
// Messages stuck in processing longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(
	ctx context.Context,
	limit int,
	staleAfterSeconds int,
) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM notification_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.event_id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			message OutboxMessage
			payload string
		)
		if err := rows.Scan(&message.ID, &message.EventID, &message.Exchange, &message.RoutingKey, &payload, &message.Attempts); err != nil {
			return nil, err
		}
		message.Payload = []byte(payload)
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished records a successful delivery.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

// MarkOutboxFailed puts the message back to pending after retryAfterSeconds.
func (r *PostgresRepository) MarkOutboxFailed(
	ctx context.Context,
	id int64,
	retryAfterSeconds int,
	reason string,
) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}
