package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/recoverly/accrual-service/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 5 * time.Second
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxStore is the subset of the repository the relay works against.
type OutboxStore interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// OutboxRelay redelivers parked notifications until the broker accepts them.
type OutboxRelay struct {
	repo                OutboxStore
	publisher           EventPublisher
	logger              logrus.FieldLogger
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
}

func NewOutboxRelay(repo OutboxStore, publisher EventPublisher, logger logrus.FieldLogger, pollInterval time.Duration) *OutboxRelay {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &OutboxRelay{
		repo:                repo,
		publisher:           publisher,
		logger:              logger.WithField("component", "outbox_relay"),
		batchSize:           defaultBatchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultStaleProcessing,
	}
}

// Run polls until ctx is cancelled.
func (d *OutboxRelay) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				d.logger.WithError(err).Error("outbox flush failed")
			}
		}
	}
}

// FlushOnce claims one batch and tries to publish it. It returns how many were published.
func (d *OutboxRelay) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.logger.WithError(err).WithFields(logrus.Fields{
				"outbox_id":   message.ID,
				"attempts":    message.Attempts,
				"retry_after": retryAfter,
			}).Warn("outbox publish failed")
			_ = d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error())
			continue
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.WithError(err).WithField("outbox_id", message.ID).Error("failed to mark outbox message as published")
			continue
		}
		published++
	}
	return published, nil
}

func (d *OutboxRelay) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	var payload json.RawMessage
	if err := json.Unmarshal(message.Payload, &payload); err != nil {
		return err
	}
	return d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, payload)
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
