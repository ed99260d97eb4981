package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recoverly/accrual-service/internal/domain"
	"github.com/sirupsen/logrus"
)

var (
	ErrDispatcherClosed  = errors.New("notification dispatcher closed")
	ErrDispatchQueueFull = errors.New("notification queue full")
)

const deliveryTimeout = 10 * time.Second

// EventParker stores events that could not be delivered for the outbox relay.
type EventParker interface {
	EnqueueOutboxMessage(ctx context.Context, eventID uuid.UUID, exchange, routingKey string, payload interface{}, reason string) error
}

// DispatcherOptions tunes the notification dispatcher.
type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxAttempts int
	Exchange    string
	BaseBackoff time.Duration
}

// Dispatcher is a Notifier that decouples the accrual batch from delivery.
// Notify only enqueues; workers deliver to the sink with retries and park
// whatever still fails in the outbox.
type Dispatcher struct {
	sink   Notifier
	parker EventParker
	logger logrus.FieldLogger
	opts   DispatcherOptions

	queue chan domain.Event
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(sink Notifier, parker EventParker, logger logrus.FieldLogger, opts DispatcherOptions) *Dispatcher {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1024
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	return &Dispatcher{
		sink:   sink,
		parker: parker,
		logger: logger.WithField("component", "notification_dispatcher"),
		opts:   opts,
		queue:  make(chan domain.Event, opts.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the delivery workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for event := range d.queue {
				d.deliver(event)
			}
		}()
	}
}

// Notify enqueues the event. A full queue parks the event instead of blocking.
func (d *Dispatcher) Notify(ctx context.Context, event domain.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- event:
		return nil
	default:
	}

	if err := d.park(ctx, event, ErrDispatchQueueFull.Error()); err != nil {
		return fmt.Errorf("%w: %v", ErrDispatchQueueFull, err)
	}
	d.logger.WithField("event_id", event.ID).Warn("notification queue full; event parked for relay")
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered or parked.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// cut retry backoffs short so the remaining events get parked
		close(d.stop)
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(event domain.Event) {
	log := d.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"user_id":    event.UserID,
	})

	var lastErr error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		lastErr = d.sink.Notify(ctx, event)
		cancel()
		if lastErr == nil {
			return
		}
		log.WithError(lastErr).WithField("attempt", attempt).Warn("notification delivery failed")

		if attempt == d.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(d.opts.BaseBackoff * time.Duration(1<<minInt(attempt-1, 6))):
		case <-d.stop:
			attempt = d.opts.MaxAttempts // park immediately during shutdown
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()
	if err := d.park(ctx, event, lastErr.Error()); err != nil {
		log.WithError(err).Error("failed to park undelivered notification")
		return
	}
	log.Info("notification parked for relay")
}

func (d *Dispatcher) park(ctx context.Context, event domain.Event, reason string) error {
	if d.parker == nil {
		return errors.New("no outbox configured")
	}
	return d.parker.EnqueueOutboxMessage(ctx, event.ID, d.opts.Exchange, event.Type.RoutingKey(), event, reason)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
