/**
 * @description
 * This package provides a producer for publishing JSON events to RabbitMQ topic
 * exchanges. The accrual-service uses it to hand daily-gain and plan-completed
 * events to the notification service.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/sirupsen/logrus: Structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrBrokerUnavailable is returned when no broker connection can be used right now.
var ErrBrokerUnavailable = errors.New("rabbitmq broker unavailable")

const (
	dialTimeout   = 10 * time.Second
	redialBackoff = 5 * time.Second
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	url      string
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
	nextDial time.Time
	logger   logrus.FieldLogger
}

// EventProducerFallback is used when no broker is configured. Every publish fails with
// ErrBrokerUnavailable so callers keep the event for later delivery.
type EventProducerFallback struct {
	Logger logrus.FieldLogger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"component":   "rabbitmq_producer",
			"mode":        "fallback",
			"exchange":    exchange,
			"routing_key": routingKey,
		}).Warn("publish skipped: no broker configured")
	}
	return ErrBrokerUnavailable
}

func (p *EventProducerFallback) Close() {}

// SanitizeAMQPURL strips quotes and stray prefixes that env files tend to add.
func SanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials RabbitMQ and opens a channel.
func NewEventProducer(amqpURL string, logger logrus.FieldLogger) (*EventProducer, error) {
	p, err := NewDeferredEventProducer(amqpURL, logger)
	if err != nil {
		return nil, err
	}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewDeferredEventProducer validates the URL but connects on the first publish. It is
// used when the broker is down at startup.
func NewDeferredEventProducer(amqpURL string, logger logrus.FieldLogger) (*EventProducer, error) {
	cleanURL, err := SanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	return &EventProducer{
		url:      cleanURL,
		declared: make(map[string]bool),
		logger:   logger.WithField("component", "rabbitmq_producer"),
	}, nil
}

// Publish sends body as JSON to exchange with routingKey, declaring the exchange on first use.
// A closed connection is redialled, at most once per redialBackoff; a failed publish reopens
// the channel and retries once.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnectedLocked(); err != nil {
		return err
	}
	err = p.publishLocked(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}

	p.logger.WithError(err).WithFields(logrus.Fields{
		"exchange":    exchange,
		"routing_key": routingKey,
	}).Warn("publish failed; reopening channel")
	if reopenErr := p.reopenLocked(); reopenErr != nil {
		return reopenErr
	}
	return p.publishLocked(ctx, exchange, routingKey, jsonBody)
}

func (p *EventProducer) ensureConnectedLocked() error {
	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil {
		return nil
	}
	if time.Now().Before(p.nextDial) {
		return ErrBrokerUnavailable
	}
	if err := p.connectLocked(); err != nil {
		p.nextDial = time.Now().Add(redialBackoff)
		p.logger.WithError(err).Warn("rabbitmq redial failed")
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	p.logger.Info("rabbitmq connection established")
	return nil
}

func (p *EventProducer) connectLocked() error {
	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(p.url, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn = conn
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, body []byte) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(
			exchange, // name
			"topic",  // type
			true,     // durable
			false,    // autoDelete
			false,    // internal
			false,    // noWait
			nil,      // args
		); err != nil {
			return err
		}
		p.declared[exchange] = true
	}

	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (p *EventProducer) reopenLocked() error {
	if p.conn == nil || p.conn.IsClosed() {
		p.channel = nil
		return p.ensureConnectedLocked()
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if p.channel != nil {
		_ = p.channel.Close()
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
