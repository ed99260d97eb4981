package app

import (
	"context"

	"github.com/recoverly/accrual-service/internal/domain"
)

// EventPublisher is the broker surface the notifier and the relay publish through.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// BrokerNotifier delivers events to the notification service over the message broker.
type BrokerNotifier struct {
	publisher EventPublisher
	exchange  string
}

func NewBrokerNotifier(publisher EventPublisher, exchange string) *BrokerNotifier {
	return &BrokerNotifier{publisher: publisher, exchange: exchange}
}

// Notify publishes the event under investment.<type>.
func (n *BrokerNotifier) Notify(ctx context.Context, event domain.Event) error {
	return n.publisher.Publish(ctx, n.exchange, event.Type.RoutingKey(), event)
}
