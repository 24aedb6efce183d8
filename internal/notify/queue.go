package notify

import (
	"context"
	"strings"
)

// Publisher is satisfied by rabbitmq.EventProducer.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
}

// QueueNotifier publishes status changes for other services (bots, CRM)
// to consume. Routing keys look like payment.confirmed.
type QueueNotifier struct {
	Publisher Publisher
	Exchange  string
}

func (q QueueNotifier) Notify(ctx context.Context, msg Message) error {
	return q.Publisher.Publish(ctx, q.Exchange, "payment."+strings.ToLower(string(msg.Status)), msg)
}
