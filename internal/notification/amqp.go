package notification

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the subset of *amqp.Channel the notifier needs.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes notifications to a topic exchange using the
// message kind as routing key.
type AMQPNotifier struct {
	publisher Publisher
	exchange  string
}

// NewAMQPNotifier wraps a channel bound to exchange.
func NewAMQPNotifier(publisher Publisher, exchange string) *AMQPNotifier {
	return &AMQPNotifier{publisher: publisher, exchange: exchange}
}

// Send publishes one persistent message.
func (n *AMQPNotifier) Send(ctx context.Context, message Message) error {
	message, body, err := Encode(message)
	if err != nil {
		return fmt.Errorf("encode %s: %w", message.Kind, err)
	}
	err = n.publisher.PublishWithContext(ctx, n.exchange, message.Kind, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    message.ID,
		Timestamp:    message.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", message.Kind, n.exchange, err)
	}
	return nil
}
