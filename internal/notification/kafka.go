package notification

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the notifier needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes notifications as JSON records keyed by the
// destination user, so one user's events stay ordered on one partition.
type KafkaNotifier struct {
	writer MessageWriter
}

// NewKafkaNotifier wraps a kafka writer.
func NewKafkaNotifier(writer MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

// Send publishes one record.
func (n *KafkaNotifier) Send(ctx context.Context, message Message) error {
	message, body, err := Encode(message)
	if err != nil {
		return fmt.Errorf("encode %s: %w", message.Kind, err)
	}
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(message.Destination),
		Value: body,
		Time:  message.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(message.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s to kafka: %w", message.Kind, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
