package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// KindCreditsTransferred is sent to the payee of a completed service.
	KindCreditsTransferred = "credits.transferred"
	// KindCreditsRefunded is sent to each user touched by a refund.
	KindCreditsRefunded = "credits.refunded"
	// KindBonusGranted is sent after the registration bonus is credited.
	KindBonusGranted = "credits.bonus_granted"
	// KindCreditsAdjusted is sent after a manual or system adjustment.
	KindCreditsAdjusted = "credits.adjusted"
)

// Message describes a notification payload.
type Message struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Destination string            `json:"destination"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// Encode stamps missing id and time fields and renders the message as JSON.
func Encode(message Message) (Message, []byte, error) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.OccurredAt.IsZero() {
		message.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(message)
	if err != nil {
		return Message{}, nil, err
	}
	return message, body, nil
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// Fanout delivers every message to all notifiers and joins their errors.
type Fanout []Notifier

// Send attempts every notifier even when an earlier one fails.
func (f Fanout) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendAll delivers each message through n, logging failures. Notification
// delivery never fails the caller's ledger operation.
func SendAll(ctx context.Context, n Notifier, logger *slog.Logger, messages ...Message) {
	if n == nil {
		return
	}
	for _, m := range messages {
		if err := n.Send(ctx, m); err != nil && logger != nil {
			logger.Warn("notification delivery failed", "kind", m.Kind, "destination", m.Destination, "error", err)
		}
	}
}
