package adjustment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/timebank/timebank/internal/ledger"
	"github.com/timebank/timebank/internal/notification"
)

// ErrReasonRequired is returned when an adjustment has no reason.
var ErrReasonRequired = errors.New("adjustment reason is required")

// Service posts administrative credit corrections.
type Service struct {
	engine   *ledger.Engine
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewService constructs an adjustment service.
func NewService(engine *ledger.Engine, notifier notification.Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, notifier: notifier, logger: logger.With(slog.String("component", "adjustment"))}
}

// Input captures a signed adjustment. Positive amounts credit the user,
// negative amounts debit them.
type Input struct {
	UserID        int64
	Amount        decimal.Decimal
	ReferenceType string
	ReferenceID   *int64
	Reason        string
	Actor         string
}

// Apply validates and posts one manual_adjustment entry. Debits are checked
// against the current balance first; the system never overdraws.
func (s *Service) Apply(ctx context.Context, in Input) (ledger.Entry, error) {
	if in.Reason == "" {
		return ledger.Entry{}, ErrReasonRequired
	}
	ref, err := adjustmentReference(in.ReferenceType, in.ReferenceID)
	if err != nil {
		return ledger.Entry{}, err
	}

	if in.Amount.IsNegative() {
		balance, err := s.engine.GetBalance(ctx, in.UserID)
		if err != nil {
			return ledger.Entry{}, err
		}
		if required := in.Amount.Abs(); balance.LessThan(required) {
			return ledger.Entry{}, &ledger.InsufficientCreditsError{
				UserID:    in.UserID,
				Balance:   balance,
				Required:  required,
				Shortfall: required.Sub(balance),
			}
		}
	}

	entry, err := s.engine.CreateEntry(ctx, in.UserID, in.Amount, ledger.CategoryManualAdjustment, ref, in.Reason)
	if err != nil {
		return ledger.Entry{}, err
	}

	s.logger.Info("adjustment.applied",
		slog.Int64("user_id", in.UserID),
		slog.String("amount", in.Amount.StringFixed(2)),
		slog.String("reference", ref.String()),
		slog.String("actor", in.Actor),
	)
	notification.SendAll(ctx, s.notifier, s.logger, notification.Message{
		Kind:        notification.KindCreditsAdjusted,
		Destination: strconv.FormatInt(in.UserID, 10),
		Body:        fmt.Sprintf("Your balance was adjusted by %s credits: %s", entry.Amount.StringFixed(2), in.Reason),
		Data: map[string]string{
			"entry_id":      strconv.FormatInt(entry.ID, 10),
			"balance_after": entry.BalanceAfter.StringFixed(2),
		},
	})
	return entry, nil
}

// adjustmentReference defaults to manual and only accepts manual or system.
func adjustmentReference(refType string, id *int64) (ledger.Reference, error) {
	if refType == "" {
		refType = string(ledger.RefManual)
	}
	t, err := ledger.ParseReferenceType(refType)
	if err != nil {
		return ledger.Reference{}, err
	}
	if t != ledger.RefManual && t != ledger.RefSystem {
		return ledger.Reference{}, fmt.Errorf("%w: adjustments use manual or system references, got %s", ledger.ErrInvalidReference, t)
	}
	return ledger.Reference{Type: t, ID: id}, nil
}
