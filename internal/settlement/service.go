package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/timebank/timebank/internal/credits"
	"github.com/timebank/timebank/internal/ledger"
)

// Cancellation statuses that reverse a settled booking or request.
const (
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
)

// ErrInvalidStatus is returned for cancellation statuses other than cancelled or rejected.
var ErrInvalidStatus = errors.New("status must be cancelled or rejected")

// Service settles bookings and service requests against the ledger.
type Service struct {
	credits *credits.Service
	logger  *slog.Logger
}

// NewService constructs a settlement service.
func NewService(creditsService *credits.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{credits: creditsService, logger: logger.With(slog.String("component", "settlement"))}
}

// CompleteInput describes who pays whom for a finished service.
type CompleteInput struct {
	ConsumerID int64
	ProviderID int64
	Credits    decimal.Decimal
	Title      string
}

// RefundOutcome reports the refund side effect of a cancellation. A failed
// refund does not undo the cancellation; callers decide whether Err is fatal.
type RefundOutcome struct {
	Refunded bool
	Entries  []ledger.Entry
	Err      error
}

// CompleteBooking charges the consumer and pays the provider for a booking.
func (s *Service) CompleteBooking(ctx context.Context, bookingID int64, in CompleteInput) (credits.TransferResult, error) {
	return s.complete(ctx, ledger.RefServiceBooking, bookingID, in)
}

// CompleteRequest charges the requester and pays the provider for a fulfilled request.
func (s *Service) CompleteRequest(ctx context.Context, requestID int64, in CompleteInput) (credits.TransferResult, error) {
	return s.complete(ctx, ledger.RefServiceRequest, requestID, in)
}

// CancelBooking reverses any credit movement tied to the booking.
func (s *Service) CancelBooking(ctx context.Context, bookingID int64, status string) (RefundOutcome, error) {
	return s.cancel(ctx, ledger.RefServiceBooking, "Booking", bookingID, status)
}

// CancelRequest reverses any credit movement tied to the request.
func (s *Service) CancelRequest(ctx context.Context, requestID int64, status string) (RefundOutcome, error) {
	return s.cancel(ctx, ledger.RefServiceRequest, "Request", requestID, status)
}

func (s *Service) complete(ctx context.Context, refType ledger.ReferenceType, id int64, in CompleteInput) (credits.TransferResult, error) {
	res, err := s.credits.Transfer(ctx, credits.TransferInput{
		FromUserID:    in.ConsumerID,
		ToUserID:      in.ProviderID,
		Amount:        in.Credits,
		ReferenceType: string(refType),
		ReferenceID:   &id,
		Description:   "Service completed: " + in.Title,
	})
	if err != nil {
		return credits.TransferResult{}, err
	}
	s.logger.Info("settlement.completed",
		slog.String("reference_type", string(refType)),
		slog.Int64("reference_id", id),
		slog.Int64("consumer_id", in.ConsumerID),
		slog.Int64("provider_id", in.ProviderID),
		slog.String("credits", in.Credits.StringFixed(2)),
	)
	return res, nil
}

func (s *Service) cancel(ctx context.Context, refType ledger.ReferenceType, label string, id int64, status string) (RefundOutcome, error) {
	if status != StatusCancelled && status != StatusRejected {
		return RefundOutcome{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	entries, err := s.credits.Refund(ctx, credits.RefundInput{
		ReferenceType: string(refType),
		ReferenceID:   &id,
		Reason:        label + " " + status,
	})
	if err != nil {
		s.logger.Warn("settlement.refund failed",
			slog.String("reference_type", string(refType)),
			slog.Int64("reference_id", id),
			slog.Any("error", err),
		)
		return RefundOutcome{Err: err}, nil
	}
	s.logger.Info("settlement.refunded",
		slog.String("reference_type", string(refType)),
		slog.Int64("reference_id", id),
		slog.Int("entries", len(entries)),
	)
	return RefundOutcome{Refunded: true, Entries: entries}, nil
}
