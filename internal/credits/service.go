package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timebank/timebank/internal/ledger"
	"github.com/timebank/timebank/internal/notification"
)

var (
	// ErrBonusAlreadyGranted is returned when the user already holds an initial bonus entry.
	ErrBonusAlreadyGranted = errors.New("user already received initial bonus")
	// ErrBonusInProgress is returned while another grant for the same user is running.
	ErrBonusInProgress = errors.New("initial bonus grant already in progress")
)

// Service is the credit-facing facade over the ledger engine. It adds the
// bonus guard and notifications; all balance changes go through the engine.
type Service struct {
	engine   *ledger.Engine
	guard    BonusGuard
	notifier notification.Notifier
	logger   *slog.Logger
	bonus    decimal.Decimal
}

// NewService builds a credits service. A nil guard falls back to an
// in-process guard.
func NewService(engine *ledger.Engine, guard BonusGuard, notifier notification.Notifier, logger *slog.Logger, bonus decimal.Decimal) *Service {
	if guard == nil {
		guard = NewLocalBonusGuard()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{engine: engine, guard: guard, notifier: notifier, logger: logger, bonus: bonus}
}

// BalanceView is the per-user balance summary.
type BalanceView struct {
	UserID         int64
	CurrentBalance decimal.Decimal
	TotalEarned    decimal.Decimal
	TotalSpent     decimal.Decimal
	LastUpdated    time.Time
}

// Balance returns the balance view for a user with an account.
func (s *Service) Balance(ctx context.Context, userID int64) (BalanceView, error) {
	acct, err := s.engine.Account(ctx, userID)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		UserID:         acct.UserID,
		CurrentBalance: acct.Balance,
		TotalEarned:    acct.LifetimeEarned,
		TotalSpent:     acct.LifetimeSpent,
		LastUpdated:    acct.UpdatedAt,
	}, nil
}

// HistoryView is one page of history plus the current balance.
type HistoryView struct {
	Transactions   []ledger.Entry
	TotalCount     int
	CurrentBalance decimal.Decimal
	Skip           int
	Limit          int
}

// History pages through a user's entries, newest first.
func (s *Service) History(ctx context.Context, userID int64, skip, limit int) (HistoryView, error) {
	page, err := s.engine.ListTransactions(ctx, userID, skip, limit)
	if err != nil {
		return HistoryView{}, err
	}
	balance, err := s.engine.GetBalance(ctx, userID)
	if err != nil {
		return HistoryView{}, err
	}
	return HistoryView{
		Transactions:   page.Entries,
		TotalCount:     page.Total,
		CurrentBalance: balance,
		Skip:           page.Offset,
		Limit:          page.Limit,
	}, nil
}

// GrantInitialBonus credits the configured registration bonus at most once.
// The guard serialises concurrent grants for the same user; the history
// check then rejects repeats.
func (s *Service) GrantInitialBonus(ctx context.Context, userID int64) (ledger.Entry, error) {
	release, err := s.guard.Acquire(ctx, userID)
	if err != nil {
		return ledger.Entry{}, err
	}
	defer release()

	has, err := s.engine.HasInitialBonus(ctx, userID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if has {
		return ledger.Entry{}, ErrBonusAlreadyGranted
	}

	entry, err := s.engine.GrantInitialBonus(ctx, userID, s.bonus)
	if err != nil {
		return ledger.Entry{}, err
	}

	notification.SendAll(ctx, s.notifier, s.logger, notification.Message{
		Kind:        notification.KindBonusGranted,
		Destination: userKey(userID),
		Body:        fmt.Sprintf("Welcome! %s credits were added to your account", entry.Amount.StringFixed(2)),
		Data:        entryData(entry),
	})
	return entry, nil
}

// TransferInput describes a payment for a service.
type TransferInput struct {
	FromUserID    int64
	ToUserID      int64
	Amount        decimal.Decimal
	ReferenceType string
	ReferenceID   *int64
	Description   string
}

// TransferResult holds the two entries of a committed transfer.
type TransferResult struct {
	Debit  ledger.Entry
	Credit ledger.Entry
}

// Transfer moves credits between two users for a booking or request.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	refType, err := ledger.ParseReferenceType(input.ReferenceType)
	if err != nil {
		return TransferResult{}, err
	}
	ref := ledger.Reference{Type: refType, ID: input.ReferenceID}

	debit, credit, err := s.engine.Transfer(ctx, input.FromUserID, input.ToUserID, input.Amount, ref, input.Description)
	if err != nil {
		return TransferResult{}, err
	}

	notification.SendAll(ctx, s.notifier, s.logger, notification.Message{
		Kind:        notification.KindCreditsTransferred,
		Destination: userKey(credit.UserID),
		Body:        fmt.Sprintf("You earned %s credits: %s", credit.Amount.StringFixed(2), input.Description),
		Data:        entryData(credit),
	})
	return TransferResult{Debit: debit, Credit: credit}, nil
}

// RefundInput names the business object whose entries are reversed.
type RefundInput struct {
	ReferenceType string
	ReferenceID   *int64
	Reason        string
}

// Refund reverses every entry tied to the reference.
func (s *Service) Refund(ctx context.Context, input RefundInput) ([]ledger.Entry, error) {
	refType, err := ledger.ParseReferenceType(input.ReferenceType)
	if err != nil {
		return nil, err
	}
	ref := ledger.Reference{Type: refType, ID: input.ReferenceID}

	entries, err := s.engine.Refund(ctx, ref, input.Reason)
	if err != nil {
		return nil, err
	}

	messages := make([]notification.Message, 0, len(entries))
	for _, e := range entries {
		messages = append(messages, notification.Message{
			Kind:        notification.KindCreditsRefunded,
			Destination: userKey(e.UserID),
			Body:        fmt.Sprintf("%s credits reversed: %s", e.Amount.StringFixed(2), input.Reason),
			Data:        entryData(e),
		})
	}
	notification.SendAll(ctx, s.notifier, s.logger, messages...)
	return entries, nil
}

// Reconcile compares the stored account with its history.
func (s *Service) Reconcile(ctx context.Context, userID int64) (ledger.ReconcileReport, error) {
	return s.engine.Reconcile(ctx, userID)
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func entryData(e ledger.Entry) map[string]string {
	return map[string]string{
		"entry_id":      strconv.FormatInt(e.ID, 10),
		"amount":        e.Amount.StringFixed(2),
		"category":      string(e.Category),
		"reference":     e.Reference.String(),
		"balance_after": e.BalanceAfter.StringFixed(2),
	}
}
