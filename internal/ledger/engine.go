package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// Engine is the only component allowed to change an Account. Every
// mutating operation runs as one Store unit of work.
type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine over store.
func NewEngine(store Store, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		logger: logger.With(slog.String("component", "ledger")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OpenAccount creates an empty account for a newly registered user.
func (e *Engine) OpenAccount(ctx context.Context, userID int64) (Account, error) {
	acct, err := e.store.CreateAccount(ctx, userID, e.now())
	if err != nil {
		return Account{}, err
	}
	e.logger.Info("ledger.account opened", slog.Int64("user_id", userID))
	return acct, nil
}

// Account returns the committed account state.
func (e *Engine) Account(ctx context.Context, userID int64) (Account, error) {
	return e.store.Account(ctx, userID)
}

// GetBalance returns the user's current balance. A user without an account
// has a zero balance; storage failures are still reported.
func (e *Engine) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	acct, err := e.store.Account(ctx, userID)
	if errors.Is(err, ErrAccountNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// HasSufficientFunds is an advisory pre-check. Transfer re-checks inside its
// unit of work.
func (e *Engine) HasSufficientFunds(ctx context.Context, userID int64, amount decimal.Decimal) (bool, error) {
	balance, err := e.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

// CreateEntry posts a single signed amount to one account. It does not check
// sufficiency; callers debiting must check first.
func (e *Engine) CreateEntry(ctx context.Context, userID int64, amount decimal.Decimal, category Category, ref Reference, description string) (Entry, error) {
	if err := validAmount(amount); err != nil {
		return Entry{}, err
	}
	if !category.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if err := ref.Validate(); err != nil {
		return Entry{}, err
	}

	var entry Entry
	err := e.store.InTx(ctx, func(tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, userID)
		if err != nil {
			return err
		}
		entry, err = e.post(ctx, tx, accounts, userID, amount, category, ref, description)
		return err
	})
	if err != nil {
		e.logRollback("ledger.entry", err,
			slog.Int64("user_id", userID),
			slog.String("amount", amount.StringFixed(creditScale)),
			slog.String("category", string(category)),
			slog.String("reference", ref.String()),
		)
		return Entry{}, err
	}

	e.logger.Info("ledger.entry created",
		slog.Int64("user_id", userID),
		slog.String("amount", amount.StringFixed(creditScale)),
		slog.String("category", string(category)),
		slog.String("reference", ref.String()),
	)
	return entry, nil
}

// Transfer moves amount from one user to another as a single unit: both
// entries are written or neither is.
func (e *Engine) Transfer(ctx context.Context, fromUserID, toUserID int64, amount decimal.Decimal, ref Reference, description string) (debit Entry, credit Entry, err error) {
	if err := validPositiveAmount(amount); err != nil {
		return Entry{}, Entry{}, err
	}
	if fromUserID == toUserID {
		return Entry{}, Entry{}, ErrSelfTransfer
	}
	if err := ref.Validate(); err != nil {
		return Entry{}, Entry{}, err
	}
	debitCategory, creditCategory := ref.Type.transferCategories()

	err = e.store.InTx(ctx, func(tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, fromUserID, toUserID)
		if err != nil {
			return err
		}
		if payer := accounts[fromUserID]; payer.Balance.LessThan(amount) {
			return insufficient(fromUserID, payer.Balance, amount)
		}
		debit, err = e.post(ctx, tx, accounts, fromUserID, amount.Neg(), debitCategory, ref, "Payment: "+description)
		if err != nil {
			return err
		}
		credit, err = e.post(ctx, tx, accounts, toUserID, amount, creditCategory, ref, "Earned: "+description)
		return err
	})
	if err != nil {
		e.logRollback("ledger.transfer", err,
			slog.Int64("from_user_id", fromUserID),
			slog.Int64("to_user_id", toUserID),
			slog.String("amount", amount.StringFixed(creditScale)),
			slog.String("reference", ref.String()),
		)
		return Entry{}, Entry{}, err
	}

	e.logger.Info("ledger.transfer committed",
		slog.Int64("from_user_id", fromUserID),
		slog.Int64("to_user_id", toUserID),
		slog.String("amount", amount.StringFixed(creditScale)),
		slog.String("reference", ref.String()),
		slog.Int64("debit_entry_id", debit.ID),
		slog.Int64("credit_entry_id", credit.ID),
	)
	return debit, credit, nil
}

// GrantInitialBonus credits a registration bonus. It does not check for an
// earlier grant; callers query HasInitialBonus first.
func (e *Engine) GrantInitialBonus(ctx context.Context, userID int64, amount decimal.Decimal) (Entry, error) {
	if err := validPositiveAmount(amount); err != nil {
		return Entry{}, err
	}
	ref := Ref(RefRegistration, userID)
	description := fmt.Sprintf("Initial credits: %s credits", amount.StringFixed(creditScale))

	var entry Entry
	err := e.store.InTx(ctx, func(tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, userID)
		if err != nil {
			return err
		}
		entry, err = e.post(ctx, tx, accounts, userID, amount, CategoryInitialBonus, ref, description)
		return err
	})
	if err != nil {
		e.logRollback("ledger.bonus", err,
			slog.Int64("user_id", userID),
			slog.String("amount", amount.StringFixed(creditScale)),
		)
		return Entry{}, err
	}

	e.logger.Info("ledger.bonus granted",
		slog.Int64("user_id", userID),
		slog.String("amount", amount.StringFixed(creditScale)),
	)
	return entry, nil
}

// HasInitialBonus reports whether the user already received a registration bonus.
func (e *Engine) HasInitialBonus(ctx context.Context, userID int64) (bool, error) {
	return e.store.HasEntry(ctx, userID, CategoryInitialBonus)
}

// Refund appends the negation of every entry tied to ref. Originals are
// never touched; refunding a transfer restores both balances.
func (e *Engine) Refund(ctx context.Context, ref Reference, reason string) ([]Entry, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	var refunds []Entry
	err := e.store.InTx(ctx, func(tx Tx) error {
		originals, err := tx.EntriesByReference(ctx, ref)
		if err != nil {
			return err
		}
		if len(originals) == 0 {
			return fmt.Errorf("%w for %s", ErrNoMatchingEntries, ref)
		}

		users := make([]int64, 0, len(originals))
		for _, o := range originals {
			users = append(users, o.UserID)
		}
		accounts, err := tx.LockAccounts(ctx, users...)
		if err != nil {
			return err
		}

		// Re-read now that the accounts are locked; the first read only told
		// us which rows to lock.
		originals, err = tx.EntriesByReference(ctx, ref)
		if err != nil {
			return err
		}

		refunds = make([]Entry, 0, len(originals))
		for _, o := range originals {
			if _, locked := accounts[o.UserID]; !locked {
				return fmt.Errorf("refund %s: entries for user %d appeared during the refund", ref, o.UserID)
			}
			entry, err := e.post(ctx, tx, accounts, o.UserID, o.Amount.Neg(), CategoryRefund, ref, "Refund: "+reason)
			if err != nil {
				return err
			}
			refunds = append(refunds, entry)
		}
		return nil
	})
	if err != nil {
		e.logRollback("ledger.refund", err, slog.String("reference", ref.String()))
		return nil, err
	}

	e.logger.Info("ledger.refund committed",
		slog.String("reference", ref.String()),
		slog.Int("entries", len(refunds)),
	)
	return refunds, nil
}

// ListTransactions pages through a user's history newest first.
func (e *Engine) ListTransactions(ctx context.Context, userID int64, offset, limit int) (Page, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	entries, total, err := e.store.Entries(ctx, userID, offset, limit)
	if err != nil {
		return Page{}, err
	}
	return Page{Entries: entries, Total: total, Offset: offset, Limit: limit}, nil
}

// Reconcile compares the stored account with a recomputation from history.
func (e *Engine) Reconcile(ctx context.Context, userID int64) (ReconcileReport, error) {
	var report ReconcileReport
	err := e.store.InTx(ctx, func(tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, userID)
		if err != nil {
			return err
		}
		totals, err := tx.Totals(ctx, userID)
		if err != nil {
			return err
		}
		report = ReconcileReport{Account: accounts[userID], Totals: totals}
		return nil
	})
	if err != nil {
		return ReconcileReport{}, err
	}
	if !report.Consistent() {
		e.logger.Error("ledger.reconcile drift detected",
			slog.Int64("user_id", userID),
			slog.String("balance", report.Account.Balance.StringFixed(creditScale)),
			slog.String("history_sum", report.Totals.Sum.StringFixed(creditScale)),
		)
	}
	return report, nil
}

// RebuildAggregates rewrites lifetime earned/spent from history. The balance
// is left alone: balance drift is a defect to investigate, not to paper over.
func (e *Engine) RebuildAggregates(ctx context.Context, userID int64) (Account, error) {
	var acct Account
	err := e.store.InTx(ctx, func(tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, userID)
		if err != nil {
			return err
		}
		totals, err := tx.Totals(ctx, userID)
		if err != nil {
			return err
		}
		acct = accounts[userID]
		acct.LifetimeEarned = totals.Earned
		acct.LifetimeSpent = totals.Spent
		acct.UpdatedAt = e.now()
		return tx.UpdateAccount(ctx, acct)
	})
	if err != nil {
		return Account{}, err
	}
	e.logger.Info("ledger.aggregates rebuilt", slog.Int64("user_id", userID))
	return acct, nil
}

// post writes one entry against a locked account and keeps accounts current
// so later posts in the same unit see the new balance.
// logRollback reports a failed unit of work: Warn when the ledger rejected
// it, Error when storage failed.
func (e *Engine) logRollback(op string, err error, attrs ...any) {
	attrs = append(attrs, slog.Any("error", err))
	if isRejection(err) {
		e.logger.Warn(op+" rejected", attrs...)
		return
	}
	e.logger.Error(op+" rolled back", attrs...)
}

func isRejection(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrNoMatchingEntries) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidCategory) ||
		errors.Is(err, ErrInvalidReference)
}

func (e *Engine) post(ctx context.Context, tx Tx, accounts map[int64]Account, userID int64, amount decimal.Decimal, category Category, ref Reference, description string) (Entry, error) {
	acct, ok := accounts[userID]
	if !ok {
		return Entry{}, fmt.Errorf("user %d: %w", userID, ErrAccountNotFound)
	}
	now := e.now()
	next := acct.apply(amount, now)

	entry, err := tx.InsertEntry(ctx, Entry{
		UserID:        userID,
		Amount:        amount,
		Category:      category,
		Reference:     ref,
		Description:   description,
		BalanceBefore: acct.Balance,
		BalanceAfter:  next.Balance,
		CreatedAt:     now,
	})
	if err != nil {
		return Entry{}, err
	}
	if err := tx.UpdateAccount(ctx, next); err != nil {
		return Entry{}, err
	}
	accounts[userID] = next
	return entry, nil
}
