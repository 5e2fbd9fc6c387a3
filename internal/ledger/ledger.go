package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound means the user has no credit account in the ledger.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when opening an account that is already open.
	ErrAccountExists = errors.New("account already exists")

	// ErrInsufficientCredits occurs when the payer's balance cannot cover a debit.
	// The concrete error is an *InsufficientCreditsError carrying the shortfall.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoMatchingEntries means a refund referenced a business object with no entries.
	ErrNoMatchingEntries = errors.New("no matching entries")

	// ErrInvalidAmount covers zero, negative (where positive is required) and
	// over-precise amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidCategory is returned for values outside the closed category set.
	ErrInvalidCategory = errors.New("invalid category")

	// ErrInvalidReference is returned for unknown reference types or a missing
	// reference id where one is required.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrSelfTransfer rejects transfers whose payer and payee are the same user.
	ErrSelfTransfer = errors.New("payer and payee must differ")

	// ErrBalanceMismatch is a constraint violation: balance_after != balance_before + amount.
	ErrBalanceMismatch = errors.New("balance_after must equal balance_before plus amount")
)

// InsufficientCreditsError reports how far short the payer was.
type InsufficientCreditsError struct {
	UserID    int64
	Balance   decimal.Decimal
	Required  decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("user %d has insufficient credits: balance %s, required %s, short by %s",
		e.UserID, e.Balance.StringFixed(2), e.Required.StringFixed(2), e.Shortfall.StringFixed(2))
}

// Is lets errors.Is(err, ErrInsufficientCredits) match.
func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

func insufficient(userID int64, balance, required decimal.Decimal) error {
	return &InsufficientCreditsError{
		UserID:    userID,
		Balance:   balance,
		Required:  required,
		Shortfall: required.Sub(balance),
	}
}

// Category classifies a ledger entry.
type Category string

const (
	CategoryServicePayment   Category = "service_payment"
	CategoryServiceEarning   Category = "service_earning"
	CategoryRequestPayment   Category = "request_payment"
	CategoryRequestEarning   Category = "request_earning"
	CategoryInitialBonus     Category = "initial_bonus"
	CategoryRefund           Category = "refund"
	CategoryManualAdjustment Category = "manual_adjustment"
)

var categories = []Category{
	CategoryServicePayment,
	CategoryServiceEarning,
	CategoryRequestPayment,
	CategoryRequestEarning,
	CategoryInitialBonus,
	CategoryRefund,
	CategoryManualAdjustment,
}

// ParseCategory converts a wire value into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
	}
	return c, nil
}

// Valid reports whether c belongs to the closed category set.
func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// ReferenceType names the kind of business object behind an entry.
type ReferenceType string

const (
	RefServiceBooking ReferenceType = "service_booking"
	RefServiceRequest ReferenceType = "service_request"
	RefRegistration   ReferenceType = "registration"
	RefManual         ReferenceType = "manual"
	RefSystem         ReferenceType = "system"
)

// ParseReferenceType converts a wire value into a ReferenceType.
func ParseReferenceType(s string) (ReferenceType, error) {
	switch r := ReferenceType(s); r {
	case RefServiceBooking, RefServiceRequest, RefRegistration, RefManual, RefSystem:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown reference type %q", ErrInvalidReference, s)
}

// RequiresID reports whether entries of this type must carry a reference id.
func (r ReferenceType) RequiresID() bool {
	return r != RefManual && r != RefSystem
}

// transferCategories derives the debit/credit category pair for a transfer.
func (r ReferenceType) transferCategories() (debit, credit Category) {
	switch r {
	case RefServiceBooking:
		return CategoryServicePayment, CategoryServiceEarning
	case RefServiceRequest:
		return CategoryRequestPayment, CategoryRequestEarning
	default:
		return CategoryManualAdjustment, CategoryManualAdjustment
	}
}

// Reference ties a ledger operation back to the business event that caused it.
type Reference struct {
	Type ReferenceType
	ID   *int64
}

// Ref builds a reference with an id.
func Ref(t ReferenceType, id int64) Reference {
	return Reference{Type: t, ID: &id}
}

// Validate checks the type and that an id is present where the type needs one.
func (r Reference) Validate() error {
	if _, err := ParseReferenceType(string(r.Type)); err != nil {
		return err
	}
	if r.ID == nil && r.Type.RequiresID() {
		return fmt.Errorf("%w: %s requires a reference id", ErrInvalidReference, r.Type)
	}
	if r.ID != nil && *r.ID <= 0 {
		return fmt.Errorf("%w: reference id must be positive, got %d", ErrInvalidReference, *r.ID)
	}
	return nil
}

// Matches reports whether two references point at the same business object.
func (r Reference) Matches(other Reference) bool {
	if r.Type != other.Type {
		return false
	}
	if r.ID == nil || other.ID == nil {
		return r.ID == nil && other.ID == nil
	}
	return *r.ID == *other.ID
}

func (r Reference) String() string {
	if r.ID == nil {
		return string(r.Type)
	}
	return string(r.Type) + ":" + strconv.FormatInt(*r.ID, 10)
}

// Account is the per-user mutable credit state. Only the Engine mutates it.
type Account struct {
	UserID         int64
	Balance        decimal.Decimal
	LifetimeEarned decimal.Decimal
	LifetimeSpent  decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewAccount returns an empty account for userID.
func NewAccount(userID int64, at time.Time) Account {
	return Account{
		UserID:         userID,
		Balance:        decimal.Zero,
		LifetimeEarned: decimal.Zero,
		LifetimeSpent:  decimal.Zero,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
}

// apply returns the account after posting amount.
func (a Account) apply(amount decimal.Decimal, at time.Time) Account {
	a.Balance = a.Balance.Add(amount)
	if amount.IsPositive() {
		a.LifetimeEarned = a.LifetimeEarned.Add(amount)
	} else {
		a.LifetimeSpent = a.LifetimeSpent.Add(amount.Abs())
	}
	a.UpdatedAt = at
	return a
}

// Entry is one immutable, signed balance change.
type Entry struct {
	ID            int64
	UserID        int64
	Amount        decimal.Decimal
	Category      Category
	Reference     Reference
	Description   string
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	CreatedAt     time.Time
}

// Validate enforces the write-time constraints every store applies.
func (e Entry) Validate() error {
	if !e.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, e.Category)
	}
	if err := e.Reference.Validate(); err != nil {
		return err
	}
	if !e.BalanceBefore.Add(e.Amount).Equal(e.BalanceAfter) {
		return fmt.Errorf("%w: before %s, amount %s, after %s", ErrBalanceMismatch,
			e.BalanceBefore.String(), e.Amount.String(), e.BalanceAfter.String())
	}
	return nil
}

// Page is one slice of a user's history, newest first.
type Page struct {
	Entries []Entry
	Total   int
	Offset  int
	Limit   int
}

// Totals are aggregates recomputed from history.
type Totals struct {
	Sum    decimal.Decimal
	Earned decimal.Decimal
	Spent  decimal.Decimal
	Count  int
}

func totalsOf(entries []Entry) Totals {
	t := Totals{Sum: decimal.Zero, Earned: decimal.Zero, Spent: decimal.Zero}
	for _, e := range entries {
		t.add(e.Amount)
	}
	return t
}

func (t *Totals) add(amount decimal.Decimal) {
	t.Sum = t.Sum.Add(amount)
	if amount.IsPositive() {
		t.Earned = t.Earned.Add(amount)
	} else {
		t.Spent = t.Spent.Add(amount.Abs())
	}
	t.Count++
}

// ReconcileReport compares an account with its history.
type ReconcileReport struct {
	Account Account
	Totals  Totals
}

// BalanceDrift is the stored balance minus the sum of history.
func (r ReconcileReport) BalanceDrift() decimal.Decimal {
	return r.Account.Balance.Sub(r.Totals.Sum)
}

// Consistent reports whether balance and aggregates all match history.
func (r ReconcileReport) Consistent() bool {
	return r.BalanceDrift().IsZero() &&
		r.Account.LifetimeEarned.Equal(r.Totals.Earned) &&
		r.Account.LifetimeSpent.Equal(r.Totals.Spent)
}

const creditScale = 2

// validAmount rejects zero and amounts finer than hundredths of a credit.
func validAmount(amount decimal.Decimal) error {
	if amount.IsZero() {
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(creditScale)) {
		return fmt.Errorf("%w: %s has more than %d fractional digits", ErrInvalidAmount, amount.String(), creditScale)
	}
	return nil
}

func validPositiveAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount.String())
	}
	return validAmount(amount)
}
