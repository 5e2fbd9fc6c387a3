package ledger

import (
	"context"
	"slices"
	"time"
)

// Store persists accounts and entries. It holds no business rules beyond
// constraint enforcement; every balance-changing path goes through InTx.
type Store interface {
	// CreateAccount inserts an empty account, or returns ErrAccountExists.
	CreateAccount(ctx context.Context, userID int64, at time.Time) (Account, error)
	// Account reads committed account state, or returns ErrAccountNotFound.
	Account(ctx context.Context, userID int64) (Account, error)
	// Entries returns a page of the user's entries newest first plus the total count.
	Entries(ctx context.Context, userID int64, offset, limit int) ([]Entry, int, error)
	// HasEntry reports whether the user has any entry of the given category.
	HasEntry(ctx context.Context, userID int64, category Category) (bool, error)
	// InTx runs fn as one atomic unit. A non-nil error from fn rolls back
	// every write fn made; nothing is visible to readers until commit.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the read-modify-write surface available inside a unit of work.
type Tx interface {
	// LockAccounts takes exclusive locks on the accounts in ascending user id
	// order and returns their current state. Call it once per unit.
	LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]Account, error)
	// EntriesByReference returns every entry tied to ref, oldest first.
	EntriesByReference(ctx context.Context, ref Reference) ([]Entry, error)
	// Totals recomputes aggregates from the user's full history.
	Totals(ctx context.Context, userID int64) (Totals, error)
	// InsertEntry validates and appends e, assigning its ID.
	InsertEntry(ctx context.Context, e Entry) (Entry, error)
	// UpdateAccount writes balance and aggregates of a locked account.
	UpdateAccount(ctx context.Context, a Account) error
}

func uniqueSorted(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
