package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// SeedCredits opens the account if needed and posts a system adjustment so
// tests can start from a known balance. The entry keeps balance and history
// consistent.
func SeedCredits(ctx context.Context, e *Engine, userID int64, amount string) error {
	if _, err := e.OpenAccount(ctx, userID); err != nil && !errors.Is(err, ErrAccountExists) {
		return err
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return err
	}
	if d.IsZero() {
		return nil
	}
	_, err = e.CreateEntry(ctx, userID, d, CategoryManualAdjustment, Reference{Type: RefSystem}, "seed")
	return err
}
