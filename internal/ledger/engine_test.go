package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timebank/timebank/internal/logging"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var fixedNow = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

var storeFactories = []storeFactory{
	{name: "memory", open: func(t *testing.T) Store { return NewInMemory() }},
	{name: "sqlite", open: func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// forEachStore runs the same engine scenario against every Store implementation
// that does not need an external server.
func forEachStore(t *testing.T, fn func(t *testing.T, e *Engine)) {
	for _, f := range storeFactories {
		t.Run(f.name, func(t *testing.T) {
			e := NewEngine(f.open(t), logging.Discard(), WithClock(func() time.Time { return fixedNow }))
			fn(t, e)
		})
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func assertBalance(t *testing.T, e *Engine, userID int64, want string) {
	t.Helper()
	got, err := e.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Truef(t, got.Equal(dec(want)), "user %d balance: want %s, got %s", userID, want, got.String())
}

func history(t *testing.T, e *Engine, userID int64) []Entry {
	t.Helper()
	page, err := e.ListTransactions(context.Background(), userID, 0, maxPageLimit)
	require.NoError(t, err)
	return page.Entries
}

func openAccounts(t *testing.T, e *Engine, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		_, err := e.OpenAccount(context.Background(), id)
		require.NoError(t, err)
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestEngine_InitialBonusScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1)

		has, err := e.HasInitialBonus(ctx, 1)
		require.NoError(t, err)
		assert.False(t, has)

		entry, err := e.GrantInitialBonus(ctx, 1, dec("10.00"))
		require.NoError(t, err)

		assertBalance(t, e, 1, "10.00")
		assert.Equal(t, CategoryInitialBonus, entry.Category)
		assert.Equal(t, RefRegistration, entry.Reference.Type)
		require.NotNil(t, entry.Reference.ID)
		assert.Equal(t, int64(1), *entry.Reference.ID)
		assert.Equal(t, "Initial credits: 10.00 credits", entry.Description)

		has, err = e.HasInitialBonus(ctx, 1)
		require.NoError(t, err)
		assert.True(t, has)
	})
}

func TestEngine_TransferInsufficientCreditsChangesNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1, 2)
		_, err := e.GrantInitialBonus(ctx, 1, dec("10.00"))
		require.NoError(t, err)

		_, _, err = e.Transfer(ctx, 1, 2, dec("15.00"), Ref(RefServiceBooking, 7), "guitar lesson")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInsufficientCredits)

		var short *InsufficientCreditsError
		require.ErrorAs(t, err, &short)
		assert.True(t, short.Shortfall.Equal(dec("5.00")), "shortfall %s", short.Shortfall)
		assert.Equal(t, int64(1), short.UserID)

		assertBalance(t, e, 1, "10.00")
		assertBalance(t, e, 2, "0")
		assert.Len(t, history(t, e, 1), 1)
		assert.Len(t, history(t, e, 2), 0)
	})
}

func TestEngine_TransferThenRefundRestoresBalances(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1, 2)
		_, err := e.GrantInitialBonus(ctx, 1, dec("10.00"))
		require.NoError(t, err)

		booking := Ref(RefServiceBooking, 99)
		debit, credit, err := e.Transfer(ctx, 1, 2, dec("4.00"), booking, "haircut")
		require.NoError(t, err)

		assertBalance(t, e, 1, "6.00")
		assertBalance(t, e, 2, "4.00")

		assert.True(t, debit.Amount.Equal(dec("-4.00")))
		assert.True(t, credit.Amount.Equal(dec("4.00")))
		assert.Equal(t, CategoryServicePayment, debit.Category)
		assert.Equal(t, CategoryServiceEarning, credit.Category)
		assert.Equal(t, "Payment: haircut", debit.Description)
		assert.Equal(t, "Earned: haircut", credit.Description)
		assert.True(t, debit.Reference.Matches(credit.Reference))
		assert.NotEqual(t, debit.ID, credit.ID)

		refunds, err := e.Refund(ctx, booking, "cancelled")
		require.NoError(t, err)
		require.Len(t, refunds, 2)

		assertBalance(t, e, 1, "10.00")
		assertBalance(t, e, 2, "0")

		for _, r := range refunds {
			assert.Equal(t, CategoryRefund, r.Category)
			assert.Equal(t, "Refund: cancelled", r.Description)
			assert.True(t, r.Reference.Matches(booking))
		}
		assert.True(t, refunds[0].Amount.Equal(dec("4.00")))
		assert.True(t, refunds[1].Amount.Equal(dec("-4.00")))

		// Originals stay untouched; the reference now has four entries.
		payer := history(t, e, 1)
		require.Len(t, payer, 3)
		assert.Equal(t, debit.ID, payer[1].ID)
		assert.True(t, payer[1].Amount.Equal(dec("-4.00")))
		assert.Equal(t, CategoryServicePayment, payer[1].Category)
		payee := history(t, e, 2)
		require.Len(t, payee, 2)
		assert.Equal(t, credit.ID, payee[1].ID)
		assert.True(t, payee[1].Amount.Equal(dec("4.00")))
	})
}

func TestEngine_TransferCategoriesFollowReferenceType(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1, 2)
		_, err := e.GrantInitialBonus(ctx, 1, dec("10.00"))
		require.NoError(t, err)

		debit, credit, err := e.Transfer(ctx, 1, 2, dec("1.50"), Ref(RefServiceRequest, 3), "plumbing")
		require.NoError(t, err)
		assert.Equal(t, CategoryRequestPayment, debit.Category)
		assert.Equal(t, CategoryRequestEarning, credit.Category)

		debit, credit, err = e.Transfer(ctx, 1, 2, dec("0.25"), Reference{Type: RefManual}, "gift")
		require.NoError(t, err)
		assert.Equal(t, CategoryManualAdjustment, debit.Category)
		assert.Equal(t, CategoryManualAdjustment, credit.Category)
		assert.Nil(t, debit.Reference.ID)

		assertBalance(t, e, 1, "8.25")
		assertBalance(t, e, 2, "1.75")
	})
}

func TestEngine_BalanceAlwaysEqualsHistory(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1, 2, 3)
		for _, id := range []int64{1, 2, 3} {
			_, err := e.GrantInitialBonus(ctx, id, dec("10.00"))
			require.NoError(t, err)
		}
		_, _, err := e.Transfer(ctx, 1, 2, dec("3.00"), Ref(RefServiceBooking, 1), "tutoring")
		require.NoError(t, err)
		_, _, err = e.Transfer(ctx, 2, 3, dec("7.50"), Ref(RefServiceBooking, 2), "gardening")
		require.NoError(t, err)
		_, _, err = e.Transfer(ctx, 3, 1, dec("0.75"), Ref(RefServiceRequest, 5), "dog walking")
		require.NoError(t, err)
		_, err = e.Refund(ctx, Ref(RefServiceBooking, 2), "rejected")
		require.NoError(t, err)
		_, err = e.CreateEntry(ctx, 3, dec("-1.25"), CategoryManualAdjustment, Reference{Type: RefManual}, "correction")
		require.NoError(t, err)

		for _, id := range []int64{1, 2, 3} {
			sum := decimal.Zero
			for _, entry := range history(t, e, id) {
				assert.True(t, entry.BalanceAfter.Sub(entry.BalanceBefore).Equal(entry.Amount),
					"entry %d: after-before != amount", entry.ID)
				sum = sum.Add(entry.Amount)
			}
			balance, err := e.GetBalance(ctx, id)
			require.NoError(t, err)
			assert.Truef(t, balance.Equal(sum), "user %d: balance %s, history %s", id, balance, sum)

			report, err := e.Reconcile(ctx, id)
			require.NoError(t, err)
			assert.True(t, report.Consistent(), "user %d not consistent: %+v", id, report)
		}
	})
}

func TestEngine_LifetimeAggregates(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1, 2)
		_, err := e.GrantInitialBonus(ctx, 1, dec("10.00"))
		require.NoError(t, err)
		_, _, err = e.Transfer(ctx, 1, 2, dec("4.00"), Ref(RefServiceBooking, 1), "yoga")
		require.NoError(t, err)

		payer, err := e.Account(ctx, 1)
		require.NoError(t, err)
		assert.True(t, payer.LifetimeEarned.Equal(dec("10.00")))
		assert.True(t, payer.LifetimeSpent.Equal(dec("4.00")))

		payee, err := e.Account(ctx, 2)
		require.NoError(t, err)
		assert.True(t, payee.LifetimeEarned.Equal(dec("4.00")))
		assert.True(t, payee.LifetimeSpent.IsZero())
	})
}

func TestEngine_ReadsAreRepeatable(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1, 2)
		_, err := e.GrantInitialBonus(ctx, 1, dec("10.00"))
		require.NoError(t, err)
		_, _, err = e.Transfer(ctx, 1, 2, dec("2.00"), Ref(RefServiceBooking, 4), "painting")
		require.NoError(t, err)

		first, err := e.ListTransactions(ctx, 1, 0, 10)
		require.NoError(t, err)
		second, err := e.ListTransactions(ctx, 1, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		b1, err := e.GetBalance(ctx, 1)
		require.NoError(t, err)
		b2, err := e.GetBalance(ctx, 1)
		require.NoError(t, err)
		assert.True(t, b1.Equal(b2))
	})
}

func TestEngine_ListTransactionsNewestFirstWithPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1)
		for i := 1; i <= 5; i++ {
			_, err := e.CreateEntry(ctx, 1, decimal.NewFromInt(int64(i)), CategoryManualAdjustment, Reference{Type: RefSystem}, "topup")
			require.NoError(t, err)
		}

		page, err := e.ListTransactions(ctx, 1, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Entries, 2)
		assert.True(t, page.Entries[0].Amount.Equal(dec("4")))
		assert.True(t, page.Entries[1].Amount.Equal(dec("3")))

		page, err = e.ListTransactions(ctx, 1, -3, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, page.Offset)
		assert.Equal(t, defaultPageLimit, page.Limit)
		assert.Len(t, page.Entries, 5)

		page, err = e.ListTransactions(ctx, 1, 0, 1000)
		require.NoError(t, err)
		assert.Equal(t, maxPageLimit, page.Limit)

		page, err = e.ListTransactions(ctx, 1, 10, 5)
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
		assert.Equal(t, 5, page.Total)
	})
}

// =============================================================================
// FAILURES
// =============================================================================

func TestEngine_GetBalanceWithoutAccountIsZero(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		assertBalance(t, e, 42, "0")
		ok, err := e.HasSufficientFunds(context.Background(), 42, dec("0.01"))
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestEngine_AccountNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1)
		_, err := e.GrantInitialBonus(ctx, 1, dec("5.00"))
		require.NoError(t, err)

		_, err = e.CreateEntry(ctx, 2, dec("1.00"), CategoryManualAdjustment, Reference{Type: RefManual}, "x")
		assert.ErrorIs(t, err, ErrAccountNotFound)

		_, _, err = e.Transfer(ctx, 1, 2, dec("1.00"), Ref(RefServiceBooking, 1), "x")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assertBalance(t, e, 1, "5.00")

		_, err = e.OpenAccount(ctx, 1)
		assert.ErrorIs(t, err, ErrAccountExists)
	})
}

func TestEngine_InvalidInput(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1, 2)
		_, err := e.GrantInitialBonus(ctx, 1, dec("10.00"))
		require.NoError(t, err)
		booking := Ref(RefServiceBooking, 1)

		cases := []struct {
			name   string
			amount string
		}{
			{"zero", "0"},
			{"negative", "-1.00"},
			{"too precise", "1.005"},
		}
		for _, tc := range cases {
			_, _, err := e.Transfer(ctx, 1, 2, dec(tc.amount), booking, "x")
			assert.ErrorIs(t, err, ErrInvalidAmount, tc.name)
		}

		_, err = e.GrantInitialBonus(ctx, 2, dec("0"))
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = e.CreateEntry(ctx, 1, dec("0"), CategoryRefund, booking, "x")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = e.CreateEntry(ctx, 1, dec("1"), Category("bogus"), booking, "x")
		assert.ErrorIs(t, err, ErrInvalidCategory)
		_, err = e.CreateEntry(ctx, 1, dec("1"), CategoryRefund, Reference{Type: RefServiceBooking}, "x")
		assert.ErrorIs(t, err, ErrInvalidReference)

		_, _, err = e.Transfer(ctx, 1, 1, dec("1.00"), booking, "x")
		assert.ErrorIs(t, err, ErrSelfTransfer)

		assertBalance(t, e, 1, "10.00")
		assert.Len(t, history(t, e, 1), 1)
	})
}

func TestEngine_RefundWithoutEntries(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		_, err := e.Refund(context.Background(), Ref(RefServiceBooking, 1234), "cancelled")
		assert.ErrorIs(t, err, ErrNoMatchingEntries)
	})
}

func TestEngine_CreateEntryAllowsDebitWithoutCheck(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		openAccounts(t, e, 1)

		entry, err := e.CreateEntry(ctx, 1, dec("-2.00"), CategoryManualAdjustment, Reference{Type: RefManual}, "penalty")
		require.NoError(t, err)
		assert.True(t, entry.BalanceBefore.IsZero())
		assert.True(t, entry.BalanceAfter.Equal(dec("-2.00")))
		assertBalance(t, e, 1, "-2.00")
	})
}

func TestEntryValidateRejectsBrokenSnapshot(t *testing.T) {
	e := Entry{
		UserID:        1,
		Amount:        dec("2.00"),
		Category:      CategoryRefund,
		Reference:     Ref(RefServiceBooking, 1),
		BalanceBefore: dec("1.00"),
		BalanceAfter:  dec("4.00"),
	}
	assert.True(t, errors.Is(e.Validate(), ErrBalanceMismatch))

	e.BalanceAfter = dec("3.00")
	assert.NoError(t, e.Validate())
}

func TestParseEnums(t *testing.T) {
	c, err := ParseCategory("service_earning")
	require.NoError(t, err)
	assert.Equal(t, CategoryServiceEarning, c)
	_, err = ParseCategory("tip")
	assert.ErrorIs(t, err, ErrInvalidCategory)

	r, err := ParseReferenceType("service_request")
	require.NoError(t, err)
	assert.True(t, r.RequiresID())
	_, err = ParseReferenceType("invoice")
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.False(t, RefSystem.RequiresID())
	assert.Equal(t, "service_booking:99", Ref(RefServiceBooking, 99).String())
}
