package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/timebank/timebank/internal/logging"
)

func TestInMemoryConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(NewInMemory(), logging.Discard())
	if err := SeedCredits(ctx, e, 1, "10.00"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := e.OpenAccount(ctx, 2); err != nil {
		t.Fatalf("open payee: %v", err)
	}

	const attempts = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(booking int64) {
			defer wg.Done()
			_, _, err := e.Transfer(ctx, 1, 2, decimal.NewFromInt(1), Ref(RefServiceBooking, booking), "lesson")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientCredits) {
				t.Errorf("unexpected transfer error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	if succeeded != 10 {
		t.Fatalf("expected 10 successful transfers, got %d", succeeded)
	}
	payer, _ := e.GetBalance(ctx, 1)
	payee, _ := e.GetBalance(ctx, 2)
	if !payer.IsZero() || !payee.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected balances 0/10, got %s/%s", payer, payee)
	}
}

func TestInMemoryOppositeTransfersDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(NewInMemory(), logging.Discard())
	for _, id := range []int64{1, 2} {
		if err := SeedCredits(ctx, e, id, "100.00"); err != nil {
			t.Fatalf("seed %d: %v", id, err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func(n int64) {
				defer wg.Done()
				_, _, _ = e.Transfer(ctx, 1, 2, decimal.NewFromInt(1), Ref(RefServiceBooking, n), "a to b")
			}(int64(i + 1))
			go func(n int64) {
				defer wg.Done()
				_, _, _ = e.Transfer(ctx, 2, 1, decimal.NewFromInt(1), Ref(RefServiceRequest, n), "b to a")
			}(int64(i + 1))
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("opposite-direction transfers deadlocked")
	}

	a, _ := e.GetBalance(ctx, 1)
	b, _ := e.GetBalance(ctx, 2)
	if !a.Add(b).Equal(decimal.NewFromInt(200)) {
		t.Fatalf("credits not conserved: %s + %s", a, b)
	}
	for _, id := range []int64{1, 2} {
		report, err := e.Reconcile(ctx, id)
		if err != nil {
			t.Fatalf("reconcile %d: %v", id, err)
		}
		if !report.Consistent() {
			t.Fatalf("user %d drifted: %+v", id, report)
		}
	}
}

func TestInMemoryFailedUnitLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	e := NewEngine(store, logging.Discard())
	if err := SeedCredits(ctx, e, 1, "5.00"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx Tx) error {
		accounts, err := tx.LockAccounts(ctx, 1)
		if err != nil {
			return err
		}
		if _, err := e.post(ctx, tx, accounts, 1, decimal.NewFromInt(-5), CategoryManualAdjustment, Reference{Type: RefManual}, "x"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	balance, _ := e.GetBalance(ctx, 1)
	if !balance.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected balance 5 after rollback, got %s", balance)
	}
	page, _ := e.ListTransactions(ctx, 1, 0, 10)
	if page.Total != 1 {
		t.Fatalf("expected only the seed entry, got %d", page.Total)
	}
}

func TestInMemoryRebuildAggregatesRepairsDrift(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()
	e := NewEngine(store, logging.Discard())
	if err := SeedCredits(ctx, e, 1, "8.00"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	store.mu.Lock()
	acct := store.accounts[1]
	acct.LifetimeEarned = decimal.NewFromInt(99)
	store.accounts[1] = acct
	store.mu.Unlock()

	report, err := e.Reconcile(ctx, 1)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Consistent() {
		t.Fatal("expected drift to be reported")
	}
	if !report.BalanceDrift().IsZero() {
		t.Fatalf("balance should not drift, got %s", report.BalanceDrift())
	}

	rebuilt, err := e.RebuildAggregates(ctx, 1)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !rebuilt.LifetimeEarned.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected earned 8, got %s", rebuilt.LifetimeEarned)
	}
	report, _ = e.Reconcile(ctx, 1)
	if !report.Consistent() {
		t.Fatalf("still inconsistent after rebuild: %+v", report)
	}
}
