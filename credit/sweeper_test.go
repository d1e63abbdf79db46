/*
sweeper_test.go - Expiration sweeper tests

Helpers (newTestEngine, grant, inDays, userBalance) are defined in
planner_test.go.
*/
package credit_test

import (
	"context"
	"testing"
	"time"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/credit/store"
)

func TestSweep_RetiresExpiredRemainder(t *testing.T) {
	// GIVEN: An allocation of 100 with 30 consumed, past its expiry
	// WHEN: Sweeping
	// THEN: The remaining 70 is expired, the balance drops to zero, and
	//       exactly one expire transaction is written

	ctx := context.Background()
	engine := newTestEngine(t)
	expiry := time.Now().UTC().Add(time.Hour)
	alloc := grant(t, engine, "user-1", credit.TypePurchased, 100, &expiry)

	if _, err := engine.Consume(ctx, "user-1", 30, "pre-sweep", "job"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := engine.Sweep(ctx, expiry.Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if result.ProcessedCount != 1 {
		t.Errorf("expected 1 allocation processed, got %d", result.ProcessedCount)
	}
	if result.TotalExpired != 70 {
		t.Errorf("expected 70 credits expired, got %d", result.TotalExpired)
	}
	if result.AccountsAffected != 1 {
		t.Errorf("expected 1 account affected, got %d", result.AccountsAffected)
	}
	if got := userBalance(t, engine, "user-1"); got != 0 {
		t.Errorf("expected zero balance after sweep, got %d", got)
	}

	expires, err := engine.GetLedger(ctx, "user-1", credit.LedgerFilter{
		Types: []credit.TransactionType{credit.TxExpire},
	})
	if err != nil {
		t.Fatalf("failed to read ledger: %v", err)
	}
	if len(expires) != 1 {
		t.Fatalf("expected exactly one expire transaction, got %d", len(expires))
	}
	if expires[0].AllocationID != alloc.ID || expires[0].Amount != 70 {
		t.Errorf("expire transaction references %s for %d, want %s for 70",
			expires[0].AllocationID, expires[0].Amount, alloc.ID)
	}
}

func TestSweep_SecondRunIsNoOp(t *testing.T) {
	// GIVEN: A sweep that already retired an expired allocation
	// WHEN: Sweeping again at the same instant
	// THEN: Nothing further is expired and no second expire transaction
	//       appears

	ctx := context.Background()
	engine := newTestEngine(t)
	expiry := time.Now().UTC().Add(time.Hour)
	grant(t, engine, "user-1", credit.TypeBonus, 50, &expiry)

	now := expiry.Add(time.Minute)
	if _, err := engine.Sweep(ctx, now); err != nil {
		t.Fatalf("first sweep failed: %v", err)
	}
	second, err := engine.Sweep(ctx, now)
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}

	if second.ProcessedCount != 0 || second.TotalExpired != 0 {
		t.Errorf("second sweep should be a no-op, got processed=%d expired=%d",
			second.ProcessedCount, second.TotalExpired)
	}

	expires, err := engine.GetLedger(ctx, "user-1", credit.LedgerFilter{
		Types: []credit.TransactionType{credit.TxExpire},
	})
	if err != nil {
		t.Fatalf("failed to read ledger: %v", err)
	}
	if len(expires) != 1 {
		t.Errorf("expected exactly one expire transaction across both sweeps, got %d", len(expires))
	}
}

func TestSweep_LeavesUnexpiredAllocationsAlone(t *testing.T) {
	// GIVEN: One expired and one still-live allocation
	// WHEN: Sweeping
	// THEN: Only the expired allocation is retired

	ctx := context.Background()
	engine := newTestEngine(t)
	past := time.Now().UTC().Add(time.Hour)
	grant(t, engine, "user-1", credit.TypePurchased, 40, &past)
	grant(t, engine, "user-1", credit.TypePurchased, 60, inDays(30))

	result, err := engine.Sweep(ctx, past.Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.TotalExpired != 40 {
		t.Errorf("expected only 40 expired, got %d", result.TotalExpired)
	}
	if got := userBalance(t, engine, "user-1"); got != 60 {
		t.Errorf("expected 60 remaining, got %d", got)
	}
}

func TestSweep_BatchesThroughManyAllocations(t *testing.T) {
	// GIVEN: More expired allocations than one sweep batch holds
	// WHEN: Sweeping once
	// THEN: Every expired allocation is retired in a single call

	ctx := context.Background()
	policy := credit.DefaultPolicyTable()
	policy.SweepBatchSize = 3
	engine, err := credit.NewEngine(store.NewTxMemory(), policy)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	expiry := time.Now().UTC().Add(time.Hour)
	for i := 0; i < 10; i++ {
		grant(t, engine, "user-1", credit.TypeBonus, 10, &expiry)
	}

	result, err := engine.Sweep(ctx, expiry.Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.ProcessedCount != 10 {
		t.Errorf("expected 10 allocations retired, got %d", result.ProcessedCount)
	}
	if result.TotalExpired != 100 {
		t.Errorf("expected 100 credits expired, got %d", result.TotalExpired)
	}
	if got := userBalance(t, engine, "user-1"); got != 0 {
		t.Errorf("expected zero balance, got %d", got)
	}
}

func TestSweep_ExpiredAllocationNoLongerDrawable(t *testing.T) {
	// GIVEN: A swept allocation and a later grant
	// WHEN: Consuming after the sweep
	// THEN: Only the fresh allocation's value is drawable

	ctx := context.Background()
	engine := newTestEngine(t)
	expiry := time.Now().UTC().Add(time.Hour)
	grant(t, engine, "user-1", credit.TypePurchased, 100, &expiry)

	if _, err := engine.Sweep(ctx, expiry.Add(time.Minute)); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	grant(t, engine, "user-1", credit.TypePurchased, 25, nil)

	if _, err := engine.Consume(ctx, "user-1", 26, "post-sweep", "job"); err == nil {
		t.Fatal("expected insufficient credits after expiration")
	}
	result, err := engine.Consume(ctx, "user-1", 25, "post-sweep-2", "job")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.BalanceAfter != 0 {
		t.Errorf("expected zero balance, got %d", result.BalanceAfter)
	}
}
