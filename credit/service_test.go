/*
service_test.go - Engine facade tests

PURPOSE:
  End-to-end flows through the facade: metered billing over a large
  grant, refund compensation for committed consumes, account
  lifecycle, and event publication.

Helpers (newTestEngine, grant, inDays, userBalance) are defined in
planner_test.go.
*/
package credit_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/credit/store"
)

// =============================================================================
// END TO END - Metered billing flow
// =============================================================================

func TestEndToEnd_GrantConsumeReplay(t *testing.T) {
	// GIVEN: A user granted 1,000,000 subscription credits
	// WHEN: Consuming 250,000 with reference "bill-1", then replaying
	// THEN: The balance lands at 750,000 and the replay returns an
	//       identical result without further debit

	ctx := context.Background()
	engine := newTestEngine(t)
	grant(t, engine, "tenant-1", credit.TypeSubscription, 1_000_000, nil)

	result, err := engine.Consume(ctx, "tenant-1", 250_000, "bill-1", "bill-1")
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if result.Consumed != 250_000 {
		t.Errorf("expected 250000 consumed, got %d", result.Consumed)
	}
	if result.BalanceAfter != 750_000 {
		t.Errorf("expected balance_after 750000, got %d", result.BalanceAfter)
	}

	replay, err := engine.Consume(ctx, "tenant-1", 250_000, "bill-1", "bill-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !replay.Replayed {
		t.Error("expected replayed result")
	}
	if replay.Consumed != result.Consumed || replay.BalanceAfter != result.BalanceAfter {
		t.Errorf("replay diverged: %d/%d vs %d/%d",
			replay.Consumed, replay.BalanceAfter, result.Consumed, result.BalanceAfter)
	}
	if got := userBalance(t, engine, "tenant-1"); got != 750_000 {
		t.Errorf("expected balance 750000, got %d", got)
	}
}

// =============================================================================
// REFUNDS
// =============================================================================

func TestRefund_ActiveAllocation_ReturnedInPlace(t *testing.T) {
	// GIVEN: A consume of 60 against an allocation still holding value
	// WHEN: Refunding the consume
	// THEN: The allocation's consumed amount is rolled back and the
	//       balance is restored, with refund transactions appended

	ctx := context.Background()
	engine := newTestEngine(t)
	grant(t, engine, "user-1", credit.TypePurchased, 100, nil)

	if _, err := engine.Consume(ctx, "user-1", 60, "order-42", "order-42"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	refund, err := engine.Refund(ctx, "order-42", "order cancelled")
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refund.Refunded != 60 {
		t.Errorf("expected 60 refunded, got %d", refund.Refunded)
	}
	if refund.BalanceAfter != 100 {
		t.Errorf("expected balance restored to 100, got %d", refund.BalanceAfter)
	}

	history, err := engine.GetLedger(ctx, "user-1", credit.LedgerFilter{})
	if err != nil {
		t.Fatalf("failed to read ledger: %v", err)
	}
	var consumes, refunds int
	for _, tx := range history {
		switch tx.Type {
		case credit.TxConsume:
			consumes++
		case credit.TxRefund:
			refunds++
		}
	}
	// History is never rewritten: the consume stays and a refund joins it.
	if consumes != 1 || refunds != 1 {
		t.Errorf("expected 1 consume and 1 refund transaction, got %d/%d", consumes, refunds)
	}
}

func TestRefund_ExhaustedAllocation_FreshAllocation(t *testing.T) {
	// GIVEN: A fully drained allocation that expires in the future
	// WHEN: Refunding the consume that drained it
	// THEN: Value returns as a fresh allocation inheriting the expiry,
	//       and the credits are drawable again

	ctx := context.Background()
	engine := newTestEngine(t)
	expiry := inDays(10)
	grant(t, engine, "user-1", credit.TypePurchased, 50, expiry)

	if _, err := engine.Consume(ctx, "user-1", 50, "order-43", "order-43"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if got := userBalance(t, engine, "user-1"); got != 0 {
		t.Fatalf("expected zero balance before refund, got %d", got)
	}

	refund, err := engine.Refund(ctx, "order-43", "chargeback")
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if refund.BalanceAfter != 50 {
		t.Errorf("expected balance 50 after refund, got %d", refund.BalanceAfter)
	}

	result, err := engine.Consume(ctx, "user-1", 50, "order-44", "order-44")
	if err != nil {
		t.Fatalf("refunded credits should be drawable: %v", err)
	}
	if result.Consumed != 50 {
		t.Errorf("expected 50 consumable after refund, got %d", result.Consumed)
	}
}

func TestRefund_Replay_DoesNotDoubleCredit(t *testing.T) {
	// GIVEN: A refunded consume
	// WHEN: Refunding the same key again
	// THEN: The recorded result replays and the balance does not grow

	ctx := context.Background()
	engine := newTestEngine(t)
	grant(t, engine, "user-1", credit.TypeBonus, 100, nil)

	if _, err := engine.Consume(ctx, "user-1", 40, "order-45", "order-45"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	first, err := engine.Refund(ctx, "order-45", "oops")
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	second, err := engine.Refund(ctx, "order-45", "oops")
	if err != nil {
		t.Fatalf("refund replay failed: %v", err)
	}

	if !second.Replayed {
		t.Error("expected replayed refund")
	}
	if second.BalanceAfter != first.BalanceAfter {
		t.Errorf("replay diverged: %d vs %d", second.BalanceAfter, first.BalanceAfter)
	}
	if got := userBalance(t, engine, "user-1"); got != 100 {
		t.Errorf("expected balance credited once (100), got %d", got)
	}
}

func TestRefund_UnknownConsumeKey_Rejected(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)

	_, err := engine.Refund(ctx, "never-happened", "why not")
	if !errors.Is(err, credit.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

// =============================================================================
// EVENTS
// =============================================================================

type eventRecorder struct {
	mu     sync.Mutex
	events []credit.Event
}

func (r *eventRecorder) record(ev credit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofType(t credit.EventType) []credit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []credit.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestEvents_ConsumptionPublishedOncePerCommit(t *testing.T) {
	// GIVEN: A subscriber on the engine's bus
	// WHEN: Consuming, then replaying the same consume
	// THEN: Exactly one consumption event fires

	ctx := context.Background()
	engine := newTestEngine(t)
	recorder := &eventRecorder{}
	engine.Bus().Subscribe(recorder.record)

	grant(t, engine, "user-1", credit.TypePurchased, 100, nil)
	if _, err := engine.Consume(ctx, "user-1", 50, "evt-1", "job"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if _, err := engine.Consume(ctx, "user-1", 50, "evt-1", "job"); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	consumed := recorder.ofType(credit.EventConsumptionCommitted)
	if len(consumed) != 1 {
		t.Fatalf("expected exactly one consumption event, got %d", len(consumed))
	}
	if consumed[0].Amount != 50 || consumed[0].Balance != 50 {
		t.Errorf("event carried amount=%d balance=%d, want 50/50", consumed[0].Amount, consumed[0].Balance)
	}
}

func TestEvents_LowBalanceThreshold(t *testing.T) {
	// GIVEN: A policy warning below 100 credits
	// WHEN: A consume drops the balance to 40
	// THEN: A low-balance event fires alongside the consumption event

	ctx := context.Background()
	policy := credit.DefaultPolicyTable()
	policy.LowBalanceThreshold = 100
	engine, err := credit.NewEngine(store.NewTxMemory(), policy)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	recorder := &eventRecorder{}
	engine.Bus().Subscribe(recorder.record)

	grant(t, engine, "user-1", credit.TypePurchased, 200, nil)
	if _, err := engine.Consume(ctx, "user-1", 160, "evt-low", "job"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	low := recorder.ofType(credit.EventBalanceBelowThreshold)
	if len(low) != 1 {
		t.Fatalf("expected one low-balance event, got %d", len(low))
	}
	if low[0].Balance != 40 {
		t.Errorf("expected event balance 40, got %d", low[0].Balance)
	}
}

// =============================================================================
// ACCOUNT LIFECYCLE
// =============================================================================

func TestDeactivate_NonZeroBalance_Rejected(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t)
	alloc := grant(t, engine, "user-1", credit.TypePurchased, 100, nil)

	err := engine.Deactivate(ctx, alloc.AccountID)
	if !errors.Is(err, credit.ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
}

func TestDeactivate_ExcludesAccountFromPlanning(t *testing.T) {
	// GIVEN: A drained, deactivated purchased account and live bonus credits
	// WHEN: Planning a consume
	// THEN: Only the active account participates

	ctx := context.Background()
	engine := newTestEngine(t)
	alloc := grant(t, engine, "user-1", credit.TypePurchased, 50, nil)
	grant(t, engine, "user-1", credit.TypeBonus, 30, nil)

	if _, err := engine.Consume(ctx, "user-1", 50, "drain", "drain"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if err := engine.Deactivate(ctx, alloc.AccountID); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	summary, err := engine.GetBalance(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	if summary.Total != 30 {
		t.Errorf("expected only the bonus balance (30), got %d", summary.Total)
	}
	if _, ok := summary.ByType[credit.TypePurchased]; ok {
		t.Error("deactivated account should not appear in the summary")
	}
}

func TestBalanceSummary_ByTypeAndExpiringSoon(t *testing.T) {
	// GIVEN: Credits of two types, one tranche expiring within the window
	// WHEN: Reading the balance summary with a 7-day window
	// THEN: Per-type totals are broken out and the expiring tranche listed

	ctx := context.Background()
	engine := newTestEngine(t)
	soon := grant(t, engine, "user-1", credit.TypePurchased, 40, inDays(3))
	grant(t, engine, "user-1", credit.TypePurchased, 60, inDays(90))
	grant(t, engine, "user-1", credit.TypeBonus, 25, nil)

	summary, err := engine.GetBalance(ctx, "user-1", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("failed to read balance: %v", err)
	}
	if summary.Total != 125 {
		t.Errorf("expected total 125, got %d", summary.Total)
	}
	if summary.ByType[credit.TypePurchased] != 100 {
		t.Errorf("expected 100 purchased, got %d", summary.ByType[credit.TypePurchased])
	}
	if summary.ByType[credit.TypeBonus] != 25 {
		t.Errorf("expected 25 bonus, got %d", summary.ByType[credit.TypeBonus])
	}
	if len(summary.ExpiringSoon) != 1 {
		t.Fatalf("expected one expiring tranche, got %d", len(summary.ExpiringSoon))
	}
	if summary.ExpiringSoon[0].AllocationID != soon.ID || summary.ExpiringSoon[0].Remaining != 40 {
		t.Errorf("expected tranche %s with 40 remaining, got %s with %d",
			soon.ID, summary.ExpiringSoon[0].AllocationID, summary.ExpiringSoon[0].Remaining)
	}
}

func TestPurgeUser_ExpiresEverythingAndPrunesHistory(t *testing.T) {
	// GIVEN: A user with balances across two types and a policy with
	//        zero retention
	// WHEN: Purging the user
	// THEN: All balances drop to zero

	ctx := context.Background()
	policy := credit.DefaultPolicyTable()
	policy.RetentionDays = 0
	engine, err := credit.NewEngine(store.NewTxMemory(), policy)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	grant(t, engine, "user-1", credit.TypePurchased, 100, nil)
	grant(t, engine, "user-1", credit.TypeBonus, 50, nil)

	if err := engine.PurgeUser(ctx, "user-1"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if got := userBalance(t, engine, "user-1"); got != 0 {
		t.Errorf("expected zero balance after purge, got %d", got)
	}
}
