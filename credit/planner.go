/*
planner.go - Consumption planner (core draw-down algorithm)

PURPOSE:
  Given a requested amount, computes (dry-run) and then commits a
  deterministic draw-down plan across eligible allocations.

ORDERING POLICY:
  Credit types are ranked by the policy table's priority list. Within
  one type, eligible allocations drain FIFO by expiration: soonest
  expiry first, never-expiring allocations last, tie-broken by
  allocation ID for determinism. The pay-as-you-go pool participates
  only when the fallback is enabled or the plan is explicitly
  restricted to it.

PLANNING vs COMMIT:
  Plan is pure and lock-free: it reads state and computes the greedy
  draw sequence, reporting a shortfall when the sequence is exhausted.
  Commit re-validates every planned draw inside one all-or-nothing
  transactional boundary; a concurrent shrink triggers a re-plan with
  bounded retries before ConcurrencyConflict surfaces.

IDEMPOTENCY:
  Commit records its result under the caller's key. Replaying the key
  returns the recorded result without mutating anything; reusing it
  with a different amount or reference is a DuplicateOperationError.

SEE ALSO:
  - policy.go: Priority table
  - transfer.go: Reuses applyDraws for the debit leg
*/
package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Planner computes and commits consumption plans.
type Planner struct {
	store  TxStore
	policy *PolicyTable
}

func NewPlanner(store TxStore, policy *PolicyTable) *Planner {
	return &Planner{store: store, policy: policy}
}

// =============================================================================
// PLANNING (pure, no mutation)
// =============================================================================

// Plan computes a draw-down plan across all of the user's eligible
// pools in priority order.
func (p *Planner) Plan(ctx context.Context, userID UserID, amount int64) (*ConsumptionPlan, error) {
	return p.plan(ctx, userID, amount, nil)
}

// PlanForType computes a plan restricted to a single credit type.
// Used by the transfer executor.
func (p *Planner) PlanForType(ctx context.Context, userID UserID, amount int64, ct CreditType) (*ConsumptionPlan, error) {
	if !ct.Valid() {
		return nil, &ValidationError{Field: "credit_type", Message: fmt.Sprintf("unknown credit type %q", ct)}
	}
	return p.plan(ctx, userID, amount, &ct)
}

func (p *Planner) plan(ctx context.Context, userID UserID, amount int64, restrict *CreditType) (*ConsumptionPlan, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}

	accounts, err := p.store.ListAccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	eligible := make([]Account, 0, len(accounts))
	for _, acct := range accounts {
		if !acct.IsActive {
			continue
		}
		if restrict != nil {
			if acct.CreditType == *restrict {
				eligible = append(eligible, acct)
			}
			continue
		}
		if acct.CreditType == TypePayAsYouGo && !p.policy.FallbackPayAsYouGo {
			continue
		}
		eligible = append(eligible, acct)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return p.policy.Rank(eligible[i].CreditType) < p.policy.Rank(eligible[j].CreditType)
	})

	now := time.Now().UTC()
	plan := &ConsumptionPlan{
		UserID:    userID,
		Requested: amount,
		Restrict:  restrict,
		PlannedAt: now,
	}

	left := amount
	for _, acct := range eligible {
		if left == 0 {
			break
		}
		allocs, err := p.store.ListOpenAllocations(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		for _, alloc := range allocs {
			if left == 0 {
				break
			}
			if !alloc.Drawable(now) {
				continue // expired but not yet swept
			}
			draw := min64(alloc.Remaining(), left)
			plan.Draws = append(plan.Draws, PlannedDraw{
				AllocationID:    alloc.ID,
				AccountID:       acct.ID,
				CreditType:      acct.CreditType,
				Amount:          draw,
				RemainingBefore: alloc.Remaining(),
			})
			left -= draw
		}
	}

	plan.Shortfall = left
	return plan, nil
}

// =============================================================================
// COMMIT (atomic, idempotent, retried on conflict)
// =============================================================================

// Commit applies a plan: increments consumed amounts, appends one
// consume transaction per allocation drawn, and decrements the account
// balances, all in one atomic unit.
func (p *Planner) Commit(ctx context.Context, plan *ConsumptionPlan, idempotencyKey, reference string) (*ConsumptionResult, error) {
	if plan == nil {
		return nil, &ValidationError{Field: "plan", Message: "must not be nil"}
	}

	fingerprint := consumeFingerprint(plan.UserID, plan.Requested, reference)
	if idempotencyKey != "" {
		if replayed, err := p.replay(ctx, idempotencyKey, fingerprint); replayed != nil || err != nil {
			return replayed, err
		}
	}

	if !plan.Covered() {
		return nil, &InsufficientCreditsError{
			UserID:    plan.UserID,
			Requested: plan.Requested,
			Available: plan.Total(),
			Shortfall: plan.Shortfall,
		}
	}

	var (
		result    *ConsumptionResult
		commitErr error
	)
	for attempt := 0; attempt < p.policy.CommitRetries; attempt++ {
		result, commitErr = p.commitOnce(ctx, plan, idempotencyKey, fingerprint, reference)
		if commitErr == nil {
			break
		}
		if !IsRetryable(commitErr) {
			return nil, commitErr
		}

		// A planned allocation shrank since planning. Re-plan against
		// current state and try again, bounded.
		commitConflicts.Inc()
		backoff(p.policy.RetryBackoff, attempt)
		replanned, err := p.plan(ctx, plan.UserID, plan.Requested, plan.Restrict)
		if err != nil {
			return nil, err
		}
		if !replanned.Covered() {
			return nil, &InsufficientCreditsError{
				UserID:    plan.UserID,
				Requested: plan.Requested,
				Available: replanned.Total(),
				Shortfall: replanned.Shortfall,
			}
		}
		plan = replanned
	}
	if commitErr != nil {
		return nil, commitErr
	}

	for _, entry := range result.Breakdown {
		creditsConsumed.WithLabelValues(string(entry.CreditType)).Add(float64(entry.Amount))
	}
	return result, nil
}

func (p *Planner) commitOnce(ctx context.Context, plan *ConsumptionPlan, idempotencyKey, fingerprint, reference string) (*ConsumptionResult, error) {
	now := time.Now().UTC()
	var result *ConsumptionResult

	err := p.store.WithTx(ctx, func(st Store) error {
		txIDs, err := applyDraws(ctx, st, plan.Draws, TxConsume, reference, "", now)
		if err != nil {
			return err
		}

		balanceAfter, err := userTotal(ctx, st, plan.UserID)
		if err != nil {
			return err
		}

		result = &ConsumptionResult{
			UserID:       plan.UserID,
			Consumed:     plan.Total(),
			BalanceAfter: balanceAfter,
			Breakdown:    breakdown(plan.Draws),
			Transactions: txIDs,
			Reference:    reference,
		}

		if idempotencyKey != "" {
			payload, err := json.Marshal(result)
			if err != nil {
				return err
			}
			return st.PutIdempotencyRecord(ctx, IdempotencyRecord{
				Key:         idempotencyKey,
				Operation:   "consume",
				Fingerprint: fingerprint,
				ResultJSON:  payload,
				CreatedAt:   now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// replay returns the previously recorded result for a key, or a
// DuplicateOperationError when the key was used with another payload.
func (p *Planner) replay(ctx context.Context, key, fingerprint string) (*ConsumptionResult, error) {
	rec, err := p.store.GetIdempotencyRecord(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Operation != "consume" || rec.Fingerprint != fingerprint {
		return nil, &DuplicateOperationError{Key: key, Operation: "consume"}
	}
	var result ConsumptionResult
	if err := json.Unmarshal(rec.ResultJSON, &result); err != nil {
		return nil, fmt.Errorf("decode recorded consume result: %w", err)
	}
	result.Replayed = true
	return &result, nil
}

// =============================================================================
// SHARED DRAW APPLICATION
// =============================================================================

// applyDraws re-validates and applies a draw sequence inside an open
// transactional boundary. Any guard failure aborts the whole commit:
// either all per-allocation mutations apply or none do.
func applyDraws(ctx context.Context, st Store, draws []PlannedDraw, txType TransactionType, reference, transferID string, now time.Time) ([]TransactionID, error) {
	ledger := NewLedger(st)
	accounts := make(map[AccountID]*Account)
	order := make([]AccountID, 0, len(draws))
	txIDs := make([]TransactionID, 0, len(draws))

	for _, d := range draws {
		alloc, err := st.GetAllocation(ctx, d.AllocationID)
		if err != nil {
			return nil, err
		}
		// Optimistic guard: the allocation must still cover the planned
		// draw. A concurrent consume or sweep invalidates the plan.
		if !alloc.Drawable(now) || alloc.Remaining() < d.Amount {
			return nil, ErrConcurrencyConflict
		}

		acct, ok := accounts[d.AccountID]
		if !ok {
			acct, err = st.GetAccountByID(ctx, d.AccountID)
			if err != nil {
				return nil, err
			}
			if !acct.IsActive {
				return nil, ErrAccountInactive
			}
			accounts[d.AccountID] = acct
			order = append(order, d.AccountID)
		}

		alloc.ConsumedAmount += d.Amount
		if alloc.Remaining() == 0 {
			alloc.Status = AllocationExhausted
		}
		if err := st.UpdateAllocation(ctx, *alloc); err != nil {
			return nil, err
		}

		txID := TransactionID(NewID())
		if err := ledger.Append(ctx, Transaction{
			ID:            txID,
			AccountID:     acct.ID,
			AllocationID:  alloc.ID,
			Type:          txType,
			Amount:        d.Amount,
			BalanceBefore: acct.Balance,
			BalanceAfter:  acct.Balance - d.Amount,
			Reference:     reference,
			TransferID:    transferID,
			CreatedAt:     now,
		}); err != nil {
			return nil, err
		}
		acct.Balance -= d.Amount
		txIDs = append(txIDs, txID)
	}

	for _, id := range order {
		acct := accounts[id]
		acct.UpdatedAt = now
		if err := st.UpdateAccount(ctx, *acct, acct.Version); err != nil {
			return nil, err
		}
	}
	return txIDs, nil
}

func breakdown(draws []PlannedDraw) []DrawEntry {
	entries := make([]DrawEntry, len(draws))
	for i, d := range draws {
		entries[i] = DrawEntry{
			AllocationID: d.AllocationID,
			AccountID:    d.AccountID,
			CreditType:   d.CreditType,
			Amount:       d.Amount,
		}
	}
	return entries
}

// userTotal sums current balances across a user's accounts.
func userTotal(ctx context.Context, st Store, userID UserID) (int64, error) {
	accounts, err := st.ListAccountsByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, acct := range accounts {
		total += acct.Balance
	}
	return total, nil
}

func consumeFingerprint(userID UserID, amount int64, reference string) string {
	return fmt.Sprintf("consume|%s|%d|%s", userID, amount, reference)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
