/*
aggregator.go - Read-side balance projection

PURPOSE:
  Produces balance summaries and "expiring soon" views as pure reads
  over current account and allocation state. No independent cache is
  authoritative: summaries are computed on demand from the same rows
  the mutators maintain.

SEE ALSO:
  - ledger.go: Paginated transaction history reads
  - types.go: BalanceSummary shape
*/
package credit

import (
	"context"
	"sort"
	"time"
)

// Aggregator serves read-side clients.
type Aggregator struct {
	store  Store
	policy *PolicyTable
}

func NewAggregator(store Store, policy *PolicyTable) *Aggregator {
	return &Aggregator{store: store, policy: policy}
}

// GetBalance returns the user's total, per-type balances and the
// allocations expiring within the window. A zero window uses the
// policy default.
func (g *Aggregator) GetBalance(ctx context.Context, userID UserID, window time.Duration) (*BalanceSummary, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if window <= 0 {
		window = g.policy.ExpiringSoonWindow
	}

	accounts, err := g.store.ListAccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	horizon := now.Add(window)
	summary := &BalanceSummary{
		UserID: userID,
		ByType: make(map[CreditType]int64),
		AsOf:   now,
	}

	for _, acct := range accounts {
		if !acct.IsActive {
			continue
		}
		summary.Total += acct.Balance
		summary.ByType[acct.CreditType] += acct.Balance

		open, err := g.store.ListOpenAllocations(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		for _, alloc := range open {
			if alloc.ExpiresAt == nil || alloc.ExpiresAt.After(horizon) {
				continue
			}
			summary.ExpiringSoon = append(summary.ExpiringSoon, ExpiringAllocation{
				AllocationID: alloc.ID,
				CreditType:   acct.CreditType,
				Remaining:    alloc.Remaining(),
				ExpiresAt:    *alloc.ExpiresAt,
			})
		}
	}

	sort.Slice(summary.ExpiringSoon, func(i, j int) bool {
		a, b := summary.ExpiringSoon[i], summary.ExpiringSoon[j]
		if !a.ExpiresAt.Equal(b.ExpiresAt) {
			return a.ExpiresAt.Before(b.ExpiresAt)
		}
		return a.AllocationID < b.AllocationID
	})
	return summary, nil
}

// GetLedger returns one page of the user's immutable transaction
// history, newest first.
func (g *Aggregator) GetLedger(ctx context.Context, userID UserID, filter LedgerFilter) ([]Transaction, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	return NewLedger(g.store).History(ctx, userID, filter)
}
