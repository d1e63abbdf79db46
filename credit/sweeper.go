/*
sweeper.go - Expiration sweeper

PURPOSE:
  Periodic batch process that retires unconsumed balance once its
  window elapses. Modeled as a pure function of (now, ledger state):
  the caller supplies the instant, so the sweep is unit-testable
  without a real clock or scheduler.

RACE SAFETY:
  The sweep competes with live consumption only at single-allocation
  granularity: each allocation is re-checked inside its own
  transactional boundary before being retired. Re-sweeping an already
  expired allocation is a no-op because the guard no longer matches,
  which makes the sweep safely re-runnable and resumable.

SEE ALSO:
  - api/scheduler.go: Interval trigger invoking Sweep
  - planner.go: The consumption side of the same guard check
*/
package credit

import (
	"context"
	"log"
	"time"
)

// Sweeper retires expired allocation balance in batches.
type Sweeper struct {
	store  TxStore
	policy *PolicyTable
	bus    *Bus
}

func NewSweeper(store TxStore, policy *PolicyTable, bus *Bus) *Sweeper {
	return &Sweeper{store: store, policy: policy, bus: bus}
}

// Sweep retires every active allocation whose window elapsed at or
// before now. Partial progress persists: a failure on one allocation
// does not undo earlier retirements, and a rerun picks up the rest.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	result := &SweepResult{}
	affected := make(map[AccountID]bool)
	sweepRuns.Inc()

	for {
		batch, err := s.store.ListExpirable(ctx, now, s.policy.SweepBatchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		progressed := false
		for _, candidate := range batch {
			expired, event, err := s.retire(ctx, candidate.ID, now)
			if err != nil {
				log.Printf("[Sweeper] failed to retire allocation %s: %v", candidate.ID, err)
				continue
			}
			if expired == 0 {
				continue // lost the race to a concurrent consume or sweep
			}
			progressed = true
			result.ProcessedCount++
			result.TotalExpired += expired
			affected[candidate.AccountID] = true
			s.bus.Publish(event)
			creditsExpired.Add(float64(expired))
		}
		if !progressed {
			// Nothing in the batch could be retired; stop rather than spin.
			break
		}
		if len(batch) < s.policy.SweepBatchSize {
			break
		}
	}

	result.AccountsAffected = len(affected)
	return result, nil
}

// retire expires a single allocation behind its own guard check.
// Returns the amount retired, zero when the guard no longer matches.
func (s *Sweeper) retire(ctx context.Context, id AllocationID, now time.Time) (int64, Event, error) {
	var (
		expired int64
		event   Event
	)
	err := s.store.WithTx(ctx, func(st Store) error {
		alloc, err := st.GetAllocation(ctx, id)
		if err != nil {
			return err
		}
		// Guard: status and remaining may have changed since listing.
		if alloc.Status != AllocationActive || alloc.Remaining() == 0 || !alloc.ExpiredBy(now) {
			expired = 0
			return nil
		}

		acct, err := st.GetAccountByID(ctx, alloc.AccountID)
		if err != nil {
			return err
		}

		remaining := alloc.Remaining()
		alloc.ExpiredAmount += remaining
		alloc.Status = AllocationExpired
		if err := st.UpdateAllocation(ctx, *alloc); err != nil {
			return err
		}

		if err := NewLedger(st).Append(ctx, Transaction{
			ID:            TransactionID(NewID()),
			AccountID:     acct.ID,
			AllocationID:  alloc.ID,
			Type:          TxExpire,
			Amount:        remaining,
			BalanceBefore: acct.Balance,
			BalanceAfter:  acct.Balance - remaining,
			Reference:     "expiration sweep",
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		acct.Balance -= remaining
		acct.UpdatedAt = now
		if err := st.UpdateAccount(ctx, *acct, acct.Version); err != nil {
			return err
		}

		expired = remaining
		event = Event{
			Type:         EventAllocationExpired,
			At:           now,
			UserID:       acct.UserID,
			AccountID:    acct.ID,
			AllocationID: alloc.ID,
			CreditType:   acct.CreditType,
			Amount:       remaining,
			Balance:      acct.Balance,
		}
		return nil
	})
	return expired, event, err
}
