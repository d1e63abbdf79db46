/*
registry.go - Account registry

PURPOSE:
  Owns the (user, credit_type) -> account mapping. Accounts are created
  lazily with a zero balance the first time a grant or plan needs them.
  The registry carries no business rule beyond existence and activity
  tracking; all balance mutation is delegated to the ledger via the
  allocation engine, planner, sweeper and transfer executor.

DEACTIVATION:
  Deactivate is a soft-disable. It fails with a PolicyViolationError
  while the balance is nonzero, preventing silent fund loss.

PURGE:
  PurgeUser forfeits every remaining allocation (expire transactions),
  deactivates all of the user's accounts, and applies the data-retention
  rule to historical transactions.

SEE ALSO:
  - store.go: Account persistence
  - service.go: Engine facade exposing the registry operations
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Registry manages account existence and activity.
type Registry struct {
	store  TxStore
	policy *PolicyTable
}

func NewRegistry(store TxStore, policy *PolicyTable) *Registry {
	return &Registry{store: store, policy: policy}
}

// GetOrCreate returns the account for (user, credit type), creating it
// with a zero balance if absent. Idempotent under concurrent callers:
// the loser of a create race re-reads the winner's row.
func (r *Registry) GetOrCreate(ctx context.Context, userID UserID, ct CreditType) (*Account, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if !ct.Valid() {
		return nil, &ValidationError{Field: "credit_type", Message: fmt.Sprintf("unknown credit type %q", ct)}
	}

	acct, err := r.store.GetAccount(ctx, userID, ct)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	created := Account{
		ID:         AccountID(NewID()),
		UserID:     userID,
		CreditType: ct,
		Balance:    0,
		IsActive:   true,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.CreateAccount(ctx, created); err != nil {
		// Lost a create race: the unique (user, credit_type) row now exists.
		if existing, getErr := r.store.GetAccount(ctx, userID, ct); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return &created, nil
}

// Deactivate soft-disables an account. The balance must be zero.
func (r *Registry) Deactivate(ctx context.Context, id AccountID) error {
	return r.store.WithTx(ctx, func(st Store) error {
		acct, err := st.GetAccountByID(ctx, id)
		if err != nil {
			return err
		}
		if acct.Balance != 0 {
			return &PolicyViolationError{
				Reason: fmt.Sprintf("cannot deactivate account %s with balance %d", id, acct.Balance),
			}
		}
		if !acct.IsActive {
			return nil // already deactivated
		}
		acct.IsActive = false
		acct.UpdatedAt = time.Now().UTC()
		return st.UpdateAccount(ctx, *acct, acct.Version)
	})
}

// PurgeUser closes all of a user's accounts and applies the retention
// rule to historical transactions. Remaining balances are forfeited via
// expire transactions so the ledger still explains where the value went.
func (r *Registry) PurgeUser(ctx context.Context, userID UserID) error {
	accounts, err := r.store.ListAccountsByUser(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, acct := range accounts {
		acct := acct
		err := r.store.WithTx(ctx, func(st Store) error {
			current, err := st.GetAccountByID(ctx, acct.ID)
			if err != nil {
				return err
			}

			ledger := NewLedger(st)
			balance := current.Balance
			open, err := st.ListOpenAllocations(ctx, current.ID)
			if err != nil {
				return err
			}
			for _, alloc := range open {
				remaining := alloc.Remaining()
				alloc.ExpiredAmount += remaining
				alloc.Status = AllocationExpired
				if err := st.UpdateAllocation(ctx, alloc); err != nil {
					return err
				}
				if err := ledger.Append(ctx, Transaction{
					ID:            TransactionID(NewID()),
					AccountID:     current.ID,
					AllocationID:  alloc.ID,
					Type:          TxExpire,
					Amount:        remaining,
					BalanceBefore: balance,
					BalanceAfter:  balance - remaining,
					Reference:     "user purge",
					CreatedAt:     now,
				}); err != nil {
					return err
				}
				balance -= remaining
			}

			current.Balance = balance
			current.IsActive = false
			current.UpdatedAt = now
			return st.UpdateAccount(ctx, *current, current.Version)
		})
		if err != nil {
			return fmt.Errorf("purge account %s: %w", acct.ID, err)
		}
	}

	cutoff := now.Add(-r.policy.Retention())
	if _, err := r.store.PruneTransactions(ctx, userID, cutoff); err != nil {
		return fmt.Errorf("prune transactions for %s: %w", userID, err)
	}
	return nil
}
