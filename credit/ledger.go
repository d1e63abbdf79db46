/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the immutable source of truth for all balance changes.
  Every grant, consume, expire, refund and transfer leg is recorded
  here. Account balances are mutated only alongside a ledger append,
  never directly.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update. No Delete (retention pruning excepted).
  2. IMMUTABLE: Once written, transactions cannot be modified.
  3. CONSISTENT: balance_after == balance_before +/- amount per the
     transaction type's sign convention, and balance_after >= 0.
  4. IDEMPOTENT: Same idempotency key = same transaction, no duplicates.

CORRECTIONS:
  Mistakes are never edited away. Cancellation after commit requires an
  explicit compensating refund transaction; both the original and the
  refund remain in the ledger.

SEE ALSO:
  - store.go: Low-level persistence interface
  - planner.go: Appends consume entries inside the commit boundary
*/
package credit

import (
	"context"
	"fmt"
)

// Ledger pagination bounds.
const (
	defaultLedgerPageSize = 50
	maxLedgerPageSize     = 500
)

// Ledger validates and appends immutable transactions over a Store.
// It is cheap to construct and safe to build per commit boundary.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append validates the entry's sign convention and persists it.
// This is the ONLY write path into the transaction log.
func (l *Ledger) Append(ctx context.Context, tx Transaction) error {
	if tx.Amount <= 0 {
		return &ValidationError{Field: "amount", Message: "transaction amount must be positive"}
	}
	sign := tx.Type.Sign()
	if sign == 0 {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown transaction type %q", tx.Type)}
	}
	if tx.BalanceAfter != tx.BalanceBefore+sign*tx.Amount {
		return &ValidationError{
			Field:   "balance",
			Message: fmt.Sprintf("balance_after %d inconsistent with %s of %d from %d", tx.BalanceAfter, tx.Type, tx.Amount, tx.BalanceBefore),
		}
	}
	if tx.BalanceAfter < 0 {
		return &ValidationError{Field: "balance", Message: "transaction would drive balance negative"}
	}
	return l.store.AppendTransaction(ctx, tx)
}

// FindByKey returns the transaction carrying an idempotency key, or nil.
func (l *Ledger) FindByKey(ctx context.Context, key string) (*Transaction, error) {
	if key == "" {
		return nil, nil
	}
	return l.store.GetTransactionByKey(ctx, key)
}

// History returns one page of a user's immutable transaction history,
// newest first.
func (l *Ledger) History(ctx context.Context, userID UserID, filter LedgerFilter) ([]Transaction, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLedgerPageSize
	}
	if filter.Limit > maxLedgerPageSize {
		filter.Limit = maxLedgerPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return l.store.ListTransactionsByUser(ctx, userID, filter)
}
