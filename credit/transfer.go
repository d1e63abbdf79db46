/*
transfer.go - Transfer executor

PURPOSE:
  Atomic paired consume+allocate across two users' accounts, gated by
  the per-type transferability policy. Emits paired transfer_out and
  transfer_in transactions sharing a transfer ID; total value is
  conserved across the pair.

ATOMICITY:
  Debit and credit run inside one WithTx boundary spanning both
  accounts: if the credit side fails, the debit never persists. Both
  store implementations span accounts in a single transaction, so no
  compensating refund is needed on this path; Engine.Refund remains
  available for post-commit cancellation.

EXPIRATION:
  The destination allocation's window follows the configured rule:
  inherit the shortest remaining expiration among the consumed source
  allocations, or a fixed TTL from the transfer instant.

SEE ALSO:
  - planner.go: PlanForType and applyDraws
  - policy.go: Transferability table and expiry rule
*/
package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TransferExecutor moves credits of one type between two users.
type TransferExecutor struct {
	store    TxStore
	policy   *PolicyTable
	planner  *Planner
	registry *Registry
	bus      *Bus
}

func NewTransferExecutor(store TxStore, policy *PolicyTable, planner *Planner, registry *Registry, bus *Bus) *TransferExecutor {
	return &TransferExecutor{store: store, policy: policy, planner: planner, registry: registry, bus: bus}
}

// Transfer debits fromUser and credits toUser with the same amount of
// the given credit type, as one logical unit.
func (e *TransferExecutor) Transfer(ctx context.Context, fromUser, toUser UserID, ct CreditType, amount int64, idempotencyKey string) (*TransferResult, error) {
	if fromUser == "" || toUser == "" {
		return nil, &ValidationError{Field: "user_id", Message: "both users must be set"}
	}
	if fromUser == toUser {
		return nil, &ValidationError{Field: "to_user", Message: "cannot transfer to the same user"}
	}
	if amount <= 0 {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !ct.Valid() {
		return nil, &ValidationError{Field: "credit_type", Message: fmt.Sprintf("unknown credit type %q", ct)}
	}
	if !e.policy.IsTransferable(ct) {
		return nil, &PolicyViolationError{Reason: fmt.Sprintf("credit type %q is not transferable", ct)}
	}

	fingerprint := transferFingerprint(fromUser, toUser, ct, amount)
	if idempotencyKey != "" {
		if replayed, err := e.replay(ctx, idempotencyKey, fingerprint); replayed != nil || err != nil {
			return replayed, err
		}
	}

	// Destination account exists before the commit boundary so the
	// transactional body only mutates.
	dest, err := e.registry.GetOrCreate(ctx, toUser, ct)
	if err != nil {
		return nil, err
	}
	if !dest.IsActive {
		return nil, ErrAccountInactive
	}

	var (
		result    *TransferResult
		commitErr error
	)
	for attempt := 0; attempt < e.policy.CommitRetries; attempt++ {
		plan, err := e.planner.PlanForType(ctx, fromUser, amount, ct)
		if err != nil {
			return nil, err
		}
		if !plan.Covered() {
			return nil, &InsufficientCreditsError{
				UserID:    fromUser,
				Requested: amount,
				Available: plan.Total(),
				Shortfall: plan.Shortfall,
			}
		}

		result, commitErr = e.commitOnce(ctx, plan, dest.ID, toUser, idempotencyKey, fingerprint)
		if commitErr == nil {
			break
		}
		if !IsRetryable(commitErr) {
			return nil, commitErr
		}
		commitConflicts.Inc()
		backoff(e.policy.RetryBackoff, attempt)
	}
	if commitErr != nil {
		return nil, commitErr
	}

	transfersCompleted.Inc()
	e.bus.Publish(Event{
		Type:       EventTransferCompleted,
		UserID:     fromUser,
		AccountID:  dest.ID,
		CreditType: ct,
		Amount:     amount,
		TransferID: result.TransferID,
		Reference:  string(toUser),
	})
	return result, nil
}

func (e *TransferExecutor) commitOnce(ctx context.Context, plan *ConsumptionPlan, destID AccountID, toUser UserID, idempotencyKey, fingerprint string) (*TransferResult, error) {
	now := time.Now().UTC()
	transferID := NewID()
	var result *TransferResult

	err := e.store.WithTx(ctx, func(st Store) error {
		expiresAt, err := e.destinationExpiry(ctx, st, plan.Draws, now)
		if err != nil {
			return err
		}

		outIDs, err := applyDraws(ctx, st, plan.Draws, TxTransferOut, "transfer to "+string(toUser), transferID, now)
		if err != nil {
			return err
		}

		destAcct, err := st.GetAccountByID(ctx, destID)
		if err != nil {
			return err
		}
		if !destAcct.IsActive {
			return ErrAccountInactive
		}

		alloc := Allocation{
			ID:         AllocationID(NewID()),
			AccountID:  destAcct.ID,
			Amount:     plan.Requested,
			SourceType: SourceTransfer,
			SourceID:   transferID,
			GrantedAt:  now,
			ExpiresAt:  expiresAt,
			Status:     AllocationActive,
		}
		if err := st.CreateAllocation(ctx, alloc); err != nil {
			return err
		}

		inID := TransactionID(NewID())
		if err := NewLedger(st).Append(ctx, Transaction{
			ID:            inID,
			AccountID:     destAcct.ID,
			AllocationID:  alloc.ID,
			Type:          TxTransferIn,
			Amount:        plan.Requested,
			BalanceBefore: destAcct.Balance,
			BalanceAfter:  destAcct.Balance + plan.Requested,
			Reference:     "transfer from " + string(plan.UserID),
			TransferID:    transferID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		destAcct.Balance += plan.Requested
		destAcct.UpdatedAt = now
		if err := st.UpdateAccount(ctx, *destAcct, destAcct.Version); err != nil {
			return err
		}

		result = &TransferResult{
			TransferID:   transferID,
			FromUser:     plan.UserID,
			ToUser:       toUser,
			CreditType:   *plan.Restrict,
			Amount:       plan.Requested,
			AllocationID: alloc.ID,
			ExpiresAt:    expiresAt,
			Transactions: append(outIDs, inID),
		}

		if idempotencyKey != "" {
			payload, err := json.Marshal(result)
			if err != nil {
				return err
			}
			return st.PutIdempotencyRecord(ctx, IdempotencyRecord{
				Key:         idempotencyKey,
				Operation:   "transfer",
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

// destinationExpiry resolves the destination allocation's window per
// the configured rule.
func (e *TransferExecutor) destinationExpiry(ctx context.Context, st Store, draws []PlannedDraw, now time.Time) (*time.Time, error) {
	switch e.policy.TransferExpiry.Mode {
	case TransferExpiryFixedTTL:
		t := now.Add(e.policy.TransferExpiry.TTL)
		return &t, nil
	default: // inherit
		var shortest *time.Time
		for _, d := range draws {
			alloc, err := st.GetAllocation(ctx, d.AllocationID)
			if err != nil {
				return nil, err
			}
			if alloc.ExpiresAt == nil {
				continue
			}
			if shortest == nil || alloc.ExpiresAt.Before(*shortest) {
				t := *alloc.ExpiresAt
				shortest = &t
			}
		}
		return shortest, nil
	}
}

func (e *TransferExecutor) replay(ctx context.Context, key, fingerprint string) (*TransferResult, error) {
	rec, err := e.store.GetIdempotencyRecord(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Operation != "transfer" || rec.Fingerprint != fingerprint {
		return nil, &DuplicateOperationError{Key: key, Operation: "transfer"}
	}
	var result TransferResult
	if err := json.Unmarshal(rec.ResultJSON, &result); err != nil {
		return nil, fmt.Errorf("decode recorded transfer result: %w", err)
	}
	result.Replayed = true
	return &result, nil
}

func transferFingerprint(from, to UserID, ct CreditType, amount int64) string {
	return fmt.Sprintf("transfer|%s|%s|%s|%d", from, to, ct, amount)
}
