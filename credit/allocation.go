/*
allocation.go - Allocation engine

PURPOSE:
  Grants credits into an account from a source (campaign, subscription
  renewal, purchase, referral, manual), each grant recorded as an
  Allocation with its own expiration.

ATOMICITY:
  For campaign-sourced grants, the budget check-and-increment and the
  allocation creation are one atomic unit. Partial allocation without
  budget deduction, or vice versa, is a correctness bug: everything runs
  inside a single WithTx.

IDEMPOTENCY:
  A grant carries the caller's idempotency key directly on its ledger
  transaction. Retrying the key returns the prior allocation unchanged;
  reusing it with a different amount is a DuplicateOperationError.

SEE ALSO:
  - registry.go: Lazy account creation
  - store.go: ReserveCampaignBudget contract
*/
package credit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AllocationRequest carries everything needed to grant credits.
type AllocationRequest struct {
	UserID         UserID
	CreditType     CreditType
	Amount         int64
	SourceType     SourceType
	SourceID       string
	ExpiresAt      *time.Time // nil = never expires
	IdempotencyKey string
}

// Allocator grants credits into accounts.
type Allocator struct {
	store    TxStore
	registry *Registry
	policy   *PolicyTable
	bus      *Bus
}

func NewAllocator(store TxStore, registry *Registry, policy *PolicyTable, bus *Bus) *Allocator {
	return &Allocator{store: store, registry: registry, policy: policy, bus: bus}
}

// Allocate grants credits and returns the created (or previously
// created, on an idempotent retry) allocation.
func (a *Allocator) Allocate(ctx context.Context, req AllocationRequest) (*Allocation, error) {
	if err := a.validate(req); err != nil {
		return nil, err
	}

	// Idempotent retry: a matching grant transaction short-circuits
	// without creating anything.
	if req.IdempotencyKey != "" {
		prior, err := a.store.GetTransactionByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return a.replay(ctx, req, prior)
		}
	}

	acct, err := a.registry.GetOrCreate(ctx, req.UserID, req.CreditType)
	if err != nil {
		return nil, err
	}
	if !acct.IsActive {
		return nil, ErrAccountInactive
	}

	now := time.Now().UTC()
	alloc := Allocation{
		ID:         AllocationID(NewID()),
		AccountID:  acct.ID,
		Amount:     req.Amount,
		SourceType: req.SourceType,
		SourceID:   req.SourceID,
		GrantedAt:  now,
		ExpiresAt:  req.ExpiresAt,
		Status:     AllocationActive,
	}

	// Bounded retry on account version conflicts: concurrent grants and
	// consumes race on the same account row.
	var commitErr error
	for attempt := 0; attempt < a.policy.CommitRetries; attempt++ {
		commitErr = a.store.WithTx(ctx, func(st Store) error {
			current, err := st.GetAccountByID(ctx, acct.ID)
			if err != nil {
				return err
			}
			if !current.IsActive {
				return ErrAccountInactive
			}

			if req.SourceType == SourceCampaign {
				if err := st.ReserveCampaignBudget(ctx, CampaignID(req.SourceID), req.Amount); err != nil {
					return err
				}
			}

			if err := st.CreateAllocation(ctx, alloc); err != nil {
				return err
			}
			if err := NewLedger(st).Append(ctx, Transaction{
				ID:             TransactionID(NewID()),
				AccountID:      current.ID,
				AllocationID:   alloc.ID,
				Type:           TxGrant,
				Amount:         req.Amount,
				BalanceBefore:  current.Balance,
				BalanceAfter:   current.Balance + req.Amount,
				IdempotencyKey: req.IdempotencyKey,
				Reference:      string(req.SourceType) + ":" + req.SourceID,
				CreatedAt:      now,
			}); err != nil {
				return err
			}

			current.Balance += req.Amount
			current.UpdatedAt = now
			return st.UpdateAccount(ctx, *current, current.Version)
		})
		if commitErr == nil {
			break
		}
		if !IsRetryable(commitErr) {
			break
		}
		commitConflicts.Inc()
		backoff(a.policy.RetryBackoff, attempt)
	}
	if commitErr != nil {
		// A concurrent retry of the same key may have won the race.
		if errors.Is(commitErr, ErrDuplicateIdempotencyKey) && req.IdempotencyKey != "" {
			if prior, err := a.store.GetTransactionByKey(ctx, req.IdempotencyKey); err == nil && prior != nil {
				return a.replay(ctx, req, prior)
			}
		}
		if errors.Is(commitErr, ErrBudgetExhausted) {
			a.bus.Publish(Event{
				Type:       EventCampaignBudgetDrained,
				UserID:     req.UserID,
				CampaignID: CampaignID(req.SourceID),
				CreditType: req.CreditType,
				Amount:     req.Amount,
			})
		}
		return nil, commitErr
	}

	creditsGranted.WithLabelValues(string(req.CreditType), string(req.SourceType)).Add(float64(req.Amount))
	a.bus.Publish(Event{
		Type:         EventGrantCommitted,
		UserID:       req.UserID,
		AccountID:    acct.ID,
		AllocationID: alloc.ID,
		CreditType:   req.CreditType,
		Amount:       req.Amount,
	})
	return &alloc, nil
}

func (a *Allocator) validate(req AllocationRequest) error {
	if req.UserID == "" {
		return &ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if req.Amount <= 0 {
		return &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if !req.CreditType.Valid() {
		return &ValidationError{Field: "credit_type", Message: fmt.Sprintf("unknown credit type %q", req.CreditType)}
	}
	if !req.SourceType.Valid() {
		return &ValidationError{Field: "source_type", Message: fmt.Sprintf("unknown source type %q", req.SourceType)}
	}
	if req.SourceType == SourceCampaign && req.SourceID == "" {
		return &ValidationError{Field: "source_id", Message: "campaign grants require a campaign id"}
	}
	return nil
}

// replay resolves an idempotent retry against the prior grant
// transaction. The retried request must match the recorded grant.
func (a *Allocator) replay(ctx context.Context, req AllocationRequest, prior *Transaction) (*Allocation, error) {
	if prior.Type != TxGrant || prior.Amount != req.Amount {
		return nil, &DuplicateOperationError{Key: req.IdempotencyKey, Operation: "grant"}
	}
	alloc, err := a.store.GetAllocation(ctx, prior.AllocationID)
	if err != nil {
		return nil, err
	}
	return alloc, nil
}

// =============================================================================
// CAMPAIGN ADMINISTRATION
// =============================================================================

// CreateCampaign registers a campaign budget.
func (a *Allocator) CreateCampaign(ctx context.Context, id CampaignID, name string, totalBudget int64) (*Campaign, error) {
	if id == "" {
		return nil, &ValidationError{Field: "campaign_id", Message: "must not be empty"}
	}
	if totalBudget <= 0 {
		return nil, &ValidationError{Field: "total_budget", Message: "must be positive"}
	}
	now := time.Now().UTC()
	c := Campaign{
		ID:          id,
		Name:        name,
		TotalBudget: totalBudget,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.SaveCampaign(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// backoff sleeps base * 2^attempt. Kept tiny: commits fail fast on
// contention rather than holding locks.
func backoff(base time.Duration, attempt int) {
	if base <= 0 {
		return
	}
	time.Sleep(base << attempt)
}
