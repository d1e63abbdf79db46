/*
service.go - Engine facade for external collaborators

PURPOSE:
  Bundles the registry, allocation engine, consumption planner,
  expiration sweeper, transfer executor and balance aggregator behind
  the contracts the platform's collaborators call:

    Billing        -> CheckAvailability, Consume
    Subscriptions  -> Allocate
    Campaigns      -> Allocate (+ BudgetExhaustedError), CreateCampaign
    Lifecycle      -> Deactivate, PurgeUser
    Scheduler      -> Sweep
    Read clients   -> GetBalance, GetLedger
    Notifications  -> Bus().Subscribe

  Domain events publish after commit, best-effort: a publish failure
  never rolls back an already-committed ledger mutation.

SEE ALSO:
  - api/handlers.go: HTTP surface over this facade
  - cmd/server/main.go: Wiring
*/
package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Engine is the facade over every engine component.
type Engine struct {
	store     TxStore
	policy    *PolicyTable
	bus       *Bus
	registry  *Registry
	allocator *Allocator
	planner   *Planner
	sweeper   *Sweeper
	transfers *TransferExecutor
	reads     *Aggregator
}

// NewEngine wires all components over one store and policy table.
func NewEngine(store TxStore, policy *PolicyTable) (*Engine, error) {
	if policy == nil {
		policy = DefaultPolicyTable()
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy table: %w", err)
	}

	bus := NewBus()
	registry := NewRegistry(store, policy)
	planner := NewPlanner(store, policy)
	return &Engine{
		store:     store,
		policy:    policy,
		bus:       bus,
		registry:  registry,
		allocator: NewAllocator(store, registry, policy, bus),
		planner:   planner,
		sweeper:   NewSweeper(store, policy, bus),
		transfers: NewTransferExecutor(store, policy, planner, registry, bus),
		reads:     NewAggregator(store, policy),
	}, nil
}

// Bus exposes the event bus for notification/audit subscribers.
func (e *Engine) Bus() *Bus { return e.bus }

// Policy exposes the active policy table (read-only by convention).
func (e *Engine) Policy() *PolicyTable { return e.policy }

// =============================================================================
// BILLING COLLABORATOR
// =============================================================================

// CheckAvailability answers "can this amount be paid?" without mutating.
func (e *Engine) CheckAvailability(ctx context.Context, userID UserID, amount int64) (*Availability, error) {
	plan, err := e.planner.Plan(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	return &Availability{Available: plan.Covered(), Shortfall: plan.Shortfall}, nil
}

// Consume plans and commits a draw-down of the requested amount.
func (e *Engine) Consume(ctx context.Context, userID UserID, amount int64, idempotencyKey, reference string) (*ConsumptionResult, error) {
	plan, err := e.planner.Plan(ctx, userID, amount)
	if err != nil {
		return nil, err
	}
	result, err := e.planner.Commit(ctx, plan, idempotencyKey, reference)
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		e.bus.Publish(Event{
			Type:      EventConsumptionCommitted,
			UserID:    userID,
			Amount:    result.Consumed,
			Balance:   result.BalanceAfter,
			Reference: reference,
		})
		if e.policy.LowBalanceThreshold > 0 && result.BalanceAfter < e.policy.LowBalanceThreshold {
			e.bus.Publish(Event{
				Type:    EventBalanceBelowThreshold,
				UserID:  userID,
				Balance: result.BalanceAfter,
			})
		}
	}
	return result, nil
}

// Plan exposes a dry-run consumption plan to callers that want the
// breakdown before committing.
func (e *Engine) Plan(ctx context.Context, userID UserID, amount int64) (*ConsumptionPlan, error) {
	return e.planner.Plan(ctx, userID, amount)
}

// =============================================================================
// SUBSCRIPTION / CAMPAIGN COLLABORATORS
// =============================================================================

// Allocate grants credits into a user's account.
func (e *Engine) Allocate(ctx context.Context, req AllocationRequest) (*Allocation, error) {
	return e.allocator.Allocate(ctx, req)
}

// CreateCampaign registers a campaign budget for campaign-sourced grants.
func (e *Engine) CreateCampaign(ctx context.Context, id CampaignID, name string, totalBudget int64) (*Campaign, error) {
	return e.allocator.CreateCampaign(ctx, id, name, totalBudget)
}

func (e *Engine) GetCampaign(ctx context.Context, id CampaignID) (*Campaign, error) {
	return e.store.GetCampaign(ctx, id)
}

func (e *Engine) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	return e.store.ListCampaigns(ctx)
}

// =============================================================================
// TRANSFERS
// =============================================================================

func (e *Engine) Transfer(ctx context.Context, fromUser, toUser UserID, ct CreditType, amount int64, idempotencyKey string) (*TransferResult, error) {
	return e.transfers.Transfer(ctx, fromUser, toUser, ct, amount, idempotencyKey)
}

// =============================================================================
// REFUND - Compensating cancellation of a committed consume
// =============================================================================

// Refund compensates a previously committed consume, identified by its
// idempotency key. History is never rewritten: the original consume
// transactions stay, and refund transactions restore the value. Draws
// against still-active allocations are returned in place; draws whose
// allocation reached a terminal state come back as a fresh allocation
// (terminal states never revert).
func (e *Engine) Refund(ctx context.Context, consumeKey, reason string) (*RefundResult, error) {
	if consumeKey == "" {
		return nil, &ValidationError{Field: "idempotency_key", Message: "must not be empty"}
	}

	rec, err := e.store.GetIdempotencyRecord(ctx, consumeKey)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Operation != "consume" {
		return nil, &ValidationError{Field: "idempotency_key", Message: "no recorded consume operation for key"}
	}
	var prior ConsumptionResult
	if err := json.Unmarshal(rec.ResultJSON, &prior); err != nil {
		return nil, fmt.Errorf("decode recorded consume result: %w", err)
	}

	refundKey := "refund:" + consumeKey
	if existing, err := e.store.GetIdempotencyRecord(ctx, refundKey); err != nil {
		return nil, err
	} else if existing != nil {
		var result RefundResult
		if err := json.Unmarshal(existing.ResultJSON, &result); err != nil {
			return nil, fmt.Errorf("decode recorded refund result: %w", err)
		}
		result.Replayed = true
		return &result, nil
	}

	var (
		result    *RefundResult
		commitErr error
	)
	for attempt := 0; attempt < e.policy.CommitRetries; attempt++ {
		result, commitErr = e.refundOnce(ctx, &prior, refundKey, reason)
		if commitErr == nil || !IsRetryable(commitErr) {
			break
		}
		commitConflicts.Inc()
		backoff(e.policy.RetryBackoff, attempt)
	}
	if commitErr != nil {
		return nil, commitErr
	}
	return result, nil
}

func (e *Engine) refundOnce(ctx context.Context, prior *ConsumptionResult, refundKey, reason string) (*RefundResult, error) {
	now := time.Now().UTC()
	var result *RefundResult

	err := e.store.WithTx(ctx, func(st Store) error {
		ledger := NewLedger(st)
		accounts := make(map[AccountID]*Account)
		order := make([]AccountID, 0, len(prior.Breakdown))
		txIDs := make([]TransactionID, 0, len(prior.Breakdown))

		for _, entry := range prior.Breakdown {
			acct, ok := accounts[entry.AccountID]
			if !ok {
				var err error
				acct, err = st.GetAccountByID(ctx, entry.AccountID)
				if err != nil {
					return err
				}
				accounts[entry.AccountID] = acct
				order = append(order, entry.AccountID)
			}

			alloc, err := st.GetAllocation(ctx, entry.AllocationID)
			if err != nil {
				return err
			}
			refundAlloc := alloc.ID
			if alloc.Status == AllocationActive && alloc.ConsumedAmount >= entry.Amount {
				alloc.ConsumedAmount -= entry.Amount
				if err := st.UpdateAllocation(ctx, *alloc); err != nil {
					return err
				}
			} else {
				// Terminal allocation: grant the value back as a fresh
				// allocation, inheriting a still-future expiry.
				var expiresAt *time.Time
				if alloc.ExpiresAt != nil && alloc.ExpiresAt.After(now) {
					t := *alloc.ExpiresAt
					expiresAt = &t
				}
				fresh := Allocation{
					ID:         AllocationID(NewID()),
					AccountID:  acct.ID,
					Amount:     entry.Amount,
					SourceType: SourceRefund,
					SourceID:   refundKey,
					GrantedAt:  now,
					ExpiresAt:  expiresAt,
					Status:     AllocationActive,
				}
				if err := st.CreateAllocation(ctx, fresh); err != nil {
					return err
				}
				refundAlloc = fresh.ID
			}

			txID := TransactionID(NewID())
			if err := ledger.Append(ctx, Transaction{
				ID:            txID,
				AccountID:     acct.ID,
				AllocationID:  refundAlloc,
				Type:          TxRefund,
				Amount:        entry.Amount,
				BalanceBefore: acct.Balance,
				BalanceAfter:  acct.Balance + entry.Amount,
				Reference:     reason,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			acct.Balance += entry.Amount
			txIDs = append(txIDs, txID)
		}

		for _, id := range order {
			acct := accounts[id]
			acct.UpdatedAt = now
			if err := st.UpdateAccount(ctx, *acct, acct.Version); err != nil {
				return err
			}
		}

		balanceAfter, err := userTotal(ctx, st, prior.UserID)
		if err != nil {
			return err
		}
		result = &RefundResult{
			UserID:       prior.UserID,
			Refunded:     prior.Consumed,
			BalanceAfter: balanceAfter,
			Transactions: txIDs,
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return st.PutIdempotencyRecord(ctx, IdempotencyRecord{
			Key:         refundKey,
			Operation:   "refund",
			Fingerprint: refundKey,
			ResultJSON:  payload,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// SCHEDULER / LIFECYCLE / READ SIDE
// =============================================================================

// Sweep retires expired allocation balance. Invoked by the scheduler
// collaborator on a fixed interval; safe to re-run.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	return e.sweeper.Sweep(ctx, now)
}

// GetOrCreateAccount exposes the registry's lazy account creation.
func (e *Engine) GetOrCreateAccount(ctx context.Context, userID UserID, ct CreditType) (*Account, error) {
	return e.registry.GetOrCreate(ctx, userID, ct)
}

// Deactivate soft-disables an account with a zero balance.
func (e *Engine) Deactivate(ctx context.Context, id AccountID) error {
	return e.registry.Deactivate(ctx, id)
}

// PurgeUser closes all of a user's accounts and applies the retention rule.
func (e *Engine) PurgeUser(ctx context.Context, userID UserID) error {
	return e.registry.PurgeUser(ctx, userID)
}

// GetBalance returns the user's balance summary.
func (e *Engine) GetBalance(ctx context.Context, userID UserID, window time.Duration) (*BalanceSummary, error) {
	return e.reads.GetBalance(ctx, userID, window)
}

// GetLedger returns one page of the user's transaction history.
func (e *Engine) GetLedger(ctx context.Context, userID UserID, filter LedgerFilter) ([]Transaction, error) {
	return e.reads.GetLedger(ctx, userID, filter)
}
