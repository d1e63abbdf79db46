/*
errors.go - Centralized error taxonomy for the credit engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers should match with errors.Is/errors.As rather than string
  comparison.

ERROR CATEGORIES:
  1. Validation errors  - Bad input (non-positive amount, unknown type)
  2. Not-found errors   - Missing account/allocation/campaign
  3. Business errors    - Insufficient credits, budget caps, policy gates
  4. Concurrency errors - Optimistic conflicts (retried internally)
  5. Caller bugs        - Idempotency key reuse with a different payload

PROPAGATION:
  Validation and policy errors surface immediately. Concurrency
  conflicts are retried with bounded backoff and only escalated after
  retries are exhausted. Any partial failure during a multi-allocation
  commit leaves zero ledger effect.

SEE ALSO:
  - planner.go: Retry-on-conflict handling
  - store.go: Store implementations translate database errors to these
*/
package credit

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the base for all bad-input failures.
	ErrValidation = errors.New("validation failed")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAllocationNotFound is returned when a referenced allocation doesn't exist.
	ErrAllocationNotFound = errors.New("allocation not found")

	// ErrCampaignNotFound is returned when a referenced campaign doesn't exist.
	ErrCampaignNotFound = errors.New("campaign not found")

	// ErrInsufficientCredits is recoverable; the caller decides the fallback.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrBudgetExhausted is returned when a campaign-level cap is reached.
	ErrBudgetExhausted = errors.New("campaign budget exhausted")

	// ErrPolicyViolation covers non-transferable types, deactivation with
	// a nonzero balance, and similar configured gates.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrConcurrencyConflict is returned when an optimistic version check
	// fails. Retryable; surfaced only after bounded retries.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicateOperation is returned when an idempotency key is reused
	// with a different amount or reference. This is a caller bug and must
	// never be silently coerced into success.
	ErrDuplicateOperation = errors.New("idempotency key reused with different payload")

	// ErrDuplicateIdempotencyKey is the store-level uniqueness rejection
	// for a transaction idempotency key that already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrAccountInactive is returned when mutating a deactivated account.
	ErrAccountInactive = errors.New("account is inactive")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports a specific bad input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InsufficientCreditsError provides details about a balance shortage.
type InsufficientCreditsError struct {
	UserID    UserID
	Requested int64
	Available int64
	Shortfall int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: requested %d, available %d, shortfall %d",
		e.UserID, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// BudgetExhaustedError reports a campaign cap rejection.
type BudgetExhaustedError struct {
	CampaignID CampaignID
	Requested  int64
	Remaining  int64
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("campaign %s budget exhausted: requested %d, remaining %d",
		e.CampaignID, e.Requested, e.Remaining)
}

func (e *BudgetExhaustedError) Unwrap() error { return ErrBudgetExhausted }

// PolicyViolationError reports an operation blocked by configured policy.
type PolicyViolationError struct {
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s", e.Reason)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// DuplicateOperationError reports idempotency key reuse with a
// mismatched payload.
type DuplicateOperationError struct {
	Key       string
	Operation string
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("idempotency key %q already used for a different %s payload", e.Key, e.Operation)
}

func (e *DuplicateOperationError) Unwrap() error { return ErrDuplicateOperation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAllocationNotFound) ||
		errors.Is(err, ErrCampaignNotFound)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the caller can act on.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrBudgetExhausted) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrDuplicateOperation)
}
