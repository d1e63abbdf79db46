/*
Package credit provides the core credit ledger and consumption engine.

PURPOSE:
  This package contains the authoritative record of how many spendable
  credits each user holds, grouped into typed pools (subscription grant,
  purchased, bonus, referral, pay-as-you-go), each with its own
  expiration and consumption priority. Every other subsystem ultimately
  asks this engine two questions: "can this amount be paid?" and
  "deduct this amount now".

KEY CONCEPTS IN THIS FILE (types.go):
  - CreditType: Closed set of credit pools with configurable priority
  - Account: One balance bucket per (user, credit type) pair
  - Allocation: One grant of credits with its own expiration and provenance
  - Transaction: An immutable ledger entry recording a balance change
  - ConsumptionPlan/Result: Deterministic draw-down across allocations

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only compensated
  2. Integer credits: Amounts are int64 in the smallest credit unit
  3. Type Safety: Strong typing for IDs prevents mixing user/account IDs
  4. Auditability: Every transaction has reference and idempotency context

SEE ALSO:
  - policy.go: Priority ordering and transferability policy
  - ledger.go: Append-only transaction log
  - planner.go: Draw-down planning and commit
*/
package credit

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CREDIT TYPES - Closed set of typed pools
// =============================================================================

type CreditType string

const (
	TypeSubscription CreditType = "subscription"
	TypePurchased    CreditType = "purchased"
	TypeBonus        CreditType = "bonus"
	TypeReferral     CreditType = "referral"
	TypePayAsYouGo   CreditType = "pay_as_you_go"
)

// AllCreditTypes lists every member of the closed set, in default
// consumption priority order.
var AllCreditTypes = []CreditType{
	TypeSubscription,
	TypePurchased,
	TypeBonus,
	TypeReferral,
	TypePayAsYouGo,
}

func (t CreditType) Valid() bool {
	switch t {
	case TypeSubscription, TypePurchased, TypeBonus, TypeReferral, TypePayAsYouGo:
		return true
	}
	return false
}

// =============================================================================
// SOURCE TYPES - Provenance of an allocation
// =============================================================================

type SourceType string

const (
	SourceCampaign     SourceType = "campaign"
	SourceSubscription SourceType = "subscription_renewal"
	SourcePurchase     SourceType = "purchase"
	SourceReferral     SourceType = "referral"
	SourceManual       SourceType = "manual"
	SourceTransfer     SourceType = "transfer"
	SourceRefund       SourceType = "refund"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceCampaign, SourceSubscription, SourcePurchase, SourceReferral,
		SourceManual, SourceTransfer, SourceRefund:
		return true
	}
	return false
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type AccountID string
type AllocationID string
type TransactionID string
type CampaignID string

// NewID returns a new unique identifier. All entity IDs are UUIDs;
// lexicographic comparison is used only as a deterministic tie-break.
func NewID() string { return uuid.NewString() }

// =============================================================================
// ACCOUNT - Balance bucket for one (user, credit type) pair
// =============================================================================

// Account is owned exclusively by the Registry and mutated only through
// committed transactions, never written directly by callers.
type Account struct {
	ID         AccountID
	UserID     UserID
	CreditType CreditType
	Balance    int64 // non-negative, smallest credit unit
	IsActive   bool

	// Version implements optimistic concurrency: every committed update
	// increments it, and writers must present the version they read.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// ALLOCATION - One grant of credits with expiration and provenance
// =============================================================================

type AllocationStatus string

const (
	AllocationActive    AllocationStatus = "active"
	AllocationExhausted AllocationStatus = "exhausted"
	AllocationExpired   AllocationStatus = "expired"
)

// Allocation records one grant into an account. It is never physically
// deleted; terminal states (exhausted, expired) are reached only when
// Remaining() == 0 and never revert.
type Allocation struct {
	ID         AllocationID
	AccountID  AccountID
	Amount     int64
	SourceType SourceType
	SourceID   string
	GrantedAt  time.Time
	ExpiresAt  *time.Time // nil = never expires

	ConsumedAmount int64
	ExpiredAmount  int64
	Status         AllocationStatus
}

// Remaining is derived and never negative.
func (a Allocation) Remaining() int64 {
	r := a.Amount - a.ConsumedAmount - a.ExpiredAmount
	if r < 0 {
		return 0
	}
	return r
}

// ExpiredBy reports whether the allocation's window has elapsed at now.
func (a Allocation) ExpiredBy(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Drawable reports whether the planner may draw from this allocation.
func (a Allocation) Drawable(now time.Time) bool {
	return a.Status == AllocationActive && a.Remaining() > 0 && !a.ExpiredBy(now)
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxGrant       TransactionType = "grant"
	TxConsume     TransactionType = "consume"
	TxExpire      TransactionType = "expire"
	TxRefund      TransactionType = "refund"
	TxTransferOut TransactionType = "transfer_out"
	TxTransferIn  TransactionType = "transfer_in"
)

// Sign returns the balance effect direction for a transaction type:
// +1 credits the account, -1 debits it.
func (t TransactionType) Sign() int64 {
	switch t {
	case TxGrant, TxRefund, TxTransferIn:
		return 1
	case TxConsume, TxExpire, TxTransferOut:
		return -1
	}
	return 0
}

// Transaction is append-only and immutable once written. It is both the
// audit trail and the mechanism for idempotent retry detection.
type Transaction struct {
	ID            TransactionID
	AccountID     AccountID
	AllocationID  AllocationID // empty when not tied to one allocation
	Type          TransactionType
	Amount        int64 // always positive; Type carries the sign
	BalanceBefore int64
	BalanceAfter  int64

	// IdempotencyKey is set on single-transaction operations (grants).
	// Multi-draw operations record their key in an IdempotencyRecord.
	IdempotencyKey string
	Reference      string
	TransferID     string // pairs transfer_out/transfer_in legs
	CreatedAt      time.Time
}

// =============================================================================
// CONSUMPTION PLAN - Deterministic draw-down across allocations
// =============================================================================

// PlannedDraw is one greedy slice of a consumption plan.
type PlannedDraw struct {
	AllocationID    AllocationID
	AccountID       AccountID
	CreditType      CreditType
	Amount          int64
	RemainingBefore int64 // used by Commit to detect concurrent shrink
}

// ConsumptionPlan is the pure output of Planner.Plan. A plan with a
// non-zero Shortfall must be treated as insufficient and not committed.
type ConsumptionPlan struct {
	UserID    UserID
	Requested int64
	Draws     []PlannedDraw
	Shortfall int64

	// Restrict limits the plan to one credit type (transfers). Nil
	// plans across all pools in priority order.
	Restrict  *CreditType
	PlannedAt time.Time
}

// Total returns the amount the plan actually covers.
func (p ConsumptionPlan) Total() int64 {
	var sum int64
	for _, d := range p.Draws {
		sum += d.Amount
	}
	return sum
}

// Covered reports whether the full requested amount can be paid.
func (p ConsumptionPlan) Covered() bool { return p.Shortfall == 0 }

// DrawEntry is one line of a committed consumption breakdown.
type DrawEntry struct {
	AllocationID AllocationID `json:"allocation_id"`
	AccountID    AccountID    `json:"account_id"`
	CreditType   CreditType   `json:"credit_type"`
	Amount       int64        `json:"amount"`
}

// ConsumptionResult is the committed outcome of a consume operation.
type ConsumptionResult struct {
	UserID       UserID          `json:"user_id"`
	Consumed     int64           `json:"consumed"`
	BalanceAfter int64           `json:"balance_after"` // total across the user's accounts
	Breakdown    []DrawEntry     `json:"breakdown"`
	Transactions []TransactionID `json:"transactions"`
	Reference    string          `json:"reference"`

	// Replayed is true when the result was served from a previously
	// recorded idempotent commit rather than a new mutation.
	Replayed bool `json:"replayed,omitempty"`
}

// =============================================================================
// SWEEP / TRANSFER / REFUND RESULTS
// =============================================================================

// SweepResult aggregates one expiration sweep run.
type SweepResult struct {
	ProcessedCount   int   `json:"processed_count"`
	TotalExpired     int64 `json:"total_expired_amount"`
	AccountsAffected int   `json:"accounts_affected"`
}

// TransferResult describes a committed transfer between two users.
type TransferResult struct {
	TransferID   string          `json:"transfer_id"`
	FromUser     UserID          `json:"from_user"`
	ToUser       UserID          `json:"to_user"`
	CreditType   CreditType      `json:"credit_type"`
	Amount       int64           `json:"amount"`
	AllocationID AllocationID    `json:"allocation_id"` // destination-side grant
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	Transactions []TransactionID `json:"transactions"`
	Replayed     bool            `json:"replayed,omitempty"`
}

// RefundResult describes a committed compensating refund of a prior consume.
type RefundResult struct {
	UserID       UserID          `json:"user_id"`
	Refunded     int64           `json:"refunded"`
	BalanceAfter int64           `json:"balance_after"`
	Transactions []TransactionID `json:"transactions"`
	Replayed     bool            `json:"replayed,omitempty"`
}

// =============================================================================
// BALANCE SUMMARY - Read-side projection
// =============================================================================

// ExpiringAllocation is one "expiring soon" line in a balance summary.
type ExpiringAllocation struct {
	AllocationID AllocationID `json:"allocation_id"`
	CreditType   CreditType   `json:"credit_type"`
	Remaining    int64        `json:"remaining"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// BalanceSummary is a pure read projection over accounts and allocations.
type BalanceSummary struct {
	UserID       UserID               `json:"user_id"`
	Total        int64                `json:"total"`
	ByType       map[CreditType]int64 `json:"by_type"`
	ExpiringSoon []ExpiringAllocation `json:"expiring_soon"`
	AsOf         time.Time            `json:"as_of"`
}

// Availability answers the billing collaborator's "can this amount be paid?".
type Availability struct {
	Available bool  `json:"available"`
	Shortfall int64 `json:"shortfall"`
}

// =============================================================================
// CAMPAIGN - Per-source budget enforcement for campaign grants
// =============================================================================

type Campaign struct {
	ID              CampaignID
	Name            string
	TotalBudget     int64
	AllocatedAmount int64
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (c Campaign) RemainingBudget() int64 {
	r := c.TotalBudget - c.AllocatedAmount
	if r < 0 {
		return 0
	}
	return r
}

// =============================================================================
// IDEMPOTENCY RECORD - Operation-level replay detection
// =============================================================================

// IdempotencyRecord stores the committed result of a multi-mutation
// operation (consume, transfer, refund) keyed by the caller's key.
// Replaying the key with a matching fingerprint returns ResultJSON
// unchanged; a different fingerprint is a caller bug.
type IdempotencyRecord struct {
	Key         string
	Operation   string
	Fingerprint string
	ResultJSON  []byte
	CreatedAt   time.Time
}

// =============================================================================
// LEDGER FILTER - Paginated transaction history reads
// =============================================================================

type LedgerFilter struct {
	Types      []TransactionType
	CreditType CreditType // zero value = all types
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}
