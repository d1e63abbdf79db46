/*
policy.go - Declarative consumption and transfer policy

PURPOSE:
  Externalizes every configurable business rule as a declarative table
  loaded at startup, instead of type-hierarchy or string-branch dispatch:
  - Priority ordering of credit types for consumption
  - Transferability per credit type
  - Transfer expiration rule (inherit shortest vs fixed TTL)
  - Pay-as-you-go fallback toggle
  - Sweep batching, commit retry bounds, retention window

CONSUMPTION ORDER:
  Credit types are ranked by the Priority list. Within one type,
  allocations drain FIFO by expiration (soonest first, never-expiring
  last), tie-broken by allocation ID for determinism.

SEE ALSO:
  - planner.go: Uses Rank() to order the draw-down sequence
  - transfer.go: Uses Transferable() and TransferExpiry
  - factory/policy.go: Builds tables from TOML files
*/
package credit

import (
	"fmt"
	"time"
)

// =============================================================================
// TRANSFER EXPIRY RULE
// =============================================================================

type TransferExpiryMode string

const (
	// TransferExpiryInherit gives the destination allocation the shortest
	// remaining expiration among the consumed source allocations.
	TransferExpiryInherit TransferExpiryMode = "inherit"

	// TransferExpiryFixedTTL gives the destination allocation a fixed
	// window from the transfer instant.
	TransferExpiryFixedTTL TransferExpiryMode = "fixed_ttl"
)

type TransferExpiryRule struct {
	Mode TransferExpiryMode
	TTL  time.Duration // used only with TransferExpiryFixedTTL
}

// =============================================================================
// POLICY TABLE
// =============================================================================

// PolicyTable is the complete declarative ruleset for the engine.
// It is immutable after startup; all components read it concurrently.
type PolicyTable struct {
	// Priority ranks credit types for consumption, highest first.
	// Must contain every member of the closed credit type set exactly once.
	Priority []CreditType

	// Transferable marks which credit types may move between users.
	Transferable map[CreditType]bool

	// TransferExpiry decides the destination allocation's window.
	TransferExpiry TransferExpiryRule

	// FallbackPayAsYouGo extends plans into the pay-as-you-go pool when
	// the priority pools are exhausted. Disabled by default.
	FallbackPayAsYouGo bool

	// SweepBatchSize bounds one expiration sweep batch.
	SweepBatchSize int

	// CommitRetries bounds optimistic re-plan attempts before a
	// ConcurrencyConflict surfaces to the caller.
	CommitRetries int

	// RetryBackoff is the base delay between commit retries; it doubles
	// per attempt.
	RetryBackoff time.Duration

	// RetentionDays is how long purged users' transactions are kept.
	RetentionDays int

	// LowBalanceThreshold triggers a balance-below-threshold event when a
	// consumption commit drops a user's total under it. Zero disables it.
	LowBalanceThreshold int64

	// ExpiringSoonWindow is the default window for balance summaries.
	ExpiringSoonWindow time.Duration
}

// DefaultPolicyTable returns the built-in ruleset: priority
// subscription > purchased > bonus > referral > pay_as_you_go,
// purchased and bonus transferable, inherited transfer expiry,
// pay-as-you-go fallback disabled.
func DefaultPolicyTable() *PolicyTable {
	return &PolicyTable{
		Priority: []CreditType{
			TypeSubscription,
			TypePurchased,
			TypeBonus,
			TypeReferral,
			TypePayAsYouGo,
		},
		Transferable: map[CreditType]bool{
			TypePurchased: true,
			TypeBonus:     true,
		},
		TransferExpiry:      TransferExpiryRule{Mode: TransferExpiryInherit},
		FallbackPayAsYouGo:  false,
		SweepBatchSize:      200,
		CommitRetries:       3,
		RetryBackoff:        20 * time.Millisecond,
		RetentionDays:       365,
		LowBalanceThreshold: 0,
		ExpiringSoonWindow:  7 * 24 * time.Hour,
	}
}

// Validate checks the table covers the closed credit type set.
func (p *PolicyTable) Validate() error {
	seen := make(map[CreditType]bool, len(p.Priority))
	for _, ct := range p.Priority {
		if !ct.Valid() {
			return fmt.Errorf("policy priority contains unknown credit type %q", ct)
		}
		if seen[ct] {
			return fmt.Errorf("policy priority lists credit type %q twice", ct)
		}
		seen[ct] = true
	}
	for _, ct := range AllCreditTypes {
		if !seen[ct] {
			return fmt.Errorf("policy priority missing credit type %q", ct)
		}
	}
	for ct := range p.Transferable {
		if !ct.Valid() {
			return fmt.Errorf("transferability table contains unknown credit type %q", ct)
		}
	}
	switch p.TransferExpiry.Mode {
	case TransferExpiryInherit:
	case TransferExpiryFixedTTL:
		if p.TransferExpiry.TTL <= 0 {
			return fmt.Errorf("fixed_ttl transfer expiry requires a positive ttl")
		}
	default:
		return fmt.Errorf("unknown transfer expiry mode %q", p.TransferExpiry.Mode)
	}
	if p.SweepBatchSize <= 0 {
		return fmt.Errorf("sweep batch size must be positive")
	}
	if p.CommitRetries < 1 {
		return fmt.Errorf("commit retries must be at least 1")
	}
	return nil
}

// Rank returns the consumption rank of a credit type, lowest first.
// Unknown types rank last.
func (p *PolicyTable) Rank(ct CreditType) int {
	for i, c := range p.Priority {
		if c == ct {
			return i
		}
	}
	return len(p.Priority)
}

// IsTransferable reports whether a credit type may move between users.
func (p *PolicyTable) IsTransferable(ct CreditType) bool {
	return p.Transferable[ct]
}

// Retention returns the transaction retention window as a duration.
func (p *PolicyTable) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}
