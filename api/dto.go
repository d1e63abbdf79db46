/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

  Result types from the credit package (ConsumptionResult,
  TransferResult, BalanceSummary, ...) already carry JSON tags and are
  returned as-is.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - credit/types.go: Domain result types
*/
package api

import (
	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AllocateRequest is the request to grant credits to a user.
type AllocateRequest struct {
	UserID         string `json:"user_id"`
	CreditType     string `json:"credit_type"`
	Amount         int64  `json:"amount"`
	SourceType     string `json:"source_type"`
	SourceID       string `json:"source_id,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"` // RFC3339, empty = never expires
	IdempotencyKey string `json:"idempotency_key"`
}

// ConsumeRequest is the request to draw down a user's credits.
type ConsumeRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Reference      string `json:"reference,omitempty"`
}

// TransferRequest is the request to move credits between users.
type TransferRequest struct {
	FromUser       string `json:"from_user"`
	ToUser         string `json:"to_user"`
	CreditType     string `json:"credit_type"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

// RefundRequest compensates a previously committed consume.
type RefundRequest struct {
	IdempotencyKey string `json:"idempotency_key"` // key of the original consume
	Reason         string `json:"reason,omitempty"`
}

// CreateCampaignRequest registers a campaign budget.
type CreateCampaignRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TotalBudget int64  `json:"total_budget"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AllocationDTO represents a grant in API responses.
type AllocationDTO struct {
	ID             string `json:"id"`
	AccountID      string `json:"account_id"`
	Amount         int64  `json:"amount"`
	Remaining      int64  `json:"remaining"`
	SourceType     string `json:"source_type"`
	SourceID       string `json:"source_id,omitempty"`
	GrantedAt      string `json:"granted_at"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	ConsumedAmount int64  `json:"consumed_amount"`
	ExpiredAmount  int64  `json:"expired_amount"`
	Status         string `json:"status"`
}

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	AllocationID  string `json:"allocation_id,omitempty"`
	Type          string `json:"type"`
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	Reference     string `json:"reference,omitempty"`
	TransferID    string `json:"transfer_id,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// CampaignDTO represents a campaign budget in API responses.
type CampaignDTO struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	TotalBudget     int64  `json:"total_budget"`
	AllocatedAmount int64  `json:"allocated_amount"`
	RemainingBudget int64  `json:"remaining_budget"`
	IsActive        bool   `json:"is_active"`
	CreatedAt       string `json:"created_at"`
}

// AvailabilityDTO wraps an availability check with the requested amount.
type AvailabilityDTO struct {
	UserID    string `json:"user_id"`
	Requested int64  `json:"requested"`
	Available bool   `json:"available"`
	Shortfall int64  `json:"shortfall"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAllocationDTO(a *credit.Allocation) AllocationDTO {
	dto := AllocationDTO{
		ID:             string(a.ID),
		AccountID:      string(a.AccountID),
		Amount:         a.Amount,
		Remaining:      a.Remaining(),
		SourceType:     string(a.SourceType),
		SourceID:       a.SourceID,
		GrantedAt:      formatTime(a.GrantedAt),
		ConsumedAmount: a.ConsumedAmount,
		ExpiredAmount:  a.ExpiredAmount,
		Status:         string(a.Status),
	}
	if a.ExpiresAt != nil {
		dto.ExpiresAt = formatTime(*a.ExpiresAt)
	}
	return dto
}

func toTransactionDTOs(txs []credit.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = TransactionDTO{
			ID:            string(tx.ID),
			AccountID:     string(tx.AccountID),
			AllocationID:  string(tx.AllocationID),
			Type:          string(tx.Type),
			Amount:        tx.Amount,
			BalanceBefore: tx.BalanceBefore,
			BalanceAfter:  tx.BalanceAfter,
			Reference:     tx.Reference,
			TransferID:    tx.TransferID,
			CreatedAt:     formatTime(tx.CreatedAt),
		}
	}
	return dtos
}

func toCampaignDTO(c *credit.Campaign) CampaignDTO {
	return CampaignDTO{
		ID:              string(c.ID),
		Name:            c.Name,
		TotalBudget:     c.TotalBudget,
		AllocatedAmount: c.AllocatedAmount,
		RemainingBudget: c.RemainingBudget(),
		IsActive:        c.IsActive,
		CreatedAt:       formatTime(c.CreatedAt),
	}
}
