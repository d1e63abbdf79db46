/*
handlers.go - HTTP API handlers for the credit engine

PURPOSE:
  Exposes the credit engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance       Balance summary per credit type
    GET    /api/users/{id}/ledger        Paginated transaction history
    GET    /api/users/{id}/availability  Can this amount be paid?
    DELETE /api/users/{id}               Purge user (lifecycle)

  Credits:
    POST   /api/credits/allocate         Grant credits
    POST   /api/credits/consume          Draw down credits
    POST   /api/credits/transfer         Move credits between users
    POST   /api/credits/refund           Compensate a committed consume

  Campaigns:
    GET    /api/campaigns                List campaign budgets
    POST   /api/campaigns                Register a campaign budget
    GET    /api/campaigns/{id}           Campaign details

  Admin:
    POST   /api/accounts/{id}/deactivate Soft-disable a zero-balance account
    POST   /api/admin/sweep              Run the expiration sweep now

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (engine)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (idempotency key reuse, concurrent writers)
  - 422: Insufficient credits, policy violations, exhausted budgets
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - credit/service.go: Engine facade
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *credit.Engine
}

// NewHandler creates a new handler over the engine facade.
func NewHandler(engine *credit.Engine) *Handler {
	return &Handler{Engine: engine}
}

// =============================================================================
// USER READ ENDPOINTS
// =============================================================================

// GetBalance returns the balance summary for a user.
// GET /api/users/{id}/balance?window_days=7
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := credit.UserID(chi.URLParam(r, "id"))

	var window time.Duration
	if days := r.URL.Query().Get("window_days"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid window_days", err)
			return
		}
		window = time.Duration(n) * 24 * time.Hour
	}

	summary, err := h.Engine.GetBalance(r.Context(), userID, window)
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// GetLedger returns one page of a user's transaction history.
// GET /api/users/{id}/ledger?limit=50&offset=0&type=consume&credit_type=purchased
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := credit.UserID(chi.URLParam(r, "id"))

	filter, err := parseLedgerFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid ledger filter", err)
		return
	}

	txs, err := h.Engine.GetLedger(r.Context(), userID, filter)
	if err != nil {
		writeDomainError(w, "Failed to get ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func parseLedgerFilter(r *http.Request) (credit.LedgerFilter, error) {
	var filter credit.LedgerFilter
	q := r.URL.Query()

	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return filter, err
		}
		filter.Limit = n
	}
	if offset := q.Get("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil {
			return filter, err
		}
		filter.Offset = n
	}
	if types := q.Get("type"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, credit.TransactionType(t))
		}
	}
	filter.CreditType = credit.CreditType(q.Get("credit_type"))

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filter, err
		}
		filter.Since = &t
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filter, err
		}
		filter.Until = &t
	}
	return filter, nil
}

// CheckAvailability answers whether an amount can be paid, without mutating.
// GET /api/users/{id}/availability?amount=500
func (h *Handler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	userID := credit.UserID(chi.URLParam(r, "id"))

	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	avail, err := h.Engine.CheckAvailability(r.Context(), userID, amount)
	if err != nil {
		writeDomainError(w, "Failed to check availability", err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{
		UserID:    string(userID),
		Requested: amount,
		Available: avail.Available,
		Shortfall: avail.Shortfall,
	})
}

// =============================================================================
// CREDIT OPERATIONS
// =============================================================================

// Allocate grants credits to a user.
// POST /api/credits/allocate
func (h *Handler) Allocate(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	alloc := credit.AllocationRequest{
		UserID:         credit.UserID(req.UserID),
		CreditType:     credit.CreditType(req.CreditType),
		Amount:         req.Amount,
		SourceType:     credit.SourceType(req.SourceType),
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_at (use RFC3339)", err)
			return
		}
		alloc.ExpiresAt = &t
	}

	created, err := h.Engine.Allocate(r.Context(), alloc)
	if err != nil {
		writeDomainError(w, "Failed to allocate credits", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAllocationDTO(created))
}

// Consume draws down a user's credits by priority and expiration order.
// POST /api/credits/consume
func (h *Handler) Consume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.Consume(r.Context(),
		credit.UserID(req.UserID), req.Amount, req.IdempotencyKey, req.Reference)
	if err != nil {
		writeDomainError(w, "Failed to consume credits", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Transfer moves credits between two users.
// POST /api/credits/transfer
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.Transfer(r.Context(),
		credit.UserID(req.FromUser), credit.UserID(req.ToUser),
		credit.CreditType(req.CreditType), req.Amount, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, "Failed to transfer credits", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Refund compensates a previously committed consume.
// POST /api/credits/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.Engine.Refund(r.Context(), req.IdempotencyKey, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to refund credits", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// CAMPAIGN ENDPOINTS
// =============================================================================

// ListCampaigns returns all campaign budgets.
// GET /api/campaigns
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.Engine.ListCampaigns(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list campaigns", err)
		return
	}
	dtos := make([]CampaignDTO, len(campaigns))
	for i := range campaigns {
		dtos[i] = toCampaignDTO(&campaigns[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCampaign registers a campaign budget.
// POST /api/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	c, err := h.Engine.CreateCampaign(r.Context(),
		credit.CampaignID(req.ID), req.Name, req.TotalBudget)
	if err != nil {
		writeDomainError(w, "Failed to create campaign", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignDTO(c))
}

// GetCampaign returns a campaign budget by ID.
// GET /api/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.GetCampaign(r.Context(), credit.CampaignID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignDTO(c))
}

// =============================================================================
// LIFECYCLE / ADMIN ENDPOINTS
// =============================================================================

// DeactivateAccount soft-disables a zero-balance account.
// POST /api/accounts/{id}/deactivate
func (h *Handler) DeactivateAccount(w http.ResponseWriter, r *http.Request) {
	id := credit.AccountID(chi.URLParam(r, "id"))
	if err := h.Engine.Deactivate(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to deactivate account", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// PurgeUser expires all of a user's credits, closes the accounts and
// applies the retention rule.
// DELETE /api/users/{id}
func (h *Handler) PurgeUser(w http.ResponseWriter, r *http.Request) {
	userID := credit.UserID(chi.URLParam(r, "id"))
	if err := h.Engine.PurgeUser(r.Context(), userID); err != nil {
		writeDomainError(w, "Failed to purge user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

// TriggerSweep runs the expiration sweep immediately.
// POST /api/admin/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.Engine.Sweep(r.Context(), time.Now().UTC())
	if err != nil {
		writeDomainError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, credit.ErrValidation):
		return http.StatusBadRequest
	case credit.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, credit.ErrDuplicateOperation),
		errors.Is(err, credit.ErrDuplicateIdempotencyKey),
		errors.Is(err, credit.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, credit.ErrInsufficientCredits),
		errors.Is(err, credit.ErrBudgetExhausted),
		errors.Is(err, credit.ErrPolicyViolation),
		errors.Is(err, credit.ErrAccountInactive):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
