/*
store.go - Persistence interface for accounts, allocations and transactions

PURPOSE:
  Defines the interface between the domain logic and the database.
  Different implementations can use SQLite or in-memory storage.

KEY INTERFACES:
  Store:   Entity persistence with append-only transactions
  TxStore: Transactional wrapper for atomic multi-entity commits

APPEND-ONLY CONTRACT:
  Transactions have AppendTransaction and reads only. No update or
  delete exists, with one sanctioned exception: PruneTransactions,
  which applies the platform's data-retention rule during user purge.

OPTIMISTIC CONCURRENCY:
  UpdateAccount takes the version the caller read; a mismatch returns
  ErrConcurrencyConflict. Unrelated accounts never block each other.

ATOMIC COMMITS:
  WithTx ensures all-or-nothing semantics across every allocation,
  account and transaction a commit touches. Either all mutations apply
  or none do; no partially-drawn ledger state may persist.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite with WAL
  - credit/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level append interface using Store
  - planner.go: Commit runs entirely inside WithTx
*/
package credit

import (
	"context"
	"time"
)

// =============================================================================
// STORE - Entity persistence
// =============================================================================

type Store interface {
	// --- Accounts ---

	// GetAccount returns the account for (user, credit type), or
	// ErrAccountNotFound.
	GetAccount(ctx context.Context, userID UserID, ct CreditType) (*Account, error)

	// GetAccountByID returns an account by ID, or ErrAccountNotFound.
	GetAccountByID(ctx context.Context, id AccountID) (*Account, error)

	// ListAccountsByUser returns all of a user's accounts.
	ListAccountsByUser(ctx context.Context, userID UserID) ([]Account, error)

	// CreateAccount persists a new account. Fails if (user, credit type)
	// already exists.
	CreateAccount(ctx context.Context, acct Account) error

	// UpdateAccount writes balance/activity changes guarded by the
	// version the caller read. Returns ErrConcurrencyConflict on a
	// version mismatch.
	UpdateAccount(ctx context.Context, acct Account, expectedVersion int64) error

	// --- Allocations ---

	CreateAllocation(ctx context.Context, alloc Allocation) error

	// GetAllocation returns an allocation by ID, or ErrAllocationNotFound.
	GetAllocation(ctx context.Context, id AllocationID) (*Allocation, error)

	// UpdateAllocation writes counter/status changes. Allocations are
	// closed in place, never deleted.
	UpdateAllocation(ctx context.Context, alloc Allocation) error

	// ListOpenAllocations returns an account's drawable allocations
	// ordered by expires_at ascending with never-expiring allocations
	// last, tie-broken by allocation ID.
	ListOpenAllocations(ctx context.Context, accountID AccountID) ([]Allocation, error)

	// ListExpirable returns up to limit active allocations whose window
	// elapsed at or before now, with remaining balance to retire.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]Allocation, error)

	// --- Transactions (append-only) ---

	// AppendTransaction persists a ledger entry. Returns
	// ErrDuplicateIdempotencyKey if the entry carries a key that exists.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// GetTransactionByKey returns the transaction carrying an
	// idempotency key, or nil if none does.
	GetTransactionByKey(ctx context.Context, key string) (*Transaction, error)

	// ListTransactionsByUser returns a user's ledger page, newest first.
	ListTransactionsByUser(ctx context.Context, userID UserID, filter LedgerFilter) ([]Transaction, error)

	// PruneTransactions deletes a user's transactions created before the
	// cutoff. This is the single sanctioned deletion path, used only by
	// the data-retention rule during user purge.
	PruneTransactions(ctx context.Context, userID UserID, before time.Time) (int, error)

	// --- Idempotency records ---

	// GetIdempotencyRecord returns the recorded operation result for a
	// key, or nil if the key was never committed.
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)

	// PutIdempotencyRecord persists an operation result. Fails with
	// ErrDuplicateIdempotencyKey if the key already exists.
	PutIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error

	// --- Campaigns ---

	SaveCampaign(ctx context.Context, c Campaign) error

	// GetCampaign returns a campaign by ID, or ErrCampaignNotFound.
	GetCampaign(ctx context.Context, id CampaignID) (*Campaign, error)

	ListCampaigns(ctx context.Context) ([]Campaign, error)

	// ReserveCampaignBudget atomically increments a campaign's allocated
	// amount, failing with ErrBudgetExhausted when the increment would
	// exceed the total budget. Check and increment are one atomic unit.
	ReserveCampaignBudget(ctx context.Context, id CampaignID, amount int64) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with an all-or-nothing transactional boundary.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction spanning every entity fn
	// touches. If fn returns an error, nothing persists.
	WithTx(ctx context.Context, fn func(Store) error) error
}
