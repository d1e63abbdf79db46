/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements credit.Store and credit.TxStore using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

APPEND-ONLY ENFORCEMENT:
  The transactions table has INSERT and SELECT paths only, with one
  sanctioned exception: PruneTransactions, which applies the platform's
  data-retention rule during user purge.

KEY TABLES:
  accounts:            One balance bucket per (user, credit type)
  allocations:         Grants with expiration and draw-down counters
  transactions:        Immutable ledger of all balance changes
  idempotency_records: Operation-level replay detection
  campaigns:           Per-campaign grant budgets

INDEXES:
  Critical indexes for performance:
  - idx_allocations_account_status: Open-allocation scan (hot path)
  - idx_allocations_status_expires: Sweeper candidate scan
  - idx_transactions_account_created: Ledger history reads
  - idx_transactions_idempotency: Grant replay lookups

OPTIMISTIC CONCURRENCY:
  Account updates are guarded by a version column. The UPDATE carries
  the version the caller read; zero affected rows means a concurrent
  writer won and the caller must re-plan.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/credits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine, err := credit.NewEngine(store, credit.DefaultPolicyTable())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - credit/store.go: Interface definitions
  - credit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/credit-engine/credit"
)

// Store implements credit.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer. One pooled connection serializes
	// writers ahead of the driver's busy handler and keeps :memory:
	// databases on the connection that created them.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (one balance bucket per user and credit type)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		credit_type TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(user_id, credit_type)
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_user
		ON accounts(user_id);

	-- Allocations (grants with expiration and draw-down counters)
	CREATE TABLE IF NOT EXISTS allocations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		source_type TEXT NOT NULL,
		source_id TEXT,
		granted_at TEXT NOT NULL,
		expires_at TEXT,
		consumed_amount INTEGER NOT NULL DEFAULT 0,
		expired_amount INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active'
	);

	-- Open-allocation scan during planning (hot path)
	CREATE INDEX IF NOT EXISTS idx_allocations_account_status
		ON allocations(account_id, status);

	-- Sweeper candidate scan
	CREATE INDEX IF NOT EXISTS idx_allocations_status_expires
		ON allocations(status, expires_at)
		WHERE expires_at IS NOT NULL;

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		allocation_id TEXT,
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		balance_before INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		idempotency_key TEXT,
		reference TEXT,
		transfer_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
		ON transactions(idempotency_key) WHERE idempotency_key IS NOT NULL;

	-- Ledger history reads
	CREATE INDEX IF NOT EXISTS idx_transactions_account_created
		ON transactions(account_id, created_at DESC);

	-- Transfer leg pairing
	CREATE INDEX IF NOT EXISTS idx_transactions_transfer
		ON transactions(transfer_id) WHERE transfer_id IS NOT NULL;

	-- Idempotency records (operation-level replay detection)
	CREATE TABLE IF NOT EXISTS idempotency_records (
		key TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		result_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Campaigns (per-campaign grant budgets)
	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		total_budget INTEGER NOT NULL,
		allocated_amount INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so every row operation
// can run against either the connection or an open transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) GetAccount(ctx context.Context, userID credit.UserID, ct credit.CreditType) (*credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(ctx, s.db, userID, ct)
}

func (s *Store) getAccount(ctx context.Context, q dbtx, userID credit.UserID, ct credit.CreditType) (*credit.Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, user_id, credit_type, balance, is_active, version, created_at, updated_at
		 FROM accounts WHERE user_id = ? AND credit_type = ?`,
		userID, ct,
	)
	return scanAccount(row)
}

func (s *Store) GetAccountByID(ctx context.Context, id credit.AccountID) (*credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccountByID(ctx, s.db, id)
}

func (s *Store) getAccountByID(ctx context.Context, q dbtx, id credit.AccountID) (*credit.Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, user_id, credit_type, balance, is_active, version, created_at, updated_at
		 FROM accounts WHERE id = ?`,
		id,
	)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*credit.Account, error) {
	var (
		acct                 credit.Account
		createdAt, updatedAt string
	)
	err := row.Scan(&acct.ID, &acct.UserID, &acct.CreditType, &acct.Balance,
		&acct.IsActive, &acct.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, credit.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	acct.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	acct.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &acct, nil
}

func (s *Store) ListAccountsByUser(ctx context.Context, userID credit.UserID) ([]credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAccountsByUser(ctx, s.db, userID)
}

func (s *Store) listAccountsByUser(ctx context.Context, q dbtx, userID credit.UserID) ([]credit.Account, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, user_id, credit_type, balance, is_active, version, created_at, updated_at
		 FROM accounts WHERE user_id = ? ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []credit.Account
	for rows.Next() {
		var (
			acct                 credit.Account
			createdAt, updatedAt string
		)
		if err := rows.Scan(&acct.ID, &acct.UserID, &acct.CreditType, &acct.Balance,
			&acct.IsActive, &acct.Version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acct.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		acct.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *Store) CreateAccount(ctx context.Context, acct credit.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAccount(ctx, s.db, acct)
}

func (s *Store) createAccount(ctx context.Context, q dbtx, acct credit.Account) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, credit_type, balance, is_active, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.UserID, acct.CreditType, acct.Balance, acct.IsActive, acct.Version,
		acct.CreatedAt.UTC().Format(time.RFC3339),
		acct.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) UpdateAccount(ctx context.Context, acct credit.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAccount(ctx, s.db, acct, expectedVersion)
}

func (s *Store) updateAccount(ctx context.Context, q dbtx, acct credit.Account, expectedVersion int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE accounts
		 SET balance = ?, is_active = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		acct.Balance, acct.IsActive,
		acct.UpdatedAt.UTC().Format(time.RFC3339),
		acct.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Zero rows means either the account is gone or a concurrent
		// writer bumped the version.
		if _, err := s.getAccountByID(ctx, q, acct.ID); err != nil {
			return err
		}
		return credit.ErrConcurrencyConflict
	}
	return nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (s *Store) CreateAllocation(ctx context.Context, alloc credit.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createAllocation(ctx, s.db, alloc)
}

func (s *Store) createAllocation(ctx context.Context, q dbtx, alloc credit.Allocation) error {
	var expiresAt *string
	if alloc.ExpiresAt != nil {
		t := alloc.ExpiresAt.UTC().Format(time.RFC3339)
		expiresAt = &t
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO allocations
		 (id, account_id, amount, source_type, source_id, granted_at, expires_at, consumed_amount, expired_amount, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alloc.ID, alloc.AccountID, alloc.Amount, alloc.SourceType,
		nullString(alloc.SourceID),
		alloc.GrantedAt.UTC().Format(time.RFC3339),
		expiresAt,
		alloc.ConsumedAmount, alloc.ExpiredAmount, alloc.Status,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (s *Store) GetAllocation(ctx context.Context, id credit.AllocationID) (*credit.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAllocation(ctx, s.db, id)
}

const allocationColumns = `id, account_id, amount, source_type, source_id, granted_at, expires_at, consumed_amount, expired_amount, status`

func (s *Store) getAllocation(ctx context.Context, q dbtx, id credit.AllocationID) (*credit.Allocation, error) {
	allocs, err := s.queryAllocations(ctx, q,
		`SELECT `+allocationColumns+` FROM allocations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(allocs) == 0 {
		return nil, credit.ErrAllocationNotFound
	}
	return &allocs[0], nil
}

func (s *Store) UpdateAllocation(ctx context.Context, alloc credit.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateAllocation(ctx, s.db, alloc)
}

func (s *Store) updateAllocation(ctx context.Context, q dbtx, alloc credit.Allocation) error {
	res, err := q.ExecContext(ctx,
		`UPDATE allocations
		 SET consumed_amount = ?, expired_amount = ?, status = ?
		 WHERE id = ?`,
		alloc.ConsumedAmount, alloc.ExpiredAmount, alloc.Status, alloc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update allocation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return credit.ErrAllocationNotFound
	}
	return nil
}

func (s *Store) ListOpenAllocations(ctx context.Context, accountID credit.AccountID) ([]credit.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listOpenAllocations(ctx, s.db, accountID)
}

func (s *Store) listOpenAllocations(ctx context.Context, q dbtx, accountID credit.AccountID) ([]credit.Allocation, error) {
	// Never-expiring allocations sort last; allocation ID breaks ties so
	// the draw order is total.
	query := `SELECT ` + allocationColumns + `
		FROM allocations
		WHERE account_id = ? AND status = 'active'
		ORDER BY expires_at IS NULL, expires_at ASC, id ASC`
	return s.queryAllocations(ctx, q, query, accountID)
}

func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]credit.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listExpirable(ctx, s.db, now, limit)
}

func (s *Store) listExpirable(ctx context.Context, q dbtx, now time.Time, limit int) ([]credit.Allocation, error) {
	query := `SELECT ` + allocationColumns + `
		FROM allocations
		WHERE status = 'active'
		  AND expires_at IS NOT NULL AND expires_at <= ?
		  AND amount - consumed_amount - expired_amount > 0
		ORDER BY expires_at ASC, id ASC
		LIMIT ?`
	return s.queryAllocations(ctx, q, query, now.UTC().Format(time.RFC3339), limit)
}

func (s *Store) queryAllocations(ctx context.Context, q dbtx, query string, args ...any) ([]credit.Allocation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var allocs []credit.Allocation
	for rows.Next() {
		var (
			alloc     credit.Allocation
			sourceID  sql.NullString
			grantedAt string
			expiresAt sql.NullString
		)
		if err := rows.Scan(&alloc.ID, &alloc.AccountID, &alloc.Amount, &alloc.SourceType,
			&sourceID, &grantedAt, &expiresAt, &alloc.ConsumedAmount, &alloc.ExpiredAmount,
			&alloc.Status); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		alloc.SourceID = sourceID.String
		alloc.GrantedAt, _ = time.Parse(time.RFC3339, grantedAt)
		if expiresAt.Valid {
			t, _ := time.Parse(time.RFC3339, expiresAt.String)
			alloc.ExpiresAt = &t
		}
		allocs = append(allocs, alloc)
	}
	return allocs, rows.Err()
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx credit.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTx(ctx, s.db, tx)
}

func (s *Store) appendTx(ctx context.Context, q dbtx, tx credit.Transaction) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, account_id, allocation_id, tx_type, amount, balance_before, balance_after,
		  idempotency_key, reference, transfer_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AccountID,
		nullString(string(tx.AllocationID)),
		tx.Type, tx.Amount, tx.BalanceBefore, tx.BalanceAfter,
		nullString(tx.IdempotencyKey),
		nullString(tx.Reference),
		nullString(tx.TransferID),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, account_id, allocation_id, tx_type, amount, balance_before, balance_after, idempotency_key, reference, transfer_id, created_at`

func (s *Store) GetTransactionByKey(ctx context.Context, key string) (*credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getTransactionByKey(ctx, s.db, key)
}

func (s *Store) getTransactionByKey(ctx context.Context, q dbtx, key string) (*credit.Transaction, error) {
	txs, err := s.queryTransactions(ctx, q,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *Store) ListTransactionsByUser(ctx context.Context, userID credit.UserID, filter credit.LedgerFilter) ([]credit.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listTransactionsByUser(ctx, s.db, userID, filter)
}

func (s *Store) listTransactionsByUser(ctx context.Context, q dbtx, userID credit.UserID, filter credit.LedgerFilter) ([]credit.Transaction, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT t.id, t.account_id, t.allocation_id, t.tx_type, t.amount,
		t.balance_before, t.balance_after, t.idempotency_key, t.reference, t.transfer_id, t.created_at
		FROM transactions t
		JOIN accounts a ON a.id = t.account_id
		WHERE a.user_id = ?`)
	args := []any{userID}

	if filter.CreditType != "" {
		sb.WriteString(" AND a.credit_type = ?")
		args = append(args, filter.CreditType)
	}
	if len(filter.Types) > 0 {
		sb.WriteString(" AND t.tx_type IN (?" + strings.Repeat(", ?", len(filter.Types)-1) + ")")
		for _, tt := range filter.Types {
			args = append(args, tt)
		}
	}
	if filter.Since != nil {
		sb.WriteString(" AND t.created_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		sb.WriteString(" AND t.created_at <= ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}

	sb.WriteString(" ORDER BY t.created_at DESC, t.id DESC")
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		sb.WriteString(" OFFSET ?")
		args = append(args, filter.Offset)
	}

	return s.queryTransactions(ctx, q, sb.String(), args...)
}

func (s *Store) PruneTransactions(ctx context.Context, userID credit.UserID, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneTransactions(ctx, s.db, userID, before)
}

func (s *Store) pruneTransactions(ctx context.Context, q dbtx, userID credit.UserID, before time.Time) (int, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM transactions
		 WHERE account_id IN (SELECT id FROM accounts WHERE user_id = ?)
		   AND created_at < ?`,
		userID, before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transactions: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) queryTransactions(ctx context.Context, q dbtx, query string, args ...any) ([]credit.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []credit.Transaction
	for rows.Next() {
		var (
			tx                                              credit.Transaction
			allocationID, idempotencyKey, reference, xferID sql.NullString
			createdAt                                       string
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &allocationID, &tx.Type, &tx.Amount,
			&tx.BalanceBefore, &tx.BalanceAfter, &idempotencyKey, &reference, &xferID,
			&createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.AllocationID = credit.AllocationID(allocationID.String)
		tx.IdempotencyKey = idempotencyKey.String
		tx.Reference = reference.String
		tx.TransferID = xferID.String
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// =============================================================================
// IDEMPOTENCY RECORDS
// =============================================================================

func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*credit.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getIdempotencyRecord(ctx, s.db, key)
}

func (s *Store) getIdempotencyRecord(ctx context.Context, q dbtx, key string) (*credit.IdempotencyRecord, error) {
	var (
		rec        credit.IdempotencyRecord
		resultJSON string
		createdAt  string
	)
	err := q.QueryRowContext(ctx,
		`SELECT key, operation, fingerprint, result_json, created_at
		 FROM idempotency_records WHERE key = ?`,
		key,
	).Scan(&rec.Key, &rec.Operation, &rec.Fingerprint, &resultJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query idempotency record: %w", err)
	}
	rec.ResultJSON = []byte(resultJSON)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

func (s *Store) PutIdempotencyRecord(ctx context.Context, rec credit.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putIdempotencyRecord(ctx, s.db, rec)
}

func (s *Store) putIdempotencyRecord(ctx context.Context, q dbtx, rec credit.IdempotencyRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO idempotency_records (key, operation, fingerprint, result_json, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Key, rec.Operation, rec.Fingerprint, string(rec.ResultJSON),
		rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to put idempotency record: %w", err)
	}
	return nil
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func (s *Store) SaveCampaign(ctx context.Context, c credit.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveCampaign(ctx, s.db, c)
}

func (s *Store) saveCampaign(ctx context.Context, q dbtx, c credit.Campaign) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO campaigns (id, name, total_budget, allocated_amount, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			total_budget = excluded.total_budget,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.TotalBudget, c.AllocatedAmount, c.IsActive,
		c.CreatedAt.UTC().Format(time.RFC3339),
		c.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	return nil
}

func (s *Store) GetCampaign(ctx context.Context, id credit.CampaignID) (*credit.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getCampaign(ctx, s.db, id)
}

func (s *Store) getCampaign(ctx context.Context, q dbtx, id credit.CampaignID) (*credit.Campaign, error) {
	var (
		c                    credit.Campaign
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, name, total_budget, allocated_amount, is_active, created_at, updated_at
		 FROM campaigns WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Name, &c.TotalBudget, &c.AllocatedAmount, &c.IsActive, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, credit.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query campaign: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &c, nil
}

func (s *Store) ListCampaigns(ctx context.Context) ([]credit.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listCampaigns(ctx, s.db)
}

func (s *Store) listCampaigns(ctx context.Context, q dbtx) ([]credit.Campaign, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, name, total_budget, allocated_amount, is_active, created_at, updated_at
		 FROM campaigns ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []credit.Campaign
	for rows.Next() {
		var (
			c                    credit.Campaign
			createdAt, updatedAt string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.TotalBudget, &c.AllocatedAmount, &c.IsActive,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (s *Store) ReserveCampaignBudget(ctx context.Context, id credit.CampaignID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserveCampaignBudget(ctx, s.db, id, amount)
}

func (s *Store) reserveCampaignBudget(ctx context.Context, q dbtx, id credit.CampaignID, amount int64) error {
	// Check and increment are one statement so concurrent grants cannot
	// overshoot the budget.
	res, err := q.ExecContext(ctx,
		`UPDATE campaigns
		 SET allocated_amount = allocated_amount + ?, updated_at = ?
		 WHERE id = ? AND is_active AND allocated_amount + ? <= total_budget`,
		amount, time.Now().UTC().Format(time.RFC3339), id, amount,
	)
	if err != nil {
		return fmt.Errorf("failed to reserve campaign budget: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	c, err := s.getCampaign(ctx, q, id)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return &credit.PolicyViolationError{Reason: "campaign is not active"}
	}
	return &credit.BudgetExhaustedError{
		CampaignID: id,
		Requested:  amount,
		Remaining:  c.RemainingBudget(),
	}
}

// =============================================================================
// TRANSACTIONAL STORE (credit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store credit.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	txStore := &txStore{tx: sqlTx, parent: s}
	if err := fn(txStore); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every operation through the open transaction so reads
// observe the transaction's own uncommitted writes.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) GetAccount(ctx context.Context, userID credit.UserID, ct credit.CreditType) (*credit.Account, error) {
	return ts.parent.getAccount(ctx, ts.tx, userID, ct)
}

func (ts *txStore) GetAccountByID(ctx context.Context, id credit.AccountID) (*credit.Account, error) {
	return ts.parent.getAccountByID(ctx, ts.tx, id)
}

func (ts *txStore) ListAccountsByUser(ctx context.Context, userID credit.UserID) ([]credit.Account, error) {
	return ts.parent.listAccountsByUser(ctx, ts.tx, userID)
}

func (ts *txStore) CreateAccount(ctx context.Context, acct credit.Account) error {
	return ts.parent.createAccount(ctx, ts.tx, acct)
}

func (ts *txStore) UpdateAccount(ctx context.Context, acct credit.Account, expectedVersion int64) error {
	return ts.parent.updateAccount(ctx, ts.tx, acct, expectedVersion)
}

func (ts *txStore) CreateAllocation(ctx context.Context, alloc credit.Allocation) error {
	return ts.parent.createAllocation(ctx, ts.tx, alloc)
}

func (ts *txStore) GetAllocation(ctx context.Context, id credit.AllocationID) (*credit.Allocation, error) {
	return ts.parent.getAllocation(ctx, ts.tx, id)
}

func (ts *txStore) UpdateAllocation(ctx context.Context, alloc credit.Allocation) error {
	return ts.parent.updateAllocation(ctx, ts.tx, alloc)
}

func (ts *txStore) ListOpenAllocations(ctx context.Context, accountID credit.AccountID) ([]credit.Allocation, error) {
	return ts.parent.listOpenAllocations(ctx, ts.tx, accountID)
}

func (ts *txStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]credit.Allocation, error) {
	return ts.parent.listExpirable(ctx, ts.tx, now, limit)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx credit.Transaction) error {
	return ts.parent.appendTx(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransactionByKey(ctx context.Context, key string) (*credit.Transaction, error) {
	return ts.parent.getTransactionByKey(ctx, ts.tx, key)
}

func (ts *txStore) ListTransactionsByUser(ctx context.Context, userID credit.UserID, filter credit.LedgerFilter) ([]credit.Transaction, error) {
	return ts.parent.listTransactionsByUser(ctx, ts.tx, userID, filter)
}

func (ts *txStore) PruneTransactions(ctx context.Context, userID credit.UserID, before time.Time) (int, error) {
	return ts.parent.pruneTransactions(ctx, ts.tx, userID, before)
}

func (ts *txStore) GetIdempotencyRecord(ctx context.Context, key string) (*credit.IdempotencyRecord, error) {
	return ts.parent.getIdempotencyRecord(ctx, ts.tx, key)
}

func (ts *txStore) PutIdempotencyRecord(ctx context.Context, rec credit.IdempotencyRecord) error {
	return ts.parent.putIdempotencyRecord(ctx, ts.tx, rec)
}

func (ts *txStore) SaveCampaign(ctx context.Context, c credit.Campaign) error {
	return ts.parent.saveCampaign(ctx, ts.tx, c)
}

func (ts *txStore) GetCampaign(ctx context.Context, id credit.CampaignID) (*credit.Campaign, error) {
	return ts.parent.getCampaign(ctx, ts.tx, id)
}

func (ts *txStore) ListCampaigns(ctx context.Context) ([]credit.Campaign, error) {
	return ts.parent.listCampaigns(ctx, ts.tx)
}

func (ts *txStore) ReserveCampaignBudget(ctx context.Context, id credit.CampaignID, amount int64) error {
	return ts.parent.reserveCampaignBudget(ctx, ts.tx, id, amount)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"transactions", "allocations", "idempotency_records", "campaigns", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
