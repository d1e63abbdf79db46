// Package store provides the in-memory Store implementation.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/credit-engine/credit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex

	accounts    map[credit.AccountID]credit.Account
	byUserType  map[userTypeKey]credit.AccountID
	allocations map[credit.AllocationID]credit.Allocation
	byAccount   map[credit.AccountID][]credit.AllocationID

	transactions []credit.Transaction
	txByKey      map[string]int // idempotency key -> index into transactions

	idempotency map[string]credit.IdempotencyRecord
	campaigns   map[credit.CampaignID]credit.Campaign
}

type userTypeKey struct {
	UserID     credit.UserID
	CreditType credit.CreditType
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[credit.AccountID]credit.Account),
		byUserType:  make(map[userTypeKey]credit.AccountID),
		allocations: make(map[credit.AllocationID]credit.Allocation),
		byAccount:   make(map[credit.AccountID][]credit.AllocationID),
		txByKey:     make(map[string]int),
		idempotency: make(map[string]credit.IdempotencyRecord),
		campaigns:   make(map[credit.CampaignID]credit.Campaign),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) GetAccount(_ context.Context, userID credit.UserID, ct credit.CreditType) (*credit.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountLocked(userID, ct)
}

func (m *Memory) getAccountLocked(userID credit.UserID, ct credit.CreditType) (*credit.Account, error) {
	id, ok := m.byUserType[userTypeKey{UserID: userID, CreditType: ct}]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	acct := m.accounts[id]
	return &acct, nil
}

func (m *Memory) GetAccountByID(_ context.Context, id credit.AccountID) (*credit.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAccountByIDLocked(id)
}

func (m *Memory) getAccountByIDLocked(id credit.AccountID) (*credit.Account, error) {
	acct, ok := m.accounts[id]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	return &acct, nil
}

func (m *Memory) ListAccountsByUser(_ context.Context, userID credit.UserID) ([]credit.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAccountsByUserLocked(userID), nil
}

func (m *Memory) listAccountsByUserLocked(userID credit.UserID) []credit.Account {
	var result []credit.Account
	for _, acct := range m.accounts {
		if acct.UserID == userID {
			result = append(result, acct)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *Memory) CreateAccount(_ context.Context, acct credit.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAccountLocked(acct)
}

func (m *Memory) createAccountLocked(acct credit.Account) error {
	k := userTypeKey{UserID: acct.UserID, CreditType: acct.CreditType}
	if _, exists := m.byUserType[k]; exists {
		return credit.ErrConcurrencyConflict
	}
	if _, exists := m.accounts[acct.ID]; exists {
		return credit.ErrConcurrencyConflict
	}
	m.accounts[acct.ID] = acct
	m.byUserType[k] = acct.ID
	return nil
}

func (m *Memory) UpdateAccount(_ context.Context, acct credit.Account, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAccountLocked(acct, expectedVersion)
}

func (m *Memory) updateAccountLocked(acct credit.Account, expectedVersion int64) error {
	current, ok := m.accounts[acct.ID]
	if !ok {
		return credit.ErrAccountNotFound
	}
	if current.Version != expectedVersion {
		return credit.ErrConcurrencyConflict
	}
	acct.Version = expectedVersion + 1
	m.accounts[acct.ID] = acct
	return nil
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func (m *Memory) CreateAllocation(_ context.Context, alloc credit.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createAllocationLocked(alloc)
}

func (m *Memory) createAllocationLocked(alloc credit.Allocation) error {
	if _, exists := m.allocations[alloc.ID]; exists {
		return credit.ErrConcurrencyConflict
	}
	m.allocations[alloc.ID] = copyAllocation(alloc)
	m.byAccount[alloc.AccountID] = append(m.byAccount[alloc.AccountID], alloc.ID)
	return nil
}

func (m *Memory) GetAllocation(_ context.Context, id credit.AllocationID) (*credit.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getAllocationLocked(id)
}

func (m *Memory) getAllocationLocked(id credit.AllocationID) (*credit.Allocation, error) {
	alloc, ok := m.allocations[id]
	if !ok {
		return nil, credit.ErrAllocationNotFound
	}
	c := copyAllocation(alloc)
	return &c, nil
}

func (m *Memory) UpdateAllocation(_ context.Context, alloc credit.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAllocationLocked(alloc)
}

func (m *Memory) updateAllocationLocked(alloc credit.Allocation) error {
	if _, ok := m.allocations[alloc.ID]; !ok {
		return credit.ErrAllocationNotFound
	}
	m.allocations[alloc.ID] = copyAllocation(alloc)
	return nil
}

func (m *Memory) ListOpenAllocations(_ context.Context, accountID credit.AccountID) ([]credit.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listOpenAllocationsLocked(accountID), nil
}

func (m *Memory) listOpenAllocationsLocked(accountID credit.AccountID) []credit.Allocation {
	var result []credit.Allocation
	for _, id := range m.byAccount[accountID] {
		alloc := m.allocations[id]
		if alloc.Status == credit.AllocationActive {
			result = append(result, copyAllocation(alloc))
		}
	}
	sortByExpiry(result)
	return result
}

func (m *Memory) ListExpirable(_ context.Context, now time.Time, limit int) ([]credit.Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listExpirableLocked(now, limit), nil
}

func (m *Memory) listExpirableLocked(now time.Time, limit int) []credit.Allocation {
	var result []credit.Allocation
	for _, alloc := range m.allocations {
		if alloc.Status == credit.AllocationActive && alloc.ExpiredBy(now) && alloc.Remaining() > 0 {
			result = append(result, copyAllocation(alloc))
		}
	}
	sortByExpiry(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// sortByExpiry orders by expires_at ascending with never-expiring
// allocations last, tie-broken by allocation ID.
func sortByExpiry(allocs []credit.Allocation) {
	sort.Slice(allocs, func(i, j int) bool {
		a, b := allocs[i], allocs[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return a.ID < b.ID
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ID < b.ID
		default:
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
	})
}

func copyAllocation(a credit.Allocation) credit.Allocation {
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		a.ExpiresAt = &t
	}
	return a
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx credit.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendTransactionLocked(tx)
}

func (m *Memory) appendTransactionLocked(tx credit.Transaction) error {
	if tx.IdempotencyKey != "" {
		if _, exists := m.txByKey[tx.IdempotencyKey]; exists {
			return credit.ErrDuplicateIdempotencyKey
		}
		m.txByKey[tx.IdempotencyKey] = len(m.transactions)
	}
	m.transactions = append(m.transactions, tx)
	return nil
}

func (m *Memory) GetTransactionByKey(_ context.Context, key string) (*credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getTransactionByKeyLocked(key)
}

func (m *Memory) getTransactionByKeyLocked(key string) (*credit.Transaction, error) {
	i, ok := m.txByKey[key]
	if !ok {
		return nil, nil
	}
	tx := m.transactions[i]
	return &tx, nil
}

func (m *Memory) ListTransactionsByUser(_ context.Context, userID credit.UserID, filter credit.LedgerFilter) ([]credit.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listTransactionsByUserLocked(userID, filter), nil
}

func (m *Memory) listTransactionsByUserLocked(userID credit.UserID, filter credit.LedgerFilter) []credit.Transaction {
	owned := make(map[credit.AccountID]credit.CreditType)
	for _, acct := range m.accounts {
		if acct.UserID == userID {
			owned[acct.ID] = acct.CreditType
		}
	}

	var result []credit.Transaction
	for _, tx := range m.transactions {
		ct, ok := owned[tx.AccountID]
		if !ok {
			continue
		}
		if filter.CreditType != "" && ct != filter.CreditType {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, tx.Type) {
			continue
		}
		if filter.Since != nil && tx.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && tx.CreatedAt.After(*filter.Until) {
			continue
		}
		result = append(result, tx)
	}

	// Newest first; ID tie-break keeps the order stable for same-instant
	// entries.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

func containsType(types []credit.TransactionType, t credit.TransactionType) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func (m *Memory) PruneTransactions(_ context.Context, userID credit.UserID, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneTransactionsLocked(userID, before), nil
}

func (m *Memory) pruneTransactionsLocked(userID credit.UserID, before time.Time) int {
	owned := make(map[credit.AccountID]bool)
	for _, acct := range m.accounts {
		if acct.UserID == userID {
			owned[acct.ID] = true
		}
	}

	kept := m.transactions[:0:0]
	pruned := 0
	for _, tx := range m.transactions {
		if owned[tx.AccountID] && tx.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, tx)
	}
	m.transactions = kept

	// Key index positions shift after compaction.
	m.txByKey = make(map[string]int, len(kept))
	for i, tx := range kept {
		if tx.IdempotencyKey != "" {
			m.txByKey[tx.IdempotencyKey] = i
		}
	}
	return pruned
}

// =============================================================================
// IDEMPOTENCY RECORDS
// =============================================================================

func (m *Memory) GetIdempotencyRecord(_ context.Context, key string) (*credit.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getIdempotencyRecordLocked(key)
}

func (m *Memory) getIdempotencyRecordLocked(key string) (*credit.IdempotencyRecord, error) {
	rec, ok := m.idempotency[key]
	if !ok {
		return nil, nil
	}
	c := rec
	c.ResultJSON = append([]byte(nil), rec.ResultJSON...)
	return &c, nil
}

func (m *Memory) PutIdempotencyRecord(_ context.Context, rec credit.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putIdempotencyRecordLocked(rec)
}

func (m *Memory) putIdempotencyRecordLocked(rec credit.IdempotencyRecord) error {
	if _, exists := m.idempotency[rec.Key]; exists {
		return credit.ErrDuplicateIdempotencyKey
	}
	rec.ResultJSON = append([]byte(nil), rec.ResultJSON...)
	m.idempotency[rec.Key] = rec
	return nil
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func (m *Memory) SaveCampaign(_ context.Context, c credit.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCampaignLocked(c)
	return nil
}

func (m *Memory) saveCampaignLocked(c credit.Campaign) {
	m.campaigns[c.ID] = c
}

func (m *Memory) GetCampaign(_ context.Context, id credit.CampaignID) (*credit.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getCampaignLocked(id)
}

func (m *Memory) getCampaignLocked(id credit.CampaignID) (*credit.Campaign, error) {
	c, ok := m.campaigns[id]
	if !ok {
		return nil, credit.ErrCampaignNotFound
	}
	return &c, nil
}

func (m *Memory) ListCampaigns(_ context.Context) ([]credit.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listCampaignsLocked(), nil
}

func (m *Memory) listCampaignsLocked() []credit.Campaign {
	result := make([]credit.Campaign, 0, len(m.campaigns))
	for _, c := range m.campaigns {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return strings.Compare(string(result[i].ID), string(result[j].ID)) < 0
	})
	return result
}

func (m *Memory) ReserveCampaignBudget(_ context.Context, id credit.CampaignID, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveCampaignBudgetLocked(id, amount)
}

func (m *Memory) reserveCampaignBudgetLocked(id credit.CampaignID, amount int64) error {
	c, ok := m.campaigns[id]
	if !ok {
		return credit.ErrCampaignNotFound
	}
	if !c.IsActive {
		return &credit.PolicyViolationError{Reason: "campaign is not active"}
	}
	if c.AllocatedAmount+amount > c.TotalBudget {
		return &credit.BudgetExhaustedError{
			CampaignID: id,
			Requested:  amount,
			Remaining:  c.RemainingBudget(),
		}
	}
	c.AllocatedAmount += amount
	c.UpdatedAt = time.Now().UTC()
	m.campaigns[id] = c
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on
// error, under the write lock for the whole transaction.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(credit.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts     map[credit.AccountID]credit.Account
	byUserType   map[userTypeKey]credit.AccountID
	allocations  map[credit.AllocationID]credit.Allocation
	byAccount    map[credit.AccountID][]credit.AllocationID
	transactions []credit.Transaction
	txByKey      map[string]int
	idempotency  map[string]credit.IdempotencyRecord
	campaigns    map[credit.CampaignID]credit.Campaign
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:     make(map[credit.AccountID]credit.Account, len(tm.accounts)),
		byUserType:   make(map[userTypeKey]credit.AccountID, len(tm.byUserType)),
		allocations:  make(map[credit.AllocationID]credit.Allocation, len(tm.allocations)),
		byAccount:    make(map[credit.AccountID][]credit.AllocationID, len(tm.byAccount)),
		transactions: append([]credit.Transaction(nil), tm.transactions...),
		txByKey:      make(map[string]int, len(tm.txByKey)),
		idempotency:  make(map[string]credit.IdempotencyRecord, len(tm.idempotency)),
		campaigns:    make(map[credit.CampaignID]credit.Campaign, len(tm.campaigns)),
	}
	for k, v := range tm.accounts {
		s.accounts[k] = v
	}
	for k, v := range tm.byUserType {
		s.byUserType[k] = v
	}
	for k, v := range tm.allocations {
		s.allocations[k] = copyAllocation(v)
	}
	for k, v := range tm.byAccount {
		s.byAccount[k] = append([]credit.AllocationID(nil), v...)
	}
	for k, v := range tm.txByKey {
		s.txByKey[k] = v
	}
	for k, v := range tm.idempotency {
		s.idempotency[k] = v
	}
	for k, v := range tm.campaigns {
		s.campaigns[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.accounts = s.accounts
	tm.byUserType = s.byUserType
	tm.allocations = s.allocations
	tm.byAccount = s.byAccount
	tm.transactions = s.transactions
	tm.txByKey = s.txByKey
	tm.idempotency = s.idempotency
	tm.campaigns = s.campaigns
}

// txMemoryView delegates to the parent's locked methods. The parent's
// write lock is held for the lifetime of the view.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetAccount(_ context.Context, userID credit.UserID, ct credit.CreditType) (*credit.Account, error) {
	return tv.parent.getAccountLocked(userID, ct)
}

func (tv *txMemoryView) GetAccountByID(_ context.Context, id credit.AccountID) (*credit.Account, error) {
	return tv.parent.getAccountByIDLocked(id)
}

func (tv *txMemoryView) ListAccountsByUser(_ context.Context, userID credit.UserID) ([]credit.Account, error) {
	return tv.parent.listAccountsByUserLocked(userID), nil
}

func (tv *txMemoryView) CreateAccount(_ context.Context, acct credit.Account) error {
	return tv.parent.createAccountLocked(acct)
}

func (tv *txMemoryView) UpdateAccount(_ context.Context, acct credit.Account, expectedVersion int64) error {
	return tv.parent.updateAccountLocked(acct, expectedVersion)
}

func (tv *txMemoryView) CreateAllocation(_ context.Context, alloc credit.Allocation) error {
	return tv.parent.createAllocationLocked(alloc)
}

func (tv *txMemoryView) GetAllocation(_ context.Context, id credit.AllocationID) (*credit.Allocation, error) {
	return tv.parent.getAllocationLocked(id)
}

func (tv *txMemoryView) UpdateAllocation(_ context.Context, alloc credit.Allocation) error {
	return tv.parent.updateAllocationLocked(alloc)
}

func (tv *txMemoryView) ListOpenAllocations(_ context.Context, accountID credit.AccountID) ([]credit.Allocation, error) {
	return tv.parent.listOpenAllocationsLocked(accountID), nil
}

func (tv *txMemoryView) ListExpirable(_ context.Context, now time.Time, limit int) ([]credit.Allocation, error) {
	return tv.parent.listExpirableLocked(now, limit), nil
}

func (tv *txMemoryView) AppendTransaction(_ context.Context, tx credit.Transaction) error {
	return tv.parent.appendTransactionLocked(tx)
}

func (tv *txMemoryView) GetTransactionByKey(_ context.Context, key string) (*credit.Transaction, error) {
	return tv.parent.getTransactionByKeyLocked(key)
}

func (tv *txMemoryView) ListTransactionsByUser(_ context.Context, userID credit.UserID, filter credit.LedgerFilter) ([]credit.Transaction, error) {
	return tv.parent.listTransactionsByUserLocked(userID, filter), nil
}

func (tv *txMemoryView) PruneTransactions(_ context.Context, userID credit.UserID, before time.Time) (int, error) {
	return tv.parent.pruneTransactionsLocked(userID, before), nil
}

func (tv *txMemoryView) GetIdempotencyRecord(_ context.Context, key string) (*credit.IdempotencyRecord, error) {
	return tv.parent.getIdempotencyRecordLocked(key)
}

func (tv *txMemoryView) PutIdempotencyRecord(_ context.Context, rec credit.IdempotencyRecord) error {
	return tv.parent.putIdempotencyRecordLocked(rec)
}

func (tv *txMemoryView) SaveCampaign(_ context.Context, c credit.Campaign) error {
	tv.parent.saveCampaignLocked(c)
	return nil
}

func (tv *txMemoryView) GetCampaign(_ context.Context, id credit.CampaignID) (*credit.Campaign, error) {
	return tv.parent.getCampaignLocked(id)
}

func (tv *txMemoryView) ListCampaigns(_ context.Context) ([]credit.Campaign, error) {
	return tv.parent.listCampaignsLocked(), nil
}

func (tv *txMemoryView) ReserveCampaignBudget(_ context.Context, id credit.CampaignID, amount int64) error {
	return tv.parent.reserveCampaignBudgetLocked(id, amount)
}
