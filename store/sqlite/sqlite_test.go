package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *sqlite.Store, user string, ct credit.CreditType) credit.Account {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	acct := credit.Account{
		ID:         credit.AccountID(credit.NewID()),
		UserID:     credit.UserID(user),
		CreditType: ct,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.CreateAccount(context.Background(), acct))
	return acct
}

func seedAllocation(t *testing.T, s *sqlite.Store, accountID credit.AccountID, amount int64, expiresAt *time.Time) credit.Allocation {
	t.Helper()
	alloc := credit.Allocation{
		ID:         credit.AllocationID(credit.NewID()),
		AccountID:  accountID,
		Amount:     amount,
		SourceType: credit.SourceManual,
		SourceID:   "seed",
		GrantedAt:  time.Now().UTC().Truncate(time.Second),
		ExpiresAt:  expiresAt,
		Status:     credit.AllocationActive,
	}
	require.NoError(t, s.CreateAllocation(context.Background(), alloc))
	return alloc
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestSQLite_AccountRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	acct := seedAccount(t, s, "user-1", credit.TypePurchased)

	byPair, err := s.GetAccount(ctx, "user-1", credit.TypePurchased)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, byPair.ID)
	assert.True(t, byPair.IsActive)
	assert.Equal(t, int64(0), byPair.Balance)

	byID, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, acct.UserID, byID.UserID)

	_, err = s.GetAccount(ctx, "user-1", credit.TypeBonus)
	assert.ErrorIs(t, err, credit.ErrAccountNotFound)
}

func TestSQLite_AccountPairUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedAccount(t, s, "user-1", credit.TypePurchased)

	dup := credit.Account{
		ID:         credit.AccountID(credit.NewID()),
		UserID:     "user-1",
		CreditType: credit.TypePurchased,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	err := s.CreateAccount(ctx, dup)
	assert.ErrorIs(t, err, credit.ErrConcurrencyConflict)
}

func TestSQLite_UpdateAccount_VersionGuard(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acct := seedAccount(t, s, "user-1", credit.TypePurchased)

	current, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)

	current.Balance = 50
	require.NoError(t, s.UpdateAccount(ctx, *current, current.Version))

	// The stale version must not win.
	current.Balance = 999
	err = s.UpdateAccount(ctx, *current, current.Version)
	assert.ErrorIs(t, err, credit.ErrConcurrencyConflict)

	fresh, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), fresh.Balance)
	assert.Equal(t, current.Version+1, fresh.Version)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func TestSQLite_OpenAllocations_FIFOByExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acct := seedAccount(t, s, "user-1", credit.TypePurchased)

	now := time.Now().UTC().Truncate(time.Second)
	late := now.Add(72 * time.Hour)
	early := now.Add(24 * time.Hour)
	never := seedAllocation(t, s, acct.ID, 10, nil)
	second := seedAllocation(t, s, acct.ID, 10, &late)
	first := seedAllocation(t, s, acct.ID, 10, &early)

	open, err := s.ListOpenAllocations(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, first.ID, open[0].ID)
	assert.Equal(t, second.ID, open[1].ID)
	assert.Equal(t, never.ID, open[2].ID)
}

func TestSQLite_ListExpirable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acct := seedAccount(t, s, "user-1", credit.TypePurchased)

	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	expired := seedAllocation(t, s, acct.ID, 10, &past)
	seedAllocation(t, s, acct.ID, 10, &future)
	seedAllocation(t, s, acct.ID, 10, nil)

	batch, err := s.ListExpirable(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, expired.ID, batch[0].ID)

	// A retired allocation drops out of the expirable set.
	batch[0].Status = credit.AllocationExpired
	batch[0].ExpiredAmount = batch[0].Amount
	require.NoError(t, s.UpdateAllocation(ctx, batch[0]))

	batch, err = s.ListExpirable(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestSQLite_TransactionHistoryAndFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	purchased := seedAccount(t, s, "user-1", credit.TypePurchased)
	bonus := seedAccount(t, s, "user-1", credit.TypeBonus)
	alloc := seedAllocation(t, s, purchased.ID, 100, nil)

	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	txs := []credit.Transaction{
		{ID: credit.TransactionID(credit.NewID()), AccountID: purchased.ID, AllocationID: alloc.ID,
			Type: credit.TxGrant, Amount: 100, BalanceAfter: 100, IdempotencyKey: "g-1", CreatedAt: base},
		{ID: credit.TransactionID(credit.NewID()), AccountID: purchased.ID, AllocationID: alloc.ID,
			Type: credit.TxConsume, Amount: 40, BalanceBefore: 100, BalanceAfter: 60, CreatedAt: base.Add(time.Minute)},
		{ID: credit.TransactionID(credit.NewID()), AccountID: bonus.ID,
			Type: credit.TxGrant, Amount: 20, BalanceAfter: 20, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, tx := range txs {
		require.NoError(t, s.AppendTransaction(ctx, tx))
	}

	all, err := s.ListTransactionsByUser(ctx, "user-1", credit.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, txs[2].ID, all[0].ID)
	assert.Equal(t, txs[0].ID, all[2].ID)

	consumes, err := s.ListTransactionsByUser(ctx, "user-1", credit.LedgerFilter{
		Types: []credit.TransactionType{credit.TxConsume},
	})
	require.NoError(t, err)
	require.Len(t, consumes, 1)
	assert.Equal(t, int64(40), consumes[0].Amount)

	bonusOnly, err := s.ListTransactionsByUser(ctx, "user-1", credit.LedgerFilter{
		CreditType: credit.TypeBonus,
	})
	require.NoError(t, err)
	require.Len(t, bonusOnly, 1)
	assert.Equal(t, bonus.ID, bonusOnly[0].AccountID)

	since := base.Add(30 * time.Second)
	recent, err := s.ListTransactionsByUser(ctx, "user-1", credit.LedgerFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	paged, err := s.ListTransactionsByUser(ctx, "user-1", credit.LedgerFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, txs[1].ID, paged[0].ID)
}

func TestSQLite_TransactionIdempotencyKeyUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acct := seedAccount(t, s, "user-1", credit.TypePurchased)

	tx := credit.Transaction{
		ID: credit.TransactionID(credit.NewID()), AccountID: acct.ID,
		Type: credit.TxGrant, Amount: 10, BalanceAfter: 10,
		IdempotencyKey: "dup-key", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendTransaction(ctx, tx))

	tx.ID = credit.TransactionID(credit.NewID())
	err := s.AppendTransaction(ctx, tx)
	assert.ErrorIs(t, err, credit.ErrDuplicateIdempotencyKey)

	found, err := s.GetTransactionByKey(ctx, "dup-key")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(10), found.Amount)

	missing, err := s.GetTransactionByKey(ctx, "no-such-key")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_PruneTransactions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acct := seedAccount(t, s, "user-1", credit.TypePurchased)

	now := time.Now().UTC().Truncate(time.Second)
	old := credit.Transaction{
		ID: credit.TransactionID(credit.NewID()), AccountID: acct.ID,
		Type: credit.TxGrant, Amount: 10, BalanceAfter: 10,
		CreatedAt: now.Add(-48 * time.Hour),
	}
	recent := credit.Transaction{
		ID: credit.TransactionID(credit.NewID()), AccountID: acct.ID,
		Type: credit.TxGrant, Amount: 5, BalanceBefore: 10, BalanceAfter: 15,
		CreatedAt: now,
	}
	require.NoError(t, s.AppendTransaction(ctx, old))
	require.NoError(t, s.AppendTransaction(ctx, recent))

	pruned, err := s.PruneTransactions(ctx, "user-1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	left, err := s.ListTransactionsByUser(ctx, "user-1", credit.LedgerFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, recent.ID, left[0].ID)
}

// =============================================================================
// IDEMPOTENCY RECORDS / CAMPAIGNS
// =============================================================================

func TestSQLite_IdempotencyRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rec := credit.IdempotencyRecord{
		Key: "op-1", Operation: "consume", Fingerprint: "fp",
		ResultJSON: []byte(`{"ok":true}`), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutIdempotencyRecord(ctx, rec))

	err := s.PutIdempotencyRecord(ctx, rec)
	assert.ErrorIs(t, err, credit.ErrDuplicateIdempotencyKey)

	got, err := s.GetIdempotencyRecord(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "consume", got.Operation)
	assert.JSONEq(t, `{"ok":true}`, string(got.ResultJSON))

	none, err := s.GetIdempotencyRecord(ctx, "op-2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLite_CampaignBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	c := credit.Campaign{ID: "c-1", Name: "Promo", TotalBudget: 100, IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.SaveCampaign(ctx, c))

	require.NoError(t, s.ReserveCampaignBudget(ctx, "c-1", 70))

	err := s.ReserveCampaignBudget(ctx, "c-1", 40)
	assert.ErrorIs(t, err, credit.ErrBudgetExhausted)

	require.NoError(t, s.ReserveCampaignBudget(ctx, "c-1", 30))

	got, err := s.GetCampaign(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.AllocatedAmount)
	assert.Equal(t, int64(0), got.RemainingBudget())

	err = s.ReserveCampaignBudget(ctx, "missing", 1)
	assert.ErrorIs(t, err, credit.ErrCampaignNotFound)

	c.IsActive = false
	require.NoError(t, s.SaveCampaign(ctx, c))
	err = s.ReserveCampaignBudget(ctx, "c-1", 1)
	assert.ErrorIs(t, err, credit.ErrPolicyViolation)
}

// =============================================================================
// TRANSACTIONS (SQL) - Atomic boundary
// =============================================================================

func TestSQLite_WithTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acct := seedAccount(t, s, "user-1", credit.TypePurchased)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(st credit.Store) error {
		alloc := credit.Allocation{
			ID: credit.AllocationID(credit.NewID()), AccountID: acct.ID,
			Amount: 50, SourceType: credit.SourceManual, SourceID: "tx",
			GrantedAt: time.Now().UTC(), Status: credit.AllocationActive,
		}
		if err := st.CreateAllocation(ctx, alloc); err != nil {
			return err
		}
		current, err := st.GetAccountByID(ctx, acct.ID)
		if err != nil {
			return err
		}
		current.Balance = 50
		if err := st.UpdateAccount(ctx, *current, current.Version); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	fresh, err := s.GetAccountByID(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fresh.Balance)

	open, err := s.ListOpenAllocations(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSQLite_WithTx_UncommittedWritesVisibleInside(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acct := seedAccount(t, s, "user-1", credit.TypePurchased)

	err := s.WithTx(ctx, func(st credit.Store) error {
		alloc := credit.Allocation{
			ID: credit.AllocationID(credit.NewID()), AccountID: acct.ID,
			Amount: 50, SourceType: credit.SourceManual, SourceID: "tx",
			GrantedAt: time.Now().UTC(), Status: credit.AllocationActive,
		}
		if err := st.CreateAllocation(ctx, alloc); err != nil {
			return err
		}
		open, err := st.ListOpenAllocations(ctx, acct.ID)
		if err != nil {
			return err
		}
		assert.Len(t, open, 1)
		return nil
	})
	require.NoError(t, err)
}

// =============================================================================
// ENGINE OVER SQLITE - End-to-end persistence
// =============================================================================

func TestSQLite_EngineEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	engine, err := credit.NewEngine(s, nil)
	require.NoError(t, err)

	_, err = engine.Allocate(ctx, credit.AllocationRequest{
		UserID:     "tenant-1",
		CreditType: credit.TypeSubscription,
		Amount:     1_000_000,
		SourceType: credit.SourceSubscription,
		SourceID:   "renewal-2026-08",
	})
	require.NoError(t, err)

	result, err := engine.Consume(ctx, "tenant-1", 250_000, "bill-1", "bill-1")
	require.NoError(t, err)
	assert.Equal(t, int64(750_000), result.BalanceAfter)

	replay, err := engine.Consume(ctx, "tenant-1", 250_000, "bill-1", "bill-1")
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, result.BalanceAfter, replay.BalanceAfter)

	summary, err := engine.GetBalance(ctx, "tenant-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(750_000), summary.Total)
}
