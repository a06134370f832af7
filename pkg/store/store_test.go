package store_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solfoundry/vestd/pkg/store"
	"github.com/solfoundry/vestd/pkg/testutil"
	"github.com/solfoundry/vestd/pkg/vesting"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	pool := testutil.NewMigratedPool(t, testDB)
	return store.New(slog.Default(), pool)
}

// uniqueWallet avoids collisions across tests sharing one container.
func uniqueWallet() string {
	return "wallet-" + uuid.NewString()
}

func createTestPool(t *testing.T, s *store.Store, escrowID *string) *vesting.Pool {
	t.Helper()
	p := &vesting.Pool{
		Name:            "pool-" + uuid.NewString()[:8],
		TotalAmount:     1_000_000_000_000,
		StartTime:       time.Now().UTC().Add(-time.Hour),
		CliffDuration:   0,
		VestingDuration: 100 * time.Second,
		EscrowID:        escrowID,
	}
	require.NoError(t, s.CreatePool(t.Context(), p))
	return p
}

func createTestAllocation(t *testing.T, s *store.Store, poolID uuid.UUID, wallet string, amount int64) *vesting.Allocation {
	t.Helper()
	a := &vesting.Allocation{
		PoolID:      poolID,
		Wallet:      wallet,
		TokenAmount: amount,
		SharePct:    5,
		IsActive:    true,
	}
	require.NoError(t, s.CreateAllocation(t.Context(), a))
	return a
}

func TestPoolLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	p := createTestPool(t, s, nil)
	require.NotEqual(t, uuid.Nil, p.ID)
	assert.Equal(t, vesting.PoolStateActive, p.State)

	got, err := s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, 100*time.Second, got.VestingDuration)

	require.NoError(t, s.UpdatePoolState(ctx, p.ID, vesting.PoolStatePaused))
	got, err = s.GetPool(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, vesting.PoolStatePaused, got.State)

	require.NoError(t, s.UpdatePoolState(ctx, p.ID, vesting.PoolStateCancelled))

	// Cancellation is terminal.
	err = s.UpdatePoolState(ctx, p.ID, vesting.PoolStateActive)
	require.Error(t, err)
	assert.Equal(t, vesting.KindValidation, vesting.KindOf(err))
}

func TestGetPool_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetPool(t.Context(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, vesting.KindNotFound, vesting.KindOf(err))
}

func TestActiveAllocations_FiltersAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	wallet := uniqueWallet()

	first := createTestPool(t, s, nil)
	second := createTestPool(t, s, nil)
	paused := createTestPool(t, s, nil)
	require.NoError(t, s.UpdatePoolState(ctx, paused.ID, vesting.PoolStatePaused))

	a1 := createTestAllocation(t, s, first.ID, wallet, 100)
	a2 := createTestAllocation(t, s, second.ID, wallet, 200)
	createTestAllocation(t, s, paused.ID, wallet, 300)

	cancelled := createTestAllocation(t, s, first.ID, wallet, 400)
	require.NoError(t, s.CancelAllocation(ctx, cancelled.ID))

	createTestAllocation(t, s, first.ID, uniqueWallet(), 500)

	views, err := s.ActiveAllocations(ctx, wallet, nil)
	require.NoError(t, err)

	require.Len(t, views, 2, "paused-pool, cancelled, and foreign allocations are excluded")
	assert.Equal(t, a1.ID, views[0].Allocation.ID, "oldest allocation first")
	assert.Equal(t, a2.ID, views[1].Allocation.ID)
	assert.Equal(t, first.ID, views[0].Pool.ID)

	scoped, err := s.ActiveAllocations(ctx, wallet, &second.ID)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, a2.ID, scoped[0].Allocation.ID)
}

func TestSettlementIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	wallet := uniqueWallet()

	p := createTestPool(t, s, nil)
	a := createTestAllocation(t, s, p.ID, wallet, 1000)

	feeTx := "sig-" + uuid.NewString()
	st := &vesting.Settlement{
		Wallet:  wallet,
		FeeTxID: feeTx,
		FeePaid: 5000,
		Amount:  100,
		Breakdown: vesting.Breakdown{
			{PoolID: p.ID, AllocationID: a.ID, Amount: 100},
		},
	}
	require.NoError(t, s.CreateSettlement(ctx, st))
	assert.Equal(t, vesting.SettlementPending, st.Status)

	// Replaying the same fee transaction must fail as a conflict and
	// leave no second journal row.
	dup := &vesting.Settlement{
		Wallet:    wallet,
		FeeTxID:   feeTx,
		FeePaid:   5000,
		Amount:    50,
		Breakdown: vesting.Breakdown{{PoolID: p.ID, AllocationID: a.ID, Amount: 50}},
	}
	err := s.CreateSettlement(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, vesting.KindConflict, vesting.KindOf(err))
	assert.Contains(t, err.Error(), "already been used")

	used, err := s.FeeTxUsed(ctx, feeTx)
	require.NoError(t, err)
	assert.True(t, used)
}

func TestCompleteSettlement(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	wallet := uniqueWallet()

	p := createTestPool(t, s, nil)
	a := createTestAllocation(t, s, p.ID, wallet, 1000)
	b := createTestAllocation(t, s, p.ID, wallet, 2000)

	feeTx := "sig-" + uuid.NewString()
	transferTx := "sig-" + uuid.NewString()
	st := &vesting.Settlement{
		Wallet:  wallet,
		FeeTxID: feeTx,
		FeePaid: 9000,
		Amount:  300,
		Breakdown: vesting.Breakdown{
			{PoolID: p.ID, AllocationID: a.ID, Amount: 100},
			{PoolID: p.ID, AllocationID: b.ID, Amount: 200},
		},
	}
	require.NoError(t, s.CreateSettlement(ctx, st))
	require.NoError(t, s.SetSettlementSubmitted(ctx, st.ID, transferTx))
	require.NoError(t, s.MarkSettlementConfirmed(ctx, st.ID, transferTx))

	records := []vesting.ClaimRecord{
		{Wallet: wallet, AllocationID: a.ID, PoolID: p.ID, AmountClaimed: 100, FeePaid: 3000, FeeTxID: feeTx, TransferTxID: transferTx},
		{Wallet: wallet, AllocationID: b.ID, PoolID: p.ID, AmountClaimed: 200, FeePaid: 6000, FeeTxID: feeTx, TransferTxID: transferTx},
	}
	require.NoError(t, s.CompleteSettlement(ctx, st.ID, records))

	totals, err := s.ClaimedTotals(ctx, []uuid.UUID{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(100), totals[a.ID])
	assert.Equal(t, int64(200), totals[b.ID])

	// A second completion pass (e.g. reconciler racing the request path)
	// must not double-write.
	err = s.CompleteSettlement(ctx, st.ID, records[:1])
	require.Error(t, err)
	assert.Equal(t, vesting.KindConflict, vesting.KindOf(err))

	totals, err = s.ClaimedTotals(ctx, []uuid.UUID{a.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(100), totals[a.ID], "conflicting pass rolled back")

	unresolved, err := s.UnresolvedSettlements(ctx, 100)
	require.NoError(t, err)
	for _, u := range unresolved {
		assert.NotEqual(t, st.ID, u.ID, "recorded settlement is resolved")
	}
}

func TestUnresolvedSettlements(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	wallet := uniqueWallet()

	p := createTestPool(t, s, nil)
	a := createTestAllocation(t, s, p.ID, wallet, 1000)

	st := &vesting.Settlement{
		Wallet:    wallet,
		FeeTxID:   "sig-" + uuid.NewString(),
		FeePaid:   100,
		Amount:    10,
		Breakdown: vesting.Breakdown{{PoolID: p.ID, AllocationID: a.ID, Amount: 10}},
	}
	require.NoError(t, s.CreateSettlement(ctx, st))

	// A freshly created pending row is still the live settlement path's
	// business.
	unresolved, err := s.UnresolvedSettlements(ctx, 100)
	require.NoError(t, err)
	for _, u := range unresolved {
		require.NotEqual(t, st.ID, u.ID)
	}

	transferTx := "sig-" + uuid.NewString()
	require.NoError(t, s.SetSettlementSubmitted(ctx, st.ID, transferTx))

	unresolved, err = s.UnresolvedSettlements(ctx, 100)
	require.NoError(t, err)

	var found *vesting.Settlement
	for i := range unresolved {
		if unresolved[i].ID == st.ID {
			found = &unresolved[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, vesting.SettlementSubmitted, found.Status)
	require.NotNil(t, found.TransferTxID)
	assert.Equal(t, transferTx, *found.TransferTxID)
	require.Len(t, found.Breakdown, 1)
	assert.Equal(t, int64(10), found.Breakdown[0].Amount)
}

func TestUnresolvedSettlements_StalePendingRow(t *testing.T) {
	pool := testutil.NewMigratedPool(t, testDB)
	s := store.New(slog.Default(), pool)
	ctx := t.Context()
	wallet := uniqueWallet()

	p := createTestPool(t, s, nil)
	a := createTestAllocation(t, s, p.ID, wallet, 1000)

	st := &vesting.Settlement{
		Wallet:    wallet,
		FeeTxID:   "sig-" + uuid.NewString(),
		FeePaid:   100,
		Amount:    10,
		Breakdown: vesting.Breakdown{{PoolID: p.ID, AllocationID: a.ID, Amount: 10}},
	}
	require.NoError(t, s.CreateSettlement(ctx, st))

	// Backdate the row past the grace period: a pending settlement this
	// old is a crash orphan, not live traffic.
	_, err := pool.Exec(ctx, `
		UPDATE settlements SET created_at = now() - interval '1 hour',
			updated_at = now() - interval '1 hour'
		WHERE id = $1
	`, st.ID)
	require.NoError(t, err)

	unresolved, err := s.UnresolvedSettlements(ctx, 100)
	require.NoError(t, err)

	var found *vesting.Settlement
	for i := range unresolved {
		if unresolved[i].ID == st.ID {
			found = &unresolved[i]
		}
	}
	require.NotNil(t, found, "an orphaned pending row must surface for reconciliation")
	assert.Equal(t, vesting.SettlementPending, found.Status)
	assert.Nil(t, found.TransferTxID)

	// Releasing the row resolves it for good.
	require.NoError(t, s.MarkSettlementFailed(ctx, st.ID))
	unresolved, err = s.UnresolvedSettlements(ctx, 100)
	require.NoError(t, err)
	for _, u := range unresolved {
		assert.NotEqual(t, st.ID, u.ID)
	}
}

func TestClaimHistoryPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	wallet := uniqueWallet()

	p := createTestPool(t, s, nil)
	a := createTestAllocation(t, s, p.ID, wallet, 100_000)

	for i := 0; i < 5; i++ {
		feeTx := "sig-" + uuid.NewString()
		transferTx := "sig-" + uuid.NewString()
		st := &vesting.Settlement{
			Wallet:    wallet,
			FeeTxID:   feeTx,
			FeePaid:   100,
			Amount:    int64(10 + i),
			Breakdown: vesting.Breakdown{{PoolID: p.ID, AllocationID: a.ID, Amount: int64(10 + i)}},
		}
		require.NoError(t, s.CreateSettlement(ctx, st))
		require.NoError(t, s.SetSettlementSubmitted(ctx, st.ID, transferTx))
		require.NoError(t, s.CompleteSettlement(ctx, st.ID, []vesting.ClaimRecord{{
			Wallet: wallet, AllocationID: a.ID, PoolID: p.ID,
			AmountClaimed: int64(10 + i), FeePaid: 100, FeeTxID: feeTx, TransferTxID: transferTx,
		}}))
	}

	page1, total, err := s.ClaimHistory(ctx, wallet, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page1, 2)

	page2, _, err := s.ClaimHistory(ctx, wallet, 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)

	page3, _, err := s.ClaimHistory(ctx, wallet, 2, 4)
	require.NoError(t, err)
	require.Len(t, page3, 1)
}

func TestClaimedTotals_Empty(t *testing.T) {
	s := newTestStore(t)

	totals, err := s.ClaimedTotals(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, totals)

	totals, err = s.ClaimedTotals(t.Context(), []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestCreateAllocation_UnknownPool(t *testing.T) {
	s := newTestStore(t)

	err := s.CreateAllocation(t.Context(), &vesting.Allocation{
		PoolID:      uuid.New(),
		Wallet:      uniqueWallet(),
		TokenAmount: 10,
		IsActive:    true,
	})
	require.Error(t, err, "foreign key to pools must hold")
}
