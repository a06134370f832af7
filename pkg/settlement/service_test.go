package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solfoundry/vestd/pkg/ledger"
	"github.com/solfoundry/vestd/pkg/vesting"
)

const lamportsPerToken = 1_000_000_000

type fakeAllocStore struct {
	views   []vesting.AllocationView
	claimed map[uuid.UUID]int64
}

func (f *fakeAllocStore) ActiveAllocations(_ context.Context, wallet string, _ *uuid.UUID) ([]vesting.AllocationView, error) {
	return f.views, nil
}

func (f *fakeAllocStore) ClaimedTotals(_ context.Context, _ []uuid.UUID) (map[uuid.UUID]int64, error) {
	if f.claimed == nil {
		return map[uuid.UUID]int64{}, nil
	}
	return f.claimed, nil
}

type fakeJournal struct {
	created    []*vesting.Settlement
	createErr  error
	statuses   map[uuid.UUID]vesting.SettlementStatus
	submitted  map[uuid.UUID]string
	recorded   map[uuid.UUID][]vesting.ClaimRecord
	recordErr  error
	confirmErr error
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		statuses:  map[uuid.UUID]vesting.SettlementStatus{},
		submitted: map[uuid.UUID]string{},
		recorded:  map[uuid.UUID][]vesting.ClaimRecord{},
	}
}

func (f *fakeJournal) FeeTxUsed(_ context.Context, feeTxID string) (bool, error) {
	for _, st := range f.created {
		if st.FeeTxID == feeTxID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeJournal) CreateSettlement(_ context.Context, st *vesting.Settlement) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, st)
	f.statuses[st.ID] = vesting.SettlementPending
	return nil
}

func (f *fakeJournal) SetSettlementSubmitted(_ context.Context, id uuid.UUID, transferTxID string) error {
	f.statuses[id] = vesting.SettlementSubmitted
	f.submitted[id] = transferTxID
	return nil
}

func (f *fakeJournal) MarkSettlementConfirmed(_ context.Context, id uuid.UUID, transferTxID string) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.statuses[id] = vesting.SettlementConfirmed
	return nil
}

func (f *fakeJournal) MarkSettlementFailed(_ context.Context, id uuid.UUID) error {
	f.statuses[id] = vesting.SettlementFailed
	return nil
}

func (f *fakeJournal) CompleteSettlement(_ context.Context, id uuid.UUID, records []vesting.ClaimRecord) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.statuses[id] = vesting.SettlementRecorded
	f.recorded[id] = records
	return nil
}

type fakeOracle struct {
	lamports int64
	err      error
}

func (f *fakeOracle) FeeLamports(_ context.Context) (int64, error) {
	return f.lamports, f.err
}

type fakeLedger struct {
	transactions map[solana.Signature]*ledger.TransactionResult
	blockhash    solana.Hash
	sendSig      solana.Signature
	sendErr      error
	sends        int
}

func (f *fakeLedger) GetTransaction(_ context.Context, sig solana.Signature) (*ledger.TransactionResult, error) {
	if r, ok := f.transactions[sig]; ok {
		return r, nil
	}
	return nil, ledger.ErrTransactionNotFound
}

func (f *fakeLedger) GetSignatureStatus(_ context.Context, _ solana.Signature) (ledger.TxStatus, error) {
	return ledger.TxStatusConfirmed, nil
}

func (f *fakeLedger) GetLatestBlockhash(_ context.Context) (solana.Hash, error) {
	return f.blockhash, nil
}

func (f *fakeLedger) SendTransaction(_ context.Context, _ string) (solana.Signature, error) {
	f.sends++
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return f.sendSig, nil
}

// passthroughSupervisor exercises the submit callback once and mirrors the
// supervisor's contract without its timing machinery.
type passthroughSupervisor struct {
	blockhash solana.Hash
	err       error
}

func (p *passthroughSupervisor) SubmitAndConfirm(ctx context.Context, submit ledger.SubmitFunc) (solana.Signature, error) {
	sig, err := submit(ctx, p.blockhash)
	if err != nil {
		return solana.Signature{}, err
	}
	if p.err != nil {
		return sig, p.err
	}
	return sig, nil
}

type fixture struct {
	service  *Service
	journal  *fakeJournal
	ledger   *fakeLedger
	treasury *ledger.Treasury
	wallet   solana.PrivateKey
	now      time.Time
}

func newFixture(t *testing.T, views func(now time.Time, wallet string) []vesting.AllocationView) *fixture {
	t.Helper()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)
	log := slog.Default()

	walletKey := solana.NewWallet().PrivateKey
	walletAddr := walletKey.PublicKey().String()

	store := &fakeAllocStore{views: views(now, walletAddr)}
	agg, err := vesting.NewAggregator(vesting.AggregatorConfig{
		Logger: log,
		Clock:  clock,
		Store:  store,
	})
	require.NoError(t, err)

	treasury, err := ledger.NewTreasury(ledger.TreasuryConfig{
		PrivateKey: solana.NewWallet().PrivateKey.String(),
		Mint:       solana.NewWallet().PublicKey().String(),
	})
	require.NoError(t, err)

	lc := &fakeLedger{
		transactions: map[solana.Signature]*ledger.TransactionResult{},
		blockhash:    solana.Hash(solana.NewWallet().PublicKey()),
	}

	svc, err := NewService(ServiceConfig{
		Logger:     log,
		Clock:      clock,
		Journal:    newFakeJournal(),
		Aggregator: agg,
		Oracle:     &fakeOracle{lamports: 5_000_000},
		Ledger:     lc,
		Treasury:   treasury,
		Supervisor: &passthroughSupervisor{blockhash: lc.blockhash},
	})
	require.NoError(t, err)

	f := &fixture{
		service:  svc,
		journal:  svc.journal.(*fakeJournal),
		ledger:   lc,
		treasury: treasury,
		wallet:   walletKey,
		now:      now,
	}
	return f
}

// fullyVestedViews is a wallet with two fully vested allocations, 100 and
// 50 tokens, oldest first.
func fullyVestedViews(now time.Time, wallet string) []vesting.AllocationView {
	older := vesting.Pool{
		ID:              uuid.New(),
		Name:            "seed",
		TotalAmount:     1_000 * lamportsPerToken,
		StartTime:       now.Add(-400 * 24 * time.Hour),
		VestingDuration: 100 * 24 * time.Hour,
		State:           vesting.PoolStateActive,
	}
	newer := vesting.Pool{
		ID:              uuid.New(),
		Name:            "team",
		TotalAmount:     500 * lamportsPerToken,
		StartTime:       now.Add(-300 * 24 * time.Hour),
		VestingDuration: 100 * 24 * time.Hour,
		State:           vesting.PoolStateActive,
	}
	return []vesting.AllocationView{
		{
			Allocation: vesting.Allocation{
				ID:          uuid.New(),
				PoolID:      older.ID,
				Wallet:      wallet,
				TokenAmount: 100 * lamportsPerToken,
				IsActive:    true,
				CreatedAt:   older.StartTime,
			},
			Pool: older,
		},
		{
			Allocation: vesting.Allocation{
				ID:          uuid.New(),
				PoolID:      newer.ID,
				Wallet:      wallet,
				TokenAmount: 50 * lamportsPerToken,
				IsActive:    true,
				CreatedAt:   newer.StartTime,
			},
			Pool: newer,
		},
	}
}

// confirmedFeePayment registers a confirmed fee transaction crediting the
// treasury and returns its signature.
func (f *fixture) confirmedFeePayment(lamports int64) solana.Signature {
	var raw [64]byte
	raw[0] = byte(len(f.ledger.transactions) + 1)
	sig := solana.Signature(raw)
	f.ledger.transactions[sig] = &ledger.TransactionResult{
		Signature: sig,
		Slot:      1000,
		BalanceChanges: map[string]int64{
			f.treasury.Account().String(): lamports,
			f.wallet.PublicKey().String(): -lamports,
		},
	}
	return sig
}

func TestPrepareClaim_FullBalance(t *testing.T) {
	f := newFixture(t, fullyVestedViews)

	intent, err := f.service.PrepareClaim(t.Context(), f.wallet.PublicKey().String(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(150*lamportsPerToken), intent.Amount)
	require.Len(t, intent.Breakdown, 2)
	assert.Equal(t, int64(100*lamportsPerToken), intent.Breakdown[0].Amount)
	assert.Equal(t, int64(50*lamportsPerToken), intent.Breakdown[1].Amount)
	assert.Equal(t, int64(5_000_000), intent.FeeLamports)
	assert.NotEmpty(t, intent.FeeTransaction)
	assert.Equal(t, f.ledger.blockhash.String(), intent.RecentBlockhash)
}

func TestPrepareClaim_PartialAmount(t *testing.T) {
	f := newFixture(t, fullyVestedViews)

	amount := int64(120 * lamportsPerToken)
	intent, err := f.service.PrepareClaim(t.Context(), f.wallet.PublicKey().String(), &amount)
	require.NoError(t, err)

	require.Len(t, intent.Breakdown, 2)
	assert.Equal(t, int64(100*lamportsPerToken), intent.Breakdown[0].Amount)
	assert.Equal(t, int64(20*lamportsPerToken), intent.Breakdown[1].Amount)
}

func TestPrepareClaim_AmountExceedsBalance(t *testing.T) {
	f := newFixture(t, fullyVestedViews)

	amount := int64(151 * lamportsPerToken)
	_, err := f.service.PrepareClaim(t.Context(), f.wallet.PublicKey().String(), &amount)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindValidation))
}

func TestPrepareClaim_InvalidWallet(t *testing.T) {
	f := newFixture(t, fullyVestedViews)

	_, err := f.service.PrepareClaim(t.Context(), "not-a-wallet", nil)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindValidation))
}

func TestPrepareClaim_Disabled(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	disabled := &atomic.Bool{}
	disabled.Store(true)
	f.service.disabled = disabled

	_, err := f.service.PrepareClaim(t.Context(), f.wallet.PublicKey().String(), nil)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindForbidden))
}

func TestCompleteClaim_SettlesAndRecords(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)

	feeSig := f.confirmedFeePayment(intent.FeeLamports)
	var transferRaw [64]byte
	transferRaw[63] = 0x7f
	f.ledger.sendSig = solana.Signature(transferRaw)

	receipt, err := f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.NoError(t, err)

	assert.Equal(t, intent.Amount, receipt.Amount)
	assert.Equal(t, intent.FeeLamports, receipt.FeePaid)
	assert.Equal(t, feeSig.String(), receipt.FeeTxID)
	assert.NotEmpty(t, receipt.TransferTxID)

	require.Len(t, f.journal.created, 1)
	st := f.journal.created[0]
	assert.Equal(t, vesting.SettlementRecorded, f.journal.statuses[st.ID])
	assert.NotEmpty(t, f.journal.submitted[st.ID], "transfer signature must be journaled before submission")

	records := f.journal.recorded[st.ID]
	require.Len(t, records, 2)
	var recordedTotal, feeTotal int64
	for _, r := range records {
		recordedTotal += r.AmountClaimed
		feeTotal += r.FeePaid
		assert.Equal(t, feeSig.String(), r.FeeTxID)
		assert.Equal(t, receipt.TransferTxID, r.TransferTxID)
	}
	assert.Equal(t, intent.Amount, recordedTotal)
	assert.Equal(t, intent.FeeLamports, feeTotal)
	assert.Equal(t, 1, f.ledger.sends)

	// Replaying the same completion must bounce off the fee-transaction
	// guard without touching the ledger again.
	_, err = f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindConflict))
	assert.Equal(t, 1, f.ledger.sends)
}

func TestCompleteClaim_DuplicateFeeTx(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)
	feeSig := f.confirmedFeePayment(intent.FeeLamports)

	f.journal.createErr = vesting.Errorf(vesting.KindConflict,
		"fee transaction %s has already been used", feeSig)

	_, err = f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindConflict))
	assert.Equal(t, 0, f.ledger.sends, "no transfer may be submitted for a reused fee transaction")
}

func TestCompleteClaim_FeeTxNotFound(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)

	var raw [64]byte
	raw[0] = 0xee
	missing := solana.Signature(raw)

	_, err = f.service.CompleteClaim(t.Context(), wallet, missing.String(), intent.Breakdown)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindValidation))
}

func TestCompleteClaim_FeeTxFailedOnChain(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)

	feeSig := f.confirmedFeePayment(intent.FeeLamports)
	f.ledger.transactions[feeSig].Err = json.RawMessage(`{"InstructionError":[0,"Custom"]}`)

	_, err = f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindValidation))
}

func TestCompleteClaim_FeeTxDoesNotPayTreasury(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)

	feeSig := f.confirmedFeePayment(intent.FeeLamports)
	// Zero out the treasury credit: the transaction succeeded but paid
	// someone else.
	f.ledger.transactions[feeSig].BalanceChanges = map[string]int64{
		solana.NewWallet().PublicKey().String(): intent.FeeLamports,
	}

	_, err = f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindValidation))
}

func TestCompleteClaim_FeeTxPaidByAnotherWallet(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)

	// The treasury was paid, but by someone else: a wallet must not be
	// able to settle against another wallet's fee payment.
	feeSig := f.confirmedFeePayment(intent.FeeLamports)
	f.ledger.transactions[feeSig].BalanceChanges = map[string]int64{
		f.treasury.Account().String():           intent.FeeLamports,
		solana.NewWallet().PublicKey().String(): -intent.FeeLamports,
	}

	_, err = f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindValidation))
	assert.Equal(t, 0, f.ledger.sends)
}

func TestCompleteClaim_StaleBreakdown(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)
	feeSig := f.confirmedFeePayment(intent.FeeLamports)

	// Same total, different split from what the ledger supports now.
	stale := vesting.Breakdown{
		{PoolID: intent.Breakdown[0].PoolID, AllocationID: intent.Breakdown[0].AllocationID, Amount: intent.Amount},
	}

	_, err = f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), stale)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindConflict))
	assert.Equal(t, 0, f.ledger.sends)
}

func TestCompleteClaim_UnknownTransferFateStaysSubmitted(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)
	feeSig := f.confirmedFeePayment(intent.FeeLamports)

	f.service.supervisor = &passthroughSupervisor{
		blockhash: f.ledger.blockhash,
		err:       ledger.ErrConfirmationTimeout,
	}

	_, err = f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindTransient))

	require.Len(t, f.journal.created, 1)
	st := f.journal.created[0]
	assert.Equal(t, vesting.SettlementSubmitted, f.journal.statuses[st.ID],
		"an in-doubt settlement must stay submitted for the reconciler")
}

func TestCompleteClaim_TransferFailureMarksFailed(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)
	feeSig := f.confirmedFeePayment(intent.FeeLamports)

	f.ledger.sendErr = errors.New("blockhash not found")

	_, err = f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.Error(t, err)
	assert.True(t, vesting.IsKind(err, vesting.KindTransient))

	require.Len(t, f.journal.created, 1)
	st := f.journal.created[0]
	assert.Equal(t, vesting.SettlementFailed, f.journal.statuses[st.ID])
}

func TestCompleteClaim_RecordFailureStillReturnsReceipt(t *testing.T) {
	f := newFixture(t, fullyVestedViews)
	wallet := f.wallet.PublicKey().String()

	intent, err := f.service.PrepareClaim(t.Context(), wallet, nil)
	require.NoError(t, err)
	feeSig := f.confirmedFeePayment(intent.FeeLamports)
	f.journal.recordErr = errors.New("connection reset")

	receipt, err := f.service.CompleteClaim(t.Context(), wallet, feeSig.String(), intent.Breakdown)
	require.NoError(t, err, "a confirmed transfer is a settled claim even when record writing lags")
	assert.NotEmpty(t, receipt.TransferTxID)

	st := f.journal.created[0]
	assert.Equal(t, vesting.SettlementConfirmed, f.journal.statuses[st.ID],
		"the reconciler finishes record writing from the confirmed state")
}

func TestBuildRecords_FeeConservation(t *testing.T) {
	st := &vesting.Settlement{
		ID:      uuid.New(),
		Wallet:  "w",
		FeeTxID: "fee",
		FeePaid: 5_000_001,
		Amount:  3,
		Breakdown: vesting.Breakdown{
			{PoolID: uuid.New(), AllocationID: uuid.New(), Amount: 1},
			{PoolID: uuid.New(), AllocationID: uuid.New(), Amount: 1},
			{PoolID: uuid.New(), AllocationID: uuid.New(), Amount: 1},
		},
	}

	records := BuildRecords(st, "transfer", time.Now())
	require.Len(t, records, 3)
	var total int64
	for _, r := range records {
		total += r.FeePaid
	}
	assert.Equal(t, st.FeePaid, total)
}
