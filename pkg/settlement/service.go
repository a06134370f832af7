// Package settlement implements the two-phase claim protocol: a
// preparation phase that quotes the fee and builds an unsigned fee
// transaction, and a completion phase that verifies the paid fee,
// journals the settlement, executes the token transfer, and writes the
// immutable claim records.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/solfoundry/vestd/pkg/ledger"
	"github.com/solfoundry/vestd/pkg/metrics"
	"github.com/solfoundry/vestd/pkg/vesting"
)

// Journal is the durable settlement store the service writes through.
type Journal interface {
	FeeTxUsed(ctx context.Context, feeTxID string) (bool, error)
	CreateSettlement(ctx context.Context, st *vesting.Settlement) error
	SetSettlementSubmitted(ctx context.Context, id uuid.UUID, transferTxID string) error
	MarkSettlementConfirmed(ctx context.Context, id uuid.UUID, transferTxID string) error
	MarkSettlementFailed(ctx context.Context, id uuid.UUID) error
	CompleteSettlement(ctx context.Context, settlementID uuid.UUID, records []vesting.ClaimRecord) error
}

// FeeOracle quotes the flat settlement fee in lamports.
type FeeOracle interface {
	FeeLamports(ctx context.Context) (int64, error)
}

// TransferBuilder builds treasury transactions. Satisfied by *ledger.Treasury.
type TransferBuilder interface {
	Account() solana.PublicKey
	BuildFeeTransfer(wallet solana.PublicKey, lamports uint64, blockhash solana.Hash) (string, error)
	BuildTokenTransfer(wallet solana.PublicKey, amount uint64, blockhash solana.Hash) (string, solana.Signature, error)
}

// TransferSupervisor drives a submission through confirmation.
type TransferSupervisor interface {
	SubmitAndConfirm(ctx context.Context, submit ledger.SubmitFunc) (solana.Signature, error)
}

// Receipt is returned to the wallet once the token transfer is confirmed.
type Receipt struct {
	Wallet       string            `json:"wallet"`
	Amount       int64             `json:"amount"`
	FeePaid      int64             `json:"fee_paid"`
	Breakdown    vesting.Breakdown `json:"breakdown"`
	FeeTxID      string            `json:"fee_tx_id"`
	TransferTxID string            `json:"transfer_tx_id"`
	SettledAt    time.Time         `json:"settled_at"`
}

// ServiceConfig configures the settlement service.
type ServiceConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Journal    Journal
	Aggregator *vesting.Aggregator
	Oracle     FeeOracle
	Ledger     ledger.Client
	Treasury   TransferBuilder
	Supervisor TransferSupervisor

	// Disabled is the claims kill switch. Optional; when set and true,
	// both phases refuse with a forbidden error.
	Disabled *atomic.Bool
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Journal == nil {
		return errors.New("settlement journal is required")
	}
	if cfg.Aggregator == nil {
		return errors.New("aggregator is required")
	}
	if cfg.Oracle == nil {
		return errors.New("fee oracle is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Treasury == nil {
		return errors.New("treasury is required")
	}
	if cfg.Supervisor == nil {
		return errors.New("transfer supervisor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Disabled == nil {
		cfg.Disabled = &atomic.Bool{}
	}
	return nil
}

// Service executes the two-phase claim protocol.
type Service struct {
	log        *slog.Logger
	clock      clockwork.Clock
	journal    Journal
	aggregator *vesting.Aggregator
	oracle     FeeOracle
	ledger     ledger.Client
	treasury   TransferBuilder
	supervisor TransferSupervisor
	disabled   *atomic.Bool
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settlement service config: %w", err)
	}
	return &Service{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		journal:    cfg.Journal,
		aggregator: cfg.Aggregator,
		oracle:     cfg.Oracle,
		ledger:     cfg.Ledger,
		treasury:   cfg.Treasury,
		supervisor: cfg.Supervisor,
		disabled:   cfg.Disabled,
	}, nil
}

// PrepareClaim is the first phase. It derives the wallet's FIFO breakdown
// for the requested amount (or the full claimable balance when amount is
// nil), quotes the settlement fee, and builds the unsigned fee transfer
// for the wallet to sign. Nothing is persisted; the intent is free to
// abandon.
func (s *Service) PrepareClaim(ctx context.Context, wallet string, amount *int64) (*vesting.ClaimIntent, error) {
	if s.disabled.Load() {
		return nil, vesting.Errorf(vesting.KindForbidden, "claims are temporarily disabled")
	}
	walletPk, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, vesting.Errorf(vesting.KindValidation, "invalid wallet address %q", wallet)
	}

	summary, err := s.aggregator.Summarize(ctx, wallet, nil)
	if err != nil {
		return nil, err
	}

	target := summary.TotalClaimable
	if amount != nil {
		target = *amount
	}
	if target <= 0 {
		return nil, vesting.Errorf(vesting.KindValidation, "nothing claimable for wallet %s", wallet)
	}

	breakdown, err := vesting.Distribute(target, summary)
	if err != nil {
		return nil, err
	}

	feeLamports, err := s.oracle.FeeLamports(ctx)
	if err != nil {
		return nil, vesting.WrapErr(vesting.KindTransient, err, "failed to quote settlement fee")
	}

	blockhash, err := s.ledger.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, vesting.WrapErr(vesting.KindTransient, err, "failed to fetch recent blockhash")
	}

	feeTx, err := s.treasury.BuildFeeTransfer(walletPk, uint64(feeLamports), blockhash)
	if err != nil {
		return nil, fmt.Errorf("failed to build fee transfer: %w", err)
	}

	metrics.ClaimsPreparedTotal.Inc()
	s.log.Info("settlement: claim prepared",
		"wallet", wallet,
		"amount", target,
		"allocations", len(breakdown),
		"fee_lamports", feeLamports)

	return &vesting.ClaimIntent{
		Wallet:          wallet,
		Amount:          target,
		Breakdown:       breakdown,
		FeeLamports:     feeLamports,
		FeeTransaction:  feeTx,
		RecentBlockhash: blockhash.String(),
	}, nil
}

// CompleteClaim is the second phase. The wallet presents the signature of
// its confirmed fee payment together with the breakdown it was quoted.
// The service verifies the payment on the ledger, re-derives the
// breakdown from current state rather than trusting the client's copy,
// journals the settlement under the fee transaction's unique key, runs
// the token transfer through the confirmation supervisor, and writes the
// claim records.
func (s *Service) CompleteClaim(ctx context.Context, wallet, feeTxID string, claimed vesting.Breakdown) (*Receipt, error) {
	if s.disabled.Load() {
		return nil, vesting.Errorf(vesting.KindForbidden, "claims are temporarily disabled")
	}
	walletPk, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, vesting.Errorf(vesting.KindValidation, "invalid wallet address %q", wallet)
	}
	feeSig, err := solana.SignatureFromBase58(feeTxID)
	if err != nil {
		return nil, vesting.Errorf(vesting.KindValidation, "invalid fee transaction signature %q", feeTxID)
	}
	if len(claimed) == 0 {
		return nil, vesting.Errorf(vesting.KindValidation, "claim breakdown is empty")
	}

	// Advisory fast path for replays. The unique constraint hit by
	// CreateSettlement below is the authoritative guard.
	used, err := s.journal.FeeTxUsed(ctx, feeSig.String())
	if err != nil {
		return nil, err
	}
	if used {
		return nil, vesting.Errorf(vesting.KindConflict,
			"fee transaction %s has already been used", feeSig)
	}

	feePaid, err := s.verifyFeePayment(ctx, feeSig, walletPk)
	if err != nil {
		return nil, err
	}

	// Re-derive the breakdown server-side. Allocation state may have moved
	// since the intent was issued; a stale quote must fail loudly, not
	// settle against numbers the ledger no longer supports.
	summary, err := s.aggregator.Summarize(ctx, wallet, nil)
	if err != nil {
		return nil, err
	}
	breakdown, err := vesting.Distribute(claimed.Total(), summary)
	if err != nil {
		return nil, err
	}
	if !breakdown.Equal(claimed) {
		return nil, vesting.Errorf(vesting.KindConflict,
			"claim breakdown is stale; request a fresh quote")
	}

	st := &vesting.Settlement{
		ID:        uuid.New(),
		Wallet:    wallet,
		FeeTxID:   feeSig.String(),
		FeePaid:   feePaid,
		Amount:    breakdown.Total(),
		Breakdown: breakdown,
		Status:    vesting.SettlementPending,
	}
	// The unique constraint on the fee transaction id is the idempotency
	// guard: a duplicate completion attempt dies here, before any transfer
	// is built.
	if err := s.journal.CreateSettlement(ctx, st); err != nil {
		return nil, err
	}

	transferSig, err := s.supervisor.SubmitAndConfirm(ctx, func(ctx context.Context, blockhash solana.Hash) (solana.Signature, error) {
		tx, sig, err := s.treasury.BuildTokenTransfer(walletPk, uint64(st.Amount), blockhash)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("failed to build token transfer: %w", err)
		}
		// Record the signature before submission so an interrupted
		// settlement is recoverable by the reconciler.
		if err := s.journal.SetSettlementSubmitted(ctx, st.ID, sig.String()); err != nil {
			return solana.Signature{}, err
		}
		return s.ledger.SendTransaction(ctx, tx)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrConfirmationTimeout) {
			// Fate unknown. The journal row stays submitted; the reconciler
			// will resolve it once the ledger answers.
			metrics.SettlementFailuresTotal.WithLabelValues("confirmation").Inc()
			s.log.Warn("settlement: transfer fate unknown, deferring to reconciliation",
				"settlement_id", st.ID, "wallet", wallet, "transfer_tx", transferSig)
			return nil, vesting.WrapErr(vesting.KindTransient, err,
				"token transfer unconfirmed; settlement will be reconciled")
		}
		metrics.SettlementFailuresTotal.WithLabelValues("transfer").Inc()
		if markErr := s.journal.MarkSettlementFailed(ctx, st.ID); markErr != nil {
			s.log.Error("settlement: failed to mark settlement failed",
				"settlement_id", st.ID, "error", markErr)
		}
		return nil, vesting.WrapErr(vesting.KindTransient, err, "token transfer failed")
	}

	if err := s.journal.MarkSettlementConfirmed(ctx, st.ID, transferSig.String()); err != nil {
		s.log.Error("settlement: failed to mark settlement confirmed",
			"settlement_id", st.ID, "error", err)
	}

	now := s.clock.Now().UTC()
	records := BuildRecords(st, transferSig.String(), now)
	if err := s.journal.CompleteSettlement(ctx, st.ID, records); err != nil {
		// The transfer is confirmed on chain; the wallet has its tokens.
		// Record writing is finished by the reconciler, so the receipt is
		// still honest.
		metrics.SettlementFailuresTotal.WithLabelValues("record").Inc()
		s.log.Error("settlement: transfer confirmed but records not written, deferring to reconciliation",
			"settlement_id", st.ID, "wallet", wallet, "error", err)
	}

	metrics.ClaimsSettledTotal.Inc()
	s.log.Info("settlement: claim settled",
		"wallet", wallet,
		"amount", st.Amount,
		"fee_paid", feePaid,
		"fee_tx", feeSig,
		"transfer_tx", transferSig)

	return &Receipt{
		Wallet:       wallet,
		Amount:       st.Amount,
		FeePaid:      feePaid,
		Breakdown:    breakdown,
		FeeTxID:      feeSig.String(),
		TransferTxID: transferSig.String(),
		SettledAt:    now,
	}, nil
}

// verifyFeePayment checks that the fee transaction is confirmed,
// succeeded, credited the treasury, and debited the claiming wallet, so
// one wallet cannot settle against another wallet's fee payment. Returns
// the lamports received.
func (s *Service) verifyFeePayment(ctx context.Context, sig solana.Signature, wallet solana.PublicKey) (int64, error) {
	result, err := s.ledger.GetTransaction(ctx, sig)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			return 0, vesting.Errorf(vesting.KindValidation,
				"fee transaction %s not found on the ledger", sig)
		}
		return 0, vesting.WrapErr(vesting.KindTransient, err, "failed to look up fee transaction")
	}
	if result.Failed() {
		return 0, vesting.Errorf(vesting.KindValidation, "fee transaction %s failed on the ledger", sig)
	}
	received := result.BalanceChanges[s.treasury.Account().String()]
	if received <= 0 {
		return 0, vesting.Errorf(vesting.KindValidation,
			"fee transaction %s does not pay the treasury", sig)
	}
	if result.BalanceChanges[wallet.String()] >= 0 {
		return 0, vesting.Errorf(vesting.KindValidation,
			"fee transaction %s was not paid by wallet %s", sig, wallet)
	}
	return received, nil
}

// BuildRecords expands a confirmed settlement into its per-allocation
// claim records, spreading the fee across entries proportionally.
func BuildRecords(st *vesting.Settlement, transferTxID string, at time.Time) []vesting.ClaimRecord {
	feeShares := vesting.ApportionFee(st.FeePaid, st.Breakdown)
	records := make([]vesting.ClaimRecord, 0, len(st.Breakdown))
	for i, entry := range st.Breakdown {
		records = append(records, vesting.ClaimRecord{
			ID:            uuid.New(),
			Wallet:        st.Wallet,
			AllocationID:  entry.AllocationID,
			PoolID:        entry.PoolID,
			AmountClaimed: entry.Amount,
			FeePaid:       feeShares[i],
			FeeTxID:       st.FeeTxID,
			TransferTxID:  transferTxID,
			ClaimedAt:     at,
		})
	}
	return records
}
