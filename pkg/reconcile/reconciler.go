// Package reconcile closes settlement journal rows the settlement path
// left open: transfers whose fate was unknown at response time, confirmed
// transfers whose claim records were never written because the process
// died in between, and pending rows orphaned before any transfer was
// built.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/solfoundry/vestd/pkg/ledger"
	"github.com/solfoundry/vestd/pkg/metrics"
	"github.com/solfoundry/vestd/pkg/settlement"
	"github.com/solfoundry/vestd/pkg/vesting"
)

// DefaultInterval is how often the reconciliation pass runs.
const DefaultInterval = 30 * time.Second

// minAge keeps the reconciler off settlements the live settlement path is
// still working on.
const minAge = 2 * time.Minute

// Journal is the settlement store surface the reconciler needs.
type Journal interface {
	UnresolvedSettlements(ctx context.Context, limit int) ([]vesting.Settlement, error)
	MarkSettlementConfirmed(ctx context.Context, id uuid.UUID, transferTxID string) error
	MarkSettlementFailed(ctx context.Context, id uuid.UUID) error
	CompleteSettlement(ctx context.Context, settlementID uuid.UUID, records []vesting.ClaimRecord) error
}

// Config configures a reconciler.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Journal  Journal
	Ledger   ledger.Client
	Interval time.Duration
	// BatchLimit bounds how many open settlements one pass examines.
	BatchLimit int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Journal == nil {
		return errors.New("settlement journal is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	return nil
}

// Reconciler periodically resolves open settlement journal rows.
type Reconciler struct {
	log     *slog.Logger
	clock   clockwork.Clock
	journal Journal
	ledger  ledger.Client

	interval   time.Duration
	batchLimit int
}

func New(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reconciler config: %w", err)
	}
	return &Reconciler{
		log:        cfg.Logger,
		clock:      cfg.Clock,
		journal:    cfg.Journal,
		ledger:     cfg.Ledger,
		interval:   cfg.Interval,
		batchLimit: cfg.BatchLimit,
	}, nil
}

// Run executes reconciliation passes until the context is cancelled. One
// pass runs immediately on start so a restart drains its own crash
// leftovers without waiting an interval.
func (r *Reconciler) Run(ctx context.Context) error {
	r.log.Info("reconcile: starting", "interval", r.interval)
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	if err := r.RunOnce(ctx); err != nil {
		r.log.Error("reconcile: pass failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconcile: stopping")
			return ctx.Err()
		case <-ticker.Chan():
			if err := r.RunOnce(ctx); err != nil {
				r.log.Error("reconcile: pass failed", "error", err)
			}
		}
	}
}

// RunOnce examines open settlements and resolves every one the ledger can
// answer for. Per-settlement failures are logged and skipped; the next
// pass retries them.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	open, err := r.journal.UnresolvedSettlements(ctx, r.batchLimit)
	if err != nil {
		return fmt.Errorf("failed to list unresolved settlements: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	now := r.clock.Now()
	resolved := 0
	for i := range open {
		st := &open[i]
		if now.Sub(st.UpdatedAt) < minAge {
			continue
		}
		if err := r.resolve(ctx, st); err != nil {
			r.log.Warn("reconcile: settlement left open",
				"settlement_id", st.ID, "status", st.Status, "error", err)
			continue
		}
		resolved++
	}
	if resolved > 0 {
		r.log.Info("reconcile: pass complete", "examined", len(open), "resolved", resolved)
	}
	return nil
}

// resolve drives one open settlement to a terminal state.
//
// A submitted settlement's transfer signature was journaled before
// submission, so the ledger is the source of truth for its fate: confirmed
// means finish the bookkeeping, failed means release the journal row,
// still unknown means wait for a later pass.
func (r *Reconciler) resolve(ctx context.Context, st *vesting.Settlement) error {
	if st.TransferTxID == nil {
		// A row without a signature, pending rows orphaned by a crash
		// included, never made it past journaling and cannot have moved
		// funds.
		if err := r.journal.MarkSettlementFailed(ctx, st.ID); err != nil {
			return err
		}
		metrics.ReconcilerResolvedTotal.WithLabelValues("failed").Inc()
		return nil
	}

	sig, err := solana.SignatureFromBase58(*st.TransferTxID)
	if err != nil {
		return fmt.Errorf("malformed transfer signature %q: %w", *st.TransferTxID, err)
	}

	if st.Status == vesting.SettlementSubmitted {
		result, err := r.ledger.GetTransaction(ctx, sig)
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			// The blockhash the transfer was built against has long expired
			// by minAge, so an absent transaction can no longer land.
			if err := r.journal.MarkSettlementFailed(ctx, st.ID); err != nil {
				return err
			}
			metrics.ReconcilerResolvedTotal.WithLabelValues("failed").Inc()
			r.log.Info("reconcile: transfer never landed, settlement released",
				"settlement_id", st.ID, "wallet", st.Wallet, "transfer_tx", sig)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up transfer %s: %w", sig, err)
		}
		if result.Failed() {
			if err := r.journal.MarkSettlementFailed(ctx, st.ID); err != nil {
				return err
			}
			metrics.ReconcilerResolvedTotal.WithLabelValues("failed").Inc()
			r.log.Info("reconcile: transfer failed on chain, settlement released",
				"settlement_id", st.ID, "wallet", st.Wallet, "transfer_tx", sig)
			return nil
		}
		if err := r.journal.MarkSettlementConfirmed(ctx, st.ID, sig.String()); err != nil {
			return err
		}
	}

	// Confirmed on chain; the tokens moved. Finish the record writing the
	// settlement path never got to.
	records := settlement.BuildRecords(st, sig.String(), r.clock.Now().UTC())
	if err := r.journal.CompleteSettlement(ctx, st.ID, records); err != nil {
		if vesting.IsKind(err, vesting.KindConflict) {
			// Already recorded by a concurrent pass.
			return nil
		}
		return err
	}
	metrics.ReconcilerResolvedTotal.WithLabelValues("recorded").Inc()
	r.log.Info("reconcile: settlement recorded",
		"settlement_id", st.ID, "wallet", st.Wallet, "amount", st.Amount, "transfer_tx", sig)
	return nil
}
