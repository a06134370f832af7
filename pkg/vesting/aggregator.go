package vesting

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/solfoundry/vestd/pkg/metrics"
)

// maxConcurrentEscrowReads bounds parallel escrow lookups during one
// aggregation pass. Repeated reads of the same escrow within the pass hit
// the vested-amount cache in front of the reader.
const maxConcurrentEscrowReads = 4

// AllocationView is an allocation joined with its pool, as returned by the
// store ordered by allocation creation time ascending.
type AllocationView struct {
	Allocation Allocation
	Pool       Pool
}

// AllocationStore is the persistence surface the aggregator reads from.
type AllocationStore interface {
	// ActiveAllocations returns active, non-cancelled allocations for the
	// wallet whose pool is neither paused nor cancelled, oldest first.
	// A non-nil poolID scopes the result to one pool.
	ActiveAllocations(ctx context.Context, wallet string, poolID *uuid.UUID) ([]AllocationView, error)
	// ClaimedTotals sums recorded claim amounts per allocation.
	ClaimedTotals(ctx context.Context, allocationIDs []uuid.UUID) (map[uuid.UUID]int64, error)
}

// EscrowReader reads the vested amount held by an escrow stream.
type EscrowReader interface {
	VestedAmount(ctx context.Context, escrowID string) (int64, error)
}

// Entry is one allocation's position at the aggregation instant.
type Entry struct {
	Allocation Allocation `json:"allocation"`
	Pool       Pool       `json:"pool"`
	Vested     int64      `json:"vested"`
	Claimed    int64      `json:"claimed"`
	Claimable  int64      `json:"claimable"`
	// EscrowFallback is set when the pool is escrow-backed but the escrow
	// read failed and the time-based formula was used instead.
	EscrowFallback bool `json:"escrow_fallback,omitempty"`
}

// Summary aggregates a wallet's position across its active allocations.
type Summary struct {
	Wallet       string  `json:"wallet"`
	Entries      []Entry `json:"entries"`
	TotalVested  int64   `json:"total_vested"`
	TotalClaimed int64   `json:"total_claimed"`
	// TotalClaimable is floored to display precision. It is the contract
	// the distributor enforces: no claim may exceed this figure.
	TotalClaimable int64 `json:"total_claimable"`
}

// AggregatorConfig configures a claimable aggregator.
type AggregatorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  AllocationStore
	Escrow EscrowReader // optional; nil disables escrow-backed overrides
}

func (cfg *AggregatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("allocation store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Aggregator computes per-allocation and per-wallet claimable balances.
type Aggregator struct {
	log    *slog.Logger
	clock  clockwork.Clock
	store  AllocationStore
	escrow EscrowReader
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		store:  cfg.Store,
		escrow: cfg.Escrow,
	}, nil
}

// Summarize computes the wallet's position across active allocations whose
// pool has started. Returns a not-found error when the wallet has none.
func (a *Aggregator) Summarize(ctx context.Context, wallet string, poolID *uuid.UUID) (*Summary, error) {
	views, err := a.store.ActiveAllocations(ctx, wallet, poolID)
	if err != nil {
		return nil, err
	}

	now := a.clock.Now()
	eligible := views[:0]
	for _, v := range views {
		if now.Before(v.Pool.StartTime) {
			continue
		}
		eligible = append(eligible, v)
	}
	if len(eligible) == 0 {
		return nil, Errorf(KindNotFound, "no active allocation for wallet %s", wallet)
	}

	ids := make([]uuid.UUID, len(eligible))
	for i, v := range eligible {
		ids[i] = v.Allocation.ID
	}
	claimed, err := a.store.ClaimedTotals(ctx, ids)
	if err != nil {
		return nil, err
	}

	escrowVested := a.readEscrows(ctx, eligible)

	summary := &Summary{Wallet: wallet, Entries: make([]Entry, 0, len(eligible))}
	for _, v := range eligible {
		entry := Entry{
			Allocation: v.Allocation,
			Pool:       v.Pool,
			Claimed:    claimed[v.Allocation.ID],
		}

		entry.Vested = VestedAmount(now, v.Pool.Schedule(), v.Allocation.TokenAmount)
		if v.Pool.EscrowID != nil {
			if reading, ok := escrowVested[*v.Pool.EscrowID]; ok {
				entry.Vested = VestedAmountFromEscrow(reading, v.Pool.TotalAmount, v.Allocation.TokenAmount)
			} else {
				entry.EscrowFallback = true
			}
		}

		entry.Claimable = entry.Vested - entry.Claimed
		if entry.Claimable < 0 {
			entry.Claimable = 0
		}

		summary.Entries = append(summary.Entries, entry)
		summary.TotalVested += entry.Vested
		summary.TotalClaimed += entry.Claimed
		summary.TotalClaimable += entry.Claimable
	}
	summary.TotalClaimable = FloorDisplay(summary.TotalClaimable)

	return summary, nil
}

// readEscrows fetches vested readings for every distinct escrow id among
// the views. A failed read is logged and omitted so the caller falls back
// to the time-based formula for that pool; one unreachable escrow must not
// fail the whole aggregation.
func (a *Aggregator) readEscrows(ctx context.Context, views []AllocationView) map[string]int64 {
	readings := make(map[string]int64)
	if a.escrow == nil {
		return readings
	}

	seen := make(map[string]struct{})
	var order []string
	for _, v := range views {
		if v.Pool.EscrowID == nil {
			continue
		}
		id := *v.Pool.EscrowID
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		order = append(order, id)
	}
	if len(order) == 0 {
		return readings
	}

	type result struct {
		id     string
		vested int64
		err    error
	}
	results := make([]result, len(order))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentEscrowReads)
	for i, id := range order {
		g.Go(func() error {
			vested, err := a.escrow.VestedAmount(gctx, id)
			results[i] = result{id: id, vested: vested, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.err != nil {
			metrics.EscrowFallbacksTotal.Inc()
			a.log.Warn("aggregator: escrow read failed, falling back to time-based vesting",
				"escrow", r.id, "error", r.err)
			continue
		}
		readings[r.id] = r.vested
	}
	return readings
}
