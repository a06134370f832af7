package vesting

import (
	"time"

	"github.com/google/uuid"
)

// TokenDecimals is the number of base-unit decimals carried by the
// distributed token. All amounts in this package are integer base units.
const TokenDecimals = 9

// displayDecimals is the precision shown to users. Claimable totals are
// floored to this precision before they are exposed to validation, so a
// wallet can never request more than the figure it was shown.
const displayDecimals = 2

// PoolState is the lifecycle state of an allocation pool.
type PoolState string

const (
	PoolStateActive    PoolState = "active"
	PoolStatePaused    PoolState = "paused"
	PoolStateCancelled PoolState = "cancelled"
)

// Pool is a named allocation campaign with a fixed total and a vesting
// schedule, optionally backed by an on-chain escrow stream.
type Pool struct {
	ID              uuid.UUID     `json:"id"`
	Name            string        `json:"name"`
	TotalAmount     int64         `json:"total_amount"`
	StartTime       time.Time     `json:"start_time"`
	CliffDuration   time.Duration `json:"cliff_duration"`
	VestingDuration time.Duration `json:"vesting_duration"`
	State           PoolState     `json:"state"`
	EscrowID        *string       `json:"escrow_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Schedule returns the pool's vesting schedule in absolute time.
func (p *Pool) Schedule() Schedule {
	cliff := p.StartTime.Add(p.CliffDuration)
	return Schedule{
		Start: p.StartTime,
		Cliff: cliff,
		End:   cliff.Add(p.VestingDuration),
	}
}

// Schedule is a vesting schedule in absolute time. Nothing vests before
// Cliff; everything has vested at or after End.
type Schedule struct {
	Start time.Time
	Cliff time.Time
	End   time.Time
}

// Allocation is one wallet's share of one pool.
type Allocation struct {
	ID          uuid.UUID `json:"id"`
	PoolID      uuid.UUID `json:"pool_id"`
	Wallet      string    `json:"wallet"`
	TokenAmount int64     `json:"token_amount"`
	SharePct    float64   `json:"share_pct"`
	IsActive    bool      `json:"is_active"`
	IsCancelled bool      `json:"is_cancelled"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClaimRecord is the immutable receipt for one allocation's part of a
// settled claim. Never mutated or deleted.
type ClaimRecord struct {
	ID            uuid.UUID `json:"id"`
	Wallet        string    `json:"wallet"`
	AllocationID  uuid.UUID `json:"allocation_id"`
	PoolID        uuid.UUID `json:"pool_id"`
	AmountClaimed int64     `json:"amount_claimed"`
	FeePaid       int64     `json:"fee_paid"`
	FeeTxID       string    `json:"fee_tx_id"`
	TransferTxID  string    `json:"transfer_tx_id"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

// BreakdownEntry is one allocation's portion of a claim request.
type BreakdownEntry struct {
	PoolID       uuid.UUID `json:"pool_id"`
	AllocationID uuid.UUID `json:"allocation_id"`
	Amount       int64     `json:"amount"`
}

// Breakdown is the ordered per-allocation split of one claim request,
// oldest allocation first.
type Breakdown []BreakdownEntry

// Total returns the sum of all entry amounts.
func (b Breakdown) Total() int64 {
	var total int64
	for _, e := range b {
		total += e.Amount
	}
	return total
}

// Equal reports whether two breakdowns are identical entry for entry.
func (b Breakdown) Equal(other Breakdown) bool {
	if len(b) != len(other) {
		return false
	}
	for i := range b {
		if b[i] != other[i] {
			return false
		}
	}
	return true
}

// ClaimIntent is the output of the claim preparation phase. It is never
// persisted; the only artifact that survives into settlement is the fee
// transaction identifier the wallet eventually produces.
type ClaimIntent struct {
	Wallet          string    `json:"wallet"`
	Amount          int64     `json:"amount"`
	Breakdown       Breakdown `json:"breakdown"`
	FeeLamports     int64     `json:"fee_lamports"`
	FeeTransaction  string    `json:"fee_transaction"` // unsigned, base64
	RecentBlockhash string    `json:"recent_blockhash"`
}

// SettlementStatus tracks a settlement journal row through its lifecycle.
type SettlementStatus string

const (
	// SettlementPending: journal row written, nothing submitted yet.
	SettlementPending SettlementStatus = "pending"
	// SettlementSubmitted: transfer signed and submitted, fate unknown.
	SettlementSubmitted SettlementStatus = "submitted"
	// SettlementConfirmed: transfer confirmed, claim records not yet written.
	SettlementConfirmed SettlementStatus = "confirmed"
	// SettlementRecorded: claim records durably written. Terminal.
	SettlementRecorded SettlementStatus = "recorded"
	// SettlementFailed: transfer terminally failed before confirmation.
	SettlementFailed SettlementStatus = "failed"
)

// Settlement is the durable journal row for one settlement attempt, keyed
// by the fee-payment transaction. Its unique constraint on the fee
// transaction id is the idempotency guard; the row also carries enough
// state (breakdown, transfer signature) for a reconciliation pass to
// finish a settlement interrupted between transfer confirmation and
// record writing.
type Settlement struct {
	ID           uuid.UUID        `json:"id"`
	Wallet       string           `json:"wallet"`
	FeeTxID      string           `json:"fee_tx_id"`
	FeePaid      int64            `json:"fee_paid"`
	Amount       int64            `json:"amount"`
	Breakdown    Breakdown        `json:"breakdown"`
	TransferTxID *string          `json:"transfer_tx_id,omitempty"`
	Status       SettlementStatus `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// DisplayGranularity is the base-unit granularity implied by the display
// precision: one display cent of a token.
func DisplayGranularity() int64 {
	g := int64(1)
	for i := 0; i < TokenDecimals-displayDecimals; i++ {
		g *= 10
	}
	return g
}

// FloorDisplay floors a base-unit amount to display precision. It never
// rounds up. Negative amounts are clamped to zero; a claimable balance
// can never be negative.
func FloorDisplay(v int64) int64 {
	if v <= 0 {
		return 0
	}
	g := DisplayGranularity()
	return v - v%g
}
