package vesting

import "time"

// VestedFraction returns the fraction of a schedule unlocked at t.
// Zero before the cliff, one at or after the end, linear in between.
func VestedFraction(t time.Time, s Schedule) float64 {
	if t.Before(s.Cliff) {
		return 0
	}
	if !t.Before(s.End) {
		return 1
	}
	span := s.End.Sub(s.Cliff)
	if span <= 0 {
		return 1
	}
	return float64(t.Sub(s.Cliff)) / float64(span)
}

// VestedAmount returns the vested base units of total at t. The fraction
// is computed in floating point but the result is always floored, never
// rounded up, so the exposed figure can always be claimed in full.
func VestedAmount(t time.Time, s Schedule, total int64) int64 {
	if total <= 0 {
		return 0
	}
	f := VestedFraction(t, s)
	if f >= 1 {
		return total
	}
	return int64(f * float64(total))
}

// VestedAmountFromEscrow returns the vested base units of an allocation
// when the pool is escrow-backed. The escrow's own vested reading is
// authoritative over the local clock: the on-chain stream may lag or lead
// the naive formula depending on when it was deployed.
func VestedAmountFromEscrow(escrowVested, poolTotal, allocationTotal int64) int64 {
	if escrowVested <= 0 || poolTotal <= 0 || allocationTotal <= 0 {
		return 0
	}
	if escrowVested >= poolTotal {
		return allocationTotal
	}
	f := float64(escrowVested) / float64(poolTotal)
	return int64(f * float64(allocationTotal))
}
