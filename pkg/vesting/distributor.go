package vesting

// Distribute splits target across the summary's allocations oldest first,
// taking from each at most its claimable amount. The walk is fully
// determined by the allocation snapshot and the target: settlement
// re-derives the same breakdown later and compares, so any
// non-determinism here would be a correctness bug, not a cosmetic one.
//
// Rejects with a validation error when target exceeds the summary's
// floored claimable total; it never silently clamps.
func Distribute(target int64, summary *Summary) (Breakdown, error) {
	if target <= 0 {
		return nil, Errorf(KindValidation, "claim amount must be positive, got %d", target)
	}
	if target > summary.TotalClaimable {
		return nil, Errorf(KindValidation,
			"claim amount %d exceeds available balance %d", target, summary.TotalClaimable)
	}

	breakdown := make(Breakdown, 0, len(summary.Entries))
	remaining := target
	for _, e := range summary.Entries {
		if remaining == 0 {
			break
		}
		take := e.Claimable
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		breakdown = append(breakdown, BreakdownEntry{
			PoolID:       e.Pool.ID,
			AllocationID: e.Allocation.ID,
			Amount:       take,
		})
		remaining -= take
	}

	// TotalClaimable is floored below the raw per-entry sum, so the walk
	// always terminates with remaining == 0 when target was accepted.
	if remaining != 0 {
		return nil, Errorf(KindValidation,
			"claim amount %d exceeds available balance %d", target, target-remaining)
	}
	return breakdown, nil
}

// ApportionFee splits a fee across breakdown entries in proportion to each
// entry's share of the claimed total, in base fee units. Rounding residue
// from integer division lands on the last entry so the shares sum exactly
// to the fee paid.
func ApportionFee(fee int64, breakdown Breakdown) []int64 {
	shares := make([]int64, len(breakdown))
	total := breakdown.Total()
	if total <= 0 || fee <= 0 {
		return shares
	}
	var assigned int64
	for i, e := range breakdown {
		if i == len(breakdown)-1 {
			shares[i] = fee - assigned
			break
		}
		shares[i] = fee * e.Amount / total
		assigned += shares[i]
	}
	return shares
}
