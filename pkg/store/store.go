// Package store is the PostgreSQL persistence layer for pools,
// allocations, settlements, and claim records. The database's uniqueness
// constraints, not application locking, are what make settlement
// at-most-once.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solfoundry/vestd/pkg/vesting"
)

const pgUniqueViolation = "23505"

// Store wraps a pgx pool with the engine's queries.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(log *slog.Logger, pool *pgxpool.Pool) *Store {
	return &Store{log: log, pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// --- pools ---

func (s *Store) CreatePool(ctx context.Context, p *vesting.Pool) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.State == "" {
		p.State = vesting.PoolStateActive
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pools (id, name, total_amount, start_time, cliff_duration_seconds,
			vesting_duration_seconds, state, escrow_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, p.ID, p.Name, p.TotalAmount, p.StartTime,
		int64(p.CliffDuration.Seconds()), int64(p.VestingDuration.Seconds()),
		p.State, p.EscrowID).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	return nil
}

func (s *Store) GetPool(ctx context.Context, id uuid.UUID) (*vesting.Pool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, total_amount, start_time, cliff_duration_seconds,
			vesting_duration_seconds, state, escrow_id, created_at
		FROM pools WHERE id = $1
	`, id)
	p, err := scanPool(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, vesting.Errorf(vesting.KindNotFound, "pool %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pool: %w", err)
	}
	return p, nil
}

func (s *Store) ListPools(ctx context.Context) ([]vesting.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, total_amount, start_time, cliff_duration_seconds,
			vesting_duration_seconds, state, escrow_id, created_at
		FROM pools ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %w", err)
	}
	defer rows.Close()

	var pools []vesting.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

// UpdatePoolState applies a lifecycle transition. Cancellation is
// terminal; a cancelled pool accepts no further transitions.
func (s *Store) UpdatePoolState(ctx context.Context, id uuid.UUID, state vesting.PoolState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pools SET state = $2 WHERE id = $1 AND state <> 'cancelled'
	`, id, state)
	if err != nil {
		return fmt.Errorf("failed to update pool state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing pool from a terminal one.
		if _, err := s.GetPool(ctx, id); err != nil {
			return err
		}
		return vesting.Errorf(vesting.KindValidation, "pool %s is cancelled; cancellation is terminal", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*vesting.Pool, error) {
	var p vesting.Pool
	var cliffSecs, vestSecs int64
	if err := row.Scan(&p.ID, &p.Name, &p.TotalAmount, &p.StartTime,
		&cliffSecs, &vestSecs, &p.State, &p.EscrowID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.CliffDuration = time.Duration(cliffSecs) * time.Second
	p.VestingDuration = time.Duration(vestSecs) * time.Second
	return &p, nil
}

// --- allocations ---

func (s *Store) CreateAllocation(ctx context.Context, a *vesting.Allocation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO allocations (id, pool_id, wallet, token_amount, share_pct, is_active, is_cancelled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, a.ID, a.PoolID, a.Wallet, a.TokenAmount, a.SharePct, a.IsActive, a.IsCancelled).Scan(&a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

// CancelAllocation logically deletes an allocation. Rows are never
// physically removed while claim history references them.
func (s *Store) CancelAllocation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE allocations SET is_cancelled = TRUE, is_active = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to cancel allocation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vesting.Errorf(vesting.KindNotFound, "allocation %s not found", id)
	}
	return nil
}

// ActiveAllocations returns the wallet's claim-eligible allocations joined
// with their pools, oldest allocation first. Paused and cancelled pools
// are excluded here so every caller shares one definition of "eligible".
func (s *Store) ActiveAllocations(ctx context.Context, wallet string, poolID *uuid.UUID) ([]vesting.AllocationView, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.pool_id, a.wallet, a.token_amount, a.share_pct,
			a.is_active, a.is_cancelled, a.created_at,
			p.id, p.name, p.total_amount, p.start_time, p.cliff_duration_seconds,
			p.vesting_duration_seconds, p.state, p.escrow_id, p.created_at
		FROM allocations a
		JOIN pools p ON p.id = a.pool_id
		WHERE a.wallet = $1
			AND a.is_active AND NOT a.is_cancelled
			AND p.state = 'active'
			AND ($2::uuid IS NULL OR p.id = $2)
		ORDER BY a.created_at ASC
	`, wallet, poolID)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var views []vesting.AllocationView
	for rows.Next() {
		var v vesting.AllocationView
		var cliffSecs, vestSecs int64
		if err := rows.Scan(
			&v.Allocation.ID, &v.Allocation.PoolID, &v.Allocation.Wallet,
			&v.Allocation.TokenAmount, &v.Allocation.SharePct,
			&v.Allocation.IsActive, &v.Allocation.IsCancelled, &v.Allocation.CreatedAt,
			&v.Pool.ID, &v.Pool.Name, &v.Pool.TotalAmount, &v.Pool.StartTime,
			&cliffSecs, &vestSecs, &v.Pool.State, &v.Pool.EscrowID, &v.Pool.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		v.Pool.CliffDuration = time.Duration(cliffSecs) * time.Second
		v.Pool.VestingDuration = time.Duration(vestSecs) * time.Second
		views = append(views, v)
	}
	return views, rows.Err()
}

// ClaimedTotals sums recorded claim amounts per allocation.
func (s *Store) ClaimedTotals(ctx context.Context, allocationIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	totals := make(map[uuid.UUID]int64, len(allocationIDs))
	if len(allocationIDs) == 0 {
		return totals, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT allocation_id, COALESCE(SUM(amount_claimed), 0)
		FROM claim_records
		WHERE allocation_id = ANY($1)
		GROUP BY allocation_id
	`, allocationIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimed totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var total int64
		if err := rows.Scan(&id, &total); err != nil {
			return nil, fmt.Errorf("failed to scan claimed total: %w", err)
		}
		totals[id] = total
	}
	return totals, rows.Err()
}

// --- settlements ---

// CreateSettlement writes the journal row for one settlement attempt.
// A reused fee transaction id trips the unique constraint and comes back
// as a conflict error; this is the idempotency guard, and it holds under
// concurrent attempts because the database enforces it, not the process.
func (s *Store) CreateSettlement(ctx context.Context, st *vesting.Settlement) error {
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.Status == "" {
		st.Status = vesting.SettlementPending
	}
	breakdown, err := json.Marshal(st.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to marshal breakdown: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO settlements (id, wallet, fee_tx_id, fee_paid, amount, breakdown, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, st.ID, st.Wallet, st.FeeTxID, st.FeePaid, st.Amount, breakdown, st.Status).
		Scan(&st.CreatedAt, &st.UpdatedAt)
	if isUniqueViolation(err) {
		return vesting.Errorf(vesting.KindConflict,
			"fee transaction %s has already been used", st.FeeTxID)
	}
	if err != nil {
		return fmt.Errorf("failed to create settlement: %w", err)
	}
	return nil
}

// SetSettlementSubmitted records the transfer signature the moment it is
// known, before submission, so a crash mid-flight leaves enough state for
// reconciliation to resolve the transfer's fate.
func (s *Store) SetSettlementSubmitted(ctx context.Context, id uuid.UUID, transferTxID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE settlements SET transfer_tx_id = $2, status = 'submitted', updated_at = now()
		WHERE id = $1
	`, id, transferTxID)
	if err != nil {
		return fmt.Errorf("failed to mark settlement submitted: %w", err)
	}
	return nil
}

func (s *Store) MarkSettlementConfirmed(ctx context.Context, id uuid.UUID, transferTxID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE settlements SET transfer_tx_id = $2, status = 'confirmed', updated_at = now()
		WHERE id = $1
	`, id, transferTxID)
	if err != nil {
		return fmt.Errorf("failed to mark settlement confirmed: %w", err)
	}
	return nil
}

func (s *Store) MarkSettlementFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE settlements SET status = 'failed', updated_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark settlement failed: %w", err)
	}
	return nil
}

// CompleteSettlement writes one claim record per breakdown entry and
// closes the journal row, atomically.
func (s *Store) CompleteSettlement(ctx context.Context, settlementID uuid.UUID, records []vesting.ClaimRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range records {
		r := &records[i]
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO claim_records (id, wallet, allocation_id, pool_id,
				amount_claimed, fee_paid, fee_tx_id, transfer_tx_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING claimed_at
		`, r.ID, r.Wallet, r.AllocationID, r.PoolID,
			r.AmountClaimed, r.FeePaid, r.FeeTxID, r.TransferTxID).Scan(&r.ClaimedAt)
		if err != nil {
			return fmt.Errorf("failed to insert claim record: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE settlements SET status = 'recorded', updated_at = now()
		WHERE id = $1 AND status <> 'recorded'
	`, settlementID)
	if err != nil {
		return fmt.Errorf("failed to close settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Another pass (e.g. the reconciler) already recorded it.
		return vesting.Errorf(vesting.KindConflict, "settlement %s already recorded", settlementID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

// UnresolvedSettlements returns journal rows the settlement path left
// open, oldest first. Input for the reconciliation pass: submitted and
// confirmed rows whose claim records were never written, plus pending
// rows old enough that the process creating them must have died between
// journaling and submission. Fresh pending rows belong to the live
// settlement path and are excluded.
func (s *Store) UnresolvedSettlements(ctx context.Context, limit int) ([]vesting.Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet, fee_tx_id, fee_paid, amount, breakdown, transfer_tx_id,
			status, created_at, updated_at
		FROM settlements
		WHERE status IN ('submitted', 'confirmed')
		   OR (status = 'pending' AND updated_at < now() - interval '2 minutes')
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved settlements: %w", err)
	}
	defer rows.Close()

	var out []vesting.Settlement
	for rows.Next() {
		var st vesting.Settlement
		var breakdown []byte
		if err := rows.Scan(&st.ID, &st.Wallet, &st.FeeTxID, &st.FeePaid, &st.Amount,
			&breakdown, &st.TransferTxID, &st.Status, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		if err := json.Unmarshal(breakdown, &st.Breakdown); err != nil {
			return nil, fmt.Errorf("failed to unmarshal breakdown for settlement %s: %w", st.ID, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// FeeTxUsed reports whether a settlement journal row already exists for
// the fee transaction. Advisory only: the authoritative check is the
// unique constraint hit by CreateSettlement.
func (s *Store) FeeTxUsed(ctx context.Context, feeTxID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM settlements WHERE fee_tx_id = $1)
	`, feeTxID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check fee transaction: %w", err)
	}
	return exists, nil
}

// --- claim history ---

// ClaimHistory returns the wallet's claim receipts, newest first, plus the
// total count for pagination.
func (s *Store) ClaimHistory(ctx context.Context, wallet string, limit, offset int) ([]vesting.ClaimRecord, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM claim_records WHERE wallet = $1
	`, wallet).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count claim records: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet, allocation_id, pool_id, amount_claimed, fee_paid,
			fee_tx_id, transfer_tx_id, claimed_at
		FROM claim_records
		WHERE wallet = $1
		ORDER BY claimed_at DESC, id
		LIMIT $2 OFFSET $3
	`, wallet, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query claim history: %w", err)
	}
	defer rows.Close()

	var records []vesting.ClaimRecord
	for rows.Next() {
		var r vesting.ClaimRecord
		if err := rows.Scan(&r.ID, &r.Wallet, &r.AllocationID, &r.PoolID,
			&r.AmountClaimed, &r.FeePaid, &r.FeeTxID, &r.TransferTxID, &r.ClaimedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan claim record: %w", err)
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}
