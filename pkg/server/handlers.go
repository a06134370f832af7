package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/solfoundry/vestd/pkg/escrow"
	"github.com/solfoundry/vestd/pkg/metrics"
	"github.com/solfoundry/vestd/pkg/settlement"
	"github.com/solfoundry/vestd/pkg/vesting"
)

// maxBodyBytes bounds request bodies; settlement payloads are small.
const maxBodyBytes = 1 << 20

// ClaimService is the settlement surface the HTTP layer fronts.
type ClaimService interface {
	PrepareClaim(ctx context.Context, wallet string, amount *int64) (*vesting.ClaimIntent, error)
	CompleteClaim(ctx context.Context, wallet, feeTxID string, breakdown vesting.Breakdown) (*settlement.Receipt, error)
}

// SummaryService aggregates a wallet's claimable position.
type SummaryService interface {
	Summarize(ctx context.Context, wallet string, poolID *uuid.UUID) (*vesting.Summary, error)
}

// AdminStore is the persistence surface behind the administrative and
// history endpoints.
type AdminStore interface {
	CreatePool(ctx context.Context, p *vesting.Pool) error
	GetPool(ctx context.Context, id uuid.UUID) (*vesting.Pool, error)
	ListPools(ctx context.Context) ([]vesting.Pool, error)
	UpdatePoolState(ctx context.Context, id uuid.UUID, state vesting.PoolState) error
	CreateAllocation(ctx context.Context, a *vesting.Allocation) error
	CancelAllocation(ctx context.Context, id uuid.UUID) error
	ClaimHistory(ctx context.Context, wallet string, limit, offset int) ([]vesting.ClaimRecord, int, error)
}

type handler struct {
	log      *slog.Logger
	summary  SummaryService
	claims   ClaimService
	store    AdminStore
	disabled *atomic.Bool

	claimLimiter    *RateLimiter
	completeLimiter *RateLimiter
	dedup           *Deduplicator

	adminToken string
}

// --- wallet-facing endpoints ---

type summaryResponse struct {
	Wallet         string          `json:"wallet"`
	TotalVested    int64           `json:"total_vested"`
	TotalClaimed   int64           `json:"total_claimed"`
	TotalClaimable int64           `json:"total_claimable"`
	TotalLocked    int64           `json:"total_locked"`
	Entries        []vesting.Entry `json:"entries"`
}

func (h *handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "wallet query parameter is required"))
		return
	}

	var poolID *uuid.UUID
	if raw := r.URL.Query().Get("pool_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid pool_id %q", raw))
			return
		}
		poolID = &id
	}

	summary, err := h.summary.Summarize(r.Context(), wallet, poolID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	var locked int64
	for _, e := range summary.Entries {
		locked += e.Allocation.TokenAmount - e.Vested
	}
	h.writeJSON(w, http.StatusOK, summaryResponse{
		Wallet:         summary.Wallet,
		TotalVested:    summary.TotalVested,
		TotalClaimed:   summary.TotalClaimed,
		TotalClaimable: summary.TotalClaimable,
		TotalLocked:    locked,
		Entries:        summary.Entries,
	})
}

type claimRequest struct {
	Wallet string `json:"wallet"`
	Amount *int64 `json:"amount,omitempty"`
}

func (h *handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req claimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid request body"))
		return
	}
	if req.Wallet == "" {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "wallet is required"))
		return
	}

	h.gate(w, r, h.claimLimiter, req.Wallet, "claim", body, func(ctx context.Context) (any, error) {
		return h.claims.PrepareClaim(ctx, req.Wallet, req.Amount)
	})
}

type completeClaimRequest struct {
	Wallet           string            `json:"wallet"`
	FeeTransactionID string            `json:"fee_transaction_id"`
	Breakdown        vesting.Breakdown `json:"breakdown"`
}

func (h *handler) handleCompleteClaim(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	var req completeClaimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid request body"))
		return
	}
	if req.Wallet == "" {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "wallet is required"))
		return
	}
	if req.FeeTransactionID == "" {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "fee_transaction_id is required"))
		return
	}

	h.gate(w, r, h.completeLimiter, req.Wallet, "complete-claim", body, func(ctx context.Context) (any, error) {
		return h.claims.CompleteClaim(ctx, req.Wallet, req.FeeTransactionID, req.Breakdown)
	})
}

// gate runs a settlement-initiating request through the deduplicator and
// the per-wallet rate limiter, replaying the remembered response for an
// exact retry.
func (h *handler) gate(w http.ResponseWriter, r *http.Request, limiter *RateLimiter,
	wallet, endpoint string, body []byte, fn func(ctx context.Context) (any, error)) {

	key := h.dedup.Key(wallet, endpoint, body)
	if cached := h.dedup.Lookup(key); cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Deduplicated", "true")
		w.WriteHeader(cached.Status)
		if _, err := w.Write(cached.Body); err != nil {
			h.log.Error("server: failed to replay response", "error", err)
		}
		return
	}

	if allowed, retryAfter := limiter.Allow(wallet); !allowed {
		metrics.RateLimitedTotal.Inc()
		seconds := int(retryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		h.writeError(w, vesting.Errorf(vesting.KindRateLimited,
			"too many requests for wallet %s; retry after %ds", wallet, seconds))
		return
	}

	result, err := fn(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	rendered, err := json.Marshal(result)
	if err != nil {
		h.writeError(w, fmt.Errorf("failed to render response: %w", err))
		return
	}
	h.dedup.Store(key, http.StatusOK, rendered)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(rendered); err != nil {
		h.log.Error("server: failed to write response", "error", err)
	}
}

type historyResponse struct {
	Records []vesting.ClaimRecord `json:"records"`
	Total   int                   `json:"total"`
	HasMore bool                  `json:"has_more"`
}

func (h *handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "wallet query parameter is required"))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "limit must be between 1 and 500"))
		return
	}

	records, total, err := h.store.ClaimHistory(r.Context(), wallet, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if records == nil {
		records = []vesting.ClaimRecord{}
	}
	h.writeJSON(w, http.StatusOK, historyResponse{
		Records: records,
		Total:   total,
		HasMore: offset+len(records) < total,
	})
}

// --- administrative endpoints ---

type createPoolRequest struct {
	Name           string  `json:"name"`
	TotalAmount    int64   `json:"total_amount"`
	StartTime      string  `json:"start_time"` // RFC 3339
	CliffSeconds   int64   `json:"cliff_seconds"`
	VestingSeconds int64   `json:"vesting_seconds"`
	EscrowID       *string `json:"escrow_id,omitempty"`
}

func (h *handler) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req createPoolRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid request body"))
		return
	}
	if req.Name == "" {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "name is required"))
		return
	}
	if req.TotalAmount <= 0 {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "total_amount must be positive"))
		return
	}
	if req.VestingSeconds < 0 || req.CliffSeconds < 0 {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "durations must be non-negative"))
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "start_time must be RFC 3339"))
		return
	}
	if req.EscrowID != nil {
		if err := escrow.ValidateID(*req.EscrowID); err != nil {
			h.writeError(w, vesting.WrapErr(vesting.KindValidation, err, "invalid escrow_id"))
			return
		}
	}

	pool := &vesting.Pool{
		ID:              uuid.New(),
		Name:            req.Name,
		TotalAmount:     req.TotalAmount,
		StartTime:       start.UTC(),
		CliffDuration:   time.Duration(req.CliffSeconds) * time.Second,
		VestingDuration: time.Duration(req.VestingSeconds) * time.Second,
		State:           vesting.PoolStateActive,
		EscrowID:        req.EscrowID,
	}
	if err := h.store.CreatePool(r.Context(), pool); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("server: pool created", "pool_id", pool.ID, "name", pool.Name, "total", pool.TotalAmount)
	h.writeJSON(w, http.StatusCreated, pool)
}

func (h *handler) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.store.ListPools(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if pools == nil {
		pools = []vesting.Pool{}
	}
	h.writeJSON(w, http.StatusOK, pools)
}

func (h *handler) handleGetPool(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid pool id"))
		return
	}
	pool, err := h.store.GetPool(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pool)
}

func (h *handler) handlePoolState(state vesting.PoolState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid pool id"))
			return
		}
		if err := h.store.UpdatePoolState(r.Context(), id, state); err != nil {
			h.writeError(w, err)
			return
		}
		h.log.Info("server: pool state changed", "pool_id", id, "state", state)
		pool, err := h.store.GetPool(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, pool)
	}
}

type createAllocationRequest struct {
	Wallet      string  `json:"wallet"`
	TokenAmount int64   `json:"token_amount"`
	SharePct    float64 `json:"share_pct"`
}

func (h *handler) handleCreateAllocation(w http.ResponseWriter, r *http.Request) {
	poolID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid pool id"))
		return
	}
	var req createAllocationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid request body"))
		return
	}
	if _, err := solana.PublicKeyFromBase58(req.Wallet); err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid wallet address %q", req.Wallet))
		return
	}
	if req.TokenAmount <= 0 {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "token_amount must be positive"))
		return
	}

	alloc := &vesting.Allocation{
		ID:          uuid.New(),
		PoolID:      poolID,
		Wallet:      req.Wallet,
		TokenAmount: req.TokenAmount,
		SharePct:    req.SharePct,
		IsActive:    true,
	}
	if err := h.store.CreateAllocation(r.Context(), alloc); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("server: allocation created",
		"allocation_id", alloc.ID, "pool_id", poolID, "wallet", req.Wallet, "amount", req.TokenAmount)
	h.writeJSON(w, http.StatusCreated, alloc)
}

func (h *handler) handleCancelAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "invalid allocation id"))
		return
	}
	if err := h.store.CancelAllocation(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.log.Info("server: allocation cancelled", "allocation_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleSetClaimsDisabled(disabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.disabled.Store(disabled)
		h.log.Warn("server: claims kill switch changed", "disabled", disabled)
		h.writeJSON(w, http.StatusOK, map[string]bool{"claims_disabled": disabled})
	}
}

// adminAuth requires the static bearer token on administrative routes.
func (h *handler) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" {
			h.writeError(w, vesting.Errorf(vesting.KindForbidden, "administrative API is disabled"))
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(h.adminToken)) != 1 {
			h.writeError(w, vesting.Errorf(vesting.KindForbidden, "invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

func (h *handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, vesting.Errorf(vesting.KindValidation, "failed to read request body"))
		return nil, false
	}
	return body, true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
