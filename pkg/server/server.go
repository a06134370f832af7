// Package server is the HTTP surface of the vesting engine: wallet-facing
// summary/claim/history endpoints, the administrative pool API, and the
// operational endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solfoundry/vestd/pkg/metrics"
	"github.com/solfoundry/vestd/pkg/vesting"
)

// VersionInfo identifies the running build.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Config configures the HTTP server.
type Config struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Summary SummaryService
	Claims  ClaimService
	Store   AdminStore
	// Ready probes the backing store for the readiness endpoint.
	Ready func(ctx context.Context) error
	// Disabled is the claims kill switch shared with the settlement service.
	Disabled *atomic.Bool

	ListenAddr      string
	AdminToken      string
	AllowedOrigins  []string
	ClaimWindow     time.Duration
	DedupTTL        time.Duration
	ShutdownTimeout time.Duration
	Version         VersionInfo
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Summary == nil {
		return errors.New("summary service is required")
	}
	if cfg.Claims == nil {
		return errors.New("claim service is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Disabled == nil {
		cfg.Disabled = &atomic.Bool{}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ClaimWindow <= 0 {
		cfg.ClaimWindow = DefaultClaimWindow
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// Server serves the vesting engine's HTTP API.
type Server struct {
	log     *slog.Logger
	cfg     Config
	handler *handler
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	h := &handler{
		log:             cfg.Logger,
		summary:         cfg.Summary,
		claims:          cfg.Claims,
		store:           cfg.Store,
		disabled:        cfg.Disabled,
		claimLimiter:    NewRateLimiter(cfg.Clock, cfg.ClaimWindow, 1),
		completeLimiter: NewRateLimiter(cfg.Clock, cfg.ClaimWindow, 1),
		dedup:           NewDeduplicator(cfg.Clock, cfg.DedupTTL),
		adminToken:      cfg.AdminToken,
	}

	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		handler: h,
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := s.handler

	r.Route("/vesting", func(r chi.Router) {
		r.Get("/summary", h.handleSummary)
		r.Post("/claim", h.handleClaim)
		r.Post("/complete-claim", h.handleCompleteClaim)
		r.Get("/history", h.handleHistory)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.adminAuth)
		r.Post("/pools", h.handleCreatePool)
		r.Get("/pools", h.handleListPools)
		r.Get("/pools/{id}", h.handleGetPool)
		r.Post("/pools/{id}/pause", h.handlePoolState(vesting.PoolStatePaused))
		r.Post("/pools/{id}/resume", h.handlePoolState(vesting.PoolStateActive))
		r.Post("/pools/{id}/cancel", h.handlePoolState(vesting.PoolStateCancelled))
		r.Post("/pools/{id}/allocations", h.handleCreateAllocation)
		r.Delete("/allocations/{id}", h.handleCancelAllocation)
		r.Post("/claims/disable", h.handleSetClaimsDisabled(true))
		r.Post("/claims/enable", h.handleSetClaimsDisabled(false))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("server: failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, s.cfg.Version)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
// A housekeeping loop evicts idle rate-limiter and deduplicator entries.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()
	go s.housekeeping(ctx)

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: shutdown complete")
		return nil
	case err := <-serveErrCh:
		s.log.Error("server: http server error", "error", err)
		return err
	}
}

func (s *Server) housekeeping(ctx context.Context) {
	ticker := s.cfg.Clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.handler.claimLimiter.Cleanup()
			s.handler.completeLimiter.Cleanup()
			s.handler.dedup.Cleanup()
		}
	}
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.log.Debug("readyz: store not ready", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, werr := w.Write([]byte("store not ready\n")); werr != nil {
				s.log.Error("server: failed to write readyz response", "error", werr)
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}
