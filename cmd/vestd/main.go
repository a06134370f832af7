package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/solfoundry/vestd/pkg/config"
	"github.com/solfoundry/vestd/pkg/escrow"
	"github.com/solfoundry/vestd/pkg/ledger"
	"github.com/solfoundry/vestd/pkg/logger"
	"github.com/solfoundry/vestd/pkg/metrics"
	"github.com/solfoundry/vestd/pkg/pricing"
	"github.com/solfoundry/vestd/pkg/reconcile"
	"github.com/solfoundry/vestd/pkg/server"
	"github.com/solfoundry/vestd/pkg/settlement"
	"github.com/solfoundry/vestd/pkg/store"
	"github.com/solfoundry/vestd/pkg/vesting"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address (or set LISTEN_ADDR env var)")
	adminTokenFlag := flag.String("admin-token", "", "static bearer token for the admin API (or set ADMIN_TOKEN env var)")
	allowedOriginsFlag := flag.String("allowed-origins", "", "comma-separated CORS origins (or set ALLOWED_ORIGINS env var)")

	// Postgres configuration
	pgHostFlag := flag.String("postgres-host", "localhost", "Postgres host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "5432", "Postgres port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-database", "vestd", "Postgres database name (or set POSTGRES_DATABASE env var)")
	pgUsernameFlag := flag.String("postgres-username", "vestd", "Postgres username (or set POSTGRES_USERNAME env var)")
	pgPasswordFlag := flag.String("postgres-password", "", "Postgres password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("postgres-sslmode", "disable", "Postgres SSL mode (or set POSTGRES_SSLMODE env var)")
	migrateFlag := flag.Bool("migrate", true, "apply pending database migrations on startup")

	// Ledger configuration
	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC endpoint (or set RPC_URL env var)")
	treasuryKeyFlag := flag.String("treasury-key", "", "base58 treasury signing key (or set TREASURY_KEY env var)")
	tokenMintFlag := flag.String("token-mint", "", "distributed token mint address (or set TOKEN_MINT env var)")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", 60*time.Second, "transfer confirmation wait before falling back to polling")

	// Escrow and pricing configuration
	escrowURLFlag := flag.String("escrow-url", "", "escrow stream API base URL (or set ESCROW_URL env var); empty disables escrow overrides")
	priceURLFlag := flag.String("price-url", "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd", "SOL/USD price endpoint (or set PRICE_URL env var)")
	feeUSDFlag := flag.Float64("fee-usd", 1.0, "flat settlement fee in USD")

	// Engine tuning
	claimWindowFlag := flag.Duration("claim-window", server.DefaultClaimWindow, "per-wallet window for settlement-initiating requests")
	dedupTTLFlag := flag.Duration("dedup-ttl", server.DefaultDedupTTL, "replay window for exact request retries")
	escrowTTLFlag := flag.Duration("escrow-cache-ttl", escrow.DefaultCacheTTL, "vested-amount cache TTL")
	reconcileIntervalFlag := flag.Duration("reconcile-interval", reconcile.DefaultInterval, "settlement reconciliation cadence")
	claimsDisabledFlag := flag.Bool("claims-disabled", false, "start with the claims kill switch engaged")

	flag.Parse()

	for env, target := range map[string]*string{
		"LISTEN_ADDR":       listenAddrFlag,
		"ADMIN_TOKEN":       adminTokenFlag,
		"ALLOWED_ORIGINS":   allowedOriginsFlag,
		"POSTGRES_HOST":     pgHostFlag,
		"POSTGRES_PORT":     pgPortFlag,
		"POSTGRES_DATABASE": pgDatabaseFlag,
		"POSTGRES_USERNAME": pgUsernameFlag,
		"POSTGRES_PASSWORD": pgPasswordFlag,
		"POSTGRES_SSLMODE":  pgSSLModeFlag,
		"RPC_URL":           rpcURLFlag,
		"TREASURY_KEY":      treasuryKeyFlag,
		"TOKEN_MINT":        tokenMintFlag,
		"ESCROW_URL":        escrowURLFlag,
		"PRICE_URL":         priceURLFlag,
	} {
		if v := os.Getenv(env); v != "" {
			*target = v
		}
	}

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
			Release:     version,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	if *rpcURLFlag == "" {
		return fmt.Errorf("--rpc-url is required")
	}
	if *treasuryKeyFlag == "" {
		return fmt.Errorf("--treasury-key is required")
	}
	if *tokenMintFlag == "" {
		return fmt.Errorf("--token-mint is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("vestd: starting", "version", version, "commit", commit)

	pool, err := config.NewPostgresPool(ctx, log, config.PostgresConfig{
		Host:          *pgHostFlag,
		Port:          *pgPortFlag,
		Database:      *pgDatabaseFlag,
		Username:      *pgUsernameFlag,
		Password:      *pgPasswordFlag,
		SSLMode:       *pgSSLModeFlag,
		RunMigrations: *migrateFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	db := store.New(log, pool)

	var escrowReader vesting.EscrowReader
	if *escrowURLFlag != "" {
		cache, err := escrow.NewVestedCache(escrow.VestedCacheConfig{
			Logger: log,
			Client: escrow.NewHTTPClient(*escrowURLFlag),
			TTL:    *escrowTTLFlag,
		})
		if err != nil {
			return fmt.Errorf("failed to build escrow cache: %w", err)
		}
		escrowReader = cache
	}

	aggregator, err := vesting.NewAggregator(vesting.AggregatorConfig{
		Logger: log,
		Store:  db,
		Escrow: escrowReader,
	})
	if err != nil {
		return fmt.Errorf("failed to build aggregator: %w", err)
	}

	oracle, err := pricing.NewOracle(pricing.OracleConfig{
		Logger: log,
		Source: pricing.NewHTTPRateSource(*priceURLFlag),
		FeeUSD: *feeUSDFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to build fee oracle: %w", err)
	}

	rpc := ledger.NewRPCClient(*rpcURLFlag)

	treasury, err := ledger.NewTreasury(ledger.TreasuryConfig{
		PrivateKey: *treasuryKeyFlag,
		Mint:       *tokenMintFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to build treasury: %w", err)
	}

	supervisor, err := ledger.NewSupervisor(ledger.SupervisorConfig{
		Logger:         log,
		Client:         rpc,
		ConfirmTimeout: *confirmTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to build confirmation supervisor: %w", err)
	}

	disabled := &atomic.Bool{}
	disabled.Store(*claimsDisabledFlag)

	claims, err := settlement.NewService(settlement.ServiceConfig{
		Logger:     log,
		Journal:    db,
		Aggregator: aggregator,
		Oracle:     oracle,
		Ledger:     rpc,
		Treasury:   treasury,
		Supervisor: supervisor,
		Disabled:   disabled,
	})
	if err != nil {
		return fmt.Errorf("failed to build settlement service: %w", err)
	}

	reconciler, err := reconcile.New(reconcile.Config{
		Logger:   log,
		Journal:  db,
		Ledger:   rpc,
		Interval: *reconcileIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to build reconciler: %w", err)
	}

	var origins []string
	if *allowedOriginsFlag != "" {
		origins = strings.Split(*allowedOriginsFlag, ",")
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		Summary:        aggregator,
		Claims:         claims,
		Store:          db,
		Ready:          pool.Ping,
		Disabled:       disabled,
		ListenAddr:     *listenAddrFlag,
		AdminToken:     *adminTokenFlag,
		AllowedOrigins: origins,
		ClaimWindow:    *claimWindowFlag,
		DedupTTL:       *dedupTTLFlag,
		Version:        server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		if err := reconciler.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		sentry.CaptureException(err)
		return err
	}
	log.Info("vestd: shutdown complete")
	return nil
}
