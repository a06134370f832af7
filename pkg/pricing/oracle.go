// Package pricing sizes the settlement fee. A remote quote service gives
// the native token's exchange rate; a short cache keeps repeated claim
// preparations from hammering it.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultQuoteTTL is how long one exchange-rate quote is reused.
const DefaultQuoteTTL = 10 * time.Second

const lamportsPerSol = 1_000_000_000

// RateSource returns the current SOL/USD exchange rate.
type RateSource interface {
	SolPriceUSD(ctx context.Context) (float64, error)
}

// HTTPRateSource fetches the rate from a simple-price style endpoint.
type HTTPRateSource struct {
	url    string
	client *http.Client
}

func NewHTTPRateSource(url string) *HTTPRateSource {
	return &HTTPRateSource{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPRateSource) SolPriceUSD(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body struct {
		Solana struct {
			USD float64 `json:"usd"`
		} `json:"solana"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode price: %w", err)
	}
	if body.Solana.USD <= 0 {
		return 0, fmt.Errorf("quote service returned non-positive price %f", body.Solana.USD)
	}
	return body.Solana.USD, nil
}

// OracleConfig configures a fee oracle.
type OracleConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Source RateSource
	// FeeUSD is the flat settlement fee charged per claim.
	FeeUSD float64
	TTL    time.Duration
}

func (cfg *OracleConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("rate source is required")
	}
	if cfg.FeeUSD <= 0 {
		return errors.New("fee must be positive")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultQuoteTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Oracle converts the flat USD settlement fee into lamports using a
// short-cached exchange rate.
type Oracle struct {
	log    *slog.Logger
	clock  clockwork.Clock
	source RateSource
	feeUSD float64
	ttl    time.Duration

	mu        sync.Mutex
	rate      float64
	fetchedAt time.Time
}

func NewOracle(cfg OracleConfig) (*Oracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Oracle{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		source: cfg.Source,
		feeUSD: cfg.FeeUSD,
		ttl:    cfg.TTL,
	}, nil
}

// FeeLamports quotes the current settlement fee in lamports. Rounded up:
// under-collecting the fee is the platform's loss, not the user's.
func (o *Oracle) FeeLamports(ctx context.Context) (int64, error) {
	rate, err := o.currentRate(ctx)
	if err != nil {
		return 0, err
	}
	return int64(math.Ceil(o.feeUSD / rate * lamportsPerSol)), nil
}

func (o *Oracle) currentRate(ctx context.Context) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := o.clock.Now()
	if o.rate > 0 && now.Sub(o.fetchedAt) < o.ttl {
		return o.rate, nil
	}

	rate, err := o.source.SolPriceUSD(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch exchange rate: %w", err)
	}

	o.rate = rate
	o.fetchedAt = now
	o.log.Debug("pricing: refreshed exchange rate", "sol_usd", rate)
	return rate, nil
}
