package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCacheTTL keeps escrow readings fresh enough that vesting progress
// is visible within half a minute while collapsing the repeated reads one
// aggregation pass makes against the same stream.
const DefaultCacheTTL = 30 * time.Second

// VestedCacheConfig configures a vested-amount cache.
type VestedCacheConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client Client
	TTL    time.Duration
}

func (cfg *VestedCacheConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("escrow client is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type cacheEntry struct {
	vested    int64
	fetchedAt time.Time
}

// VestedCache is a TTL cache over Client.VestedAmount keyed by escrow id.
// Read failures are never cached, so the next caller retries instead of
// inheriting a cached failure.
type VestedCache struct {
	log    *slog.Logger
	clock  clockwork.Clock
	client Client
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewVestedCache(cfg VestedCacheConfig) (*VestedCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &VestedCache{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		client:  cfg.Client,
		ttl:     cfg.TTL,
		entries: make(map[string]cacheEntry),
	}, nil
}

// VestedAmount returns the cached reading for escrowID when fresh,
// otherwise fetches, caches, and returns a new one.
func (c *VestedCache) VestedAmount(ctx context.Context, escrowID string) (int64, error) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.entries[escrowID]
	c.mu.RUnlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return entry.vested, nil
	}

	vested, err := c.client.VestedAmount(ctx, escrowID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.entries[escrowID] = cacheEntry{vested: vested, fetchedAt: now}
	c.mu.Unlock()

	c.log.Debug("escrow: refreshed vested reading", "escrow", escrowID, "vested", vested)
	return vested, nil
}

// Invalidate drops the cached reading for escrowID, forcing the next call
// to fetch. Used after a settlement touches an escrow-backed pool.
func (c *VestedCache) Invalidate(escrowID string) {
	c.mu.Lock()
	delete(c.entries, escrowID)
	c.mu.Unlock()
}
