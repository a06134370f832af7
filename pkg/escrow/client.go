// Package escrow reads vested and withdrawn amounts from the on-chain
// escrow protocol that optionally backs a pool. The escrow's reading is
// authoritative over local time-based vesting math when it is reachable.
package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
)

// Client is the escrow-protocol surface the engine consumes.
type Client interface {
	// VestedAmount returns the base units the stream has unlocked so far.
	VestedAmount(ctx context.Context, escrowID string) (int64, error)
	// WithdrawnAmount returns the base units already withdrawn from the stream.
	WithdrawnAmount(ctx context.Context, escrowID string) (int64, error)
}

// ValidateID checks that an escrow stream id is a plausible on-chain
// account address (base58, 32 bytes decoded).
func ValidateID(id string) error {
	raw, err := base58.Decode(id)
	if err != nil {
		return fmt.Errorf("escrow id is not base58: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("escrow id decodes to %d bytes, want 32", len(raw))
	}
	return nil
}

// HTTPClient reads stream state from the escrow indexer's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an escrow client against the given indexer base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// streamState is the subset of the indexer's stream document we consume.
type streamState struct {
	ID              string `json:"id"`
	DepositedAmount int64  `json:"depositedAmount,string"`
	VestedAmount    int64  `json:"vestedAmount,string"`
	WithdrawnAmount int64  `json:"withdrawnAmount,string"`
	Closed          bool   `json:"closed"`
}

func (c *HTTPClient) fetchStream(ctx context.Context, escrowID string) (*streamState, error) {
	if err := ValidateID(escrowID); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v2/streams/%s", c.baseURL, escrowID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stream %s: %w", escrowID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("stream %s not found", escrowID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d for stream %s", resp.StatusCode, escrowID)
	}

	var state streamState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode stream %s: %w", escrowID, err)
	}
	return &state, nil
}

func (c *HTTPClient) VestedAmount(ctx context.Context, escrowID string) (int64, error) {
	state, err := c.fetchStream(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	return state.VestedAmount, nil
}

func (c *HTTPClient) WithdrawnAmount(ctx context.Context, escrowID string) (int64, error) {
	state, err := c.fetchStream(ctx, escrowID)
	if err != nil {
		return 0, err
	}
	return state.WithdrawnAmount, nil
}
