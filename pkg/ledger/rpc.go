package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solfoundry/vestd/pkg/metrics"
)

// Default configuration values for the RPC client.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 1 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// RPCClient implements Client over Solana JSON-RPC 2.0.
type RPCClient struct {
	endpoint    string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
}

// ClientOption configures RPCClient.
type ClientOption func(*RPCClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *RPCClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets maximum transport-level retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *RPCClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *RPCClient) {
		c.retryDelay = d
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *RPCClient) {
		c.client = client
	}
}

// NewRPCClient creates a Solana JSON-RPC client for the given endpoint.
func NewRPCClient(endpoint string, opts ...ClientOption) *RPCClient {
	c := &RPCClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// call performs a JSON-RPC call, retrying transport failures and 5xx/429
// responses with capped exponential backoff. Node-level RPC errors are
// returned as-is; retrying those is the supervisor's decision.
func (c *RPCClient) call(ctx context.Context, method string, params []any, result any) error {
	reqID := c.requestID.Add(1)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	delay := c.retryDelay
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RPCRetriesTotal.WithLabelValues(method).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		lastErr = c.doOnce(ctx, body, result)
		if lastErr == nil {
			return nil
		}
		if !isRetryableTransport(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", method, c.maxRetries+1, lastErr)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryableTransport(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

func (c *RPCClient) doOnce(ctx context.Context, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &retryableError{fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body)
		return &retryableError{fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &retryableError{fmt.Errorf("failed to decode response: %w", err)}
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}

// getTransactionResult mirrors the getTransaction response shape we consume
// (jsonParsed account keys plus pre/post balances).
type getTransactionResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err          json.RawMessage `json:"err"`
		Fee          uint64          `json:"fee"`
		PreBalances  []int64         `json:"preBalances"`
		PostBalances []int64         `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
			} `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

func (c *RPCClient) GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionResult, error) {
	var raw json.RawMessage
	err := c.call(ctx, "getTransaction", []any{
		sig.String(),
		map[string]any{
			"encoding":                       "jsonParsed",
			"commitment":                     "confirmed",
			"maxSupportedTransactionVersion": 0,
		},
	}, &raw)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrTransactionNotFound
	}

	var parsed getTransactionResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	result := &TransactionResult{
		Signature: sig,
		Slot:      parsed.Slot,
		BlockTime: parsed.BlockTime,
	}
	if parsed.Meta != nil {
		result.Err = parsed.Meta.Err
		result.BalanceChanges = make(map[string]int64, len(parsed.Transaction.Message.AccountKeys))
		for i, key := range parsed.Transaction.Message.AccountKeys {
			if i < len(parsed.Meta.PreBalances) && i < len(parsed.Meta.PostBalances) {
				result.BalanceChanges[key.Pubkey] = parsed.Meta.PostBalances[i] - parsed.Meta.PreBalances[i]
			}
		}
	}
	return result, nil
}

// signatureStatusesResult mirrors getSignatureStatuses.
type signatureStatusesResult struct {
	Value []*struct {
		Slot               uint64          `json:"slot"`
		Confirmations      *uint64         `json:"confirmations"`
		Err                json.RawMessage `json:"err"`
		ConfirmationStatus string          `json:"confirmationStatus"`
	} `json:"value"`
}

func (c *RPCClient) GetSignatureStatus(ctx context.Context, sig solana.Signature) (TxStatus, error) {
	var result signatureStatusesResult
	err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{sig.String()},
		map[string]any{"searchTransactionHistory": true},
	}, &result)
	if err != nil {
		return TxStatusUnknown, err
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return TxStatusUnknown, nil
	}

	status := result.Value[0]
	if len(status.Err) > 0 && string(status.Err) != "null" {
		return TxStatusFailed, nil
	}
	switch status.ConfirmationStatus {
	case "confirmed", "finalized":
		return TxStatusConfirmed, nil
	default:
		return TxStatusPending, nil
	}
}

// latestBlockhashResult mirrors getLatestBlockhash.
type latestBlockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	var result latestBlockhashResult
	if err := c.call(ctx, "getLatestBlockhash", []any{
		map[string]any{"commitment": "confirmed"},
	}, &result); err != nil {
		return solana.Hash{}, err
	}
	hash, err := solana.HashFromBase58(result.Value.Blockhash)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to parse blockhash: %w", err)
	}
	return hash, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, txBase64 string) (solana.Signature, error) {
	var sigStr string
	err := c.call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{"encoding": "base64", "preflightCommitment": "confirmed"},
	}, &sigStr)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, err := solana.SignatureFromBase58(sigStr)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to parse signature: %w", err)
	}
	return sig, nil
}
