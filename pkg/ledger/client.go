// Package ledger is the engine's client for the Solana ledger: transfer
// submission, transaction lookup, signature status, and recent-blockhash
// fetches.
package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrTransactionNotFound is returned by GetTransaction when the ledger has
// no record of the signature.
var ErrTransactionNotFound = errors.New("transaction not found")

// TxStatus is the coarse state of a submitted transaction.
type TxStatus int

const (
	// TxStatusUnknown means the ledger has not seen the signature (yet).
	TxStatusUnknown TxStatus = iota
	// TxStatusPending means the transaction is in flight but not confirmed.
	TxStatusPending
	// TxStatusConfirmed means the transaction reached confirmed or
	// finalized commitment without an execution error.
	TxStatusConfirmed
	// TxStatusFailed means the transaction executed with an error.
	TxStatusFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxStatusPending:
		return "pending"
	case TxStatusConfirmed:
		return "confirmed"
	case TxStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransactionResult is the subset of a fetched transaction the engine
// inspects: whether it executed cleanly and how lamport balances moved.
type TransactionResult struct {
	Signature solana.Signature
	Slot      uint64
	BlockTime *int64
	// Err is the raw execution error, nil when the transaction succeeded.
	Err json.RawMessage
	// BalanceChanges maps account address to its lamport delta, derived
	// from pre/post balances. Used to verify a fee payment actually moved
	// lamports to the treasury.
	BalanceChanges map[string]int64
}

// Failed reports whether the transaction executed with an error.
func (r *TransactionResult) Failed() bool {
	return len(r.Err) > 0 && string(r.Err) != "null"
}

// Client is the distributed-ledger surface the engine consumes.
type Client interface {
	// GetTransaction fetches a transaction by signature, or
	// ErrTransactionNotFound.
	GetTransaction(ctx context.Context, sig solana.Signature) (*TransactionResult, error)
	// GetSignatureStatus returns the coarse status of a signature.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (TxStatus, error)
	// GetLatestBlockhash returns the current blockhash for transaction
	// submission. Blockhashes expire, so one is fetched per attempt.
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	// SendTransaction submits a base64-serialized signed transaction and
	// returns its signature.
	SendTransaction(ctx context.Context, txBase64 string) (solana.Signature, error)
}
