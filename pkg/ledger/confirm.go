package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

// ErrConfirmationTimeout is returned when a submitted transfer could not be
// confirmed within the supervisor's window and a direct lookup still found
// nothing. The transfer may yet land; the caller must not resubmit under a
// fresh blockhash, that would risk a double spend.
var ErrConfirmationTimeout = errors.New("transfer confirmation timed out")

// SubmitFunc builds, signs, and submits one transfer attempt under the
// given blockhash, returning its signature. Called once per attempt so the
// blockhash is fresh each time.
type SubmitFunc func(ctx context.Context, blockhash solana.Hash) (solana.Signature, error)

// SupervisorConfig configures a confirmation/retry supervisor.
type SupervisorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Client Client

	// MaxAttempts bounds submission attempts on explicit failure.
	MaxAttempts int
	// BaseDelay is the first backoff delay; doubled per attempt up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ConfirmTimeout bounds the confirmation wait per submission before the
	// supervisor falls back to a direct transaction lookup.
	ConfirmTimeout time.Duration
	// PollInterval is the status poll cadence during the confirmation wait.
	PollInterval time.Duration
}

func (cfg *SupervisorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return nil
}

// Supervisor wraps external transfer submission with bounded retries,
// capped exponential backoff, and a timeout-then-poll confirmation wait.
// Every external submission call site goes through this one utility.
type Supervisor struct {
	log *slog.Logger
	cfg SupervisorConfig
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{log: cfg.Logger, cfg: cfg}, nil
}

// SubmitAndConfirm drives submit to a confirmed transfer or a terminal
// error. A transfer that executed with an error is retried under a fresh
// blockhash; a transfer whose fate is unknown after the confirmation
// window is NOT retried (see ErrConfirmationTimeout).
func (s *Supervisor) SubmitAndConfirm(ctx context.Context, submit SubmitFunc) (solana.Signature, error) {
	delay := s.cfg.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, delay); err != nil {
				return solana.Signature{}, err
			}
			delay *= 2
			if delay > s.cfg.MaxDelay {
				delay = s.cfg.MaxDelay
			}
		}

		// Refresh the blockhash every attempt; a stale one is rejected.
		blockhash, err := s.cfg.Client.GetLatestBlockhash(ctx)
		if err != nil {
			lastErr = fmt.Errorf("failed to fetch blockhash: %w", err)
			s.log.Warn("supervisor: blockhash fetch failed", "attempt", attempt, "error", err)
			continue
		}

		sig, err := submit(ctx, blockhash)
		if err != nil {
			lastErr = fmt.Errorf("submission failed: %w", err)
			s.log.Warn("supervisor: submission failed", "attempt", attempt, "error", err)
			continue
		}

		s.log.Info("supervisor: transfer submitted", "attempt", attempt, "signature", sig.String())

		status, err := s.awaitConfirmation(ctx, sig)
		if err != nil {
			return solana.Signature{}, err
		}
		switch status {
		case TxStatusConfirmed:
			return sig, nil
		case TxStatusFailed:
			lastErr = fmt.Errorf("transfer %s executed with error", sig)
			s.log.Warn("supervisor: transfer failed on chain, retrying", "attempt", attempt, "signature", sig.String())
			continue
		default:
			// Fate unknown after the window. Resubmitting could pay twice.
			return sig, fmt.Errorf("transfer %s: %w", sig, ErrConfirmationTimeout)
		}
	}

	return solana.Signature{}, fmt.Errorf("transfer failed after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// awaitConfirmation polls the signature status until confirmed, failed, or
// the window elapses. On window expiry it does one direct transaction
// lookup before giving up: a submitted transfer may still have landed
// after the client-side wait expired.
func (s *Supervisor) awaitConfirmation(ctx context.Context, sig solana.Signature) (TxStatus, error) {
	deadline := s.cfg.Clock.Now().Add(s.cfg.ConfirmTimeout)

	for s.cfg.Clock.Now().Before(deadline) {
		status, err := s.cfg.Client.GetSignatureStatus(ctx, sig)
		if err != nil {
			s.log.Warn("supervisor: status poll failed", "signature", sig.String(), "error", err)
		} else if status == TxStatusConfirmed || status == TxStatusFailed {
			return status, nil
		}

		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return TxStatusUnknown, err
		}
	}

	// Timeout escape hatch: look the transaction up directly.
	result, err := s.cfg.Client.GetTransaction(ctx, sig)
	if errors.Is(err, ErrTransactionNotFound) {
		return TxStatusUnknown, nil
	}
	if err != nil {
		s.log.Warn("supervisor: final lookup failed", "signature", sig.String(), "error", err)
		return TxStatusUnknown, nil
	}
	if result.Failed() {
		return TxStatusFailed, nil
	}
	s.log.Info("supervisor: transfer confirmed via final lookup", "signature", sig.String())
	return TxStatusConfirmed, nil
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.cfg.Clock.After(d):
		return nil
	}
}
