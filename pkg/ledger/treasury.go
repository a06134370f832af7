package ledger

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Treasury builds the two transfers a settlement involves: the unsigned
// fee payment from the claiming wallet to the platform, and the signed
// token transfer from the platform's token account to the wallet.
type Treasury struct {
	key          solana.PrivateKey
	account      solana.PublicKey
	mint         solana.PublicKey
	tokenAccount solana.PublicKey
}

// TreasuryConfig configures the platform treasury.
type TreasuryConfig struct {
	// PrivateKey is the base58-encoded treasury signing key.
	PrivateKey string
	// Mint is the distributed token's mint address.
	Mint string
}

func (cfg *TreasuryConfig) Validate() error {
	if cfg.PrivateKey == "" {
		return errors.New("treasury private key is required")
	}
	if cfg.Mint == "" {
		return errors.New("token mint is required")
	}
	return nil
}

func NewTreasury(cfg TreasuryConfig) (*Treasury, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	key, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse treasury key: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(cfg.Mint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token mint: %w", err)
	}
	account := key.PublicKey()
	tokenAccount, _, err := solana.FindAssociatedTokenAddress(account, mint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive treasury token account: %w", err)
	}

	return &Treasury{
		key:          key,
		account:      account,
		mint:         mint,
		tokenAccount: tokenAccount,
	}, nil
}

// Account returns the treasury's fee-collection address.
func (t *Treasury) Account() solana.PublicKey {
	return t.account
}

// BuildFeeTransfer constructs the unsigned fee-payment transaction moving
// lamports from wallet to the treasury. The wallet signs and submits it
// client-side; nothing here is persisted or sent.
func (t *Treasury) BuildFeeTransfer(wallet solana.PublicKey, lamports uint64, blockhash solana.Hash) (string, error) {
	ix := system.NewTransferInstruction(lamports, wallet, t.account).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash,
		solana.TransactionPayer(wallet),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build fee transfer: %w", err)
	}

	encoded, err := tx.ToBase64()
	if err != nil {
		return "", fmt.Errorf("failed to encode fee transfer: %w", err)
	}
	return encoded, nil
}

// BuildTokenTransfer constructs and signs the token transfer paying out a
// settled claim from the treasury's token account to the wallet's
// associated token account. Returns the serialized transaction and its
// signature, which is known before submission.
//
// TODO: create the recipient's associated token account when it is
// missing, once we pick up an SPL client exposing CreateIdempotent.
func (t *Treasury) BuildTokenTransfer(wallet solana.PublicKey, amount uint64, blockhash solana.Hash) (string, solana.Signature, error) {
	dest, _, err := solana.FindAssociatedTokenAddress(wallet, t.mint)
	if err != nil {
		return "", solana.Signature{}, fmt.Errorf("failed to derive recipient token account: %w", err)
	}

	ix := token.NewTransferInstruction(amount, t.tokenAccount, dest, t.account, nil).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash,
		solana.TransactionPayer(t.account),
	)
	if err != nil {
		return "", solana.Signature{}, fmt.Errorf("failed to build token transfer: %w", err)
	}

	sigs, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(t.account) {
			return &t.key
		}
		return nil
	})
	if err != nil {
		return "", solana.Signature{}, fmt.Errorf("failed to sign token transfer: %w", err)
	}

	encoded, err := tx.ToBase64()
	if err != nil {
		return "", solana.Signature{}, fmt.Errorf("failed to encode token transfer: %w", err)
	}
	return encoded, sigs[0], nil
}
