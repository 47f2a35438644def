package solana

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/config"
	"github.com/kaleo-labs/presale-service/internal/wallet"
)

const (
	lamportDecimals = 9

	confirmTimeout = 90 * time.Second
)

// Builder constructs and submits Solana native transfers. With an in-process
// provider the transfer is submitted directly; without one the purchase is
// deferred to an out-of-process wallet through a Solana Pay URI or an
// encrypted deeplink carrying a serialized transaction.
type Builder struct {
	cfg    *config.SolanaConfig
	client *Client
	logger *zap.Logger
}

// BuildResult describes the outcome of a build attempt.
type BuildResult struct {
	TxID        string
	RedirectURI string
	Deferred    bool
}

func NewBuilder(cfg *config.SolanaConfig, client *Client, logger *zap.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		client: client,
		logger: logger.Named("solana_builder"),
	}
}

// BuildNative submits a SOL transfer through the session's provider, or
// defers to a Solana Pay URI when no provider is attached. The amount is
// denominated in SOL.
func (b *Builder) BuildNative(ctx context.Context, session *wallet.Session, destination string, amount decimal.Decimal) (BuildResult, error) {
	if err := ValidateAddress(destination); err != nil {
		return BuildResult{}, err
	}

	provider, ok := session.Provider()
	if !ok {
		return BuildResult{
			RedirectURI: PaymentURI(destination, amount),
			Deferred:    true,
		}, nil
	}

	sig, err := provider.SendNative(ctx, destination, Lamports(amount))
	if err != nil {
		return BuildResult{}, fmt.Errorf("send native transfer: %w", err)
	}

	b.confirm(ctx, sig)
	return BuildResult{TxID: sig}, nil
}

// DeeplinkTransaction assembles an unsigned SOL transfer from the connected
// wallet to the destination and returns it serialized and base58 encoded, the
// form Phantom's signAndSendTransaction deeplink expects. Needs an RPC client
// for the blockhash.
func (b *Builder) DeeplinkTransaction(ctx context.Context, from, destination string, amount decimal.Decimal) (string, error) {
	if b.client == nil {
		return "", fmt.Errorf("deeplink transactions require an RPC endpoint")
	}

	payer, err := solana.PublicKeyFromBase58(from)
	if err != nil {
		return "", fmt.Errorf("invalid sender address: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination address: %w", err)
	}

	blockhash, err := b.client.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}

	lamports := Lamports(amount)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports.Uint64(), payer, recipient).Build(),
		},
		blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}

	b.logger.Debug("Deeplink transfer assembled",
		zap.String("from", from),
		zap.String("destination", destination),
		zap.String("lamports", lamports.String()))

	return base58.Encode(raw), nil
}

// confirm does a best-effort confirmation check. Failures are logged, never
// surfaced: the provider already reported the submission.
func (b *Builder) confirm(ctx context.Context, txID string) {
	if b.client == nil {
		return
	}
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		b.logger.Warn("Provider returned a malformed signature", zap.String("tx_id", txID))
		return
	}
	if err := b.client.WaitForSignature(ctx, sig, confirmTimeout); err != nil {
		b.logger.Warn("Confirmation check failed", zap.String("tx_id", txID), zap.Error(err))
		return
	}
	b.logger.Info("Transaction confirmed", zap.String("tx_id", txID))
}

// Lamports converts a SOL amount into lamports: round(amount * 10^9).
func Lamports(amount decimal.Decimal) *big.Int {
	return amount.Shift(lamportDecimals).Round(0).BigInt()
}

// Display strings shown by Solana Pay wallets next to the transfer request.
const (
	paymentLabel   = "Kaleo Presale"
	paymentMessage = "Kaleo token presale purchase"
)

// PaymentURI builds a Solana Pay transfer request URI for wallets opened out
// of process. The amount is in SOL.
func PaymentURI(destination string, amount decimal.Decimal) string {
	q := url.Values{}
	q.Set("amount", amount.String())
	q.Set("label", paymentLabel)
	q.Set("message", paymentMessage)
	return fmt.Sprintf("solana:%s?%s", destination, q.Encode())
}

// ValidateAddress checks that an address is a well-formed base58 Solana
// public key.
func ValidateAddress(address string) error {
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("invalid Solana address: %w", err)
	}
	return nil
}
