package bitcoin

import (
	"context"
	"fmt"
	"math/big"
	"net/url"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/config"
	"github.com/kaleo-labs/presale-service/internal/wallet"
)

const satoshiDecimals = 8

// Builder constructs Bitcoin payment requests. With an in-process provider
// the transfer is submitted directly; without one the purchase is deferred to
// an out-of-process wallet through a BIP-21 URI.
type Builder struct {
	params *chaincfg.Params
	logger *zap.Logger
}

// BuildResult describes the outcome of a build attempt.
type BuildResult struct {
	TxID        string
	RedirectURI string
	Deferred    bool
}

func NewBuilder(cfg *config.BitcoinConfig, logger *zap.Logger) (*Builder, error) {
	params, err := netParams(cfg.Network)
	if err != nil {
		return nil, err
	}
	return &Builder{
		params: params,
		logger: logger.Named("bitcoin_builder"),
	}, nil
}

func netParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network: %s", network)
	}
}

// BuildNative submits a BTC transfer through the session's provider, or
// defers to a BIP-21 URI when no provider is attached. The amount is
// denominated in BTC.
func (b *Builder) BuildNative(ctx context.Context, session *wallet.Session, destination string, amount decimal.Decimal) (BuildResult, error) {
	if err := b.ValidateAddress(destination); err != nil {
		return BuildResult{}, err
	}

	provider, ok := session.Provider()
	if !ok {
		return BuildResult{
			RedirectURI: PaymentURI(destination, amount),
			Deferred:    true,
		}, nil
	}

	txID, err := provider.SendNative(ctx, destination, Satoshis(amount))
	if err != nil {
		return BuildResult{}, fmt.Errorf("send native transfer: %w", err)
	}

	b.logger.Info("Bitcoin transfer submitted",
		zap.String("tx_id", txID),
		zap.String("destination", destination))
	return BuildResult{TxID: txID}, nil
}

// ValidateAddress checks that an address parses and belongs to the configured
// network. Legacy, script hash and bech32 forms are all accepted.
func (b *Builder) ValidateAddress(address string) error {
	addr, err := btcutil.DecodeAddress(address, b.params)
	if err != nil {
		return fmt.Errorf("invalid Bitcoin address: %w", err)
	}
	if !addr.IsForNet(b.params) {
		return fmt.Errorf("address %s is not valid for network %s", address, b.params.Name)
	}
	return nil
}

// Satoshis converts a BTC amount into satoshis: round(amount * 10^8).
func Satoshis(amount decimal.Decimal) *big.Int {
	return amount.Shift(satoshiDecimals).Round(0).BigInt()
}

// PaymentURI builds a BIP-21 payment request URI. The amount is in BTC with
// up to eight decimal places.
func PaymentURI(destination string, amount decimal.Decimal) string {
	q := url.Values{}
	q.Set("amount", amount.Round(satoshiDecimals).String())
	return fmt.Sprintf("bitcoin:%s?%s", destination, q.Encode())
}
