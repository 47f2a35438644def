package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/config"
	"github.com/kaleo-labs/presale-service/internal/wallet"
)

const confirmTimeout = 90 * time.Second

// ErrNoProvider is returned for operations that require an in-process
// provider capable of signing.
var ErrNoProvider = errors.New("evm: no connected provider")

// BuildResult is the outcome of a transaction builder. Exactly one of TxID
// and RedirectURI is set: a transaction id when a provider signed and
// submitted in-process, a redirect URI when confirmation is deferred to an
// out-of-process round trip.
type BuildResult struct {
	TxID        string
	RedirectURI string
	Deferred    bool
}

// Builder turns (destination, amount) pairs into EVM submissions or payment
// URIs for the configured network.
type Builder struct {
	cfg    *config.EVMConfig
	client *Client // nil when no RPC endpoint is configured
	logger *zap.Logger
}

// NewBuilder creates an EVM transaction builder. client may be nil; receipt
// confirmation is then skipped.
func NewBuilder(cfg *config.EVMConfig, client *Client, logger *zap.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		client: client,
		logger: logger.Named("evm"),
	}
}

// BuildNative submits a native-coin transfer through the connected provider,
// or falls back to an EIP-681 payment URI when no provider is available.
func (b *Builder) BuildNative(ctx context.Context, session *wallet.Session, destination string, amountWei *big.Int) (BuildResult, error) {
	provider, ok := session.Provider()
	if !ok {
		return BuildResult{
			RedirectURI: PaymentURI(destination, b.cfg.ChainID, amountWei),
			Deferred:    true,
		}, nil
	}

	if err := b.EnsureChain(ctx, provider); err != nil {
		return BuildResult{}, err
	}

	txID, err := provider.SendNative(ctx, destination, amountWei)
	if err != nil {
		return BuildResult{}, fmt.Errorf("send native transfer: %w", err)
	}

	b.confirm(ctx, txID)
	return BuildResult{TxID: txID}, nil
}

// BuildToken submits an ERC-20 transfer encoded as a raw contract call. The
// amount is computed in the token's smallest unit exactly; rounding beyond
// the declared decimals would change funds moved. Token transfers require an
// in-process provider.
func (b *Builder) BuildToken(ctx context.Context, session *wallet.Session, token config.TokenConfig, destination string, usd decimal.Decimal) (BuildResult, error) {
	provider, ok := session.Provider()
	if !ok {
		return BuildResult{}, ErrNoProvider
	}
	caller, ok := provider.(wallet.ContractCaller)
	if !ok {
		return BuildResult{}, fmt.Errorf("provider %s cannot submit contract calls", provider.Name())
	}

	if err := b.EnsureChain(ctx, provider); err != nil {
		return BuildResult{}, err
	}

	amount := TokenUnits(usd, token.Decimals)
	data := EncodeTransfer(common.HexToAddress(destination), amount)

	txID, err := caller.SendContractCall(ctx, token.ContractAddress, data)
	if err != nil {
		return BuildResult{}, fmt.Errorf("send token transfer: %w", err)
	}

	b.logger.Info("Token transfer submitted",
		zap.String("tx_id", txID),
		zap.String("contract", token.ContractAddress),
		zap.String("amount", amount.String()))

	b.confirm(ctx, txID)
	return BuildResult{TxID: txID}, nil
}

// EnsureChain makes the provider's active network match the configured one,
// requesting a switch and, when the network is unknown to the provider,
// requesting it be added. A provider already on the right network is a no-op;
// a provider whose network cannot be inspected is left alone.
func (b *Builder) EnsureChain(ctx context.Context, provider wallet.Provider) error {
	switcher, ok := provider.(wallet.ChainSwitcher)
	if !ok {
		return nil
	}

	if current, err := switcher.ChainID(ctx); err == nil && current == b.cfg.ChainID {
		return nil
	}

	err := switcher.SwitchChain(ctx, b.cfg.ChainID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, wallet.ErrChainNotAdded) {
		return fmt.Errorf("switch to network %d: %w", b.cfg.ChainID, err)
	}

	params := wallet.ChainParams{
		ChainID:        b.cfg.ChainID,
		Name:           b.cfg.ChainName,
		RPCURL:         b.cfg.RPCEndpoint,
		CurrencySymbol: b.cfg.NativeSymbol,
		ExplorerURL:    b.cfg.ExplorerURL,
	}
	if err := switcher.AddChain(ctx, params); err != nil {
		return fmt.Errorf("add network %s: %w", b.cfg.ChainName, err)
	}
	return nil
}

// confirm does a best-effort receipt check. Failures are logged, never
// surfaced: the provider already reported the submission.
func (b *Builder) confirm(ctx context.Context, txID string) {
	if b.client == nil {
		return
	}
	receipt, err := b.client.WaitForTransaction(ctx, common.HexToHash(txID), confirmTimeout)
	if err != nil {
		b.logger.Warn("Receipt check failed", zap.String("tx_id", txID), zap.Error(err))
		return
	}
	b.logger.Info("Transaction confirmed",
		zap.String("tx_id", txID),
		zap.Uint64("block", receipt.BlockNumber.Uint64()))
}

// EncodeTransfer builds the calldata for ERC20 transfer(address,uint256).
// Encoded by hand rather than through abigen bindings: the payload is a
// fixed selector plus two left-padded words.
func EncodeTransfer(to common.Address, amount *big.Int) []byte {
	// transfer(address,uint256) selector: 0xa9059cbb
	data := append(
		common.Hex2Bytes("a9059cbb"),
		common.LeftPadBytes(to.Bytes(), 32)...,
	)
	return append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
}

// TokenUnits converts a decimal asset amount into the token's smallest unit:
// round(amount * 10^decimals).
func TokenUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Round(0).BigInt()
}

// WeiAmount converts a decimal native-coin amount to wei.
func WeiAmount(amount decimal.Decimal) *big.Int {
	return TokenUnits(amount, 18)
}

// PaymentURI builds an EIP-681 payment request URI for wallets scanned or
// opened out of process.
func PaymentURI(destination string, chainID int64, amountWei *big.Int) string {
	return fmt.Sprintf("ethereum:%s@%d?value=%s", destination, chainID, amountWei.String())
}

// ValidateAddress checks that an address is a well-formed hex EVM address.
func ValidateAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid EVM address: %s", address)
	}
	return nil
}
