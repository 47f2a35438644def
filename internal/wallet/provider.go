package wallet

import (
	"context"
	"errors"
	"math/big"
	"strings"
)

// Provider is the normalized capability surface of a wallet, independent of
// chain family. Amounts are always in the asset's smallest unit (wei,
// lamports, satoshi).
type Provider interface {
	// Name returns the provider's identifier (e.g. "metamask").
	Name() string
	// Connect requests authorization and returns the selected account address.
	Connect(ctx context.Context) (string, error)
	// SendNative transfers the chain's native asset and returns a transaction id.
	SendNative(ctx context.Context, destination string, amount *big.Int) (string, error)
}

// ContractCaller is implemented by providers that can submit a raw contract
// call. Token transfers are encoded by the EVM builder and submitted through
// this interface rather than relying on a provider-level "send token" action.
type ContractCaller interface {
	SendContractCall(ctx context.Context, contract string, data []byte) (string, error)
}

// ChainParams describes a network for ChainSwitcher.AddChain.
type ChainParams struct {
	ChainID        int64
	Name           string
	RPCURL         string
	CurrencySymbol string
	ExplorerURL    string
}

// ChainSwitcher is implemented by providers whose active network can be
// inspected and changed.
type ChainSwitcher interface {
	ChainID(ctx context.Context) (int64, error)
	SwitchChain(ctx context.Context, chainID int64) error
	AddChain(ctx context.Context, params ChainParams) error
}

// ErrChainNotAdded is returned by SwitchChain when the requested network is
// unknown to the provider; the caller should follow up with AddChain.
var ErrChainNotAdded = errors.New("wallet: chain not added to provider")

// ErrRejected is returned by providers when the user declines a request.
var ErrRejected = errors.New("wallet: request rejected by user")

// IsUserRejection classifies a provider error as an explicit user rejection,
// either via the sentinel or by the rejection keywords wallet SDKs embed in
// their error strings.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"reject", "denied", "cancel", "declined"} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// Environment is the execution environment providers are discovered in. In
// production it is backed by whatever bridge exposes wallet objects to the
// service; tests inject a fake.
type Environment interface {
	Lookup(name string) (Provider, bool)
}

// MapEnvironment is a static Environment backed by a map, used for tests and
// for wiring pre-constructed providers.
type MapEnvironment map[string]Provider

// Lookup implements Environment.
func (m MapEnvironment) Lookup(name string) (Provider, bool) {
	p, ok := m[name]
	return p, ok
}
