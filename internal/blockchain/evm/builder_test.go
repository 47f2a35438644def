package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/config"
	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
	"github.com/kaleo-labs/presale-service/internal/wallet"
)

// fakeEVMProvider implements the full EVM capability surface.
type fakeEVMProvider struct {
	address string
	chainID int64
	known   map[int64]bool // networks the provider knows

	switchErr error
	sendErr   error

	switchCalls int
	addCalls    int
	sentDest    string
	sentAmount  *big.Int
	calledTo    string
	calldata    []byte
}

func (f *fakeEVMProvider) Name() string { return "metamask" }

func (f *fakeEVMProvider) Connect(ctx context.Context) (string, error) { return f.address, nil }

func (f *fakeEVMProvider) SendNative(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentDest = destination
	f.sentAmount = amount
	return "0xnative", nil
}

func (f *fakeEVMProvider) SendContractCall(ctx context.Context, contract string, data []byte) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.calledTo = contract
	f.calldata = data
	return "0xtokentx", nil
}

func (f *fakeEVMProvider) ChainID(ctx context.Context) (int64, error) { return f.chainID, nil }

func (f *fakeEVMProvider) SwitchChain(ctx context.Context, chainID int64) error {
	f.switchCalls++
	if f.switchErr != nil {
		return f.switchErr
	}
	if !f.known[chainID] {
		return wallet.ErrChainNotAdded
	}
	f.chainID = chainID
	return nil
}

func (f *fakeEVMProvider) AddChain(ctx context.Context, params wallet.ChainParams) error {
	f.addCalls++
	if f.known == nil {
		f.known = map[int64]bool{}
	}
	f.known[params.ChainID] = true
	f.chainID = params.ChainID
	return nil
}

func testConfig() *config.EVMConfig {
	return &config.EVMConfig{
		ChainID:      97,
		ChainName:    "BNB Smart Chain Testnet",
		NativeSymbol: "tBNB",
	}
}

func connectedSession(t *testing.T, provider wallet.Provider) *wallet.Session {
	t.Helper()
	store, err := localstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sess := wallet.NewSession(models.FamilyEVM, store, zap.NewNop())
	d := wallet.Discovered{
		Descriptor: wallet.Descriptor{ID: "metamask", DisplayName: "MetaMask"},
		Provider:   provider,
	}
	if _, err := sess.Connect(context.Background(), d); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return sess
}

func TestTokenUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		decimals int32
		want     string
	}{
		{"six decimals exact", "12.345678", 6, "12345678"},
		{"rounding, not truncation", "12.3456789", 6, "12345679"},
		{"whole number", "100", 6, "100000000"},
		{"eighteen decimals", "1.5", 18, "1500000000000000000"},
		{"zero", "0", 6, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TokenUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			if got.String() != tt.want {
				t.Errorf("TokenUnits(%s, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestEncodeTransfer(t *testing.T) {
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	data := EncodeTransfer(to, big.NewInt(12345678))

	if len(data) != 4+32+32 {
		t.Fatalf("calldata length = %d, want 68", len(data))
	}
	if got := hex.EncodeToString(data[:4]); got != "a9059cbb" {
		t.Errorf("selector = %s, want a9059cbb", got)
	}
	if got := common.BytesToAddress(data[4:36]); got != to {
		t.Errorf("recipient word = %s, want %s", got.Hex(), to.Hex())
	}
	if got := new(big.Int).SetBytes(data[36:68]); got.Int64() != 12345678 {
		t.Errorf("amount word = %s, want 12345678", got)
	}
}

func TestBuildTokenEncodesExactSmallestUnit(t *testing.T) {
	provider := &fakeEVMProvider{chainID: 97}
	sess := connectedSession(t, provider)
	b := NewBuilder(testConfig(), nil, zap.NewNop())

	token := config.TokenConfig{ContractAddress: "0x2222222222222222222222222222222222222222", Decimals: 6}
	result, err := b.BuildToken(context.Background(), sess, token, "0x1111111111111111111111111111111111111111", decimal.RequireFromString("12.345678"))
	if err != nil {
		t.Fatalf("BuildToken: %v", err)
	}
	if result.Deferred || result.TxID != "0xtokentx" {
		t.Errorf("result = %+v", result)
	}
	if provider.calledTo != token.ContractAddress {
		t.Errorf("contract = %s", provider.calledTo)
	}
	if got := new(big.Int).SetBytes(provider.calldata[36:68]); got.Int64() != 12345678 {
		t.Errorf("encoded amount = %s, want 12345678 (no silent truncation)", got)
	}
}

func TestBuildNativeWithProvider(t *testing.T) {
	provider := &fakeEVMProvider{chainID: 97}
	sess := connectedSession(t, provider)
	b := NewBuilder(testConfig(), nil, zap.NewNop())

	amount := big.NewInt(1_000_000_000_000_000)
	result, err := b.BuildNative(context.Background(), sess, "0x1111111111111111111111111111111111111111", amount)
	if err != nil {
		t.Fatalf("BuildNative: %v", err)
	}
	if result.Deferred || result.TxID != "0xnative" {
		t.Errorf("result = %+v", result)
	}
	if provider.sentAmount.Cmp(amount) != 0 {
		t.Errorf("sent amount = %s", provider.sentAmount)
	}
}

func TestBuildNativeWithoutProviderDefers(t *testing.T) {
	store, err := localstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	sess := wallet.NewSession(models.FamilyEVM, store, zap.NewNop())

	b := NewBuilder(testConfig(), nil, zap.NewNop())
	result, err := b.BuildNative(context.Background(), sess, "0x1111111111111111111111111111111111111111", big.NewInt(5))
	if err != nil {
		t.Fatalf("BuildNative: %v", err)
	}
	if !result.Deferred {
		t.Fatal("expected deferred result without a provider")
	}
	want := "ethereum:0x1111111111111111111111111111111111111111@97?value=5"
	if result.RedirectURI != want {
		t.Errorf("redirect = %s, want %s", result.RedirectURI, want)
	}
}

func TestEnsureChain(t *testing.T) {
	cfg := testConfig()

	t.Run("already on target network is a no-op", func(t *testing.T) {
		provider := &fakeEVMProvider{chainID: 97}
		b := NewBuilder(cfg, nil, zap.NewNop())
		if err := b.EnsureChain(context.Background(), provider); err != nil {
			t.Fatalf("EnsureChain: %v", err)
		}
		if provider.switchCalls != 0 || provider.addCalls != 0 {
			t.Errorf("no switch/add expected, got %d/%d", provider.switchCalls, provider.addCalls)
		}
	})

	t.Run("switches when on another network", func(t *testing.T) {
		provider := &fakeEVMProvider{chainID: 1, known: map[int64]bool{97: true}}
		b := NewBuilder(cfg, nil, zap.NewNop())
		if err := b.EnsureChain(context.Background(), provider); err != nil {
			t.Fatalf("EnsureChain: %v", err)
		}
		if provider.chainID != 97 {
			t.Errorf("chain id = %d, want 97", provider.chainID)
		}
		if provider.addCalls != 0 {
			t.Error("add should not be needed for a known network")
		}
	})

	t.Run("adds unknown network after failed switch", func(t *testing.T) {
		provider := &fakeEVMProvider{chainID: 1}
		b := NewBuilder(cfg, nil, zap.NewNop())
		if err := b.EnsureChain(context.Background(), provider); err != nil {
			t.Fatalf("EnsureChain: %v", err)
		}
		if provider.addCalls != 1 || provider.chainID != 97 {
			t.Errorf("addCalls = %d, chainID = %d", provider.addCalls, provider.chainID)
		}
	})

	t.Run("surfaces rejected switch", func(t *testing.T) {
		provider := &fakeEVMProvider{chainID: 1, switchErr: errors.New("user rejected network switch")}
		b := NewBuilder(cfg, nil, zap.NewNop())
		if err := b.EnsureChain(context.Background(), provider); err == nil {
			t.Fatal("expected error for rejected switch")
		}
	})

	t.Run("provider without switching capability is left alone", func(t *testing.T) {
		b := NewBuilder(cfg, nil, zap.NewNop())
		if err := b.EnsureChain(context.Background(), bareProvider{}); err != nil {
			t.Fatalf("EnsureChain: %v", err)
		}
	})
}

// bareProvider implements only the minimal Provider surface.
type bareProvider struct{}

func (bareProvider) Name() string                                { return "bare" }
func (bareProvider) Connect(context.Context) (string, error)     { return "0x0", nil }
func (bareProvider) SendNative(context.Context, string, *big.Int) (string, error) {
	return "", errors.New("unsupported")
}

func TestValidateAddress(t *testing.T) {
	if err := ValidateAddress("0x1111111111111111111111111111111111111111"); err != nil {
		t.Errorf("valid address rejected: %v", err)
	}
	for _, bad := range []string{"", "0x123", "not-an-address"} {
		if err := ValidateAddress(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
