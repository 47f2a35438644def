package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/models"
)

// fakeProvider implements Provider with scriptable behavior.
type fakeProvider struct {
	name        string
	address     string
	connectErr  error
	sendErr     error
	txID        string
	panicOnName bool

	connectCalls int
	sentDest     string
	sentAmount   *big.Int
}

func (f *fakeProvider) Name() string {
	if f.panicOnName {
		panic("misbehaving provider object")
	}
	return f.name
}

func (f *fakeProvider) Connect(ctx context.Context) (string, error) {
	f.connectCalls++
	if f.connectErr != nil {
		return "", f.connectErr
	}
	return f.address, nil
}

func (f *fakeProvider) SendNative(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentDest = destination
	f.sentAmount = amount
	return f.txID, nil
}

func TestDiscoverRespectsTableOrder(t *testing.T) {
	env := MapEnvironment{
		"solflare": &fakeProvider{name: "solflare"},
		"phantom":  &fakeProvider{name: "phantom"},
	}
	reg := NewRegistry(zap.NewNop())

	found := reg.Discover(env, models.FamilySolana)
	if len(found) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(found))
	}
	if found[0].Descriptor.ID != "phantom" {
		t.Errorf("expected phantom first (priority order), got %s", found[0].Descriptor.ID)
	}
	if found[1].Descriptor.ID != "solflare" {
		t.Errorf("expected solflare second, got %s", found[1].Descriptor.ID)
	}
}

func TestDiscoverEmptyEnvironment(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	for _, family := range []models.ChainFamily{models.FamilyEVM, models.FamilySolana, models.FamilyBitcoin} {
		if found := reg.Discover(MapEnvironment{}, family); len(found) != 0 {
			t.Errorf("family %s: expected empty discovery, got %d providers", family, len(found))
		}
	}
}

func TestDiscoverSkipsThrowingProbe(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.tables[models.FamilyEVM] = []Descriptor{
		{
			ID:          "broken",
			DisplayName: "Broken Wallet",
			Predicate:   func(Environment) bool { panic("probe explodes") },
			Factory:     func(Environment) (Provider, error) { return nil, nil },
		},
		byName("metamask", "MetaMask"),
	}

	env := MapEnvironment{"metamask": &fakeProvider{name: "metamask"}}
	found := reg.Discover(env, models.FamilyEVM)
	if len(found) != 1 {
		t.Fatalf("expected 1 provider after skipping broken probe, got %d", len(found))
	}
	if found[0].Descriptor.ID != "metamask" {
		t.Errorf("expected metamask, got %s", found[0].Descriptor.ID)
	}
}

func TestDiscoverSkipsFactoryError(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.tables[models.FamilyBitcoin] = []Descriptor{
		{
			ID:          "unisat",
			DisplayName: "Unisat",
			Predicate:   func(Environment) bool { return true },
			Factory:     func(Environment) (Provider, error) { return nil, errors.New("handle unavailable") },
		},
		byName("xverse", "Xverse"),
	}

	env := MapEnvironment{"xverse": &fakeProvider{name: "xverse"}}
	found := reg.Discover(env, models.FamilyBitcoin)
	if len(found) != 1 || found[0].Descriptor.ID != "xverse" {
		t.Fatalf("expected only xverse, got %+v", found)
	}
}

func TestFind(t *testing.T) {
	env := MapEnvironment{"phantom": &fakeProvider{name: "phantom"}}
	reg := NewRegistry(zap.NewNop())

	if _, ok := reg.Find(env, models.FamilySolana, "solflare"); ok {
		t.Error("expected solflare to be absent")
	}
	d, ok := reg.Find(env, models.FamilySolana, "phantom")
	if !ok {
		t.Fatal("expected phantom to be found")
	}
	if d.Descriptor.DisplayName != "Phantom" {
		t.Errorf("unexpected display name %s", d.Descriptor.DisplayName)
	}
}

func TestIsUserRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrRejected, true},
		{"wrapped sentinel", errors.New("wrap: " + ErrRejected.Error()), true},
		{"metamask style", errors.New("MetaMask Tx Signature: User denied transaction signature"), true},
		{"cancel keyword", errors.New("user canceled the request"), true},
		{"unrelated", errors.New("insufficient funds"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserRejection(tt.err); got != tt.want {
				t.Errorf("IsUserRejection(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
