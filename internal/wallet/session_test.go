package wallet

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
)

func newTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionConnectSuccess(t *testing.T) {
	store := newTestStore(t)
	sess := NewSession(models.FamilyEVM, store, zap.NewNop())

	provider := &fakeProvider{name: "metamask", address: "0xAbCd"}
	d := Discovered{Descriptor: byName("metamask", "MetaMask"), Provider: provider}

	addr, err := sess.Connect(context.Background(), d)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if addr != "0xAbCd" {
		t.Errorf("address = %s, want 0xAbCd", addr)
	}

	state := sess.State()
	if state.Phase != models.PhaseConnected {
		t.Errorf("phase = %s, want connected", state.Phase)
	}
	if state.ProviderName != "metamask" {
		t.Errorf("provider name = %s", state.ProviderName)
	}

	// Address and provider name are persisted for restoration.
	savedAddr, savedProvider, err := store.Connection(models.FamilyEVM)
	if err != nil {
		t.Fatalf("persisted connection: %v", err)
	}
	if savedAddr != "0xAbCd" || savedProvider != "metamask" {
		t.Errorf("persisted (%s, %s), want (0xAbCd, metamask)", savedAddr, savedProvider)
	}
}

func TestSessionConnectFailureReturnsToDisconnected(t *testing.T) {
	store := newTestStore(t)
	sess := NewSession(models.FamilyEVM, store, zap.NewNop())

	provider := &fakeProvider{name: "metamask", connectErr: errors.New("user rejected the request")}
	d := Discovered{Descriptor: byName("metamask", "MetaMask"), Provider: provider}

	if _, err := sess.Connect(context.Background(), d); err == nil {
		t.Fatal("expected connect error")
	}
	if sess.State().Phase != models.PhaseDisconnected {
		t.Errorf("phase = %s, want disconnected", sess.State().Phase)
	}
	// No retry happens on its own.
	if provider.connectCalls != 1 {
		t.Errorf("connect calls = %d, want 1", provider.connectCalls)
	}
	if _, _, err := store.Connection(models.FamilyEVM); !errors.Is(err, localstore.ErrNotFound) {
		t.Error("nothing should have been persisted on failure")
	}
}

func TestSessionDisconnectClearsState(t *testing.T) {
	store := newTestStore(t)
	sess := NewSession(models.FamilySolana, store, zap.NewNop())

	provider := &fakeProvider{name: "phantom", address: "So1addr"}
	d := Discovered{Descriptor: byName("phantom", "Phantom"), Provider: provider}
	if _, err := sess.Connect(context.Background(), d); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := sess.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	state := sess.State()
	if state.Phase != models.PhaseDisconnected || state.Address != "" {
		t.Errorf("state after disconnect: %+v", state)
	}
	if _, _, err := store.Connection(models.FamilySolana); !errors.Is(err, localstore.ErrNotFound) {
		t.Error("persisted connection should be cleared")
	}
}

func TestSessionRestoreFromDiscoverableProvider(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveConnection(models.FamilyEVM, "0xAbCd", "metamask"); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	env := MapEnvironment{"metamask": &fakeProvider{name: "metamask"}}
	reg := NewRegistry(zap.NewNop())
	sess := NewSession(models.FamilyEVM, store, zap.NewNop())

	if !sess.Restore(env, reg) {
		t.Fatal("expected restore to succeed")
	}
	state := sess.State()
	if state.Phase != models.PhaseConnected || state.Address != "0xAbCd" {
		t.Errorf("restored state: %+v", state)
	}
	if _, ok := sess.Provider(); !ok {
		t.Error("expected a live provider handle after discovery-based restore")
	}
}

func TestSessionRestoreFromDeeplinkToken(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveConnection(models.FamilySolana, "So1addr", "phantom"); err != nil {
		t.Fatalf("seed connection: %v", err)
	}
	if err := store.SaveDeeplinkKeys(models.FamilySolana, []byte{1}, []byte{2}); err != nil {
		t.Fatalf("seed keys: %v", err)
	}
	if err := store.SaveSessionToken(models.FamilySolana, "token-123"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	// Phantom is not discoverable, but the session token is present.
	reg := NewRegistry(zap.NewNop())
	sess := NewSession(models.FamilySolana, store, zap.NewNop())

	if !sess.Restore(MapEnvironment{}, reg) {
		t.Fatal("expected restore via session token")
	}
	if _, ok := sess.Provider(); ok {
		t.Error("deeplink restore must not fabricate a provider handle")
	}
	if !sess.Connected() {
		t.Error("expected connected session")
	}
}

func TestSessionRestoreFailsWithoutPersistedData(t *testing.T) {
	store := newTestStore(t)
	reg := NewRegistry(zap.NewNop())
	sess := NewSession(models.FamilyBitcoin, store, zap.NewNop())

	if sess.Restore(MapEnvironment{}, reg) {
		t.Fatal("expected restore to fail with empty store")
	}
	if sess.State().Phase != models.PhaseDisconnected {
		t.Error("session should stay disconnected")
	}
}

func TestSessionsAreIndependentPerFamily(t *testing.T) {
	store := newTestStore(t)
	sessions := NewSessions(store, zap.NewNop())

	provider := &fakeProvider{name: "metamask", address: "0xAbCd"}
	d := Discovered{Descriptor: byName("metamask", "MetaMask"), Provider: provider}
	if _, err := sessions.Get(models.FamilyEVM).Connect(context.Background(), d); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if sessions.Get(models.FamilySolana).Connected() {
		t.Error("solana session must be unaffected by EVM connect")
	}
	if sessions.Get(models.FamilyBitcoin).Connected() {
		t.Error("bitcoin session must be unaffected by EVM connect")
	}
}

func TestRestoreAllRevivesPersistedConnections(t *testing.T) {
	store := newTestStore(t)
	if err := store.SaveConnection(models.FamilyEVM, "0xAbCd", "metamask"); err != nil {
		t.Fatalf("seed evm connection: %v", err)
	}
	if err := store.SaveConnection(models.FamilySolana, "So1addr", "phantom"); err != nil {
		t.Fatalf("seed solana connection: %v", err)
	}
	if err := store.SaveDeeplinkKeys(models.FamilySolana, []byte{1}, []byte{2}); err != nil {
		t.Fatalf("seed keys: %v", err)
	}
	if err := store.SaveSessionToken(models.FamilySolana, "token-123"); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	env := MapEnvironment{"metamask": &fakeProvider{name: "metamask"}}
	sessions := NewSessions(store, zap.NewNop())
	sessions.RestoreAll(env, NewRegistry(zap.NewNop()))

	if !sessions.Get(models.FamilyEVM).Connected() {
		t.Error("evm session should be restored from the discovered provider")
	}
	if !sessions.Get(models.FamilySolana).Connected() {
		t.Error("solana session should be restored from the deeplink token")
	}
	if sessions.Get(models.FamilyBitcoin).Connected() {
		t.Error("bitcoin session has nothing persisted and should stay disconnected")
	}
}
