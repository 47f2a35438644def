package wallet

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/localstore"
	"github.com/kaleo-labs/presale-service/internal/models"
)

// Session holds one chain family's connection state:
// Disconnected -> Connecting -> Connected -> Disconnected.
// Families are fully independent; a session never touches another family's
// state. There is no automatic retry on failure.
type Session struct {
	family models.ChainFamily
	store  *localstore.Store
	logger *zap.Logger

	mu           sync.Mutex
	phase        models.ConnectionPhase
	address      string
	providerName string
	provider     Provider // live capability handle, nil for deeplink sessions
}

// NewSession creates a disconnected session for a chain family.
func NewSession(family models.ChainFamily, store *localstore.Store, logger *zap.Logger) *Session {
	return &Session{
		family: family,
		store:  store,
		logger: logger.Named("session").With(zap.String("family", string(family))),
		phase:  models.PhaseDisconnected,
	}
}

// Connect invokes the provider's connect call and, on success, persists the
// address and provider name for later restoration. On failure the session
// returns to Disconnected and the provider error is surfaced unchanged.
func (s *Session) Connect(ctx context.Context, d Discovered) (string, error) {
	s.mu.Lock()
	s.phase = models.PhaseConnecting
	s.mu.Unlock()

	address, err := d.Provider.Connect(ctx)
	if err != nil {
		s.mu.Lock()
		s.phase = models.PhaseDisconnected
		s.mu.Unlock()
		return "", fmt.Errorf("connect via %s: %w", d.Descriptor.ID, err)
	}

	s.mu.Lock()
	s.phase = models.PhaseConnected
	s.address = address
	s.providerName = d.Descriptor.ID
	s.provider = d.Provider
	s.mu.Unlock()

	if err := s.store.SaveConnection(s.family, address, d.Descriptor.ID); err != nil {
		// Restoration data is best-effort; the live session stands.
		s.logger.Warn("Failed to persist connection", zap.Error(err))
	}

	s.logger.Info("Wallet connected",
		zap.String("provider", d.Descriptor.ID),
		zap.String("address", address))
	return address, nil
}

// AdoptDeeplink marks the session Connected with an address obtained through
// an out-of-band deeplink round trip. No live provider handle exists.
func (s *Session) AdoptDeeplink(address, providerName string) {
	s.mu.Lock()
	s.phase = models.PhaseConnected
	s.address = address
	s.providerName = providerName
	s.provider = nil
	s.mu.Unlock()

	if err := s.store.SaveConnection(s.family, address, providerName); err != nil {
		s.logger.Warn("Failed to persist connection", zap.Error(err))
	}
}

// Disconnect clears in-memory and persisted state. It does not (and cannot)
// revoke the wallet-side authorization.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.phase = models.PhaseDisconnected
	s.address = ""
	s.providerName = ""
	s.provider = nil
	s.mu.Unlock()

	if err := s.store.ClearConnection(s.family); err != nil {
		return fmt.Errorf("clear persisted connection: %w", err)
	}
	s.logger.Info("Wallet disconnected")
	return nil
}

// Restore moves the session straight to Connected when durable storage holds
// an address whose provider is currently discoverable, or when a deeplink
// session token is still present. If the underlying authorization has lapsed,
// the first transaction attempt surfaces the failure and the user must
// reconnect.
func (s *Session) Restore(env Environment, registry *Registry) bool {
	address, providerName, err := s.store.Connection(s.family)
	if err != nil {
		return false
	}

	if d, ok := registry.Find(env, s.family, providerName); ok {
		s.mu.Lock()
		s.phase = models.PhaseConnected
		s.address = address
		s.providerName = providerName
		s.provider = d.Provider
		s.mu.Unlock()
		s.logger.Info("Session restored from provider",
			zap.String("provider", providerName),
			zap.String("address", address))
		return true
	}

	if token, err := s.store.SessionToken(s.family); err == nil && token != "" {
		s.mu.Lock()
		s.phase = models.PhaseConnected
		s.address = address
		s.providerName = providerName
		s.provider = nil
		s.mu.Unlock()
		s.logger.Info("Session restored from deeplink token",
			zap.String("provider", providerName),
			zap.String("address", address))
		return true
	}

	return false
}

// State returns the externally visible connection state.
func (s *Session) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ConnectionState{
		Family:       s.family,
		Phase:        s.phase,
		Address:      s.address,
		ProviderName: s.providerName,
	}
}

// Provider returns the live capability handle, if any.
func (s *Session) Provider() (Provider, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.provider, s.provider != nil
}

// Address returns the connected address, empty when disconnected.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Connected reports whether the session is in the Connected phase.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == models.PhaseConnected
}

// Sessions is the per-family session set.
type Sessions struct {
	byFamily map[models.ChainFamily]*Session
}

// NewSessions creates one session per chain family.
func NewSessions(store *localstore.Store, logger *zap.Logger) *Sessions {
	return &Sessions{
		byFamily: map[models.ChainFamily]*Session{
			models.FamilyEVM:     NewSession(models.FamilyEVM, store, logger),
			models.FamilySolana:  NewSession(models.FamilySolana, store, logger),
			models.FamilyBitcoin: NewSession(models.FamilyBitcoin, store, logger),
		},
	}
}

// Get returns the session for a family.
func (s *Sessions) Get(family models.ChainFamily) *Session {
	return s.byFamily[family]
}

// RestoreAll attempts restoration for every family on startup.
func (s *Sessions) RestoreAll(env Environment, registry *Registry) {
	for _, sess := range s.byFamily {
		sess.Restore(env, registry)
	}
}
