package wallet

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/models"
)

// Descriptor is one entry of the declarative probe table: a predicate that
// checks whether a wallet is present in the environment, and a factory that
// yields its provider handle.
type Descriptor struct {
	ID          string
	DisplayName string
	Predicate   func(Environment) bool
	Factory     func(Environment) (Provider, error)
}

// byName builds a descriptor probing the environment for a well-known
// provider object name.
func byName(id, displayName string) Descriptor {
	return Descriptor{
		ID:          id,
		DisplayName: displayName,
		Predicate: func(env Environment) bool {
			_, ok := env.Lookup(id)
			return ok
		},
		Factory: func(env Environment) (Provider, error) {
			p, ok := env.Lookup(id)
			if !ok {
				return nil, fmt.Errorf("provider %q not present", id)
			}
			return p, nil
		},
	}
}

// defaultTables lists, per chain family, the known wallets in priority order.
func defaultTables() map[models.ChainFamily][]Descriptor {
	return map[models.ChainFamily][]Descriptor{
		models.FamilyEVM: {
			byName("metamask", "MetaMask"),
			byName("trustwallet", "Trust Wallet"),
			byName("coinbasewallet", "Coinbase Wallet"),
			byName("ethereum", "Injected Wallet"),
		},
		models.FamilySolana: {
			byName("phantom", "Phantom"),
			byName("solflare", "Solflare"),
		},
		models.FamilyBitcoin: {
			byName("unisat", "Unisat"),
			byName("xverse", "Xverse"),
			byName("okxwallet", "OKX Wallet"),
			byName("leather", "Leather"),
		},
	}
}

// Discovered is a provider found during discovery, paired with its table entry.
type Discovered struct {
	Descriptor Descriptor
	Provider   Provider
}

// Registry enumerates available wallet providers per chain family by
// evaluating a fixed, ordered descriptor table against an environment.
// Discovery is read-only and has no side effects.
type Registry struct {
	tables map[models.ChainFamily][]Descriptor
	logger *zap.Logger
}

// NewRegistry creates a registry with the default probe tables.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		tables: defaultTables(),
		logger: logger.Named("registry"),
	}
}

// Discover evaluates the probe table for a family against env. A probe that
// errors or panics is skipped with a warning; it never aborts discovery of
// the remaining entries. An empty result signals the caller to fall back to
// an out-of-band (deeplink) connection method.
func (r *Registry) Discover(env Environment, family models.ChainFamily) []Discovered {
	table := r.tables[family]
	found := make([]Discovered, 0, len(table))
	for _, desc := range table {
		provider, err := r.probe(env, desc)
		if err != nil {
			r.logger.Warn("Provider probe failed, skipping",
				zap.String("family", string(family)),
				zap.String("provider", desc.ID),
				zap.Error(err))
			continue
		}
		if provider == nil {
			continue
		}
		found = append(found, Discovered{Descriptor: desc, Provider: provider})
	}
	return found
}

// probe evaluates one descriptor, converting panics from misbehaving
// provider objects into errors.
func (r *Registry) probe(env Environment, desc Descriptor) (provider Provider, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			provider = nil
			err = fmt.Errorf("probe panicked: %v", rec)
		}
	}()

	if !desc.Predicate(env) {
		return nil, nil
	}
	return desc.Factory(env)
}

// Find returns the discovered provider with the given id, if present.
func (r *Registry) Find(env Environment, family models.ChainFamily, id string) (Discovered, bool) {
	for _, d := range r.Discover(env, family) {
		if d.Descriptor.ID == id {
			return d, true
		}
	}
	return Discovered{}, false
}
