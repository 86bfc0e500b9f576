package provider

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klingon-exchange/klingon-wallet/internal/asset"
	"github.com/klingon-exchange/klingon-wallet/internal/chain"
	"github.com/klingon-exchange/klingon-wallet/internal/walleterr"
)

var (
	ErrDuplicateProvider = errors.New("provider already registered for network")
	ErrRegistryFrozen    = errors.New("provider registry is frozen")
)

// Registry maps a chain family to its provider. Providers are registered at
// startup; after Freeze the registry is read-only.
type Registry struct {
	mu        sync.RWMutex
	providers map[chain.Kind]Provider
	frozen    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[chain.Kind]Provider)}
}

// Register adds p. Registering a second provider for one network fails.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.providers[p.Network()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Network())
	}
	r.providers[p.Network()] = p
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(p Provider) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Freeze closes registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve returns the provider serving a.
func (r *Registry) Resolve(a asset.Asset) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[a.Network]
	r.mu.RUnlock()

	if !ok {
		return nil, walleterr.ErrProviderUnavailable.WithDetail("network", string(a.Network))
	}
	if !p.Supports(a) {
		return nil, walleterr.ErrAssetNotSupported.WithDetail("asset", a.Code)
	}
	return p, nil
}

// Networks returns the registered chain families in canonical order.
func (r *Registry) Networks() []chain.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]chain.Kind, 0, len(r.providers))
	for _, k := range chain.Kinds {
		if _, ok := r.providers[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
