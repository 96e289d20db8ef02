package adapters

import (
	"strings"
	"sync"

	"github.com/smallbiznis/creditledger/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/creditledger/internal/subscription/domain"
)

// Registry knows every provider this build supports and holds the ones
// configured for this deployment.
type Registry struct {
	factories       map[string]domain.AdapterFactory
	defaultProvider string

	mu       sync.RWMutex
	adapters map[string]domain.Adapter
}

func NewRegistry(factories ...domain.AdapterFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.AdapterFactory{},
		adapters:  map[string]domain.Adapter{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
		if registry.defaultProvider == "" {
			registry.defaultProvider = provider
		}
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) NewAdapter(provider string, cfg domain.AdapterConfig) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	cfg.Provider = provider
	return factory.NewAdapter(cfg)
}

// Configure builds the provider's adapter and makes it the active one.
func (r *Registry) Configure(cfg domain.AdapterConfig) error {
	adapter, err := r.NewAdapter(cfg.Provider, cfg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.adapters[normalize(cfg.Provider)] = adapter
	r.mu.Unlock()
	return nil
}

func (r *Registry) Adapter(provider string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	r.mu.RLock()
	adapter, ok := r.adapters[normalize(provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}

func (r *Registry) Client(provider string) (subscriptiondomain.ProviderClient, error) {
	return r.Adapter(provider)
}

func (r *Registry) DefaultProvider() string {
	if r == nil {
		return ""
	}
	return r.defaultProvider
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
