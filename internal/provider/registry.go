package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lei/ci-relay/pkg/logger"
)

// Registry maps provider names to validated, instantiated providers.
// Writes happen during startup; afterwards it is read-many.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	logger    *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		logger:    log,
	}
}

// Register constructs a provider from cfg, validates it, and stores it by its
// declared name. Re-registering a name replaces the prior entry.
func (r *Registry) Register(ctor Constructor, cfg Config) error {
	prov, err := ctor(cfg, r.logger)
	if err != nil {
		return fmt.Errorf("construct provider: %w", err)
	}

	if err := prov.ValidateConfig(); err != nil {
		return fmt.Errorf("validate provider %s: %w", prov.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[prov.Name()]; exists {
		r.logger.Warn("registry: replacing provider", "provider", prov.Name())
	}
	r.providers[prov.Name()] = prov

	r.logger.Info("registry: provider registered", "provider", prov.Name())
	return nil
}

// Get returns the provider registered under name. A miss returns an
// UnknownProviderError listing every currently registered name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prov, ok := r.providers[name]
	if !ok {
		return nil, &UnknownProviderError{Name: name, Registered: r.namesLocked()}
	}
	return prov, nil
}

// Unregister removes the provider registered under name, if any
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
}

// Names returns the sorted names of all registered providers
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
