package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Config controls Manager behavior.
type Config struct {
	// DefaultProvider names the provider used by Resolve and Exists.
	DefaultProvider string
	// AutoClear marks every resolved secret for wipe-after-first-use.
	AutoClear bool
}

// Manager routes secret references to registered providers.
// It is safe for concurrent use.
type Manager struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
	autoClear   bool
}

// NewManager creates a manager. A nil config selects no default
// provider; callers then use ResolveFrom with explicit names.
func NewManager(cfg *Config) *Manager {
	m := &Manager{providers: make(map[string]Provider)}
	if cfg != nil {
		m.defaultName = cfg.DefaultProvider
		m.autoClear = cfg.AutoClear
	}
	return m
}

// RegisterProvider adds a named backend. Registering an empty name, a
// nil provider, or a duplicate name is an error.
func (m *Manager) RegisterProvider(name string, p Provider) error {
	if name == "" {
		return errors.New("secrets: provider name cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("secrets: provider %q is nil", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.providers[name]; dup {
		return fmt.Errorf("secrets: provider %q already registered", name)
	}
	m.providers[name] = p
	return nil
}

// Resolve fetches a secret through the default provider.
func (m *Manager) Resolve(ctx context.Context, ref Ref) (*Secret, error) {
	return m.ResolveFrom(ctx, m.defaultName, ref)
}

// ResolveFrom fetches a secret through the named provider.
func (m *Manager) ResolveFrom(ctx context.Context, provider string, ref Ref) (*Secret, error) {
	if err := ref.Validate(); err != nil {
		return nil, NewProviderError(provider, ref, err)
	}

	p, err := m.provider(provider)
	if err != nil {
		return nil, NewProviderError(provider, ref, err)
	}

	s, err := p.Resolve(ctx, ref)
	if err != nil {
		return nil, NewProviderError(provider, ref, err)
	}
	if m.autoClear {
		s.AutoClear = true
	}
	return s, nil
}

// Exists checks the default provider for a secret.
func (m *Manager) Exists(ctx context.Context, ref Ref) (bool, error) {
	return m.ExistsFrom(ctx, m.defaultName, ref)
}

// ExistsFrom checks the named provider for a secret.
func (m *Manager) ExistsFrom(ctx context.Context, provider string, ref Ref) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, NewProviderError(provider, ref, err)
	}

	p, err := m.provider(provider)
	if err != nil {
		return false, NewProviderError(provider, ref, err)
	}

	ok, err := p.Exists(ctx, ref)
	if err != nil {
		return false, NewProviderError(provider, ref, err)
	}
	return ok, nil
}

// Close shuts down every registered provider and clears the registry.
// Provider close failures are aggregated.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("secrets: close provider %q: %w", name, err))
		}
	}
	m.providers = make(map[string]Provider)
	return errors.Join(errs...)
}

func (m *Manager) provider(name string) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: no default provider configured", ErrUnknownProvider)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}
