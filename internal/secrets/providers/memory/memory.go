// Package memory provides an in-memory secret provider for tests and
// local development. Values live only for the process lifetime.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clyso/cbs/internal/secrets"
)

// latestVersion keys values stored without an explicit version.
const latestVersion = "latest"

// Provider is a thread-safe in-memory secret store.
type Provider struct {
	mu    sync.RWMutex
	store map[string]map[string]*secrets.Secret
}

// New creates an empty memory provider.
func New() *Provider {
	return &Provider{store: make(map[string]map[string]*secrets.Secret)}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "memory" }

// Store seeds a secret value. An empty ref version stores as latest.
func (p *Provider) Store(ref secrets.Ref, value []byte) {
	version := ref.Version
	if version == "" {
		version = latestVersion
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	versions, ok := p.store[ref.Path]
	if !ok {
		versions = make(map[string]*secrets.Secret)
		p.store[ref.Path] = versions
	}
	versions[version] = &secrets.Secret{
		Value:     append([]byte(nil), value...),
		Version:   version,
		CreatedAt: time.Now().UTC(),
	}
}

// StoreString seeds a string secret value.
func (p *Provider) StoreString(ref secrets.Ref, value string) {
	p.Store(ref, []byte(value))
}

// Resolve retrieves a secret by reference.
func (p *Provider) Resolve(ctx context.Context, ref secrets.Ref) (*secrets.Secret, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	s, err := p.lookup(ref)
	if err != nil {
		return nil, err
	}

	// Copy so callers cannot mutate or clear the stored value.
	return &secrets.Secret{
		Value:     append([]byte(nil), s.Value...),
		Version:   s.Version,
		CreatedAt: s.CreatedAt,
	}, nil
}

// Exists reports whether a secret is stored, without copying its value.
func (p *Provider) Exists(ctx context.Context, ref secrets.Ref) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if _, err := p.lookup(ref); err != nil {
		return false, nil
	}
	return true, nil
}

// Close wipes every stored value.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for path, versions := range p.store {
		for version, s := range versions {
			s.Clear()
			delete(versions, version)
		}
		delete(p.store, path)
	}
	return nil
}

// lookup must be called with the mutex held.
func (p *Provider) lookup(ref secrets.Ref) (*secrets.Secret, error) {
	versions, ok := p.store[ref.Path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", secrets.ErrSecretNotFound, ref.Path)
	}

	version := ref.Version
	if version == "" {
		version = latestVersion
	}
	s, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", secrets.ErrSecretNotFound, ref.Path, version)
	}
	return s, nil
}
