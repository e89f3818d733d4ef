package secrets

import "context"

// Resolver fetches secret values by reference.
type Resolver interface {
	// Resolve retrieves a single secret. It returns ErrSecretNotFound
	// (wrapped) when the backend has no value for the reference.
	Resolve(ctx context.Context, ref Ref) (*Secret, error)

	// Exists reports whether a secret exists without fetching its value.
	Exists(ctx context.Context, ref Ref) (bool, error)
}

// Provider is a named secret backend registered with a Manager.
type Provider interface {
	Resolver

	// Name returns the provider identifier, e.g. "awssm" or "memory".
	Name() string

	// Close releases backend resources and wipes any cached values.
	Close() error
}
