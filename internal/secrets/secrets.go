// Package secrets provides provider-agnostic resolution of the
// credentials the pipeline needs at run time: object store keypairs,
// registry logins, git tokens and the GPG signing keyring.
//
// Secrets are resolved just in time through a Manager that routes
// references to named Provider backends. Resolved values support
// explicit zeroization, and AutoClear wipes them after first use:
//
//	m := secrets.NewManager(&secrets.Config{DefaultProvider: "memory", AutoClear: true})
//	defer m.Close()
//	m.RegisterProvider("memory", memory.New())
//
//	s, err := m.Resolve(ctx, secrets.Ref{Path: "registry/credentials"})
//	password := s.String() // cleared after this call
package secrets

import (
	"time"
)

// Secret is a resolved secret value with version metadata.
// The zero value is an empty secret.
type Secret struct {
	// Value holds the raw secret bytes. Never log it.
	Value []byte
	// Version identifies which version of the secret was resolved.
	Version string
	// CreatedAt records when the backend created this version.
	CreatedAt time.Time
	// AutoClear wipes Value after the first String or Bytes call.
	AutoClear bool
}

// Ref names a secret without holding its value.
type Ref struct {
	// Path locates the secret, e.g. "registry/credentials".
	Path string
	// Version pins a specific version; empty means latest.
	Version string
	// Metadata carries provider-specific hints.
	Metadata map[string]string
}

// Validate reports whether the reference is usable.
func (r Ref) Validate() error {
	if r.Path == "" {
		return ErrInvalidRef
	}
	return nil
}

// String returns the secret value as a string copy.
// With AutoClear set the underlying value is wiped afterwards.
func (s *Secret) String() string {
	if s.Value == nil {
		return ""
	}
	v := string(s.Value)
	if s.AutoClear {
		s.Clear()
	}
	return v
}

// Bytes returns a copy of the secret value.
// With AutoClear set the underlying value is wiped afterwards.
func (s *Secret) Bytes() []byte {
	if s.Value == nil {
		return nil
	}
	v := make([]byte, len(s.Value))
	copy(v, s.Value)
	if s.AutoClear {
		s.Clear()
	}
	return v
}

// Clear zeroes the secret value in place and drops the reference.
func (s *Secret) Clear() {
	for i := range s.Value {
		s.Value[i] = 0
	}
	s.Value = nil
}
