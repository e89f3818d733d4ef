package secrets

import (
	"errors"
	"fmt"

	"github.com/clyso/cbs/internal/errkind"
)

var (
	// ErrSecretNotFound indicates the backend holds no value for the
	// requested reference (missing, expired, or inaccessible path).
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretEmpty indicates the secret exists but carries no value.
	ErrSecretEmpty = errors.New("secret has no value")

	// ErrAccessDenied indicates the backend rejected the caller's
	// credentials for this secret.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidRef indicates a malformed secret reference.
	ErrInvalidRef = errors.New("invalid secret reference")

	// ErrUnknownProvider indicates a resolve against a provider name
	// that was never registered.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProviderError wraps a backend failure with the provider name and the
// reference that triggered it. The secret value itself never appears in
// the error text.
type ProviderError struct {
	Provider string
	Ref      Ref
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("secrets: provider %q: secret %q: %v", e.Provider, e.Ref.Path, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping.
func (e *ProviderError) Code() errkind.Code {
	switch {
	case errors.Is(e.Err, ErrSecretNotFound):
		return errkind.CodeNotFound
	case errors.Is(e.Err, ErrInvalidRef), errors.Is(e.Err, ErrUnknownProvider):
		return errkind.CodeInvalidInput
	case errors.Is(e.Err, ErrSecretEmpty):
		return errkind.CodeInvalidInput
	default:
		return errkind.CodeTransport
	}
}

// NewProviderError wraps err with provider and reference context.
func NewProviderError(provider string, ref Ref, err error) *ProviderError {
	return &ProviderError{Provider: provider, Ref: ref, Err: err}
}

// IsProviderError reports whether err has a ProviderError in its chain.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
