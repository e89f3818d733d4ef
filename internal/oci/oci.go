// Package oci probes container registries for already-published release
// images. The builder asks it one question, "does this reference exist",
// before deciding whether an image build can be skipped.
package oci

import (
	"context"
	"errors"
	"fmt"

	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/clyso/cbs/internal/errkind"
	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/secrets"
)

// ErrInvalidReference reports a reference that is not a complete
// registry/repository:tag (or @digest) image name.
var ErrInvalidReference = errors.New("invalid image reference")

// Error decorates a probe failure with the operation and reference.
type Error struct {
	Op  string
	Ref string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("oci.%s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping. Anything the cause
// does not classify itself is a registry transport problem.
func (e *Error) Code() errkind.Code {
	if errors.Is(e.Err, ErrInvalidReference) {
		return errkind.CodeInvalidInput
	}
	if c := errkind.CodeOf(e.Err); c != errkind.CodeUnknown {
		return c
	}
	return errkind.CodeTransport
}

// CredentialSource resolves the registry login. *secrets.Credentials
// satisfies it.
type CredentialSource interface {
	RegistryCredentials(ctx context.Context) (*secrets.RegistryCredentials, error)
}

// Option configures a Probe.
type Option func(*Probe)

// WithPlainHTTP talks plain HTTP to the registry. Only test registries
// run without TLS.
func WithPlainHTTP() Option {
	return func(p *Probe) { p.plainHTTP = true }
}

// WithCredentials authenticates registry requests with the resolved
// login. Credentials are fetched lazily, on the first challenge of each
// probe, so rotation between runs is picked up.
func WithCredentials(src CredentialSource) Option {
	return func(p *Probe) { p.creds = src }
}

// Probe answers existence queries against an OCI registry.
type Probe struct {
	plainHTTP bool
	creds     CredentialSource
	log       *logging.Logger
}

// NewProbe builds a probe. A nil logger disables logging.
func NewProbe(log *logging.Logger, opts ...Option) *Probe {
	if log == nil {
		log = logging.NewNop()
	}
	p := &Probe{log: log.WithComponent("oci")}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Exists reports whether ref resolves to a manifest in its registry.
// A missing manifest is not an error; only transport, authentication,
// and reference problems are.
func (p *Probe) Exists(ctx context.Context, ref string) (bool, error) {
	const op = "exists"

	parsed, err := registry.ParseReference(ref)
	if err != nil {
		return false, &Error{Op: op, Ref: ref, Err: fmt.Errorf("%w: %v", ErrInvalidReference, err)}
	}
	if parsed.Reference == "" {
		return false, &Error{Op: op, Ref: ref, Err: fmt.Errorf("%w: missing tag or digest", ErrInvalidReference)}
	}

	repo, err := remote.NewRepository(parsed.Registry + "/" + parsed.Repository)
	if err != nil {
		return false, &Error{Op: op, Ref: ref, Err: err}
	}
	repo.PlainHTTP = p.plainHTTP
	if p.creds != nil {
		repo.Client = &auth.Client{
			Client:     retry.DefaultClient,
			Cache:      auth.NewCache(),
			Credential: p.credential(),
		}
	}

	desc, err := repo.Resolve(ctx, parsed.Reference)
	if errors.Is(err, errdef.ErrNotFound) {
		p.log.Debug("image absent", "ref", ref)
		return false, nil
	}
	if err != nil {
		return false, &Error{Op: op, Ref: ref, Err: err}
	}

	p.log.Debug("image resolved", "ref", ref, "digest", desc.Digest.String(), "size", desc.Size)
	return true, nil
}

func (p *Probe) credential() auth.CredentialFunc {
	return func(ctx context.Context, _ string) (auth.Credential, error) {
		rc, err := p.creds.RegistryCredentials(ctx)
		if err != nil {
			return auth.EmptyCredential, err
		}
		return auth.Credential{Username: rc.Username, Password: rc.Password}, nil
	}
}
