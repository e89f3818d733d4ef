// Package awssm provides an AWS Secrets Manager secret provider.
package awssm

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"github.com/clyso/cbs/internal/secrets"
)

// AWS error codes the provider maps to sentinels.
const (
	resourceNotFoundException = "ResourceNotFoundException"
	accessDeniedException     = "AccessDeniedException"
)

// API is the subset of the Secrets Manager client the provider uses.
type API interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)

	DescribeSecret(
		ctx context.Context,
		params *secretsmanager.DescribeSecretInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.DescribeSecretOutput, error)
}

// Provider resolves secrets from AWS Secrets Manager.
// All methods are safe for concurrent use.
type Provider struct {
	api API
}

// Option configures the provider.
type Option func(*options)

type options struct {
	region string
}

// WithRegion overrides the region from the ambient AWS configuration.
func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// New creates a provider backed by the ambient AWS configuration
// (environment, shared config, instance role).
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("awssm: load aws config: %w", err)
	}
	return &Provider{api: secretsmanager.NewFromConfig(cfg)}, nil
}

// NewWithAPI creates a provider around an existing client, used by tests.
func NewWithAPI(api API) *Provider {
	return &Provider{api: api}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "awssm" }

// Resolve fetches a secret value. The ref version selects a specific
// Secrets Manager version id; empty resolves the current version.
func (p *Provider) Resolve(ctx context.Context, ref secrets.Ref) (*secrets.Secret, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref.Path),
	}
	if ref.Version != "" {
		input.VersionId = aws.String(ref.Version)
	}

	out, err := p.api.GetSecretValue(ctx, input)
	if err != nil {
		return nil, mapAPIError(ref, err)
	}

	s := &secrets.Secret{Version: aws.ToString(out.VersionId)}
	if out.CreatedDate != nil {
		s.CreatedAt = *out.CreatedDate
	}
	switch {
	case out.SecretString != nil:
		s.Value = []byte(*out.SecretString)
	case out.SecretBinary != nil:
		s.Value = append([]byte(nil), out.SecretBinary...)
	default:
		return nil, fmt.Errorf("%w: %s", secrets.ErrSecretEmpty, ref.Path)
	}
	return s, nil
}

// Exists checks for a secret via DescribeSecret, which never returns
// the value.
func (p *Provider) Exists(ctx context.Context, ref secrets.Ref) (bool, error) {
	_, err := p.api.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(ref.Path),
	})
	if err != nil {
		mapped := mapAPIError(ref, err)
		if errors.Is(mapped, secrets.ErrSecretNotFound) {
			return false, nil
		}
		return false, mapped
	}
	return true, nil
}

// Close is a no-op; the SDK client holds no resources to release.
func (p *Provider) Close() error { return nil }

func mapAPIError(ref secrets.Ref, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case resourceNotFoundException:
			return fmt.Errorf("%w: %s", secrets.ErrSecretNotFound, ref.Path)
		case accessDeniedException:
			return fmt.Errorf("%w: %s", secrets.ErrAccessDenied, ref.Path)
		}
	}
	return fmt.Errorf("awssm: get %s: %w", ref.Path, err)
}
