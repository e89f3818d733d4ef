package awssm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/secrets"
)

type mockAPI struct {
	getFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)

	describeFunc func(ctx context.Context, params *secretsmanager.DescribeSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error)
}

func (m *mockAPI) GetSecretValue(
	ctx context.Context,
	params *secretsmanager.GetSecretValueInput,
	optFns ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	return m.getFunc(ctx, params, optFns...)
}

func (m *mockAPI) DescribeSecret(
	ctx context.Context,
	params *secretsmanager.DescribeSecretInput,
	optFns ...func(*secretsmanager.Options),
) (*secretsmanager.DescribeSecretOutput, error) {
	return m.describeFunc(ctx, params, optFns...)
}

func TestResolveString(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	api := &mockAPI{
		getFunc: func(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			assert.Equal(t, "cbs/prod/git/token", aws.ToString(params.SecretId))
			assert.Nil(t, params.VersionId)
			return &secretsmanager.GetSecretValueOutput{
				SecretString: aws.String("tok-123"),
				VersionId:    aws.String("v-abc"),
				CreatedDate:  aws.Time(created),
			}, nil
		},
	}

	s, err := NewWithAPI(api).Resolve(context.Background(), secrets.Ref{Path: "cbs/prod/git/token"})
	require.NoError(t, err)
	assert.Equal(t, []byte("tok-123"), s.Value)
	assert.Equal(t, "v-abc", s.Version)
	assert.Equal(t, created, s.CreatedAt)
}

func TestResolveBinary(t *testing.T) {
	t.Parallel()

	api := &mockAPI{
		getFunc: func(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{
				SecretBinary: []byte{0x1f, 0x8b, 0x00},
			}, nil
		},
	}

	s, err := NewWithAPI(api).Resolve(context.Background(), secrets.Ref{Path: "signing/gpg-keyring"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b, 0x00}, s.Value)
}

func TestResolvePinnedVersion(t *testing.T) {
	t.Parallel()

	api := &mockAPI{
		getFunc: func(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			assert.Equal(t, "v-7", aws.ToString(params.VersionId))
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("x")}, nil
		},
	}

	_, err := NewWithAPI(api).Resolve(context.Background(), secrets.Ref{Path: "k", Version: "v-7"})
	require.NoError(t, err)
}

func TestResolveErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		apiErr  error
		wantErr error
	}{
		{
			name:    "resource not found",
			apiErr:  &smithy.GenericAPIError{Code: "ResourceNotFoundException"},
			wantErr: secrets.ErrSecretNotFound,
		},
		{
			name:    "access denied",
			apiErr:  &smithy.GenericAPIError{Code: "AccessDeniedException"},
			wantErr: secrets.ErrAccessDenied,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := &mockAPI{
				getFunc: func(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
					return nil, tt.apiErr
				},
			}

			_, err := NewWithAPI(api).Resolve(context.Background(), secrets.Ref{Path: "k"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestResolveGenericErrorPassesThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	api := &mockAPI{
		getFunc: func(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, boom
		},
	}

	_, err := NewWithAPI(api).Resolve(context.Background(), secrets.Ref{Path: "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, secrets.ErrSecretNotFound)
}

func TestResolveEmptySecret(t *testing.T) {
	t.Parallel()

	api := &mockAPI{
		getFunc: func(_ context.Context, _ *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{}, nil
		},
	}

	_, err := NewWithAPI(api).Resolve(context.Background(), secrets.Ref{Path: "k"})
	assert.ErrorIs(t, err, secrets.ErrSecretEmpty)
}

func TestExists(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		apiErr  error
		want    bool
		wantErr bool
	}{
		{name: "present", apiErr: nil, want: true},
		{
			name:   "absent",
			apiErr: &smithy.GenericAPIError{Code: "ResourceNotFoundException"},
			want:   false,
		},
		{
			name:    "denied",
			apiErr:  &smithy.GenericAPIError{Code: "AccessDeniedException"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := &mockAPI{
				describeFunc: func(_ context.Context, params *secretsmanager.DescribeSecretInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.DescribeSecretOutput, error) {
					assert.Equal(t, "k", aws.ToString(params.SecretId))
					if tt.apiErr != nil {
						return nil, tt.apiErr
					}
					return &secretsmanager.DescribeSecretOutput{}, nil
				},
			}

			ok, err := NewWithAPI(api).Exists(context.Background(), secrets.Ref{Path: "k"})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, secrets.ErrAccessDenied)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
