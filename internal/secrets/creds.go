package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/clyso/cbs/internal/errkind"
)

// Well-known credential paths, resolved relative to the configured prefix.
const (
	PathStore      = "store/credentials"
	PathRegistry   = "registry/credentials"
	PathGitToken   = "git/token"
	PathGPGKeyring = "signing/gpg-keyring"
)

// StoreCredentials is the static keypair for the object store.
type StoreCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
}

// RegistryCredentials is the login for the container registry.
type RegistryCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialError reports a credential that resolved but is unusable.
type CredentialError struct {
	Name string
	Err  error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("secrets: credential %q: %v", e.Name, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping.
func (e *CredentialError) Code() errkind.Code { return errkind.CodeMalformed }

// Credentials resolves the pipeline's well-known credentials through a
// manager. The prefix prepends every path, so deployments can scope all
// pipeline secrets under e.g. "cbs/prod".
type Credentials struct {
	manager *Manager
	prefix  string
}

// NewCredentials wraps a manager with the deployment's path prefix.
func NewCredentials(m *Manager, prefix string) *Credentials {
	return &Credentials{manager: m, prefix: strings.Trim(prefix, "/")}
}

// S3Credentials resolves the object store keypair.
func (c *Credentials) S3Credentials(ctx context.Context) (*StoreCredentials, error) {
	s, err := c.manager.Resolve(ctx, c.ref(PathStore))
	if err != nil {
		return nil, err
	}

	var creds StoreCredentials
	if err := json.Unmarshal(s.Bytes(), &creds); err != nil {
		return nil, &CredentialError{Name: PathStore, Err: err}
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, &CredentialError{Name: PathStore, Err: ErrSecretEmpty}
	}
	return &creds, nil
}

// RegistryCredentials resolves the container registry login.
func (c *Credentials) RegistryCredentials(ctx context.Context) (*RegistryCredentials, error) {
	s, err := c.manager.Resolve(ctx, c.ref(PathRegistry))
	if err != nil {
		return nil, err
	}

	var creds RegistryCredentials
	if err := json.Unmarshal(s.Bytes(), &creds); err != nil {
		return nil, &CredentialError{Name: PathRegistry, Err: err}
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, &CredentialError{Name: PathRegistry, Err: ErrSecretEmpty}
	}
	return &creds, nil
}

// GitToken resolves the token used for git-over-HTTPS access.
func (c *Credentials) GitToken(ctx context.Context) (string, error) {
	s, err := c.manager.Resolve(ctx, c.ref(PathGitToken))
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(s.String())
	if token == "" {
		return "", &CredentialError{Name: PathGitToken, Err: ErrSecretEmpty}
	}
	return token, nil
}

// GitCloneURL returns repoURL with the git token injected as userinfo.
// Non-HTTP URLs (ssh remotes) pass through unchanged since they carry
// their own authentication.
func (c *Credentials) GitCloneURL(ctx context.Context, repoURL string) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", &CredentialError{Name: PathGitToken, Err: fmt.Errorf("parse repo url: %w", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return repoURL, nil
	}

	token, err := c.GitToken(ctx)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// GPGKeyring resolves the exported signing keyring.
func (c *Credentials) GPGKeyring(ctx context.Context) ([]byte, error) {
	s, err := c.manager.Resolve(ctx, c.ref(PathGPGKeyring))
	if err != nil {
		return nil, err
	}
	ring := s.Bytes()
	if len(ring) == 0 {
		return nil, &CredentialError{Name: PathGPGKeyring, Err: ErrSecretEmpty}
	}
	return ring, nil
}

func (c *Credentials) ref(name string) Ref {
	if c.prefix == "" {
		return Ref{Path: name}
	}
	return Ref{Path: c.prefix + "/" + name}
}
