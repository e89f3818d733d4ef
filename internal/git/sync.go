// Remote synchronization: remote management, fetch, push.
package git

import (
	"context"
	"errors"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// EnsureRemote makes name point at url, creating or rewriting the remote as
// needed. Rewriting matters because credentials are embedded in the URL and
// rotate between runs.
func (r *Repo) EnsureRemote(ctx context.Context, name, url string) error {
	if name == "" {
		name = r.remote
	}
	remote, err := r.repo.Remote(name)
	switch {
	case err == nil:
		urls := remote.Config().URLs
		if len(urls) > 0 && urls[0] == url {
			return nil
		}
		if err := r.repo.DeleteRemote(name); err != nil {
			return WrapErrorf(err, "replace remote %s", name)
		}
	case errors.Is(err, gogit.ErrRemoteNotFound):
	default:
		return WrapErrorf(err, "inspect remote %s", name)
	}

	if _, err := r.repo.CreateRemote(&config.RemoteConfig{Name: name, URLs: []string{url}}); err != nil {
		return WrapErrorf(err, "create remote %s", name)
	}
	return nil
}

// Fetch fetches from the named remote, optionally with explicit refspecs
// such as "+refs/heads/main:refs/cbs/ps-1234". Returns ErrAlreadyUpToDate
// when nothing changed.
//
// Context cancellation aborts the transfer.
func (r *Repo) Fetch(ctx context.Context, remote string, refspecs ...string) error {
	if remote == "" {
		remote = r.remote
	}
	opts := &gogit.FetchOptions{
		RemoteName: remote,
		Tags:       gogit.AllTags,
		Force:      true,
	}
	for _, rs := range refspecs {
		opts.RefSpecs = append(opts.RefSpecs, config.RefSpec(rs))
	}

	err := r.repo.FetchContext(ctx, opts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return ErrAlreadyUpToDate
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return WrapErrorf(ErrAuthRequired, "fetch %s", remote)
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return WrapErrorf(ErrResolveFailed, "fetch %s", remote)
	default:
		return WrapErrorf(err, "fetch %s", remote)
	}
}

// Push pushes the given refspecs to the named remote. Returns
// ErrAlreadyUpToDate when the remote already has everything and
// ErrNotFastForward when the update was rejected.
//
// Context cancellation aborts the transfer.
func (r *Repo) Push(ctx context.Context, remote string, force bool, refspecs ...string) error {
	if remote == "" {
		remote = r.remote
	}
	opts := &gogit.PushOptions{
		RemoteName: remote,
		Force:      force,
	}
	for _, rs := range refspecs {
		opts.RefSpecs = append(opts.RefSpecs, config.RefSpec(rs))
	}

	err := r.repo.PushContext(ctx, opts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gogit.NoErrAlreadyUpToDate):
		return ErrAlreadyUpToDate
	case errors.Is(err, gogit.ErrNonFastForwardUpdate):
		return WrapErrorf(ErrNotFastForward, "push %s", remote)
	case errors.Is(err, transport.ErrAuthenticationRequired):
		return WrapErrorf(ErrAuthRequired, "push %s", remote)
	default:
		return WrapErrorf(err, "push %s", remote)
	}
}
