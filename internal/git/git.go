// Package git wraps go-git with the task-oriented operations the pipeline
// needs on real checkouts: clone or update a component repository, branch
// from a base ref, fetch patch-set heads, and read commit metadata.
//
// Everything go-git can express goes through go-git. Porcelain it lacks,
// cherry-pick and its relatives, runs as the git binary through the
// executor so the worktree state stays shared between both paths.
package git

import (
	"context"
	"errors"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/clyso/cbs/internal/executor"
	"github.com/clyso/cbs/internal/logging"
)

// DefaultRemoteName is the remote used when none is given.
const DefaultRemoteName = "origin"

// Options configures how a repository is opened or cloned.
type Options struct {
	// Path is the on-disk worktree root. Required.
	Path string

	// Remote overrides the default remote name.
	Remote string

	// Runner executes the git binary for porcelain operations. Defaults to
	// the exec-backed runner.
	Runner executor.Runner

	// Log receives operation-level records.
	Log *logging.Logger
}

// Validate checks required fields.
func (o *Options) Validate() error {
	if o.Path == "" {
		return WrapError(ErrInvalidRef, "path is required")
	}
	return nil
}

func (o *Options) applyDefaults() {
	if o.Remote == "" {
		o.Remote = DefaultRemoteName
	}
	if o.Runner == nil {
		o.Runner = executor.NewRunner()
	}
	if o.Log == nil {
		o.Log = logging.NewNop()
	}
}

// Repo is an open, non-bare repository.
type Repo struct {
	repo     *gogit.Repository
	worktree *gogit.Worktree
	path     string
	remote   string
	run      executor.Runner
	log      *logging.Logger
}

// Path returns the worktree root.
func (r *Repo) Path() string { return r.path }

// Clone clones remoteURL into the options path. Credentials travel inside
// the URL; there is no separate auth mechanism.
//
// Context cancellation aborts the transfer.
func Clone(ctx context.Context, remoteURL string, opts *Options) (*Repo, error) {
	if remoteURL == "" {
		return nil, WrapError(ErrInvalidRef, "remote URL cannot be empty")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	repo, err := gogit.PlainCloneContext(ctx, opts.Path, false, &gogit.CloneOptions{
		URL:        remoteURL,
		RemoteName: opts.Remote,
		Tags:       gogit.AllTags,
	})
	if err != nil {
		if errors.Is(err, transport.ErrAuthenticationRequired) {
			return nil, WrapError(ErrAuthRequired, "clone")
		}
		return nil, WrapErrorf(err, "clone %s", opts.Path)
	}
	return wrap(repo, opts)
}

// Open opens the repository at the options path.
func Open(opts *Options) (*Repo, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()

	repo, err := gogit.PlainOpen(opts.Path)
	if err != nil {
		return nil, WrapErrorf(err, "open %s", opts.Path)
	}
	return wrap(repo, opts)
}

// CloneOrOpen opens the checkout when it exists, clones it otherwise, and
// points the remote at remoteURL either way, so rotated credentials in the
// URL take effect on reuse.
func CloneOrOpen(ctx context.Context, remoteURL string, opts *Options) (*Repo, error) {
	r, err := Open(opts)
	switch {
	case err == nil:
		if err := r.EnsureRemote(ctx, opts.Remote, remoteURL); err != nil {
			return nil, err
		}
		return r, nil
	case errors.Is(err, gogit.ErrRepositoryNotExists):
		return Clone(ctx, remoteURL, opts)
	default:
		return nil, err
	}
}

// Update fetches the remote and force-checks-out rev detached, then cleans
// untracked files and directories. The worktree afterwards matches rev
// exactly.
func (r *Repo) Update(ctx context.Context, rev string) error {
	if err := r.Fetch(ctx, ""); err != nil && !errors.Is(err, ErrAlreadyUpToDate) {
		return err
	}

	hash, err := r.resolve(rev)
	if err != nil {
		return err
	}
	if err := r.worktree.Checkout(&gogit.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return WrapErrorf(err, "checkout %s", rev)
	}
	if err := r.worktree.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return WrapError(err, "clean worktree")
	}
	r.log.Debug("worktree updated", "path", r.path, "rev", rev, "sha", hash.String())
	return nil
}

func wrap(repo *gogit.Repository, opts *Options) (*Repo, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, WrapError(err, "worktree unavailable")
	}
	return &Repo{
		repo:     repo,
		worktree: worktree,
		path:     opts.Path,
		remote:   opts.Remote,
		run:      opts.Runner,
		log:      opts.Log,
	}, nil
}
