// Branch operations.
package git

import (
	"context"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// CreateBranch creates a branch at startRev without checking it out.
// An existing branch of the same name fails unless force is set.
func (r *Repo) CreateBranch(ctx context.Context, name, startRev string, force bool) error {
	if name == "" {
		return WrapError(ErrInvalidRef, "branch name cannot be empty")
	}
	hash, err := r.resolve(startRev)
	if err != nil {
		return err
	}

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(refName, true); err == nil && !force {
		return WrapErrorf(ErrBranchExists, "branch %s", name)
	}
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, *hash)); err != nil {
		return WrapErrorf(err, "create branch %s", name)
	}
	return nil
}

// CheckoutBranch switches the worktree to the named branch, creating it at
// startRev when it does not exist yet. The checkout is forced; local
// modifications are discarded.
func (r *Repo) CheckoutBranch(ctx context.Context, name, startRev string) error {
	if name == "" {
		return WrapError(ErrInvalidRef, "branch name cannot be empty")
	}

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(refName, true); err != nil {
		if startRev == "" {
			return WrapErrorf(ErrResolveFailed, "branch %s", name)
		}
		if err := r.CreateBranch(ctx, name, startRev, false); err != nil {
			return err
		}
	}

	if err := r.worktree.Checkout(&gogit.CheckoutOptions{Branch: refName, Force: true}); err != nil {
		return WrapErrorf(err, "checkout branch %s", name)
	}
	r.log.Debug("branch checked out", "path", r.path, "branch", name)
	return nil
}
