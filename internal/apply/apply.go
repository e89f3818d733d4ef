// Package apply turns a manifest's patch sets into cherry-picks on a
// release branch. It classifies every patch against the branch first,
// redundant and already-present changes are skipped, then picks the rest
// in order. A conflict rolls the worktree back and fails the whole run.
package apply

import (
	"context"
	"errors"
	"fmt"

	"github.com/clyso/cbs/internal/db"
	"github.com/clyso/cbs/internal/git"
	"github.com/clyso/cbs/internal/logging"
	"github.com/clyso/cbs/internal/model"
)

// At some point every numbered branch for the release exists and a new
// run cannot proceed; 100 leftover attempt branches means something else
// is wrong.
const maxBranchAttempts = 100

// Disposition classifies one patch against the current branch.
type Disposition int

const (
	// Needed means the change is missing upstream and must be picked.
	Needed Disposition = iota
	// Redundant means an equivalent change already landed upstream.
	Redundant
	// Absent means the commit itself is already an ancestor.
	Absent
)

func (d Disposition) String() string {
	switch d {
	case Needed:
		return "needed"
	case Redundant:
		return "redundant"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Repo is the slice of git operations the engine drives. *git.Repo
// implements it.
type Repo interface {
	EnsureRemote(ctx context.Context, name, url string) error
	Fetch(ctx context.Context, remote string, refspecs ...string) error
	CreateBranch(ctx context.Context, name, startRev string, force bool) error
	CheckoutBranch(ctx context.Context, name, startRev string) error
	IsMergeCommit(ctx context.Context, rev string) (bool, error)
	Cherry(ctx context.Context, head, limit string) ([]git.CherryEntry, error)
	CherryPick(ctx context.Context, sha string, recordOrigin, signoff bool) error
	CherryPickAbort(ctx context.Context) error
	ConflictFiles(ctx context.Context) ([]string, error)
}

// URLResolver injects credentials into clone URLs. *secrets.Credentials
// implements it.
type URLResolver interface {
	GitCloneURL(ctx context.Context, repoURL string) (string, error)
}

// Result reports what applying a manifest did.
type Result struct {
	// Branch is the release branch the picks landed on.
	Branch string
	// Applied lists the patch set UUIDs fully processed, in manifest order.
	Applied []string
	// Added are the cherry-picked patches, in pick order.
	Added []model.Patch
	// Skipped are the patches already present upstream, redundant or
	// ancestors.
	Skipped []model.Patch
}

// Engine drives patch application against a working repository.
type Engine struct {
	db  *db.DB
	log *logging.Logger
}

// New creates an engine over the database.
func New(database *db.DB, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.NewNop()
	}
	return &Engine{db: database, log: log.WithComponent("apply")}
}

// CheckPatchNeeded classifies a single commit against the current HEAD.
// Merge commits are rejected; a cherry window of one commit producing more
// than one line is an error rather than a guess.
func (e *Engine) CheckPatchNeeded(ctx context.Context, repo Repo, sha string) (Disposition, error) {
	const op = "check_patch"

	merge, err := repo.IsMergeCommit(ctx, sha)
	if err != nil {
		return 0, newError(op, err)
	}
	if merge {
		return 0, newError(op, fmt.Errorf("%w: %s", ErrMergeCommit, sha))
	}

	entries, err := repo.Cherry(ctx, sha, sha+"~1")
	if err != nil {
		return 0, newError(op, err)
	}
	switch len(entries) {
	case 0:
		return Absent, nil
	case 1:
		if entries[0].Upstream {
			return Redundant, nil
		}
		return Needed, nil
	default:
		return 0, newError(op, fmt.Errorf("%w: %d lines for %s", ErrAmbiguousCherry, len(entries), sha))
	}
}

// ApplyManifest checks out a fresh release branch from the manifest's base
// ref and cherry-picks every patch not already present, patch sets in
// manifest order, patches oldest first. Each pick records its origin and a
// sign-off.
//
// On a cherry-pick conflict the pick is aborted, the worktree is back at
// its pre-pick state, and the returned error carries the conflicting
// paths; the partial Result is returned alongside it so callers can see
// which picks landed before the conflict.
func (e *Engine) ApplyManifest(ctx context.Context, m *model.ReleaseManifest, repo Repo, creds URLResolver) (*Result, error) {
	const op = "apply_manifest"

	sets := make([]model.PatchSet, 0, len(m.PatchSets))
	for _, id := range m.PatchSets {
		ps, err := e.db.LoadPatchSet(ctx, id)
		if err != nil {
			return nil, newError(op, err)
		}
		sets = append(sets, ps)
	}

	baseURL := fmt.Sprintf("https://github.com/%s/%s", m.BaseRefOrg, m.BaseRefRepo)
	if err := e.ensureRemotes(ctx, repo, creds, baseURL, sets); err != nil {
		return nil, newError(op, err)
	}

	if err := repo.Fetch(ctx, ""); err != nil && !errors.Is(err, git.ErrAlreadyUpToDate) {
		return nil, newError(op, err)
	}

	branch, err := e.freshBranch(ctx, repo, m)
	if err != nil {
		return nil, newError(op, err)
	}

	result := &Result{Branch: branch}
	for _, ps := range sets {
		base := ps.Base()
		log := e.log.WithFields(map[string]any{"manifest": m.Name, "patchset": base.PatchSetUUID})

		if err := e.fetchSetHead(ctx, repo, ps); err != nil {
			return result, newError(op, err)
		}

		needed, skipped, err := e.classifySet(ctx, repo, base)
		if err != nil {
			return result, newError(op, err)
		}
		result.Skipped = append(result.Skipped, skipped...)

		for i := range needed {
			p := needed[i]
			if err := repo.CherryPick(ctx, p.SHA, true, true); err != nil {
				files, confErr := repo.ConflictFiles(ctx)
				if confErr == nil && len(files) > 0 {
					if abortErr := repo.CherryPickAbort(ctx); abortErr != nil {
						log.Error("cherry-pick abort failed", "sha", p.SHA, "err", abortErr)
					}
					return result, newError(op, &ConflictError{SHA: p.SHA, Files: files})
				}
				return result, newError(op, err)
			}
			result.Added = append(result.Added, p)
		}

		result.Applied = append(result.Applied, base.PatchSetUUID)
		log.Info("patch set applied", "picked", len(needed), "skipped", len(skipped))
	}

	e.log.Info("manifest applied", "manifest", m.Name, "branch", branch,
		"added", len(result.Added), "skipped", len(result.Skipped))
	return result, nil
}

func (e *Engine) ensureRemotes(ctx context.Context, repo Repo, creds URLResolver, baseURL string, sets []model.PatchSet) error {
	authBase, err := creds.GitCloneURL(ctx, baseURL)
	if err != nil {
		return err
	}
	if err := repo.EnsureRemote(ctx, "", authBase); err != nil {
		return err
	}

	for _, ps := range sets {
		url := setRepoURL(ps)
		if url == "" {
			url = baseURL
		}
		authURL, err := creds.GitCloneURL(ctx, url)
		if err != nil {
			return err
		}
		if err := repo.EnsureRemote(ctx, setRemoteName(ps), authURL); err != nil {
			return err
		}
	}
	return nil
}

// freshBranch picks the first free {base_release_name}-{git_uid}-{n} name,
// creates it at the base ref and checks it out.
func (e *Engine) freshBranch(ctx context.Context, repo Repo, m *model.ReleaseManifest) (string, error) {
	for n := 1; n <= maxBranchAttempts; n++ {
		name := fmt.Sprintf("%s-%s-%d", m.BaseReleaseName, m.ReleaseGitUID, n)
		err := repo.CreateBranch(ctx, name, m.BaseRef, false)
		switch {
		case err == nil:
			if err := repo.CheckoutBranch(ctx, name, ""); err != nil {
				return "", err
			}
			return name, nil
		case errors.Is(err, git.ErrBranchExists):
			continue
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("no free release branch after %d attempts", maxBranchAttempts)
}

// fetchSetHead brings the set's commits into the object store under a
// scratch ref. GitHub sets fetch the pull request head ref; vanilla sets
// fetch their newest commit by hash.
func (e *Engine) fetchSetHead(ctx context.Context, repo Repo, ps model.PatchSet) error {
	base := ps.Base()
	if len(base.Patches) == 0 {
		return fmt.Errorf("%w: %s has no patches", ErrPatchSetMismatch, base.PatchSetUUID)
	}

	var src string
	if gh, ok := ps.(*model.GitHubPullRequest); ok {
		src = fmt.Sprintf("refs/pull/%d/head", gh.PullRequestID)
	} else {
		src = base.Patches[len(base.Patches)-1].SHA
	}
	refspec := fmt.Sprintf("+%s:%s", src, scratchRef(base.PatchSetUUID))

	if err := repo.Fetch(ctx, setRemoteName(ps), refspec); err != nil && !errors.Is(err, git.ErrAlreadyUpToDate) {
		return err
	}
	return nil
}

// classifySet classifies every recorded patch with one cherry pass over
// the set's commit window. Window commits the set does not know about mean
// the recorded set and the actual branch diverged.
func (e *Engine) classifySet(ctx context.Context, repo Repo, base *model.PatchSetBase) (needed, skipped []model.Patch, err error) {
	for i := range base.Patches {
		merge, err := repo.IsMergeCommit(ctx, base.Patches[i].SHA)
		if err != nil {
			return nil, nil, err
		}
		if merge {
			return nil, nil, fmt.Errorf("%w: %s", ErrMergeCommit, base.Patches[i].SHA)
		}
	}

	entries, err := repo.Cherry(ctx, scratchRef(base.PatchSetUUID), base.BaseSHA())
	if err != nil {
		return nil, nil, err
	}

	known := make(map[string]int, len(base.Patches))
	for i := range base.Patches {
		known[base.Patches[i].SHA] = i
	}
	missing := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if _, ok := known[entry.SHA]; !ok {
			return nil, nil, fmt.Errorf("%w: %s holds unknown commit %s",
				ErrPatchSetMismatch, base.PatchSetUUID, entry.SHA)
		}
		missing[entry.SHA] = !entry.Upstream
	}

	for i := range base.Patches {
		p := base.Patches[i]
		if need, listed := missing[p.SHA]; listed && need {
			needed = append(needed, p)
		} else {
			// Listed as equivalent upstream, or not listed at all
			// because the commit is already an ancestor.
			skipped = append(skipped, p)
		}
	}
	return needed, skipped, nil
}

func setRepoURL(ps model.PatchSet) string {
	if gh, ok := ps.(*model.GitHubPullRequest); ok {
		return gh.RepoURL
	}
	base := ps.Base()
	if len(base.Patches) > 0 {
		return base.Patches[0].RepoURL
	}
	return ""
}

func setRemoteName(ps model.PatchSet) string {
	return "ps-" + ps.Base().PatchSetUUID[:8]
}

func scratchRef(uuid string) string {
	return "refs/cbs/ps-" + uuid
}
