// Porcelain the git library cannot express, run as the git binary through
// the executor. These operations share the on-disk worktree with the
// go-git side.
package git

import (
	"context"
	"strings"

	"github.com/clyso/cbs/internal/executor"
)

// CherryPick applies the commit onto HEAD. recordOrigin adds the
// "(cherry picked from commit ...)" trailer (-x), signoff adds a
// Signed-off-by trailer (-s). On conflict the index is left mid-pick;
// callers decide between resolving and CherryPickAbort.
func (r *Repo) CherryPick(ctx context.Context, sha string, recordOrigin, signoff bool) error {
	args := []string{"cherry-pick"}
	if recordOrigin {
		args = append(args, "-x")
	}
	if signoff {
		args = append(args, "-s")
	}
	args = append(args, sha)
	_, err := r.git(ctx, args...)
	return err
}

// CherryPickAbort rolls the worktree back to the pre-pick state.
func (r *Repo) CherryPickAbort(ctx context.Context) error {
	_, err := r.git(ctx, "cherry-pick", "--abort")
	return err
}

// Am applies a mailbox-format patch file onto HEAD with a three-way
// merge. On conflict the worktree is left mid-apply; callers decide
// between resolving and AmAbort.
func (r *Repo) Am(ctx context.Context, path string) error {
	_, err := r.git(ctx, "am", "--3way", path)
	return err
}

// AmAbort restores the branch to the state before the failed Am.
func (r *Repo) AmAbort(ctx context.Context) error {
	_, err := r.git(ctx, "am", "--abort")
	return err
}

// CherryEntry is one line of git cherry output.
type CherryEntry struct {
	// Upstream is true when an equivalent change is already contained in
	// the upstream ("-"), false when the commit is still missing ("+").
	Upstream bool
	SHA      string
}

// Cherry runs git cherry HEAD <head> <limit> and reports, for every commit
// in limit..head, whether an equivalent change already exists on HEAD. An
// empty result means every commit is an ancestor.
func (r *Repo) Cherry(ctx context.Context, head, limit string) ([]CherryEntry, error) {
	res, err := r.git(ctx, "cherry", "HEAD", head, limit)
	if err != nil {
		return nil, err
	}
	return parseCherry(res.Stdout), nil
}

// PatchID computes the stable patch-id of the commit's diff, the
// content-derived identity that survives rebases. Commits with an empty
// diff have none; the result is empty then.
func (r *Repo) PatchID(ctx context.Context, sha string) (string, error) {
	show, err := r.git(ctx, "show", sha)
	if err != nil {
		return "", err
	}
	res, err := r.run.Run(ctx, "git", []string{"patch-id", "--stable"},
		executor.WithWorkingDir(r.path), executor.WithInput(show.Stdout))
	if err != nil {
		return "", &ExecError{Args: []string{"patch-id", "--stable"}, Output: resultOutput(res), Err: err}
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], nil
}

// FormatPatch writes one mbox-formatted patch file per commit in revRange
// into outDir and returns the file paths, oldest first.
func (r *Repo) FormatPatch(ctx context.Context, revRange, outDir string) ([]string, error) {
	res, err := r.git(ctx, "format-patch", "-o", outDir, revRange)
	if err != nil {
		return nil, err
	}
	return splitLines(res.Stdout), nil
}

// Describe returns git describe --long output for HEAD, optionally
// constrained to tags matching the glob.
func (r *Repo) Describe(ctx context.Context, match string) (string, error) {
	args := []string{"describe", "--long", "--tags"}
	if match != "" {
		args = append(args, "--match", match)
	}
	res, err := r.git(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// ConflictFiles lists the paths currently unmerged in the index.
func (r *Repo) ConflictFiles(ctx context.Context) ([]string, error) {
	res, err := r.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(res.Stdout), nil
}

func (r *Repo) git(ctx context.Context, args ...string) (*executor.Result, error) {
	res, err := r.run.Run(ctx, "git", args, executor.WithWorkingDir(r.path))
	if err != nil {
		return res, &ExecError{Args: args, Output: resultOutput(res), Err: err}
	}
	return res, nil
}

func resultOutput(res *executor.Result) string {
	if res == nil {
		return ""
	}
	if out := strings.TrimSpace(res.Stderr); out != "" {
		return out
	}
	return strings.TrimSpace(res.Stdout)
}

func parseCherry(out string) []CherryEntry {
	var entries []CherryEntry
	for _, line := range splitLines(out) {
		mark, sha, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		entries = append(entries, CherryEntry{
			Upstream: mark == "-",
			SHA:      strings.TrimSpace(sha),
		})
	}
	return entries
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
