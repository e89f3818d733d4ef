package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clyso/cbs/internal/git"
	"github.com/clyso/cbs/internal/model"
)

// maxRangeCommits bounds the ancestry walk so a wrong base, pointing at
// an unrelated branch, fails fast instead of walking the whole history.
const maxRangeCommits = 500

// patchsetCommand adds patch sets to a manifest's active stage.
type patchsetCommand struct {
	pipelineProvider

	manifest  string
	fromJSON  string
	fromRange string
	repoPath  string
	title     string
	author    string
	email     string
}

func (c *patchsetCommand) register(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "patchset",
		Short: "Add patch sets to a manifest",
	}

	add := &cobra.Command{
		Use:   "add --manifest <name|uuid> (--from-json file | --from-range base..head)",
		Short: "Record a patch set and stage it on the manifest",
		Long: `Add records a patch set in the database and references it from the
manifest's active stage; open a stage first with "cbs stage new".

With --from-range the commits are read from a local checkout, oldest
first, along with their formatted patch texts. The range must be linear;
a merge commit aborts the import. With --from-json the set is read from
a serialized patch set record, as exported by the build service.

A set the manifest already references is skipped. Patches whose commit
is already recorded keep their stored identity.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAdd(cmd.Context(), cmd.OutOrStdout())
		},
	}
	add.Flags().StringVar(&c.manifest, "manifest", "", "manifest name or UUID")
	add.Flags().StringVar(&c.fromJSON, "from-json", "", "read the patch set from a JSON record")
	add.Flags().StringVar(&c.fromRange, "from-range", "", "read commits base..head from a checkout")
	add.Flags().StringVar(&c.repoPath, "repo", ".", "checkout to read --from-range commits from")
	add.Flags().StringVar(&c.title, "title", "", "patch set title (default: the head commit's title)")
	add.Flags().StringVar(&c.author, "author", "", "author recorded on the set (default: git user.name)")
	add.Flags().StringVar(&c.email, "email", "", "author email (default: git user.email)")

	cmd.AddCommand(add)
	root.AddCommand(cmd)
}

func (c *patchsetCommand) runAdd(ctx context.Context, out io.Writer) error {
	if c.manifest == "" {
		return usage(errors.New("--manifest is required"))
	}
	if (c.fromJSON == "") == (c.fromRange == "") {
		return usage(errors.New("exactly one of --from-json and --from-range is required"))
	}

	p, err := c.pipeline()
	if err != nil {
		return err
	}
	engine, database, err := p.manifestEngine(ctx)
	if err != nil {
		return err
	}
	m, err := database.FindManifest(ctx, c.manifest)
	if err != nil {
		return err
	}

	var (
		ps    model.PatchSet
		texts map[string][]byte
	)
	if c.fromJSON != "" {
		ps, err = readPatchSetFile(c.fromJSON)
	} else {
		ps, texts, err = c.patchSetFromRange(ctx, p)
	}
	if err != nil {
		return err
	}

	added, err := engine.AddPatchSet(ctx, m, ps, texts)
	if err != nil {
		return err
	}
	base := ps.Base()
	if !added {
		fmt.Fprintf(out, "patch set %s already referenced by %s\n", base.PatchSetUUID, m.Name)
		return nil
	}
	fmt.Fprintf(out, "patch set %s staged on %s (%d patches)\n",
		base.PatchSetUUID, m.Name, len(base.Patches))
	return nil
}

// readPatchSetFile decodes a serialized patch set record. Patch texts are
// not carried in the record; publishing requires the patches to either be
// known already or have their texts imported separately.
func readPatchSetFile(path string) (model.PatchSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, usage(fmt.Errorf("read patch set: %w", err))
	}
	ps, err := model.UnmarshalPatchSet(data)
	if err != nil {
		return nil, usage(err)
	}
	if len(ps.Base().Patches) == 0 {
		return nil, usage(fmt.Errorf("patch set %s holds no patches", ps.Base().PatchSetUUID))
	}
	return ps, nil
}

// patchSetFromRange builds a vanilla patch set from a commit range in a
// local checkout, with formatted patch texts keyed by commit SHA.
func (c *patchsetCommand) patchSetFromRange(ctx context.Context, p *pipeline) (model.PatchSet, map[string][]byte, error) {
	repo, err := git.Open(&git.Options{Path: c.repoPath, Runner: p.run, Log: p.log})
	if err != nil {
		return nil, nil, err
	}

	patches, err := patchesFromRange(ctx, repo, c.fromRange)
	if err != nil {
		return nil, nil, err
	}
	texts, err := rangeTexts(ctx, repo, c.fromRange, patches)
	if err != nil {
		return nil, nil, err
	}

	author, err := resolveAuthor(ctx, p.run, c.author, c.email)
	if err != nil {
		return nil, nil, err
	}
	title := c.title
	if title == "" {
		title = patches[len(patches)-1].Title
	}
	return model.NewPatchSetBase(author, title, patches), texts, nil
}

// patchesFromRange resolves base..head and walks first parents from head
// back to base, returning patch records oldest first. The range must be
// linear and head must descend from base.
func patchesFromRange(ctx context.Context, repo *git.Repo, revRange string) ([]model.Patch, error) {
	base, head, ok := strings.Cut(revRange, "..")
	if !ok || base == "" || head == "" {
		return nil, usage(fmt.Errorf("range must be base..head, got %q", revRange))
	}
	baseSHA, err := repo.Resolve(ctx, base)
	if err != nil {
		return nil, err
	}
	headSHA, err := repo.Resolve(ctx, head)
	if err != nil {
		return nil, err
	}
	if baseSHA == headSHA {
		return nil, usage(fmt.Errorf("range %s selects no commits", revRange))
	}

	var commits []*git.Commit
	for sha := headSHA; sha != baseSHA; {
		commit, err := repo.CommitInfo(ctx, sha)
		if err != nil {
			return nil, err
		}
		if len(commit.Parents) > 1 {
			return nil, usage(fmt.Errorf("merge commit %s in range %s; patch sets must be linear", shortID(sha), revRange))
		}
		if commit.Parent == "" {
			return nil, usage(fmt.Errorf("%s is not an ancestor of %s", base, head))
		}
		commits = append(commits, commit)
		if len(commits) > maxRangeCommits {
			return nil, usage(fmt.Errorf("range %s spans more than %d commits", revRange, maxRangeCommits))
		}
		sha = commit.Parent
	}

	patches := make([]model.Patch, 0, len(commits))
	for i := len(commits) - 1; i >= 0; i-- {
		commit := commits[i]
		id, err := repo.PatchID(ctx, commit.SHA)
		if err != nil {
			return nil, err
		}

		author := model.AuthorData{User: commit.Author.Name, Email: commit.Author.Email}
		patch := model.NewPatch(commit.SHA, author, commit.Author.When, commit.Title, commit.Message)
		patch.Parent = commit.Parent
		patch.PatchID = id
		committer := model.AuthorData{User: commit.Committer.Name, Email: commit.Committer.Email}
		if committer != author {
			patch.CommitAuthor = &committer
			when := commit.Committer.When
			patch.CommitDate = &when
		}
		patches = append(patches, *patch)
	}
	return patches, nil
}

// rangeTexts formats the range into per-commit patch files and returns
// their contents keyed by commit SHA, pairing files with patches by
// position since format-patch emits oldest first.
func rangeTexts(ctx context.Context, repo *git.Repo, revRange string, patches []model.Patch) (map[string][]byte, error) {
	dir, err := os.MkdirTemp("", "cbs-patchset-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	files, err := repo.FormatPatch(ctx, revRange, dir)
	if err != nil {
		return nil, err
	}
	if len(files) != len(patches) {
		return nil, fmt.Errorf("format-patch wrote %d files for %d commits in %s", len(files), len(patches), revRange)
	}

	texts := make(map[string][]byte, len(files))
	for i, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		texts[patches[i].SHA] = data
	}
	return texts, nil
}
