package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clyso/cbs/internal/apply"
	"github.com/clyso/cbs/internal/git"
	"github.com/clyso/cbs/internal/model"
)

// manifestCommand groups the release-manifest operations.
type manifestCommand struct {
	pipelineProvider

	baseRelease string
	baseOrg     string
	baseRepo    string
	baseRef     string
	dstRepo     string
	repoPath    string
}

func (c *manifestCommand) register(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Create, inspect, and publish release manifests",
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a manifest tracking a base release",
		Long: `Create a manifest named after the release it will produce. The base
reference pins the upstream commit the release branches from; patch sets
are added later through staged edits.

Re-running create with identical parameters returns the stored manifest
unchanged.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runCreate(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	create.Flags().StringVar(&c.baseRelease, "base-release", "", "upstream release name the manifest tracks")
	create.Flags().StringVar(&c.baseOrg, "base-org", "", "organization of the upstream repository")
	create.Flags().StringVar(&c.baseRepo, "base-repo", "", "name of the upstream repository")
	create.Flags().StringVar(&c.baseRef, "base-ref", "", "upstream ref the release branches from")
	create.Flags().StringVar(&c.dstRepo, "dst-repo", "", "repository release branches are pushed to")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored manifests",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runList(cmd.Context(), cmd.OutOrStdout())
		},
	}

	info := &cobra.Command{
		Use:   "info <name|uuid>",
		Short: "Show one manifest with its stages",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInfo(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}

	applyCmd := &cobra.Command{
		Use:   "apply <name|uuid>",
		Short: "Cherry-pick the manifest's patches onto a release branch",
		Long: `Apply checks out a fresh release branch from the manifest's base ref in
the working checkout, then cherry-picks every patch not already present
upstream, patch sets in manifest order, oldest patch first. Picks record
their origin and a sign-off.

A conflicting pick is aborted so the worktree stays clean; the conflict
and its files are reported together with the picks that already landed.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runApply(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	applyCmd.Flags().StringVar(&c.repoPath, "repo", ".", "working checkout the release branch is created in")

	publish := &cobra.Command{
		Use:   "publish <name|uuid>",
		Short: "Publish the manifest and its committed stages",
		Long: `Publish writes the manifest, its patch sets, and their patch files to
the remote database, then publishes every committed, unpublished stage as
numbered patch pointers under the staging area.

Publishing is conditional on the remote state this process has seen; a
concurrent publisher surfaces as a conflict, never an overwrite.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPublish(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}

	cmd.AddCommand(create, list, info, applyCmd, publish)
	root.AddCommand(cmd)
}

func (c *manifestCommand) runCreate(ctx context.Context, out io.Writer, name string) error {
	switch {
	case c.baseRelease == "":
		return usage(errors.New("--base-release is required"))
	case c.baseOrg == "":
		return usage(errors.New("--base-org is required"))
	case c.baseRepo == "":
		return usage(errors.New("--base-repo is required"))
	case c.baseRef == "":
		return usage(errors.New("--base-ref is required"))
	}

	p, err := c.pipeline()
	if err != nil {
		return err
	}
	engine, _, err := p.manifestEngine(ctx)
	if err != nil {
		return err
	}

	m, err := engine.Create(ctx, name, c.baseRelease, c.baseOrg, c.baseRepo, c.baseRef, c.dstRepo)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "manifest %s created (%s)\n", m.Name, m.ReleaseUUID)
	return nil
}

func (c *manifestCommand) runList(ctx context.Context, out io.Writer) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	database, err := p.database(ctx)
	if err != nil {
		return err
	}

	manifests, err := database.ListManifests(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tUUID\tBASE\tPATCHSETS\tSTAGES\tCREATED")
	for _, m := range manifests {
		fmt.Fprintf(w, "%s\t%s\t%s@%s\t%d\t%d\t%s\n",
			m.Name, shortID(m.ReleaseUUID),
			m.BaseRefOrg+"/"+m.BaseRefRepo, m.BaseRef,
			len(m.PatchSets), len(m.Stages),
			m.CreationDate.Format("2006-01-02"))
	}
	return w.Flush()
}

func (c *manifestCommand) runInfo(ctx context.Context, out io.Writer, ref string) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	database, err := p.database(ctx)
	if err != nil {
		return err
	}

	m, err := database.FindManifest(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "name:         %s\n", m.Name)
	fmt.Fprintf(out, "uuid:         %s\n", m.ReleaseUUID)
	fmt.Fprintf(out, "base release: %s\n", m.BaseReleaseName)
	fmt.Fprintf(out, "base ref:     %s/%s@%s\n", m.BaseRefOrg, m.BaseRefRepo, m.BaseRef)
	if m.DstRepo != "" {
		fmt.Fprintf(out, "dst repo:     %s\n", m.DstRepo)
	}
	fmt.Fprintf(out, "created:      %s\n", m.CreationDate.Format(time.RFC3339))
	fmt.Fprintf(out, "patch sets:   %d\n", len(m.PatchSets))

	if len(m.Stages) == 0 {
		return nil
	}
	fmt.Fprintln(out, "stages:")
	for _, stage := range m.Stages {
		fmt.Fprintf(out, "  %s  %-9s  %s  %d sets  %s\n",
			shortID(stage.StageUUID), stageState(stage),
			stage.Author.User, len(stage.PatchSets),
			stage.CreationDate.Format("2006-01-02"))
	}
	return nil
}

func (c *manifestCommand) runApply(ctx context.Context, out io.Writer, ref string) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	database, err := p.database(ctx)
	if err != nil {
		return err
	}
	m, err := database.FindManifest(ctx, ref)
	if err != nil {
		return err
	}

	repo, err := git.Open(&git.Options{Path: c.repoPath, Runner: p.run, Log: p.log})
	if err != nil {
		return err
	}
	creds, err := p.credentials(ctx)
	if err != nil {
		return err
	}

	res, err := apply.New(database, p.log).ApplyManifest(ctx, m, repo, creds)
	if err != nil {
		var pickConflict *apply.ConflictError
		if errors.As(err, &pickConflict) && res != nil && len(res.Added) > 0 {
			fmt.Fprintf(out, "%d picks landed on %s before the conflict\n", len(res.Added), res.Branch)
		}
		return err
	}

	fmt.Fprintf(out, "manifest %s applied on %s (%d picked, %d skipped)\n",
		m.Name, res.Branch, len(res.Added), len(res.Skipped))
	return nil
}

func (c *manifestCommand) runPublish(ctx context.Context, out io.Writer, ref string) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	engine, database, err := p.manifestEngine(ctx)
	if err != nil {
		return err
	}

	m, err := database.FindManifest(ctx, ref)
	if err != nil {
		return err
	}
	if err := database.PublishManifest(ctx, m); err != nil {
		return err
	}

	stages, err := engine.PublishStages(ctx, m)
	if err != nil {
		return err
	}
	if stages == 0 {
		fmt.Fprintf(out, "manifest %s published, no pending stages\n", m.Name)
		return nil
	}
	fmt.Fprintf(out, "manifest %s published with %d stages\n", m.Name, stages)
	return nil
}

// stageState renders a stage's lifecycle position for listings.
func stageState(s *model.ManifestStage) string {
	switch {
	case s.IsPublished:
		return "published"
	case s.Committed:
		return "committed"
	default:
		return "open"
	}
}
