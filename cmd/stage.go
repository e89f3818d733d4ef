package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clyso/cbs/internal/manifest"
	"github.com/clyso/cbs/internal/model"
)

// stageCommand edits a manifest through its staged batches.
type stageCommand struct {
	pipelineProvider

	manifest string
	desc     string
	tags     []string
	author   string
	email    string
}

func (c *stageCommand) register(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Edit a manifest through staged patch set batches",
		Long: `Stages batch patch set additions into atomic, author-owned units. A
stage stays open while sets are added, is sealed by commit, and reaches
the remote database when the manifest is published.`,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&c.manifest, "manifest", "", "manifest name or UUID")

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Open a stage, or return the author's already open one",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runNew(cmd.Context(), cmd.OutOrStdout())
		},
	}
	newCmd.Flags().StringVar(&c.desc, "desc", "", "free-form stage description")
	newCmd.Flags().StringArrayVar(&c.tags, "tag", nil, "stage tag as type[:n], repeatable")
	newCmd.Flags().StringVar(&c.author, "author", "", "stage owner (default: git user.name)")
	newCmd.Flags().StringVar(&c.email, "email", "", "owner email (default: git user.email)")

	abort := &cobra.Command{
		Use:   "abort",
		Short: "Discard the open stage and its patch set references",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAbort(cmd.Context(), cmd.OutOrStdout())
		},
	}

	commit := &cobra.Command{
		Use:   "commit",
		Short: "Seal the open stage under its content hash",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runCommit(cmd.Context(), cmd.OutOrStdout())
		},
	}

	amend := &cobra.Command{
		Use:   "amend",
		Short: "Reopen the newest committed, unpublished stage",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAmend(cmd.Context(), cmd.OutOrStdout())
		},
	}

	remove := &cobra.Command{
		Use:   "remove <stage-uuid>",
		Short: "Remove an unpublished stage from the manifest",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRemove(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}

	info := &cobra.Command{
		Use:   "info [stage-uuid]",
		Short: "Show a stage and its patches, newest stage by default",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var uuid string
			if len(args) > 0 {
				uuid = args[0]
			}
			return c.runInfo(cmd.Context(), cmd.OutOrStdout(), uuid)
		},
	}

	cmd.AddCommand(newCmd, abort, commit, amend, remove, info)
	root.AddCommand(cmd)
}

// load resolves the manifest every stage operation starts from.
func (c *stageCommand) load(ctx context.Context) (*manifest.Engine, *model.ReleaseManifest, *pipeline, error) {
	if c.manifest == "" {
		return nil, nil, nil, usage(errors.New("--manifest is required"))
	}
	p, err := c.pipeline()
	if err != nil {
		return nil, nil, nil, err
	}
	engine, database, err := p.manifestEngine(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	m, err := database.FindManifest(ctx, c.manifest)
	if err != nil {
		return nil, nil, nil, err
	}
	return engine, m, p, nil
}

func (c *stageCommand) runNew(ctx context.Context, out io.Writer) error {
	tags, err := parseStageTags(c.tags)
	if err != nil {
		return err
	}
	engine, m, p, err := c.load(ctx)
	if err != nil {
		return err
	}
	author, err := resolveAuthor(ctx, p.run, c.author, c.email)
	if err != nil {
		return err
	}

	stage, err := engine.NewStage(ctx, m, author, tags, c.desc)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "stage %s open on %s\n", stage.StageUUID, m.Name)
	return nil
}

func (c *stageCommand) runAbort(ctx context.Context, out io.Writer) error {
	engine, m, _, err := c.load(ctx)
	if err != nil {
		return err
	}
	if err := engine.AbortStage(ctx, m); err != nil {
		return err
	}
	fmt.Fprintf(out, "open stage on %s discarded\n", m.Name)
	return nil
}

func (c *stageCommand) runCommit(ctx context.Context, out io.Writer) error {
	engine, m, _, err := c.load(ctx)
	if err != nil {
		return err
	}
	stage, err := engine.CommitStage(ctx, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "stage %s committed (%d sets, hash %s)\n",
		shortID(stage.StageUUID), len(stage.PatchSets), shortID(stage.ContentHash))
	return nil
}

func (c *stageCommand) runAmend(ctx context.Context, out io.Writer) error {
	engine, m, _, err := c.load(ctx)
	if err != nil {
		return err
	}
	stage, err := engine.AmendStage(ctx, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "stage %s reopened on %s\n", shortID(stage.StageUUID), m.Name)
	return nil
}

func (c *stageCommand) runRemove(ctx context.Context, out io.Writer, uuid string) error {
	engine, m, _, err := c.load(ctx)
	if err != nil {
		return err
	}
	if err := engine.RemoveStage(ctx, m, uuid); err != nil {
		return err
	}
	fmt.Fprintf(out, "stage %s removed from %s\n", shortID(uuid), m.Name)
	return nil
}

func (c *stageCommand) runInfo(ctx context.Context, out io.Writer, uuid string) error {
	engine, m, _, err := c.load(ctx)
	if err != nil {
		return err
	}
	info, err := engine.StageInfo(ctx, m, uuid)
	if err != nil {
		return err
	}

	stage := info.Stage
	fmt.Fprintf(out, "stage:    %s (%s)\n", stage.StageUUID, stageState(stage))
	fmt.Fprintf(out, "author:   %s <%s>\n", stage.Author.User, stage.Author.Email)
	fmt.Fprintf(out, "created:  %s\n", stage.CreationDate.Format("2006-01-02 15:04"))
	if stage.Desc != "" {
		fmt.Fprintf(out, "desc:     %s\n", stage.Desc)
	}
	if len(stage.Tags) > 0 {
		rendered := make([]string, 0, len(stage.Tags))
		for _, tag := range stage.Tags {
			rendered = append(rendered, fmt.Sprintf("%s:%d", tag.Type, tag.N))
		}
		fmt.Fprintf(out, "tags:     %s\n", strings.Join(rendered, ", "))
	}
	if stage.ContentHash != "" {
		fmt.Fprintf(out, "hash:     %s\n", stage.ContentHash)
	}
	fmt.Fprintf(out, "patches:  %d\n", len(info.Patches))
	for i, patch := range info.Patches {
		fmt.Fprintf(out, "  %3d  %s  %s\n", i+1, shortID(patch.SHA), patch.Title)
	}
	return nil
}

// parseStageTags parses repeated type[:n] flags into stage tags.
func parseStageTags(raw []string) ([]model.StageTag, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	tags := make([]model.StageTag, 0, len(raw))
	for _, item := range raw {
		typ, num, found := strings.Cut(item, ":")
		if typ == "" {
			return nil, usage(fmt.Errorf("tag %q: type must not be empty", item))
		}
		tag := model.StageTag{Type: typ}
		if found {
			n, err := strconv.Atoi(num)
			if err != nil {
				return nil, usage(fmt.Errorf("tag %q: %w", item, err))
			}
			tag.N = n
		}
		tags = append(tags, tag)
	}
	return tags, nil
}
