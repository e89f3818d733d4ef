package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clyso/cbs/internal/db"
	"github.com/clyso/cbs/internal/model"
)

// releaseCommand manages release descriptors around the build runs that
// fill them.
type releaseCommand struct {
	pipelineProvider

	arches []string
}

func (c *releaseCommand) register(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Track release descriptors across architectures",
	}

	start := &cobra.Command{
		Use:   "start <version>",
		Short: "Create the release descriptor",
		Long: `Start publishes an empty descriptor for the version, the record build
runs for each architecture merge their component lists into. Starting a
version that already exists fails; builds for new architectures just run
against the existing descriptor.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStart(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List release descriptors",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runList(cmd.Context(), cmd.OutOrStdout())
		},
	}

	info := &cobra.Command{
		Use:   "info <version>",
		Short: "Show one release with its per-architecture builds",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runInfo(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}

	finish := &cobra.Command{
		Use:   "finish <version>",
		Short: "Mark the release completed once every architecture is built",
		Long: `Finish verifies the descriptor carries a build entry for every requested
architecture, stamps the completion date, and republishes. A missing
architecture leaves the release open.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFinish(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	}
	finish.Flags().StringSliceVar(&c.arches, "arch", nil, "architectures that must be built (default: the configured one)")

	cmd.AddCommand(start, list, info, finish)
	root.AddCommand(cmd)
}

func (c *releaseCommand) runStart(ctx context.Context, out io.Writer, version string) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	database, err := p.database(ctx)
	if err != nil {
		return err
	}

	_, err = database.LoadRelease(ctx, version)
	switch {
	case err == nil:
		return conflict(fmt.Errorf("release %s already exists", version))
	case db.IsNotFound(err):
	default:
		return err
	}

	if _, err := database.PublishRelease(ctx, model.NewReleaseDesc(version)); err != nil {
		return err
	}
	fmt.Fprintf(out, "release %s started\n", version)
	return nil
}

func (c *releaseCommand) runList(ctx context.Context, out io.Writer) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	database, err := p.database(ctx)
	if err != nil {
		return err
	}

	releases, err := database.ListReleases(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tARCHES\tCREATED\tCOMPLETED")
	for _, desc := range releases {
		completed := "-"
		if desc.CompletedDate != nil {
			completed = desc.CompletedDate.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			desc.Version, strings.Join(buildArches(desc), ","),
			desc.CreationDate.Format("2006-01-02"), completed)
	}
	return w.Flush()
}

func (c *releaseCommand) runInfo(ctx context.Context, out io.Writer, version string) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	database, err := p.database(ctx)
	if err != nil {
		return err
	}

	desc, err := database.LoadRelease(ctx, version)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "version:   %s\n", desc.Version)
	fmt.Fprintf(out, "created:   %s\n", desc.CreationDate.Format(time.RFC3339))
	if desc.CompletedDate != nil {
		fmt.Fprintf(out, "completed: %s\n", desc.CompletedDate.Format(time.RFC3339))
	}
	for _, arch := range buildArches(desc) {
		entry := desc.Builds[arch]
		fmt.Fprintf(out, "build %s (%s, %s):\n", arch, entry.BuildType, entry.OSVersion)

		names := make([]string, 0, len(entry.Components))
		for name := range entry.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			comp := entry.Components[name]
			fmt.Fprintf(out, "  %-16s %s (%s)\n", name, comp.Version, shortID(comp.SHA1))
		}
	}
	return nil
}

func (c *releaseCommand) runFinish(ctx context.Context, out io.Writer, version string) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	database, err := p.database(ctx)
	if err != nil {
		return err
	}

	desc, err := database.LoadRelease(ctx, version)
	if err != nil {
		return err
	}
	if desc.CompletedDate != nil {
		return conflict(fmt.Errorf("release %s was already completed %s",
			version, desc.CompletedDate.Format("2006-01-02")))
	}

	arches := c.arches
	if len(arches) == 0 {
		arches = []string{p.cfg.Build.Arch}
	}
	var missing []string
	for _, arch := range arches {
		if !desc.HasBuild(arch) {
			missing = append(missing, arch)
		}
	}
	if len(missing) > 0 {
		return precondition(fmt.Errorf("release %s has no build for %s",
			version, strings.Join(missing, ", ")))
	}

	now := time.Now().UTC()
	desc.CompletedDate = &now
	if _, err := database.PublishRelease(ctx, desc); err != nil {
		return err
	}
	fmt.Fprintf(out, "release %s completed (%s)\n", version, strings.Join(buildArches(desc), ","))
	return nil
}

// buildArches returns the descriptor's architectures in stable order.
func buildArches(desc *model.ReleaseDesc) []string {
	arches := make([]string, 0, len(desc.Builds))
	for arch := range desc.Builds {
		arches = append(arches, arch)
	}
	sort.Strings(arches)
	return arches
}
