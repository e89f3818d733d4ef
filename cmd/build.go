package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clyso/cbs/internal/builder"
)

// buildCommand runs the full component build for a version descriptor.
type buildCommand struct {
	pipelineProvider

	file      string
	force     bool
	skipBuild bool
	noUpload  bool
	timeout   time.Duration
}

func (c *buildCommand) register(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "build -f descriptor.yaml",
		Short: "Build, sign, and publish every component of a release",
		Long: `Build reads a version descriptor, clones and patches each component,
runs its build scripts, signs the resulting packages as one batch, uploads
them to object storage, and publishes the release descriptor.

Runs are idempotent: a release image already in the registry, or a
descriptor already carrying a build for the target architecture, ends the
run before any checkout. Components already published for the exact
version, architecture, build type, and OS version are reused unless
--force is given.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&c.file, "file", "f", "", "version descriptor to build")
	cmd.Flags().BoolVar(&c.force, "force", false, "rebuild and append even when this version is already published")
	cmd.Flags().BoolVar(&c.skipBuild, "skip-build", false, "skip the build scripts and package whatever the output tree holds")
	cmd.Flags().BoolVar(&c.noUpload, "no-upload", false, "stop after signing without touching storage or the registry")
	cmd.Flags().DurationVar(&c.timeout, "timeout", 0, "overall run limit (default from configuration)")

	root.AddCommand(cmd)
}

func (c *buildCommand) run(ctx context.Context, out io.Writer) error {
	if c.file == "" {
		return usage(errors.New("--file is required"))
	}

	desc, err := builder.LoadDescriptor(c.file)
	if err != nil {
		return err
	}

	p, err := c.pipeline()
	if err != nil {
		return err
	}
	engine, err := p.buildEngine(ctx, c.timeout)
	if err != nil {
		return err
	}

	res, err := engine.Run(ctx, desc, builder.RunFlags{
		Force:     c.force,
		SkipBuild: c.skipBuild,
		NoUpload:  c.noUpload,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "version %s: %s\n", res.Version, res.Status)
	if len(res.Reused) > 0 {
		fmt.Fprintf(out, "reused: %s\n", strings.Join(res.Reused, ", "))
	}
	if len(res.Built) > 0 {
		fmt.Fprintf(out, "built: %s\n", strings.Join(res.Built, ", "))
	}
	if res.ImageRef != "" {
		fmt.Fprintf(out, "image: %s\n", res.ImageRef)
	}
	return nil
}
