package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// dbCommand operates on the database tiers directly.
type dbCommand struct {
	pipelineProvider
}

func (c *dbCommand) register(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Operate on the pipeline database",
	}

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Refresh the local mirror of the remote database",
		Long: `Sync compares the remote watermark with the cached one and, when they
differ, fetches every object whose etag changed and prunes records that
disappeared remotely. A matching watermark makes sync a single read.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSync(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(sync)
	root.AddCommand(cmd)
}

func (c *dbCommand) runSync(ctx context.Context, out io.Writer) error {
	p, err := c.pipeline()
	if err != nil {
		return err
	}
	database, err := p.database(ctx)
	if err != nil {
		return err
	}

	stats, err := database.Sync(ctx)
	if err != nil {
		return err
	}
	if stats.InSync {
		fmt.Fprintln(out, "database is in sync")
		return nil
	}
	fmt.Fprintf(out, "fetched %d, pruned %d\n", stats.Fetched, stats.Pruned)
	return nil
}
