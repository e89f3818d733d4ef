// Package cmd assembles the cbs command tree. Subcommands construct their
// collaborators lazily from the loaded configuration, so read-only
// commands never touch the secrets backend. Failures propagate as errors
// and become process exit codes in exit.go, nowhere else.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// command is a subcommand that can attach itself to the root.
type command interface {
	register(root *cobra.Command)
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "cbs",
		Short: "Release pipeline for patched component builds",
		Long: `cbs tracks patches and patch sets against upstream source repositories,
assembles release manifests, drives multi-component builds, and publishes
signed artifacts to object storage.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usage(err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to the configuration file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: text or json")

	provider := pipelineProvider{flags: flags}
	commands := []command{
		&buildCommand{pipelineProvider: provider},
		&manifestCommand{pipelineProvider: provider},
		&patchsetCommand{pipelineProvider: provider},
		&stageCommand{pipelineProvider: provider},
		&releaseCommand{pipelineProvider: provider},
		&dbCommand{pipelineProvider: provider},
	}
	for _, c := range commands {
		c.register(root)
	}
	return root
}

// Execute runs the command tree and converts the failure, if any, into
// the exit status for its error kind, printing the failure line first.
func Execute(ctx context.Context) int {
	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cbs: %v\n", err)
	}
	return exitCode(err)
}

// exactArgs wraps cobra's count check so a wrong argument list exits
// EINVAL instead of the internal-failure code.
func exactArgs(n int) cobra.PositionalArgs {
	inner := cobra.ExactArgs(n)
	return func(cmd *cobra.Command, args []string) error {
		return usage(inner(cmd, args))
	}
}

// maxArgs is exactArgs' counterpart for optional trailing arguments.
func maxArgs(n int) cobra.PositionalArgs {
	inner := cobra.MaximumNArgs(n)
	return func(cmd *cobra.Command, args []string) error {
		return usage(inner(cmd, args))
	}
}
