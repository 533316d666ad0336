// Package main provides the CLI entry point for the multi-agent LLM
// orchestration runtime. Command structure (root command plus "serve" as
// the primary subcommand, which owns the --config flag) is grounded on the
// teacher's cmd/nexus/main.go
// buildRootCmd/buildServeCmd split.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build, matching the
// teacher's version/commit/date var block.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Multi-agent LLM orchestration runtime",
		Long: `orchestrator runs a tree of LLM-backed agents that communicate over an
in-process message bus, spawn and terminate one another, call tools, and
share artifacts, per a YAML configuration file.`,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "orchestrator %s (commit %s, built %s)\n", version, commit, date)
			return nil
		},
	}
}

// exitCodeFor maps a top-level error to a process exit code: 130 for a
// shutdown signal (matching the POSIX 128+SIGINT convention), 1
// otherwise.
func exitCodeFor(err error) int {
	if err == errInterrupted {
		return 130
	}
	return 1
}
