// Package main is the CLI entry point for the Parley conversation
// runtime.
//
// Start the server:
//
//	parley serve --config parley.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parley",
		Short: "Parley conversational agent runtime",
		Long: `Parley runs guideline-driven conversational agents: a per-session
dispatcher, a proposer/tool-caller/producer pipeline, and a streaming
tool plugin protocol, behind a JSON HTTP API.`,
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("parley %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
