// Package main provides the CLI entry point for the assistant runtime.
//
// The assistant mediates between a streaming LLM and a fixed set of
// side-effectful tools (shell execution, filesystem access, web search,
// memory recall) through a small actor tree: one llm client, one
// delegator, one tool worker per enabled tool, and one chat worker that
// drives the turn loop.
//
// # Basic Usage
//
// Start an interactive chat session:
//
//	assistant chat --config assistant.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() so tests can exercise the command tree directly.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assistant",
		Short: "A streaming, tool-using assistant runtime",
		Long: `assistant drives a streaming LLM completion against a fixed tool
catalogue (shell execution, file access, web search, memory recall),
mediating tool calls through a delegator that can either dispatch a
tool locally or route it to a sub-agent.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildConfigCmd(),
	)

	return rootCmd
}
