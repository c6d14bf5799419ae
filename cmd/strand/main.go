// Package main provides the strand CLI: an agent runtime that drives an LLM
// provider through an iterative tool-use loop with permission gating,
// context budgeting, and resumable sessions.
//
// # Basic Usage
//
// Run a one-shot prompt:
//
//	strand run "summarize the files in this directory"
//
// Continue a persisted session:
//
//	strand run --session notes "what did we decide yesterday?"
//
// Inspect or delete sessions:
//
//	strand sessions show notes
//	strand sessions delete notes
//
// # Environment Variables
//
//   - STRAND_CONFIG: path to the configuration file (default: strand.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"log/slog"
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
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached,
// separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "strand",
		Short: "strand - LLM agent runtime",
		Long: `strand runs an LLM agent loop: the model plans, calls tools, reads the
results, and iterates until it produces a final answer.

Supported providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("STRAND_CONFIG"); env != "" {
		return env
	}
	return "strand.yaml"
}
