// Package main is the stepchat command: a chat server that streams model
// turns, runs function tools and renders the results as page fragments.
//
// Start the server:
//
//	stepchat serve --config stepchat.yaml
//
// Ask a single question from the terminal:
//
//	stepchat ask "What's the weather in Paris?"
//
// Configuration comes from an optional YAML file, a .env file and the
// environment (OPENAI_API_KEY, RESPONSES_MODEL, ENABLED_TOOLS, ...).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stepchat",
		Short: "Streaming chat server with tool calling",
		Long: `stepchat serves a chat page backed by the OpenAI Responses API or the
Anthropic Messages API. Each turn is streamed to the browser as server-sent
events while function tools run between upstream sub-streams.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildAskCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}
