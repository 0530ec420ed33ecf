package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server",
		Long: `Start the chat server.

The server loads .env and the optional config file, connects to the
configured provider, registers the enabled function tools and serves the
chat page, file routes, setup page, /metrics and /healthz.

Shutdown is graceful on SIGINT/SIGTERM.`,
		Example: `  stepchat serve
  stepchat serve --config stepchat.yaml --addr :9000
  stepchat serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				ConfigPath: configPath,
				Addr:       addr,
				Debug:      debug,
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildAskCmd() *cobra.Command {
	var (
		configPath string
		raw        bool
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run turns from the terminal",
		Long: `Run one turn for the question, or read questions line by line from stdin
when none is given. All questions share one conversation.

With --raw the downstream events are printed as server-sent event frames.`,
		Example: `  stepchat ask "What's the weather in Paris tomorrow?"
  stepchat ask --raw "Hello"
  echo "Hello" | stepchat ask`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd.Context(), askOptions{
				ConfigPath: configPath,
				Question:   strings.Join(args, " "),
				Raw:        raw,
				Debug:      debug,
				In:         cmd.InOrStdin(),
				Out:        cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&raw, "raw", false, "Print events as SSE frames")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stepchat %s (commit: %s)\n", version, commit)
		},
	}
}
