package main

import (
	"encoding/json"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagConfig  string
	flagDB      string
	flagActor   int64
	flagJSON    bool
	flagQuiet   bool
	flagVerbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chatcore",
		Short: "Chat engine daemon and admin tools",
		Long: `Chatcore runs the chat engine: channels, threaded messages, mentions,
and the pipelines that move chat history between channels or archive a
channel into a forum topic.

Run 'chatcore serve' for the HTTP and WebSocket daemon. The other commands
operate directly on the database and are meant for operators.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default chatcore.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "Database path (overrides config)")
	rootCmd.PersistentFlags().Int64Var(&flagActor, "as", 0, "Acting user id")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "Debug output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("chatcore v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	// Daemon
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	// Messages
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(editCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(moveCmd())
	rootCmd.AddCommand(backfillThreadCmd())

	// Archives
	rootCmd.AddCommand(archiveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show chatcore version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagJSON {
				return printJSON(map[string]string{
					"version":    Version,
					"build":      Build,
					"go_version": goruntime.Version(),
				})
			}
			fmt.Printf("chatcore v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
			return nil
		},
	}
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // fd fits in int
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

// requireActor returns the --as user id.
func requireActor() (int64, error) {
	if flagActor == 0 {
		return 0, fmt.Errorf("an acting user is required: pass --as <user id>")
	}
	return flagActor, nil
}
