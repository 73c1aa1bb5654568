package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"marketplace-calls/internal/backend"
	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/config"
	"marketplace-calls/pkg/logger"

	"github.com/spf13/cobra"
)

var (
	envFile string
	apiURL  string
	pushURL string
	quiet   bool
)

func main() {
	if err := rootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "callctl",
		Short:         "Call signaling client: history, live events and an end-to-end demo",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&envFile, "env-file", "", "Optional .env file to load first")
	root.PersistentFlags().StringVar(&apiURL, "api", "", "Call backend base URL (overrides CALL_API_BASE_URL)")
	root.PersistentFlags().StringVar(&pushURL, "push", "", "Push gateway websocket URL (overrides CALL_PUSH_URL)")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Discard structured logs")

	root.AddCommand(historyCmd())
	root.AddCommand(pendingCmd())
	root.AddCommand(watchCmd())
	root.AddCommand(demoCmd())
	return root
}

// clientConfig loads the client configuration with flag overrides applied.
func clientConfig() (config.ClientConfig, error) {
	if err := config.LoadEnvFile(envFile); err != nil {
		return config.ClientConfig{}, err
	}
	if apiURL != "" {
		_ = os.Setenv("CALL_API_BASE_URL", apiURL)
	}
	if pushURL != "" {
		_ = os.Setenv("CALL_PUSH_URL", pushURL)
	}
	return config.LoadClient()
}

func cliLogger(env string) *slog.Logger {
	if quiet {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return logger.NewWithWriter(env, os.Stderr)
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <email>",
		Short: "List the calls an email took part in, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientConfig()
			if err != nil {
				return err
			}
			recs, err := backend.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout).History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
}

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <email>",
		Short: "List calls involving an email that have not finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientConfig()
			if err != nil {
				return err
			}
			recs, err := backend.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout).Pending(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
}

func printRecords(w io.Writer, recs []calls.Record) {
	fmt.Fprintf(w, "%-34s %-24s %-24s %-6s %-9s %s\n", "ROOM", "CALLER", "CALLEE", "TYPE", "STATUS", "DURATION")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, r := range recs {
		fmt.Fprintf(w, "%-34s %-24s %-24s %-6s %-9s %ds\n",
			r.RoomName, r.CallerEmail, r.CalleeEmail, r.Type, r.Status, r.Duration)
	}
}
