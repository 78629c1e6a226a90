package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfig = "./config.json"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "castbot",
		Short:         "Telegram multi-account broadcast bot",
		Long:          "castbot lets operators log in Telegram accounts and broadcast a text to a list of chats from each of them on a loop.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", defaultConfig, "path to config file (json or yaml)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newAccountsCmd())
	cmd.AddCommand(newRunsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "castbot %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func configPath(cmd *cobra.Command) string {
	p, err := cmd.Flags().GetString("config")
	if err != nil || p == "" {
		return defaultConfig
	}
	return p
}

func execute(cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
