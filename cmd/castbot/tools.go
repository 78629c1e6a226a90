package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"castbot/internal/app"
	logx "castbot/pkg/logx"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config file helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.CheckConfig(configPath(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d owner(s), storage %s\n", len(cfg.Telegram.OwnerUserIDs), cfg.Storage.Path)
			return nil
		},
	})
	return cmd
}

func newAccountsCmd() *cobra.Command {
	var operator int64
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List stored accounts and their run state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.OpenStore(configPath(cmd), logx.Nop())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			accs, err := store.ListAccounts(ctx, operator)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tOPERATOR\tNAME\tPHONE\tCONNECTED\tRUN")
			for _, a := range accs {
				state, err := store.GetRunState(ctx, a.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%t\t%s\n", a.ID, a.OperatorID, a.Label(), a.Phone, a.Connected, state)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&operator, "operator", 0, "only accounts of this operator user id")
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Run record maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Mark every running record stopped (use while the bot is down)",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logx.NewConsole("INFO")
			store, err := app.OpenStore(configPath(cmd), log)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			n, err := app.ResetRuns(ctx, store, log)
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d run record(s)\n", n)
			return err
		},
	})
	return cmd
}
