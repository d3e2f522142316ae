package cli

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/checkpoint"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/theme"
)

func newHistoryCommand(configFn func() (*model.AppConfig, error)) *cobra.Command {
	var filter store.RunFilter

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFn()
			if err != nil {
				return err
			}
			if cfg.History.DBPath == "" {
				return errors.New("run history is disabled: set history.db_path in the config file")
			}

			s, err := store.NewSQLiteStore(cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, err := s.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			for _, r := range runs {
				fmt.Fprintln(out, runLine(r))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Account, "account", "", "only show runs for this account")
	cmd.Flags().StringVar(&filter.Status, "status", "", "only show runs with this status (ok, failed)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of runs to show")
	return cmd
}

func runLine(r model.SyncRun) string {
	line := fmt.Sprintf("%s %s %s fetched=%d skipped=%d folders_skipped=%d %s",
		theme.StatusBadge(r.Status),
		r.StartedAt.Local().Format("2006-01-02 15:04:05"),
		theme.AccountStyle.Render(r.Account),
		r.Fetched, r.Skipped, r.FoldersSkipped,
		theme.HelpStyle.Render(r.Duration().Round(time.Millisecond).String()),
	)
	if r.Error != "" {
		line += "\n    " + r.Error
	}
	return line
}

func newCheckpointsCommand(configFn func() (*model.AppConfig, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints",
		Short: "Show the last successful sync time per account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFn()
			if err != nil {
				return err
			}
			cp, err := checkpoint.Open(cfg.StateDir, nil)
			if err != nil {
				return err
			}

			all := cp.Accounts()
			out := cmd.OutOrStdout()
			if len(all) == 0 {
				fmt.Fprintln(out, "No checkpoints saved.")
				return nil
			}

			keys := make([]string, 0, len(all))
			for k := range all {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "%s %s\n",
					theme.AccountStyle.Render(k), all[k].UTC().Format(time.RFC3339),
				)
			}
			return nil
		},
	}
}
