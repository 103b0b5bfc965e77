package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/codeforge/pkg/codeforge/history"
)

// newHistoryCmd creates `codeforge history`.
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and prune past runs",
		Long: `Examples:
  codeforge history list --limit 10
  codeforge history show 5f0c...
  codeforge history prune --older-than 168h`,
	}
	cmd.AddCommand(newHistoryListCmd(), newHistoryShowCmd(), newHistoryPruneCmd())
	return cmd
}

func openHistoryStore(cmd *cobra.Command) (*runtime, error) {
	rt, err := newRuntime(cmd, false)
	if err != nil {
		return nil, err
	}
	if rt.store == nil {
		rt.Close()
		return nil, errors.New("history is disabled (history.enabled: false)")
	}
	return rt, nil
}

func newHistoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openHistoryStore(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := rt.store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tFILES\tSTARTED\tPROMPT")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Kind, r.Status, r.FilesCount,
					r.StartedAt.Local().Format(time.DateTime), clipLine(r.Prompt, 50))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "maximum runs to show")
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run and its files as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openHistoryStore(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			run, err := rt.store.Get(cmd.Context(), args[0])
			if errors.Is(err, history.ErrNotFound) {
				return fmt.Errorf("run %s not found", args[0])
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}
}

func newHistoryPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than the retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openHistoryStore(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			retention := rt.cfg.History.Retention
			if d, _ := cmd.Flags().GetDuration("older-than"); d > 0 {
				retention = d
			}
			if retention <= 0 {
				return errors.New("no retention configured; pass --older-than")
			}
			n, err := rt.store.Prune(cmd.Context(), time.Now().Add(-retention))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s) older than %s.\n", n, retention)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 0, "override history.retention")
	return cmd
}

func clipLine(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' {
			r = r[:i]
			break
		}
	}
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return string(r)
}
