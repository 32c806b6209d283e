package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/cloudcheck/pkg/stores"
)

// openHistory opens the store and requires the sqlite backend, which is the
// only one recording runs.
func openHistory(cmd *cobra.Command) (*app, error) {
	a, err := newBaseApp(cmd.Context())
	if err != nil {
		return nil, err
	}
	if a.sqlite == nil {
		a.close()
		return nil, fmt.Errorf("run history needs the sqlite store (configured: %s)", a.cfg.Store.Backend)
	}
	return a, nil
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded check runs",
		Example: `  # Last 20 runs
  cloudcheck history

  # Outcomes of one run
  cloudcheck history show 01J9ZKX3Q4M6Y8B2C5D7E9F1G3

  # Audit trail of applied resolutions
  cloudcheck history audit --action resolution.applied`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(); err != nil {
				return err
			}
			a, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			runs, err := a.sqlite.ListCheckRuns(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputFormat != "table" {
				return writeStructured(out, runs)
			}
			tw := newTable(out, "RUN", "MODE", "POLICY", "STATUS", "STARTED", "SUMMARY")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Mode, dash(r.Policy), r.Status, r.StartedAt.Format("2006-01-02 15:04:05"), r.Summary)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryAuditCommand())
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the outcomes of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(); err != nil {
				return err
			}
			a, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			run, err := a.sqlite.GetCheckRun(ctx, args[0])
			if err != nil {
				return err
			}
			outcomes, err := a.sqlite.ListOutcomes(ctx, run.ID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputFormat != "table" {
				return writeStructured(out, struct {
					Run      *stores.CheckRun         `json:"run"`
					Outcomes []*stores.ProblemOutcome `json:"outcomes"`
				}{run, outcomes})
			}

			fmt.Fprintf(out, "Run %s (%s, policy %s): %s\n", run.ID, run.Mode, dash(run.Policy), run.Status)
			if run.Error != nil {
				fmt.Fprintf(out, "Error: %s\n", *run.Error)
			}
			if len(outcomes) == 0 {
				return nil
			}
			fmt.Fprintln(out)
			tw := newTable(out, "PROBLEM", "RESOLUTION", "DISPOSITION", "REASON")
			for _, o := range outcomes {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.ProblemID, dash(o.Resolution), o.Disposition, o.Reason)
			}
			return tw.Flush()
		},
	}
}

func newHistoryAuditCommand() *cobra.Command {
	var (
		action string
		user   string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(); err != nil {
				return err
			}
			a, err := openHistory(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if user != "" {
				actorFilter = &user
			}
			entries, err := a.sqlite.ListAuditEntries(cmd.Context(), actionFilter, actorFilter, limit, 0)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputFormat != "table" {
				return writeStructured(out, entries)
			}
			tw := newTable(out, "TIME", "ACTION", "ACTOR", "TARGET", "DETAILS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Actor, deref(e.TargetID), deref(e.Details))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&user, "actor", "", "only entries by this actor")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries to list")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
