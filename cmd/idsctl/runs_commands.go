package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"nemtdispatch/internal/shadow"
	"nemtdispatch/internal/store"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded shadow runs",
	}
	cmd.AddCommand(newRunsListCommand(ctx))
	cmd.AddCommand(newRunsShowCommand(ctx))
	cmd.AddCommand(newRunsCompareCommand(ctx))
	return cmd
}

func newRunsListCommand(ctx *commandContext) *cobra.Command {
	var date, cursor string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs for a partition, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ctx.partition()
			if err != nil {
				return err
			}
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer ctx.close()
			runs, next, err := st.ListShadowRuns(cmd.Context(), p, date, cursor, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, map[string]any{"items": runs, "nextCursor": next})
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				assigned, onTime, algo := "", "", ""
				if r.Result != nil {
					algo = r.Result.Algorithm
					assigned = strconv.Itoa(r.Result.Summary.AssignedTrips)
					onTime = money(r.Result.Summary.AverageOnTimePercentage)
				}
				rows = append(rows, []string{
					r.ID, r.RunDate, string(r.Status), algo, yesNo(r.ShadowMode),
					strconv.Itoa(r.Input.TripCount), assigned, onTime,
					r.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Run date", "Status", "Algorithm", "Shadow", "Trips", "Assigned", "On time %", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
			))
			if next != "" {
				fmt.Fprintf(out, "More: --cursor %s\n", next)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Only runs for this service date")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newRunsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run's summary, assignments, unassigned trips and predicted pay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ctx.partition()
			if err != nil {
				return err
			}
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer ctx.close()
			run, err := st.GetShadowRun(cmd.Context(), p, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("run %s not found in %s", args[0], p.Key())
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, run)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderRun(run))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newRunsCompareCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "compare <base-run-id> <other-run-id>",
		Short: "Compare two runs of the same partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := ctx.partition()
			if err != nil {
				return err
			}
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer ctx.close()
			base, err := st.GetShadowRun(cmd.Context(), p, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			other, err := st.GetShadowRun(cmd.Context(), p, args[1])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[1], err)
			}
			return writeJSON(cmd, shadow.Compare(base, other))
		},
	}
}
