package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"nemtdispatch/internal/ingest"
	"nemtdispatch/internal/model"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var date string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ingest <schedule.csv>",
		Short: "Parse a broker schedule export and report trips and warnings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			day, err := time.ParseInLocation("2006-01-02", date, time.UTC)
			if err != nil {
				return fmt.Errorf("--date must be YYYY-MM-DD")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			res, err := ingest.ParseReader(f, day, ingest.Options{
				WindowTolerance: time.Duration(cfg.Ingest.WindowToleranceMinutes) * time.Minute,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, map[string]any{
					"rows": res.Rows, "skipped": res.Skipped, "trips": res.Trips, "warnings": res.Warnings,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Rows: %d  Trips: %d  Skipped: %d  Warnings: %d\n", res.Rows, len(res.Trips), res.Skipped, len(res.Warnings))
			if len(res.Trips) > 0 {
				fmt.Fprintln(out, renderTripTable(res.Trips))
			}
			if len(res.Warnings) > 0 {
				fmt.Fprintln(out, renderWarningTable(res.Warnings))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", time.Now().Format("2006-01-02"), "Service date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func renderTripTable(trips []model.Trip) string {
	rows := make([][]string, 0, len(trips))
	for _, t := range trips {
		window := ""
		if !t.Window.IsZero() {
			window = t.Window.Start.Format("15:04") + "-" + t.Window.End.Format("15:04")
		}
		rows = append(rows, []string{
			t.ID,
			string(t.Mobility),
			t.PickupAt.Format("15:04"),
			window,
			strconv.FormatFloat(t.Miles, 'f', 1, 64),
			t.Pickup.Address,
			t.Dropoff.Address,
		})
	}
	return renderTable(
		[]string{"Trip", "Mobility", "Pickup", "Window", "Miles", "From", "To"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func renderWarningTable(ws []model.IngestWarning) string {
	rows := make([][]string, 0, len(ws))
	for _, w := range ws {
		rows = append(rows, []string{strconv.Itoa(w.Row), w.Field, w.Code, w.Message})
	}
	return renderTable(
		[]string{"Row", "Field", "Code", "Message"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
	)
}
