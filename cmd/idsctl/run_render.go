package main

import (
	"fmt"
	"strconv"
	"strings"

	"nemtdispatch/internal/model"
)

func money(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

func renderRun(run model.ShadowRun) string {
	var b strings.Builder
	mode := "shadow"
	if !run.ShadowMode {
		mode = "live"
	}
	fmt.Fprintf(&b, "Run %s  %s  %s  %s  mode=%s  live-dispatched=%s\n",
		run.ID, run.Partition.Key(), run.RunDate, run.Status, mode, yesNo(run.LiveDispatched))
	res := run.Result
	if res == nil {
		b.WriteString("No result recorded yet\n")
		return b.String()
	}
	s := res.Summary
	b.WriteString(renderTable(
		[]string{"Algorithm", "Trips", "Assigned", "On time %", "Gap-fill wins", "Predicted earnings", "Lock violations", "Solve ms"},
		[][]string{{
			res.Algorithm,
			strconv.Itoa(run.Input.TripCount),
			strconv.Itoa(s.AssignedTrips),
			money(s.AverageOnTimePercentage),
			strconv.Itoa(s.GapFillWins),
			money(s.TotalPredictedEarnings),
			strconv.Itoa(res.LockViolations),
			strconv.FormatInt(s.SolveTimeMs, 10),
		}},
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))
	b.WriteString("\n")

	if len(res.Assignments) > 0 {
		rows := make([][]string, 0, len(res.Assignments))
		for _, a := range res.Assignments {
			rows = append(rows, []string{
				a.TripID, a.DriverID, a.VehicleID, strconv.Itoa(a.Position),
				a.PickupAt.Format("15:04"), a.DropoffAt.Format("15:04"), string(a.Source),
			})
		}
		b.WriteString(renderTable(
			[]string{"Trip", "Driver", "Vehicle", "Pos", "Pickup", "Dropoff", "Source"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
		))
		b.WriteString("\n")
	}

	if len(res.Unassigned) > 0 {
		rows := make([][]string, 0, len(res.Unassigned))
		for _, u := range res.Unassigned {
			fix := ""
			if u.Fix != nil {
				fix = describeFix(*u.Fix)
			}
			rows = append(rows, []string{u.TripID, string(u.Reason), string(u.Severity), u.Detail, fix})
		}
		b.WriteString(renderTable([]string{"Unassigned", "Reason", "Severity", "Detail", "Suggested fix"}, rows, nil))
		b.WriteString("\n")
	}

	if len(res.PayRows) > 0 {
		rows := make([][]string, 0, len(res.PayRows))
		for _, r := range res.PayRows {
			rows = append(rows, []string{
				r.DriverID, strconv.Itoa(r.TripCount), strconv.FormatFloat(r.Miles, 'f', 1, 64),
				money(r.Gross), money(r.Net), strings.Join(r.Flags, ","),
			})
		}
		b.WriteString(renderTable(
			[]string{"Driver", "Trips", "Miles", "Gross (predicted)", "Net (predicted)", "Flags"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
		))
		b.WriteString("\n")
	}

	for _, n := range res.Notes {
		fmt.Fprintf(&b, "note: %s\n", n)
	}
	return b.String()
}

func describeFix(f model.SuggestedFix) string {
	var parts []string
	if len(f.CandidateDrivers) > 0 {
		parts = append(parts, "drivers "+strings.Join(f.CandidateDrivers, ","))
	}
	if f.RetimeMinutes != 0 {
		parts = append(parts, fmt.Sprintf("retime %+d min", f.RetimeMinutes))
	}
	if f.Note != "" {
		parts = append(parts, f.Note)
	}
	return strings.Join(parts, "; ")
}
