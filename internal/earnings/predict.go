// Package earnings predicts driver pay for a solved run.
//
// Every figure carries the "predicted" label. None of it is payroll.
package earnings

import (
	"math"
	"sort"

	"nemtdispatch/internal/model"
)

// Flags raised on a pay row.
const (
	FlagMissingPayRule   = "MISSING_PAY_RULE"
	FlagUnknownScheme    = "UNKNOWN_SCHEME"
	FlagTripCountOutlier = "TRIP_COUNT_OUTLIER"
	FlagMileageOutlier   = "MILEAGE_OUTLIER"
	FlagZeroAssignments  = "ZERO_ASSIGNMENTS"
	FlagNegativeNet      = "NEGATIVE_NET"
)

type Options struct {
	// MilesOf returns the billable miles for a trip; defaults to Trip.Miles.
	MilesOf func(model.Trip) float64
}

// Predict builds one row per available driver plus any driver that holds
// assignments, ordered by driver id.
func Predict(assignments []model.TripAssignment, trips []model.Trip, drivers []model.Driver, rules []model.PayRule, opts Options) []model.PredictedPayRow {
	milesOf := opts.MilesOf
	if milesOf == nil {
		milesOf = func(t model.Trip) float64 { return t.Miles }
	}
	tripByID := make(map[string]model.Trip, len(trips))
	for _, t := range trips {
		tripByID[t.ID] = t
	}
	ruleByDriver := make(map[string]model.PayRule, len(rules))
	for _, r := range rules {
		if _, dup := ruleByDriver[r.DriverID]; !dup {
			ruleByDriver[r.DriverID] = r
		}
	}

	type tally struct {
		trips int
		miles float64
	}
	tallies := map[string]*tally{}
	for _, d := range drivers {
		tallies[d.ID] = &tally{}
	}
	for _, a := range assignments {
		tl, ok := tallies[a.DriverID]
		if !ok {
			tl = &tally{}
			tallies[a.DriverID] = tl
		}
		tl.trips++
		tl.miles += milesOf(tripByID[a.TripID])
	}

	ids := make([]string, 0, len(tallies))
	for id := range tallies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]model.PredictedPayRow, 0, len(ids))
	for _, id := range ids {
		tl := tallies[id]
		rule, hasRule := ruleByDriver[id]
		rows = append(rows, row(id, tl.trips, tl.miles, rule, hasRule))
	}
	return rows
}

func row(driverID string, trips int, miles float64, rule model.PayRule, hasRule bool) model.PredictedPayRow {
	r := model.PredictedPayRow{
		DriverID:    driverID,
		TripCount:   trips,
		Miles:       round(miles),
		Adjustments: []model.LineItem{},
		Deductions:  []model.LineItem{},
		Label:       model.PredictedLabel,
	}
	flag := func(f string) { r.Flags = append(r.Flags, f) }

	if trips == 0 {
		flag(FlagZeroAssignments)
	}
	if !hasRule {
		if trips > 0 {
			flag(FlagMissingPayRule)
		}
		return r
	}

	switch rule.Scheme {
	case model.SchemePerTrip:
		r.Gross = round(rule.Rate * float64(trips))
	case model.SchemeMileage:
		r.Gross = round(rule.Rate * miles)
	default:
		flag(FlagUnknownScheme)
	}
	r.Adjustments = append(r.Adjustments, rule.Adjustments...)
	r.Deductions = append(r.Deductions, rule.Deductions...)
	r.Net = round(r.Gross + sum(r.Adjustments) - sum(r.Deductions))

	if trips > 0 {
		exp := rule.ExpectedTrips
		if (exp.Min > 0 && trips < exp.Min) || (exp.Max > 0 && trips > exp.Max) {
			flag(FlagTripCountOutlier)
		}
	}
	if rule.MaxMiles > 0 && miles > rule.MaxMiles {
		flag(FlagMileageOutlier)
	}
	if r.Net < 0 {
		flag(FlagNegativeNet)
	}
	return r
}

// Total is the predicted net across rows.
func Total(rows []model.PredictedPayRow) float64 {
	var t float64
	for _, r := range rows {
		t += r.Net
	}
	return round(t)
}

func sum(items []model.LineItem) float64 {
	var s float64
	for _, it := range items {
		s += it.Amount
	}
	return s
}

// round keeps money at cent precision.
func round(v float64) float64 { return math.Round(v*100) / 100 }
