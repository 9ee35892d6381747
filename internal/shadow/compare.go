package shadow

import (
	"math"
	"sort"

	"nemtdispatch/internal/model"
)

// TripMove is a trip assigned in both runs but to different drivers.
type TripMove struct {
	TripID     string `json:"tripId"`
	FromDriver string `json:"fromDriver"`
	ToDriver   string `json:"toDriver"`
}

// Comparison holds other-minus-base deltas between two completed runs.
type Comparison struct {
	BaseID              string                   `json:"baseId"`
	OtherID             string                   `json:"otherId"`
	AssignedDelta       int                      `json:"assignedDelta"`
	UnassignedDelta     int                      `json:"unassignedDelta"`
	OnTimeDelta         float64                  `json:"onTimeDelta"`
	GapFillWinsDelta    int                      `json:"gapFillWinsDelta"`
	EarningsDelta       float64                  `json:"earningsDelta"`
	LockViolationsDelta int                      `json:"lockViolationsDelta"`
	SolveTimeMsDelta    int64                    `json:"solveTimeMsDelta"`
	UnassignedByReason  map[model.ReasonCode]int `json:"unassignedByReason,omitempty"`
	Moved               []TripMove               `json:"moved,omitempty"`
	AssignedOnlyInBase  []string                 `json:"assignedOnlyInBase,omitempty"`
	AssignedOnlyInOther []string                 `json:"assignedOnlyInOther,omitempty"`
}

// Compare reports how other differs from base. Pending runs compare as empty
// results.
func Compare(base, other model.ShadowRun) Comparison {
	b, o := resultOf(base), resultOf(other)
	c := Comparison{
		BaseID:              base.ID,
		OtherID:             other.ID,
		AssignedDelta:       o.Summary.AssignedTrips - b.Summary.AssignedTrips,
		UnassignedDelta:     len(o.Unassigned) - len(b.Unassigned),
		OnTimeDelta:         round2(o.Summary.AverageOnTimePercentage - b.Summary.AverageOnTimePercentage),
		GapFillWinsDelta:    o.Summary.GapFillWins - b.Summary.GapFillWins,
		EarningsDelta:       round2(o.Summary.TotalPredictedEarnings - b.Summary.TotalPredictedEarnings),
		LockViolationsDelta: other.LockViolations - base.LockViolations,
		SolveTimeMsDelta:    o.Summary.SolveTimeMs - b.Summary.SolveTimeMs,
	}

	reasons := map[model.ReasonCode]int{}
	for _, u := range b.Unassigned {
		reasons[u.Reason]--
	}
	for _, u := range o.Unassigned {
		reasons[u.Reason]++
	}
	for k, v := range reasons {
		if v == 0 {
			delete(reasons, k)
		}
	}
	if len(reasons) > 0 {
		c.UnassignedByReason = reasons
	}

	baseDriver := make(map[string]string, len(b.Assignments))
	for _, a := range b.Assignments {
		baseDriver[a.TripID] = a.DriverID
	}
	seen := make(map[string]bool, len(o.Assignments))
	for _, a := range o.Assignments {
		seen[a.TripID] = true
		from, ok := baseDriver[a.TripID]
		switch {
		case !ok:
			c.AssignedOnlyInOther = append(c.AssignedOnlyInOther, a.TripID)
		case from != a.DriverID:
			c.Moved = append(c.Moved, TripMove{TripID: a.TripID, FromDriver: from, ToDriver: a.DriverID})
		}
	}
	for id := range baseDriver {
		if !seen[id] {
			c.AssignedOnlyInBase = append(c.AssignedOnlyInBase, id)
		}
	}
	sort.Strings(c.AssignedOnlyInBase)
	sort.Strings(c.AssignedOnlyInOther)
	sort.Slice(c.Moved, func(i, j int) bool { return c.Moved[i].TripID < c.Moved[j].TripID })
	return c
}

func resultOf(r model.ShadowRun) model.ResultSnapshot {
	if r.Result == nil {
		return model.ResultSnapshot{}
	}
	return *r.Result
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
