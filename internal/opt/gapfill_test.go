package opt

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nemtdispatch/internal/locks"
	"nemtdispatch/internal/model"
)

var day = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func compat() map[model.Mobility]map[model.Mobility]bool {
	return map[model.Mobility]map[model.Mobility]bool{
		model.MobilityStandard:   {model.MobilityStandard: true},
		model.MobilityWheelchair: {model.MobilityStandard: true, model.MobilityWheelchair: true},
		model.MobilityStretcher:  {model.MobilityStretcher: true},
	}
}

func params() Params {
	return Params{
		TravelBuffer:        15 * time.Minute,
		DefaultRideDuration: 30 * time.Minute,
		AvgSpeedMph:         25,
		WeightDeviation:     1,
		WeightReliability:   0.2,
		DisplacementPenalty: 120,
		MaxDisplacements:    10,
		SuggestWithin:       60 * time.Minute,
		DefaultShift:        model.TimeWindow{Start: at(6, 0), End: at(18, 0)},
		Now:                 func() time.Time { return day },
	}
}

func trip(id string, mob model.Mobility, h, m int) model.Trip {
	p := at(h, m)
	return model.Trip{
		ID:       id,
		Mobility: mob,
		PickupAt: p,
		Window:   model.TimeWindow{Start: p.Add(-15 * time.Minute), End: p.Add(15 * time.Minute)},
	}
}

func fleet(entries ...FleetEntry) []FleetEntry { return entries }

func problem(trips []model.Trip, f []FleetEntry, tpls ...model.RouteTemplate) Problem {
	return Problem{
		Trips:         trips,
		Locks:         locks.NewSnapshot(tpls),
		Fleet:         f,
		Scores:        map[string]float64{},
		Compatibility: compat(),
		Params:        params(),
	}
}

func checkCompleteness(t *testing.T, p Problem, sol Solution) {
	t.Helper()
	seen := map[string]int{}
	for _, a := range sol.Assignments {
		seen[a.TripID]++
	}
	for _, u := range sol.Unassigned {
		seen[u.TripID]++
	}
	require.Len(t, seen, len(p.Trips))
	for _, tr := range p.Trips {
		assert.Equal(t, 1, seen[tr.ID], "trip %s must appear exactly once", tr.ID)
	}
}

func checkMobility(t *testing.T, p Problem, sol Solution) {
	t.Helper()
	caps := map[string]model.Mobility{}
	for _, f := range p.Fleet {
		caps[f.DriverID] = f.Capability
	}
	byID := map[string]model.Trip{}
	for _, tr := range p.Trips {
		byID[tr.ID] = tr
	}
	for _, a := range sol.Assignments {
		assert.True(t, p.compatible(caps[a.DriverID], byID[a.TripID].Mobility),
			"trip %s (%s) on %s vehicle", a.TripID, byID[a.TripID].Mobility, caps[a.DriverID])
	}
}

func TestWheelchairTripOnStandardFleetIsMobilityMismatch(t *testing.T) {
	p := problem([]model.Trip{trip("T1", model.MobilityWheelchair, 9, 0)},
		fleet(FleetEntry{DriverID: "A", VehicleID: "V1", Capability: model.MobilityStandard}))

	sol := GapFill{}.Solve(p)
	require.Empty(t, sol.Assignments)
	require.Len(t, sol.Unassigned, 1)
	u := sol.Unassigned[0]
	assert.Equal(t, model.ReasonMobilityMismatch, u.Reason)
	assert.Equal(t, model.SeverityDanger, u.Severity)
	require.NotNil(t, u.Fix)
	assert.Contains(t, u.Fix.Note, "wheelchair")
}

func TestHardLockStaysInPlace(t *testing.T) {
	tpl := model.RouteTemplate{
		DriverID: "A", ShiftStart: at(8, 0), ShiftEnd: at(12, 0),
		Slots: []model.Slot{{Position: 1, TripID: "X", Lock: model.LockHard, Start: at(9, 0), End: at(9, 45)}},
	}
	x := trip("X", model.MobilityStandard, 9, 0)
	y := trip("Y", model.MobilityStandard, 9, 5)
	p := problem([]model.Trip{x, y},
		fleet(FleetEntry{DriverID: "A", VehicleID: "V1", Capability: model.MobilityStandard}), tpl)

	sol := GapFill{}.Solve(p)
	checkCompleteness(t, p, sol)
	assert.Equal(t, 0, sol.LockViolations)

	require.Len(t, sol.Assignments, 1)
	assert.Equal(t, model.TripAssignment{
		TripID: "X", DriverID: "A", VehicleID: "V1", Position: 1,
		PickupAt: at(9, 0), DropoffAt: at(9, 45), Source: model.SourceHardLock,
	}, sol.Assignments[0])
	require.Len(t, sol.Unassigned, 1)
	assert.Equal(t, "Y", sol.Unassigned[0].TripID)
	assert.Equal(t, model.ReasonTimeConflict, sol.Unassigned[0].Reason)
	assert.Equal(t, 0, CountLockViolations(p.Locks, p.Trips, sol.Assignments))
}

func TestHardLockNeighbourPlacedElsewhere(t *testing.T) {
	tplA := model.RouteTemplate{
		DriverID: "A", ShiftStart: at(8, 0), ShiftEnd: at(12, 0),
		Slots: []model.Slot{{Position: 1, TripID: "X", Lock: model.LockHard, Start: at(9, 0), End: at(9, 45)}},
	}
	x := trip("X", model.MobilityStandard, 9, 0)
	y := trip("Y", model.MobilityStandard, 9, 5)
	p := problem([]model.Trip{x, y}, fleet(
		FleetEntry{DriverID: "A", Capability: model.MobilityStandard},
		FleetEntry{DriverID: "B", Capability: model.MobilityStandard},
	), tplA)

	sol := GapFill{}.Solve(p)
	checkCompleteness(t, p, sol)
	assert.Equal(t, 0, sol.LockViolations)
	require.Len(t, sol.Assignments, 2)
	assert.Equal(t, "X", sol.Assignments[0].TripID)
	assert.Equal(t, "A", sol.Assignments[0].DriverID)
	assert.Equal(t, "Y", sol.Assignments[1].TripID)
	assert.Equal(t, "B", sol.Assignments[1].DriverID)
	assert.True(t, sol.Assignments[1].PickupAt.Equal(at(9, 5)))
	assert.Equal(t, model.SourceGapFill, sol.Assignments[1].Source)
	assert.Equal(t, 1, sol.GapFillWins)
}

// oneGapRoute has a single 90 minute opening between 9:00 and 10:30.
func oneGapRoute(driver string) model.RouteTemplate {
	return model.RouteTemplate{
		DriverID: driver, ShiftStart: at(8, 0), ShiftEnd: at(12, 0),
		Slots: []model.Slot{
			{Position: 1, TripID: "other-" + driver + "-1", Lock: model.LockHard, Start: at(8, 0), End: at(9, 0)},
			{Position: 2, Start: at(9, 0), End: at(10, 30)},
			{Position: 3, TripID: "other-" + driver + "-2", Lock: model.LockHard, Start: at(10, 30), End: at(12, 0)},
		},
	}
}

func TestThreeTripsTwoGaps(t *testing.T) {
	trips := []model.Trip{
		trip("T1", model.MobilityStandard, 9, 30),
		trip("T2", model.MobilityStandard, 9, 35),
		trip("T3", model.MobilityStandard, 9, 40),
	}
	p := problem(trips, fleet(
		FleetEntry{DriverID: "A", Capability: model.MobilityStandard},
		FleetEntry{DriverID: "B", Capability: model.MobilityStandard},
	), oneGapRoute("A"), oneGapRoute("B"))

	sol := GapFill{}.Solve(p)
	checkCompleteness(t, p, sol)
	assert.Equal(t, 2, sol.GapFillWins)
	require.Len(t, sol.Assignments, 2)
	for _, a := range sol.Assignments {
		assert.Equal(t, 2, a.Position, "placed into the empty template slot")
	}
	require.Len(t, sol.Unassigned, 1)
	assert.Equal(t, model.ReasonNoCapacity, sol.Unassigned[0].Reason)
	assert.Equal(t, model.SeverityWarn, sol.Unassigned[0].Severity)
	assert.Equal(t, 0, sol.LockViolations)
}

func TestNoDriversUnassignsEverything(t *testing.T) {
	var trips []model.Trip
	for i := 0; i < 5; i++ {
		trips = append(trips, trip(fmt.Sprintf("T%d", i), model.MobilityStandard, 9+i, 0))
	}
	p := problem(trips, nil)

	sol := GapFill{}.Solve(p)
	assert.Empty(t, sol.Assignments)
	require.Len(t, sol.Unassigned, 5)
	for _, u := range sol.Unassigned {
		assert.Equal(t, model.ReasonNoAvailableDrivers, u.Reason)
	}
}

func TestSoftLockDisplacedWhenItBlocksATightTrip(t *testing.T) {
	tpl := model.RouteTemplate{
		DriverID: "A", ShiftStart: at(8, 0), ShiftEnd: at(12, 0),
		Slots: []model.Slot{
			{Position: 1, TripID: "S", Lock: model.LockSoft, Start: at(9, 0), End: at(9, 30)},
		},
	}
	soft := trip("S", model.MobilityStandard, 9, 0)
	soft.Window = model.TimeWindow{Start: at(8, 0), End: at(11, 0)}
	tight := trip("N", model.MobilityStandard, 9, 0)
	tight.Window = model.TimeWindow{Start: at(9, 0), End: at(9, 0)}

	p := problem([]model.Trip{soft, tight},
		fleet(FleetEntry{DriverID: "A", Capability: model.MobilityStandard}), tpl)
	sol := GapFill{}.Solve(p)

	checkCompleteness(t, p, sol)
	require.Len(t, sol.Assignments, 2)
	bySrc := map[model.AssignmentSource]string{}
	for _, a := range sol.Assignments {
		bySrc[a.Source] = a.TripID
	}
	assert.Equal(t, "N", bySrc[model.SourceDisplacement])
	assert.Equal(t, "S", bySrc[model.SourceGapFill])
	assert.Equal(t, 1, sol.Metrics.Displacements)
	assert.Equal(t, 1, sol.Metrics.Retries)
	assert.Equal(t, 0, sol.LockViolations)
}

func TestSoftLockKeptWhenNoOneNeedsTheSlot(t *testing.T) {
	tpl := model.RouteTemplate{
		DriverID: "A", ShiftStart: at(8, 0), ShiftEnd: at(12, 0),
		Slots: []model.Slot{{Position: 4, TripID: "S", Lock: model.LockSoft, Start: at(9, 0), End: at(9, 30)}},
	}
	p := problem([]model.Trip{trip("S", model.MobilityStandard, 9, 0), trip("N", model.MobilityStandard, 11, 0)},
		fleet(FleetEntry{DriverID: "A", Capability: model.MobilityStandard}), tpl)
	sol := GapFill{}.Solve(p)

	require.Len(t, sol.Assignments, 2)
	assert.Equal(t, model.TripAssignment{
		TripID: "S", DriverID: "A", Position: 4, PickupAt: at(9, 0), DropoffAt: at(9, 30), Source: model.SourceSoftLock,
	}, sol.Assignments[0])
	assert.Equal(t, 5, sol.Assignments[1].Position)
	assert.Zero(t, sol.Metrics.Displacements)
}

func TestHardLockConflicts(t *testing.T) {
	tpl := model.RouteTemplate{
		DriverID: "A", ShiftStart: at(8, 0), ShiftEnd: at(12, 0),
		Slots: []model.Slot{{Position: 1, TripID: "W", Lock: model.LockHard, Start: at(9, 0), End: at(9, 30)}},
	}
	gone := model.RouteTemplate{
		DriverID: "Z", ShiftStart: at(8, 0), ShiftEnd: at(12, 0),
		Slots: []model.Slot{{Position: 1, TripID: "G", Lock: model.LockHard, Start: at(10, 0), End: at(10, 30)}},
	}
	p := problem([]model.Trip{trip("W", model.MobilityWheelchair, 9, 0), trip("G", model.MobilityStandard, 10, 0)},
		fleet(FleetEntry{DriverID: "A", Capability: model.MobilityStandard}), tpl, gone)
	sol := GapFill{}.Solve(p)

	checkCompleteness(t, p, sol)
	checkMobility(t, p, sol)
	require.Len(t, sol.Unassigned, 2)
	for _, u := range sol.Unassigned {
		assert.Equal(t, model.ReasonLockConflict, u.Reason)
	}
	assert.Equal(t, 2, sol.LockViolations)
}

func TestInvalidWindow(t *testing.T) {
	bad := model.Trip{ID: "B", Mobility: model.MobilityStandard}
	p := problem([]model.Trip{bad}, fleet(FleetEntry{DriverID: "A", Capability: model.MobilityStandard}))
	sol := GapFill{}.Solve(p)
	require.Len(t, sol.Unassigned, 1)
	assert.Equal(t, model.ReasonInvalidWindow, sol.Unassigned[0].Reason)
}

func TestTimeBudgetUnassignsRemainder(t *testing.T) {
	p := problem([]model.Trip{trip("T1", model.MobilityStandard, 9, 0), trip("T2", model.MobilityStandard, 10, 0)},
		fleet(FleetEntry{DriverID: "A", Capability: model.MobilityStandard}))
	clock := day
	p.Params.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	p.Params.TimeBudget = 1500 * time.Millisecond

	sol := GapFill{}.Solve(p)
	checkCompleteness(t, p, sol)
	assert.True(t, sol.Metrics.BudgetExceeded)
	require.Len(t, sol.Assignments, 1)
	require.Len(t, sol.Unassigned, 1)
	assert.Equal(t, model.ReasonTimeBudget, sol.Unassigned[0].Reason)
}

func TestSuggestedFixNamesNearbyDriver(t *testing.T) {
	// Only gap on A is 9:00-10:30; the trip wants 11:00 sharp.
	tr := trip("T", model.MobilityStandard, 11, 0)
	tr.Window = model.TimeWindow{Start: at(11, 0), End: at(11, 0)}
	p := problem([]model.Trip{tr}, fleet(FleetEntry{DriverID: "A", Capability: model.MobilityStandard}), oneGapRoute("A"))
	p.Params.SuggestWithin = 2 * time.Hour

	sol := GapFill{}.Solve(p)
	require.Len(t, sol.Unassigned, 1)
	u := sol.Unassigned[0]
	assert.Equal(t, model.ReasonTimeConflict, u.Reason)
	require.NotNil(t, u.Fix)
	assert.Equal(t, []string{"A"}, u.Fix.CandidateDrivers)
	// latest feasible pickup is 10:30 - 15m buffer - 30m ride = 9:45
	assert.Equal(t, 75, u.Fix.RetimeMinutes)
}

func TestReliabilityBreaksTies(t *testing.T) {
	p := problem([]model.Trip{trip("T1", model.MobilityStandard, 9, 0)}, fleet(
		FleetEntry{DriverID: "A", Capability: model.MobilityStandard},
		FleetEntry{DriverID: "B", Capability: model.MobilityStandard},
	))
	p.Scores = map[string]float64{"A": 40, "B": 90}
	sol := GapFill{}.Solve(p)
	require.Len(t, sol.Assignments, 1)
	assert.Equal(t, "B", sol.Assignments[0].DriverID)
}

func TestWheelchairVehicleCarriesStandardRider(t *testing.T) {
	p := problem([]model.Trip{trip("T1", model.MobilityStandard, 9, 0), trip("T2", model.MobilityWheelchair, 13, 0)},
		fleet(FleetEntry{DriverID: "W", Capability: model.MobilityWheelchair}))
	sol := GapFill{}.Solve(p)
	checkMobility(t, p, sol)
	assert.Len(t, sol.Assignments, 2)
}

func mixedProblem() Problem {
	var trips []model.Trip
	mobs := []model.Mobility{model.MobilityStandard, model.MobilityWheelchair, model.MobilityStretcher}
	for i := 0; i < 24; i++ {
		trips = append(trips, trip(fmt.Sprintf("T%02d", i), mobs[i%3], 7+i%10, (i*7)%60))
	}
	trips = append(trips, trip("other-A-1", model.MobilityStandard, 8, 0))
	return problem(trips, fleet(
		FleetEntry{DriverID: "A", Capability: model.MobilityStandard},
		FleetEntry{DriverID: "B", Capability: model.MobilityWheelchair},
		FleetEntry{DriverID: "C", Capability: model.MobilityWheelchair},
		FleetEntry{DriverID: "D", Capability: model.MobilityStandard},
	), oneGapRoute("A"), oneGapRoute("B"))
}

func TestPropertiesOnMixedFleet(t *testing.T) {
	p := mixedProblem()
	sol := GapFill{}.Solve(p)
	checkCompleteness(t, p, sol)
	checkMobility(t, p, sol)
	assert.Equal(t, 0, sol.LockViolations)
	assert.Equal(t, sol.LockViolations, CountLockViolations(p.Locks, p.Trips, sol.Assignments))

	var stretcher int
	for _, u := range sol.Unassigned {
		if u.Reason == model.ReasonMobilityMismatch {
			stretcher++
		}
	}
	assert.Equal(t, 8, stretcher)
}

func TestSolveIsDeterministic(t *testing.T) {
	first := GapFill{}.Solve(mixedProblem())
	second := GapFill{}.Solve(mixedProblem())
	if diff := cmp.Diff(first.Assignments, second.Assignments); diff != "" {
		t.Fatalf("assignments differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.Unassigned, second.Unassigned); diff != "" {
		t.Fatalf("unassigned differ (-first +second):\n%s", diff)
	}
	assert.Equal(t, first.LockViolations, second.LockViolations)
}

func TestCountLockViolationsFlagsMovedAndOverwrittenSlots(t *testing.T) {
	snap := locks.NewSnapshot([]model.RouteTemplate{{
		DriverID: "A",
		Slots: []model.Slot{
			{Position: 1, TripID: "X", Lock: model.LockHard},
			{Position: 2, TripID: "ext", Lock: model.LockHard},
		},
	}})
	trips := []model.Trip{{ID: "X"}, {ID: "Y"}}

	ok := []model.TripAssignment{{TripID: "X", DriverID: "A", Position: 1}}
	assert.Equal(t, 0, CountLockViolations(snap, trips, ok))

	moved := []model.TripAssignment{{TripID: "X", DriverID: "B", Position: 1}}
	assert.Equal(t, 1, CountLockViolations(snap, trips, moved))

	overwritten := []model.TripAssignment{
		{TripID: "X", DriverID: "A", Position: 1},
		{TripID: "Y", DriverID: "A", Position: 2},
	}
	assert.Equal(t, 1, CountLockViolations(snap, trips, overwritten))
}

func TestByName(t *testing.T) {
	s, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "gapfill", s.Name())
	_, err = ByName("alns")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestRideDuration(t *testing.T) {
	pr := params()
	assert.Equal(t, 30*time.Minute, RideDuration(model.Trip{}, pr))
	assert.Equal(t, 24*time.Minute, RideDuration(model.Trip{Miles: 10}, pr))
	assert.Equal(t, minimumRide, RideDuration(model.Trip{Miles: 0.5}, pr))

	withCoords := model.Trip{
		Pickup:  model.Place{Location: &model.GeoPoint{Lat: 39.78, Lng: -89.65}},
		Dropoff: model.Place{Location: &model.GeoPoint{Lat: 39.88, Lng: -89.65}},
	}
	d := RideDuration(withCoords, pr)
	assert.Greater(t, d, 15*time.Minute)
	assert.Less(t, d, 25*time.Minute)
	assert.InDelta(t, 9.0, TripMiles(withCoords), 0.3)
}

func TestOnTime(t *testing.T) {
	tr := trip("T", model.MobilityStandard, 9, 0)
	appt := at(10, 0)
	tr.AppointmentAt = &appt
	assert.True(t, OnTime(model.TripAssignment{PickupAt: at(9, 10), DropoffAt: at(9, 40)}, tr))
	assert.False(t, OnTime(model.TripAssignment{PickupAt: at(9, 20), DropoffAt: at(9, 50)}, tr))
	assert.False(t, OnTime(model.TripAssignment{PickupAt: at(9, 10), DropoffAt: at(10, 5)}, tr))
	assert.True(t, OnTime(model.TripAssignment{PickupAt: at(13, 0)}, model.Trip{}))
}

func TestMetricsStoreIsPartitionScoped(t *testing.T) {
	p1 := model.Partition{OpCoID: "metrics", FundingAccountID: "one"}
	p2 := model.Partition{OpCoID: "metrics", FundingAccountID: "two"}
	RecordMetrics(p1, "2025-03-14", "gapfill", Metrics{Placed: 3})
	RecordMetrics(p2, "2025-03-14", "gapfill", Metrics{Placed: 9})
	got := GetMetrics(p1, "2025-03-14")
	require.Contains(t, got, "gapfill")
	assert.Equal(t, 3, got["gapfill"].Placed)
	assert.Empty(t, GetMetrics(p1, "2025-03-15"))
}
