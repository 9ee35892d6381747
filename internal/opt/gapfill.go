package opt

import (
	"fmt"
	"math"
	"sort"
	"time"

	"nemtdispatch/internal/locks"
	"nemtdispatch/internal/model"
)

// GapFill places movable trips into free time on existing routes, one trip
// at a time, tightest pickup window first. It never relocates hard-locked
// trips and moves a soft-locked trip only when another trip scores better in
// its slot.
type GapFill struct{}

func (GapFill) Name() string { return "gapfill" }

// item is a block of committed time on a route.
type item struct {
	tripID   string
	start    time.Time
	end      time.Time
	position int
	// source is empty for occupancy by trips outside this run.
	source model.AssignmentSource
	soft   bool
}

type route struct {
	FleetEntry
	reliability float64
	shift       model.TimeWindow
	items       []item
	empty       []model.Slot
	usedEmpty   map[int]bool
	nextPos     int
	// original is the free time before any movable trip was placed,
	// counting soft-locked trips as free.
	original []model.TimeWindow
}

func (r *route) insert(it item) {
	r.items = append(r.items, it)
	sort.SliceStable(r.items, func(i, j int) bool {
		if !r.items[i].start.Equal(r.items[j].start) {
			return r.items[i].start.Before(r.items[j].start)
		}
		return r.items[i].position < r.items[j].position
	})
}

func (r *route) remove(tripID string) (item, bool) {
	for i, it := range r.items {
		if it.tripID == tripID {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return it, true
		}
	}
	return item{}, false
}

func (r *route) free(skip func(item) bool) []model.TimeWindow {
	return freeIntervals(r.shift, r.items, skip)
}

// positionFor reuses an empty template slot covering at, else opens a new
// position after the template's last.
func (r *route) positionFor(at time.Time) int {
	for _, s := range r.empty {
		if r.usedEmpty[s.Position] || s.Start.IsZero() || s.End.IsZero() {
			continue
		}
		if !at.Before(s.Start) && at.Before(s.End) {
			r.usedEmpty[s.Position] = true
			return s.Position
		}
	}
	r.nextPos++
	return r.nextPos
}

// freeIntervals returns the gaps of shift not covered by items, in order.
func freeIntervals(shift model.TimeWindow, items []item, skip func(item) bool) []model.TimeWindow {
	var out []model.TimeWindow
	cur := shift.Start
	for _, it := range items {
		if skip != nil && skip(it) {
			continue
		}
		if !it.end.After(it.start) {
			continue
		}
		if it.start.After(cur) && cur.Before(shift.End) {
			end := it.start
			if end.After(shift.End) {
				end = shift.End
			}
			out = append(out, model.TimeWindow{Start: cur, End: end})
		}
		if it.end.After(cur) {
			cur = it.end
		}
	}
	if shift.End.After(cur) {
		out = append(out, model.TimeWindow{Start: cur, End: shift.End})
	}
	return out
}

// fit finds the pickup time closest to the trip's preference that keeps the
// travel buffer on both sides inside gap and respects window and appointment.
func fit(t model.Trip, gap model.TimeWindow, ride, buffer time.Duration) (time.Time, bool) {
	lo := later(t.Window.Start, gap.Start.Add(buffer))
	hi := earlier(t.Window.End, gap.End.Add(-buffer-ride))
	if t.AppointmentAt != nil {
		hi = earlier(hi, t.AppointmentAt.Add(-ride))
	}
	if hi.Before(lo) {
		return time.Time{}, false
	}
	pref := t.PickupAt
	if pref.IsZero() {
		pref = t.Window.Start
	}
	return earlier(later(pref, lo), hi), true
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

type candidate struct {
	route    *route
	pickup   time.Time
	score    float64
	displace *item
}

// better orders candidates by score, then driver id, then pickup time, and
// prefers open gaps over displacement.
func (c candidate) better(o *candidate) bool {
	if o == nil {
		return true
	}
	if math.Abs(c.score-o.score) > 1e-9 {
		return c.score < o.score
	}
	if c.route.DriverID != o.route.DriverID {
		return c.route.DriverID < o.route.DriverID
	}
	if !c.pickup.Equal(o.pickup) {
		return c.pickup.Before(o.pickup)
	}
	return c.displace == nil && o.displace != nil
}

type solveState struct {
	p        Problem
	params   Params
	routes   []*route
	byDriver map[string]*route
	trips    map[string]model.Trip
	rides    map[string]time.Duration
	sol      Solution
	// displaced marks soft-locked trips already moved once.
	displaced map[string]bool
}

func (s *solveState) ride(t model.Trip) time.Duration {
	if d, ok := s.rides[t.ID]; ok {
		return d
	}
	d := RideDuration(t, s.params)
	s.rides[t.ID] = d
	return d
}

func (s *solveState) unassign(t model.Trip, reason model.ReasonCode, detail string, fix *model.SuggestedFix) {
	s.sol.Unassigned = append(s.sol.Unassigned, model.UnassignedTrip{
		TripID:   t.ID,
		Reason:   reason,
		Severity: model.SeverityOf(reason),
		Detail:   detail,
		Fix:      fix,
	})
}

func (s *solveState) note(format string, args ...any) {
	s.sol.Notes = append(s.sol.Notes, fmt.Sprintf(format, args...))
}

// Solve implements Solver.
func (g GapFill) Solve(p Problem) Solution {
	params := p.Params.withDefaults()
	began := params.Now()
	s := &solveState{
		p:         p,
		params:    params,
		byDriver:  map[string]*route{},
		trips:     make(map[string]model.Trip, len(p.Trips)),
		rides:     make(map[string]time.Duration, len(p.Trips)),
		displaced: map[string]bool{},
	}
	for _, t := range p.Trips {
		s.trips[t.ID] = t
	}
	snap := p.Locks
	if snap == nil {
		snap = locks.NewSnapshot(nil)
	}

	if len(p.Fleet) == 0 {
		for _, t := range p.Trips {
			s.unassign(t, model.ReasonNoAvailableDrivers, "no drivers were supplied for this run", nil)
		}
		return s.finish(snap, began)
	}

	s.buildRoutes(snap)
	claimed := s.passHardLocks(snap)
	pool := s.claimSoftLocks(snap, claimed)
	s.place(pool)
	return s.finish(snap, began)
}

func (s *solveState) buildRoutes(snap *locks.Snapshot) {
	fleet := append([]FleetEntry(nil), s.p.Fleet...)
	sort.Slice(fleet, func(i, j int) bool { return fleet[i].DriverID < fleet[j].DriverID })
	for _, f := range fleet {
		if _, dup := s.byDriver[f.DriverID]; dup {
			continue
		}
		r := &route{
			FleetEntry:  f,
			reliability: s.p.Scores[f.DriverID],
			shift:       s.params.DefaultShift,
			usedEmpty:   map[int]bool{},
		}
		if tpl, ok := snap.Template(f.DriverID); ok {
			if !tpl.ShiftStart.IsZero() && tpl.ShiftEnd.After(tpl.ShiftStart) {
				r.shift = model.TimeWindow{Start: tpl.ShiftStart, End: tpl.ShiftEnd}
			}
			for _, sl := range tpl.Slots {
				if sl.Position > r.nextPos {
					r.nextPos = sl.Position
				}
				if !sl.Occupied() {
					r.empty = append(r.empty, sl)
				}
			}
		}
		s.routes = append(s.routes, r)
		s.byDriver[f.DriverID] = r
	}
}

// slotSpan is the committed interval of a template slot. Slots without
// times borrow the trip's own pickup and ride estimate.
func (s *solveState) slotSpan(sl locks.Ref, driverID string, snap *locks.Snapshot) (time.Time, time.Time) {
	tpl, _ := snap.Template(driverID)
	for _, x := range tpl.Slots {
		if x.Position != sl.Position {
			continue
		}
		if !x.Start.IsZero() && x.End.After(x.Start) {
			return x.Start, x.End
		}
	}
	if t, ok := s.trips[sl.TripID]; ok && !t.PickupAt.IsZero() {
		return t.PickupAt, t.PickupAt.Add(s.ride(t))
	}
	return time.Time{}, time.Time{}
}

// passHardLocks keeps every hard-locked ingested trip in its slot. Each
// trip goes to the first holder that is available and compatible; a trip
// with no such holder is a lock conflict. Returns the trips it resolved.
func (s *solveState) passHardLocks(snap *locks.Snapshot) map[string]bool {
	resolved := map[string]bool{}
	for _, r := range s.routes {
		tpl, ok := snap.Template(r.DriverID)
		if !ok {
			continue
		}
		for _, sl := range tpl.Slots {
			if !sl.Occupied() {
				continue
			}
			_, ingested := s.trips[sl.TripID]
			if ingested && sl.Lock != model.LockHard {
				continue
			}
			ref := locks.Ref{DriverID: r.DriverID, Position: sl.Position, TripID: sl.TripID, Kind: sl.Lock}
			start, end := s.slotSpan(ref, r.DriverID, snap)
			r.insert(item{tripID: sl.TripID, start: start, end: end, position: sl.Position})
		}
	}

	for _, ref := range snap.HardLocks() {
		t, ok := s.trips[ref.TripID]
		if !ok || resolved[ref.TripID] {
			continue
		}
		resolved[ref.TripID] = true
		var holders []locks.Ref
		for _, h := range snap.Holders(ref.TripID) {
			if h.Kind == model.LockHard {
				holders = append(holders, h)
			}
		}
		if len(holders) > 1 {
			s.note("trip %s is hard-locked on %d slots", t.ID, len(holders))
		}
		var chosen *route
		var at locks.Ref
		var why string
		for _, h := range holders {
			r, ok := s.byDriver[h.DriverID]
			switch {
			case !ok:
				why = fmt.Sprintf("hard-locked to driver %s who is not available", h.DriverID)
			case !s.p.compatible(r.Capability, t.Mobility):
				why = fmt.Sprintf("hard-locked to driver %s whose %s vehicle cannot carry %s", h.DriverID, r.Capability, t.Mobility)
			default:
				chosen, at = r, h
			}
			if chosen != nil {
				break
			}
		}
		if chosen == nil {
			s.unassign(t, model.ReasonLockConflict, why, nil)
			continue
		}
		for i := range chosen.items {
			if chosen.items[i].tripID == t.ID && chosen.items[i].position == at.Position {
				chosen.items[i].source = model.SourceHardLock
			}
		}
		start, end := s.slotSpan(at, chosen.DriverID, snap)
		s.sol.Assignments = append(s.sol.Assignments, model.TripAssignment{
			TripID: t.ID, DriverID: chosen.DriverID, VehicleID: chosen.VehicleID,
			Position: at.Position, PickupAt: start, DropoffAt: end, Source: model.SourceHardLock,
		})
	}

	for _, r := range s.routes {
		r.original = r.free(nil)
	}
	return resolved
}

// claimSoftLocks leaves compatible soft-locked trips in place and returns
// the pool of trips the engine must place.
func (s *solveState) claimSoftLocks(snap *locks.Snapshot, claimed map[string]bool) []model.Trip {
	for _, r := range s.routes {
		tpl, ok := snap.Template(r.DriverID)
		if !ok {
			continue
		}
		for _, sl := range tpl.Slots {
			t, ingested := s.trips[sl.TripID]
			if !ingested || sl.Lock == model.LockHard || claimed[t.ID] {
				continue
			}
			if !s.p.compatible(r.Capability, t.Mobility) {
				s.note("soft-locked trip %s released from driver %s: vehicle cannot carry %s", t.ID, r.DriverID, t.Mobility)
				continue
			}
			ref := locks.Ref{DriverID: r.DriverID, Position: sl.Position, TripID: t.ID, Kind: sl.Lock}
			start, end := s.slotSpan(ref, r.DriverID, snap)
			if start.IsZero() {
				continue
			}
			claimed[t.ID] = true
			r.insert(item{tripID: t.ID, start: start, end: end, position: sl.Position, source: model.SourceSoftLock, soft: true})
		}
	}

	var pool []model.Trip
	for _, t := range s.p.Trips {
		if claimed[t.ID] {
			continue
		}
		if t.Window.IsZero() || t.Window.End.Before(t.Window.Start) {
			s.unassign(t, model.ReasonInvalidWindow, "trip has no usable pickup time", nil)
			continue
		}
		pool = append(pool, t)
	}
	return pool
}

func sortPool(pool []model.Trip) {
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if wa, wb := a.Window.Width(), b.Window.Width(); wa != wb {
			return wa < wb
		}
		if !a.Window.Start.Equal(b.Window.Start) {
			return a.Window.Start.Before(b.Window.Start)
		}
		return a.ID < b.ID
	})
}

func (s *solveState) place(pool []model.Trip) {
	sortPool(pool)
	var deadline time.Time
	if s.params.TimeBudget > 0 {
		deadline = s.params.Now().Add(s.params.TimeBudget)
	}
	for len(pool) > 0 {
		if !deadline.IsZero() && s.params.Now().After(deadline) {
			s.sol.Metrics.BudgetExceeded = true
			for _, t := range pool {
				s.unassign(t, model.ReasonTimeBudget, fmt.Sprintf("solve budget of %s exhausted", s.params.TimeBudget), nil)
			}
			return
		}
		t := pool[0]
		pool = pool[1:]
		if s.displaced[t.ID] {
			s.sol.Metrics.Retries++
		}

		best := s.bestCandidate(t)
		if best == nil {
			s.reject(t)
			continue
		}
		r := best.route
		ride := s.ride(t)
		source := model.SourceGapFill
		var pos int
		if best.displace != nil {
			out, _ := r.remove(best.displace.tripID)
			s.displaced[out.tripID] = true
			s.sol.Metrics.Displacements++
			pool = append(pool, s.trips[out.tripID])
			sortPool(pool)
			s.note("trip %s displaced soft-locked trip %s on driver %s", t.ID, out.tripID, r.DriverID)
			source = model.SourceDisplacement
			pos = out.position
		} else {
			pos = r.positionFor(best.pickup)
			s.sol.GapFillWins++
		}
		r.insert(item{tripID: t.ID, start: best.pickup, end: best.pickup.Add(ride), position: pos, source: source})
		s.sol.Metrics.Placed++
		s.sol.Assignments = append(s.sol.Assignments, model.TripAssignment{
			TripID: t.ID, DriverID: r.DriverID, VehicleID: r.VehicleID, Position: pos,
			PickupAt: best.pickup, DropoffAt: best.pickup.Add(ride), Source: source,
		})
	}
}

func (s *solveState) bestCandidate(t model.Trip) *candidate {
	ride := s.ride(t)
	buf := s.params.TravelBuffer
	var best *candidate
	consider := func(c candidate) {
		if c.better(best) {
			cc := c
			best = &cc
		}
	}
	canDisplace := s.sol.Metrics.Displacements < s.params.MaxDisplacements
	for _, r := range s.routes {
		if !s.p.compatible(r.Capability, t.Mobility) {
			continue
		}
		base := s.params.WeightReliability * r.reliability
		for _, gap := range r.free(nil) {
			s.sol.Metrics.Evaluated++
			at, ok := fit(t, gap, ride, buf)
			if !ok {
				continue
			}
			consider(candidate{route: r, pickup: at, score: s.deviationCost(t, at) - base})
		}
		if !canDisplace {
			continue
		}
		for i := range r.items {
			victim := r.items[i]
			if !victim.soft || s.displaced[victim.tripID] {
				continue
			}
			skip := func(it item) bool { return it.tripID == victim.tripID }
			for _, gap := range r.free(skip) {
				if gap.Start.After(victim.start) || !gap.End.After(victim.start) {
					continue
				}
				s.sol.Metrics.Evaluated++
				at, ok := fit(t, gap, ride, buf)
				if !ok || !at.Add(ride).After(victim.start) || !at.Before(victim.end) {
					continue
				}
				v := victim
				consider(candidate{route: r, pickup: at, displace: &v,
					score: s.deviationCost(t, at) - base + s.params.DisplacementPenalty})
			}
		}
	}
	return best
}

func (s *solveState) deviationCost(t model.Trip, at time.Time) float64 {
	pref := t.PickupAt
	if pref.IsZero() {
		pref = t.Window.Start
	}
	return s.params.WeightDeviation * math.Abs(at.Sub(pref).Minutes())
}

// reject records why t could not be placed: no compatible vehicle, timing
// that conflicts with every compatible route's committed work, or capacity
// already consumed by other placements.
func (s *solveState) reject(t model.Trip) {
	ride := s.ride(t)
	var compatible []*route
	for _, r := range s.routes {
		if s.p.compatible(r.Capability, t.Mobility) {
			compatible = append(compatible, r)
		}
	}
	if len(compatible) == 0 {
		s.unassign(t, model.ReasonMobilityMismatch,
			fmt.Sprintf("no available vehicle can carry a %s rider", t.Mobility),
			&model.SuggestedFix{Note: fmt.Sprintf("add a %s-capable vehicle to the run", t.Mobility)})
		return
	}
	fitsOriginal := false
	for _, r := range compatible {
		for _, gap := range r.original {
			if _, ok := fit(t, gap, ride, s.params.TravelBuffer); ok {
				fitsOriginal = true
				break
			}
		}
	}
	fix := s.suggest(t, compatible)
	if !fitsOriginal {
		s.unassign(t, model.ReasonTimeConflict, "pickup window conflicts with committed work on every compatible route", fix)
		return
	}
	s.unassign(t, model.ReasonNoCapacity, "compatible routes were filled by other trips", fix)
}

// suggest names drivers whose current free time is within SuggestWithin of
// the trip's pickup window.
func (s *solveState) suggest(t model.Trip, compatible []*route) *model.SuggestedFix {
	if s.params.SuggestWithin <= 0 {
		return nil
	}
	ride := s.ride(t)
	buf := s.params.TravelBuffer
	type near struct {
		driverID string
		shift    time.Duration
	}
	var found []near
	for _, r := range compatible {
		bestShift := time.Duration(-1)
		for _, gap := range r.free(nil) {
			lo, hi := gap.Start.Add(buf), gap.End.Add(-buf-ride)
			if hi.Before(lo) {
				continue
			}
			var d time.Duration
			switch {
			case hi.Before(t.Window.Start):
				d = t.Window.Start.Sub(hi)
			case lo.After(t.Window.End):
				d = lo.Sub(t.Window.End)
			}
			if bestShift < 0 || d < bestShift {
				bestShift = d
			}
		}
		if bestShift >= 0 && bestShift <= s.params.SuggestWithin {
			found = append(found, near{r.DriverID, bestShift})
		}
	}
	if len(found) == 0 {
		return nil
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].shift != found[j].shift {
			return found[i].shift < found[j].shift
		}
		return found[i].driverID < found[j].driverID
	})
	fix := &model.SuggestedFix{RetimeMinutes: int(math.Ceil(found[0].shift.Minutes()))}
	for _, n := range found {
		fix.CandidateDrivers = append(fix.CandidateDrivers, n.driverID)
	}
	if fix.RetimeMinutes > 0 {
		fix.Note = fmt.Sprintf("retime pickup by %d min to fit driver %s", fix.RetimeMinutes, found[0].driverID)
	} else {
		fix.Note = fmt.Sprintf("relax the appointment time to fit driver %s", found[0].driverID)
	}
	return fix
}

func (s *solveState) finish(snap *locks.Snapshot, began time.Time) Solution {
	for _, r := range s.routes {
		for _, it := range r.items {
			if it.source != model.SourceSoftLock {
				continue
			}
			s.sol.Assignments = append(s.sol.Assignments, model.TripAssignment{
				TripID: it.tripID, DriverID: r.DriverID, VehicleID: r.VehicleID, Position: it.position,
				PickupAt: it.start, DropoffAt: it.end, Source: model.SourceSoftLock,
			})
		}
	}
	sort.Slice(s.sol.Assignments, func(i, j int) bool {
		a, b := s.sol.Assignments[i], s.sol.Assignments[j]
		if a.DriverID != b.DriverID {
			return a.DriverID < b.DriverID
		}
		if !a.PickupAt.Equal(b.PickupAt) {
			return a.PickupAt.Before(b.PickupAt)
		}
		return a.TripID < b.TripID
	})
	sort.SliceStable(s.sol.Unassigned, func(i, j int) bool { return s.sol.Unassigned[i].TripID < s.sol.Unassigned[j].TripID })
	s.sol.LockViolations = CountLockViolations(snap, s.p.Trips, s.sol.Assignments)
	s.sol.Metrics.Elapsed = s.params.Now().Sub(began)
	return s.sol
}
