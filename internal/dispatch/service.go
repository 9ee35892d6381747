// Package dispatch runs one IDS solve end to end: ingest the schedule,
// assemble the partition's frozen inputs, run the engine, price the result
// and record it as a shadow run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nemtdispatch/internal/config"
	"nemtdispatch/internal/earnings"
	"nemtdispatch/internal/ingest"
	"nemtdispatch/internal/locks"
	"nemtdispatch/internal/metrics"
	"nemtdispatch/internal/model"
	"nemtdispatch/internal/opt"
	"nemtdispatch/internal/partition"
	"nemtdispatch/internal/scoring"
	"nemtdispatch/internal/shadow"
	"nemtdispatch/internal/store"
)

var (
	// ErrDisabled is returned while the master switch is off.
	ErrDisabled       = errors.New("integral dispatch is disabled")
	ErrInvalidRequest = errors.New("invalid solve request")
)

const serviceDateLayout = "2006-01-02"

// Notifier is told about every completed run, e.g. to fan it out to
// websocket subscribers.
type Notifier interface {
	RunCompleted(ctx context.Context, run model.ShadowRun)
}

type Service struct {
	Ref      store.ReferenceStore
	Locks    *locks.Registry
	Scorer   *scoring.Scorer
	Recorder *shadow.Recorder
	Notify   Notifier
	Log      *zap.Logger
	// Location anchors clock-only schedule times and default shifts.
	Location *time.Location
	Now      func() time.Time
}

func NewService(ref store.ReferenceStore, runs store.RunStore, scorer *scoring.Scorer, live shadow.LiveDispatcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Ref:      ref,
		Locks:    locks.NewRegistry(ref, log),
		Scorer:   scorer,
		Recorder: shadow.NewRecorder(runs, live, log),
		Log:      log,
		Location: time.UTC,
		Now:      time.Now,
	}
}

// Solve runs req under cfg and returns the completed shadow run. Request and
// storage failures return an error. An empty fleet still yields a recorded
// run whose trips are all NO_AVAILABLE_DRIVERS, and so does a partition that
// does not resolve: that run is kept under the ids as supplied, loads no
// reference data and is never promoted to live dispatch.
func (s *Service) Solve(ctx context.Context, req model.SolveRequest, cfg config.Config) (model.ShadowRun, error) {
	if !cfg.Dispatch.Enabled {
		return model.ShadowRun{}, ErrDisabled
	}
	p, perr := partition.Resolve(req.OpCoID, req.FundingAccountID)
	if perr != nil {
		p = model.Partition{OpCoID: req.OpCoID, FundingAccountID: req.FundingAccountID}
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(serviceDateLayout, strings.TrimSpace(req.ServiceDate), loc)
	if err != nil {
		return model.ShadowRun{}, fmt.Errorf("%w: serviceDate must be YYYY-MM-DD", ErrInvalidRequest)
	}
	runDate := day.Format(serviceDateLayout)
	algo := req.Algorithm
	if strings.TrimSpace(algo) == "" {
		algo = cfg.Solver.Algorithm
	}
	solver, err := opt.ByName(algo)
	if err != nil {
		return model.ShadowRun{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	log := s.Log.With(zap.String("partition", p.Key()), zap.String("runDate", runDate))

	parsed := ingest.Parse(req.Schedule, day, ingest.Options{
		WindowTolerance: time.Duration(cfg.Ingest.WindowToleranceMinutes) * time.Minute,
		Location:        loc,
	})
	if len(parsed.Warnings) > 0 {
		log.Info("schedule ingested with warnings",
			zap.Int("trips", len(parsed.Trips)), zap.Int("warnings", len(parsed.Warnings)), zap.Int("skipped", parsed.Skipped))
	}

	var (
		in                loaded
		fleet             []opt.FleetEntry
		drivers           []model.Driver
		vehicleIDs, notes []string
		scores            map[string]float64
	)
	dcfg := cfg.Dispatch
	if perr != nil {
		log.Warn("partition unresolved; recording run with no fleet", zap.Error(perr))
		in.snapshot = locks.NewSnapshot(nil)
		scores = map[string]float64{}
		notes = []string{perr.Error()}
		dcfg.ShadowMode = true
	} else {
		if in, err = s.load(ctx, p, runDate); err != nil {
			return model.ShadowRun{}, err
		}
		fleet, drivers, vehicleIDs, notes = assembleFleet(p, req, in)
		for _, n := range notes {
			log.Debug("fleet", zap.String("note", n))
		}
		if scores, err = s.Scorer.Snapshot(ctx, p, drivers); err != nil {
			return model.ShadowRun{}, err
		}
	}

	input := model.InputSnapshot{
		TripCount:    len(parsed.Trips),
		DriverCount:  len(drivers),
		VehicleCount: len(vehicleIDs),
		Trips:        parsed.Trips,
		DriverIDs:    driverIDs(drivers),
		VehicleIDs:   vehicleIDs,
		Warnings:     parsed.Warnings,
	}
	run, err := s.Recorder.Begin(ctx, p, runDate, input, dcfg)
	if err != nil {
		return model.ShadowRun{}, err
	}

	problem := opt.Problem{
		Trips:         parsed.Trips,
		Locks:         in.snapshot,
		Fleet:         fleet,
		Scores:        scores,
		Compatibility: cfg.Solver.CompatibilityMatrix(),
		Params:        solverParams(cfg.Solver, day, s.Now),
	}
	sol := solver.Solve(problem)
	if audit := opt.CountLockViolations(in.snapshot, parsed.Trips, sol.Assignments); audit != sol.LockViolations {
		log.Warn("lock audit disagrees with solver",
			zap.Int("solver", sol.LockViolations), zap.Int("audit", audit))
		sol.LockViolations = max(sol.LockViolations, audit)
	}

	rows := earnings.Predict(sol.Assignments, parsed.Trips, drivers, in.rules, earnings.Options{MilesOf: opt.TripMiles})
	result := model.ResultSnapshot{
		Algorithm:      solver.Name(),
		Summary:        summarize(sol, parsed.Trips, rows),
		LockViolations: sol.LockViolations,
		Assignments:    sol.Assignments,
		Unassigned:     sol.Unassigned,
		PayRows:        rows,
		Notes:          append(notes, sol.Notes...),
	}
	run, err = s.Recorder.Complete(ctx, run, result)
	if err != nil {
		return model.ShadowRun{}, err
	}

	opt.RecordMetrics(p, runDate, solver.Name(), sol.Metrics)
	metrics.ObserveRun(run)
	if err := s.Scorer.ApplyRun(ctx, p, outcomes(sol.Assignments, parsed.Trips, drivers)); err != nil {
		// The run is already recorded; a missed score update only affects tie-breaks.
		log.Warn("reliability update failed", zap.String("run", run.ID), zap.Error(err))
	}
	if s.Notify != nil {
		s.Notify.RunCompleted(ctx, run)
	}
	log.Info("solve completed",
		zap.String("run", run.ID),
		zap.String("algorithm", solver.Name()),
		zap.Int("trips", len(parsed.Trips)),
		zap.Int("assigned", len(sol.Assignments)),
		zap.Int("unassigned", len(sol.Unassigned)),
		zap.Int("lockViolations", sol.LockViolations),
		zap.Int64("solveMs", result.Summary.SolveTimeMs))
	return run, nil
}

type loaded struct {
	drivers  []model.Driver
	vehicles []model.Vehicle
	rules    []model.PayRule
	snapshot *locks.Snapshot
}

// load reads the partition's reference data concurrently.
func (s *Service) load(ctx context.Context, p model.Partition, runDate string) (loaded, error) {
	var in loaded
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ds, err := s.Ref.ListDrivers(gctx, p)
		if err != nil {
			return fmt.Errorf("load drivers: %w", err)
		}
		in.drivers, _ = partition.FilterDrivers(p, ds)
		return nil
	})
	g.Go(func() error {
		vs, err := s.Ref.ListVehicles(gctx, p)
		if err != nil {
			return fmt.Errorf("load vehicles: %w", err)
		}
		in.vehicles, _ = partition.FilterVehicles(p, vs)
		return nil
	})
	g.Go(func() error {
		rs, err := s.Ref.ListPayRules(gctx, p)
		if err != nil {
			return fmt.Errorf("load pay rules: %w", err)
		}
		in.rules = rs
		return nil
	})
	g.Go(func() error {
		snap, err := s.Locks.LocksFor(gctx, p, runDate)
		if err != nil {
			return err
		}
		in.snapshot = snap
		return nil
	})
	if err := g.Wait(); err != nil {
		return loaded{}, err
	}
	return in, nil
}

// assembleFleet resolves the requested driver and vehicle ids against the
// registry. A driver is usable when it is registered in p and the vehicle it
// drives today (template vehicle, else registry vehicle) is available.
func assembleFleet(p model.Partition, req model.SolveRequest, in loaded) ([]opt.FleetEntry, []model.Driver, []string, []string) {
	var notes []string
	driverByID := make(map[string]model.Driver, len(in.drivers))
	for _, d := range in.drivers {
		driverByID[d.ID] = d
	}
	vehicleByID := make(map[string]model.Vehicle, len(in.vehicles))
	for _, v := range in.vehicles {
		vehicleByID[v.ID] = v
	}

	available := map[string]bool{}
	var vehicleIDs []string
	for _, id := range uniq(req.VehicleIDs) {
		if _, ok := vehicleByID[id]; !ok {
			notes = append(notes, fmt.Sprintf("vehicle %s is not registered in %s", id, p.Key()))
			continue
		}
		available[id] = true
		vehicleIDs = append(vehicleIDs, id)
	}

	var fleet []opt.FleetEntry
	var drivers []model.Driver
	for _, id := range uniq(req.DriverIDs) {
		d, ok := driverByID[id]
		if !ok {
			notes = append(notes, fmt.Sprintf("driver %s is not registered in %s", id, p.Key()))
			continue
		}
		vehicleID := d.VehicleID
		if tpl, ok := in.snapshot.Template(id); ok && tpl.VehicleID != "" {
			vehicleID = tpl.VehicleID
		}
		if vehicleID != "" && len(req.VehicleIDs) > 0 && !available[vehicleID] {
			notes = append(notes, fmt.Sprintf("driver %s skipped: vehicle %s is not available", id, vehicleID))
			continue
		}
		capability := d.Capability
		if v, ok := vehicleByID[vehicleID]; ok && v.Capability != "" {
			capability = v.Capability
		}
		if capability == "" {
			capability = model.MobilityStandard
		}
		fleet = append(fleet, opt.FleetEntry{DriverID: id, VehicleID: vehicleID, Capability: capability})
		drivers = append(drivers, d)
	}
	return fleet, drivers, vehicleIDs, notes
}

func solverParams(c config.Solver, day time.Time, now func() time.Time) opt.Params {
	minutes := func(n int) time.Duration { return time.Duration(n) * time.Minute }
	// Validate has already checked both clocks.
	start, _ := config.ParseClock(c.DefaultShiftStart)
	end, _ := config.ParseClock(c.DefaultShiftEnd)
	return opt.Params{
		TravelBuffer:        minutes(c.TravelBufferMinutes),
		DefaultRideDuration: minutes(c.DefaultRideMinutes),
		AvgSpeedMph:         c.AvgSpeedMph,
		WeightDeviation:     c.WeightDeviation,
		WeightReliability:   c.WeightReliability,
		DisplacementPenalty: c.DisplacementPenalty,
		MaxDisplacements:    c.MaxDisplacements,
		SuggestWithin:       minutes(c.SuggestWithinMinutes),
		TimeBudget:          time.Duration(c.TimeBudgetMs) * time.Millisecond,
		DefaultShift:        model.TimeWindow{Start: day.Add(start), End: day.Add(end)},
		Now:                 now,
	}
}

func summarize(sol opt.Solution, trips []model.Trip, rows []model.PredictedPayRow) model.Summary {
	byID := make(map[string]model.Trip, len(trips))
	for _, t := range trips {
		byID[t.ID] = t
	}
	onTime := 0
	for _, a := range sol.Assignments {
		if opt.OnTime(a, byID[a.TripID]) {
			onTime++
		}
	}
	pct := 0.0
	if n := len(sol.Assignments); n > 0 {
		pct = math.Round(10000*float64(onTime)/float64(n)) / 100
	}
	return model.Summary{
		AssignedTrips:           len(sol.Assignments),
		AverageOnTimePercentage: pct,
		GapFillWins:             sol.GapFillWins,
		TotalPredictedEarnings:  earnings.Total(rows),
		SolveTimeMs:             sol.Metrics.Elapsed.Milliseconds(),
	}
}

func outcomes(assignments []model.TripAssignment, trips []model.Trip, drivers []model.Driver) []scoring.Outcome {
	byID := make(map[string]model.Trip, len(trips))
	for _, t := range trips {
		byID[t.ID] = t
	}
	baseline := make(map[string]*float64, len(drivers))
	for _, d := range drivers {
		baseline[d.ID] = d.ReliabilityScore
	}
	acc := map[string]*scoring.Outcome{}
	for _, a := range assignments {
		o := acc[a.DriverID]
		if o == nil {
			o = &scoring.Outcome{DriverID: a.DriverID, Baseline: baseline[a.DriverID]}
			acc[a.DriverID] = o
		}
		o.Total++
		if opt.OnTime(a, byID[a.TripID]) {
			o.OnTime++
		}
	}
	out := make([]scoring.Outcome, 0, len(acc))
	for _, o := range acc {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

func driverIDs(ds []model.Driver) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func uniq(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
