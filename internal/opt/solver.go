package opt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nemtdispatch/internal/locks"
	"nemtdispatch/internal/model"
)

// Solver is the assignment strategy. Implementations must be deterministic
// for identical problems and must account for every input trip.
type Solver interface {
	Name() string
	Solve(p Problem) Solution
}

var ErrUnknownAlgorithm = errors.New("unknown algorithm")

// ByName selects a strategy; the empty name means the default gap filler.
func ByName(name string) (Solver, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gapfill", "gap-fill", "greedy":
		return GapFill{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

type Params struct {
	TravelBuffer        time.Duration
	DefaultRideDuration time.Duration
	AvgSpeedMph         float64
	WeightDeviation     float64
	WeightReliability   float64
	DisplacementPenalty float64
	MaxDisplacements    int
	SuggestWithin       time.Duration
	// TimeBudget of zero disables the budget.
	TimeBudget time.Duration
	// DefaultShift applies to drivers without a route template.
	DefaultShift model.TimeWindow
	Now          func() time.Time
}

func (p Params) withDefaults() Params {
	if p.DefaultRideDuration <= 0 {
		p.DefaultRideDuration = 30 * time.Minute
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.MaxDisplacements < 0 {
		p.MaxDisplacements = 0
	}
	return p
}

// FleetEntry is one available driver with the vehicle they operate today.
type FleetEntry struct {
	DriverID   string
	VehicleID  string
	Capability model.Mobility
}

type Problem struct {
	Trips  []model.Trip
	Locks  *locks.Snapshot
	Fleet  []FleetEntry
	Scores map[string]float64
	// Compatibility[vehicleCapability][tripMobility]
	Compatibility map[model.Mobility]map[model.Mobility]bool
	Params        Params
}

func (p Problem) compatible(capability, need model.Mobility) bool {
	return p.Compatibility[capability][need]
}

type Solution struct {
	Assignments    []model.TripAssignment
	Unassigned     []model.UnassignedTrip
	LockViolations int
	GapFillWins    int
	Notes          []string
	Metrics        Metrics
}

type Metrics struct {
	Evaluated      int           `json:"evaluated"`
	Placed         int           `json:"placed"`
	Displacements  int           `json:"displacements"`
	Retries        int           `json:"retries"`
	BudgetExceeded bool          `json:"budgetExceeded"`
	Elapsed        time.Duration `json:"elapsedNs"`
}
