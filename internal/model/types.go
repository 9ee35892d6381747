package model

import "time"

// Core domain types for the dispatch optimization core.

type Mobility string

const (
	MobilityStandard   Mobility = "standard"
	MobilityWheelchair Mobility = "wheelchair"
	MobilityStretcher  Mobility = "stretcher"
)

// Partition is the operating-company / funding-account scope of a run.
type Partition struct {
	OpCoID           string `json:"opcoId" yaml:"opcoId"`
	FundingAccountID string `json:"fundingAccountId" yaml:"fundingAccountId"`
}

// Key returns the canonical "opco/account" form used by stores and caches.
func (p Partition) Key() string { return p.OpCoID + "/" + p.FundingAccountID }

type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

type Place struct {
	Address  string    `json:"address,omitempty"`
	City     string    `json:"city,omitempty"`
	Location *GeoPoint `json:"location,omitempty"`
}

type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether the window carries no usable bounds.
func (w TimeWindow) IsZero() bool { return w.Start.IsZero() || w.End.IsZero() }

// Width is the window length; zero for untimed windows.
func (w TimeWindow) Width() time.Duration {
	if w.IsZero() {
		return 0
	}
	return w.End.Sub(w.Start)
}

type Trip struct {
	ID            string     `json:"id"`
	ExternalRef   string     `json:"externalRef,omitempty"`
	RiderName     string     `json:"riderName,omitempty"`
	Mobility      Mobility   `json:"mobility"`
	Pickup        Place      `json:"pickup"`
	Dropoff       Place      `json:"dropoff"`
	PickupAt      time.Time  `json:"pickupAt"`
	Window        TimeWindow `json:"window"`
	AppointmentAt *time.Time `json:"appointmentAt,omitempty"`
	Miles         float64    `json:"miles,omitempty"`
	SourceRow     int        `json:"sourceRow,omitempty"`
}

type Driver struct {
	ID         string    `json:"id" yaml:"id"`
	Name       string    `json:"name,omitempty" yaml:"name"`
	Partition  Partition `json:"partition" yaml:"partition"`
	VehicleID  string    `json:"vehicleId,omitempty" yaml:"vehicleId"`
	Capability Mobility  `json:"capability,omitempty" yaml:"capability"`
	// ReliabilityScore is the registry's seed score; nil means none was set.
	ReliabilityScore *float64 `json:"reliabilityScore,omitempty" yaml:"reliabilityScore"`
}

// Score returns a registry reliability score for Driver literals.
func Score(v float64) *float64 { return &v }

type Vehicle struct {
	ID         string    `json:"id" yaml:"id"`
	Partition  Partition `json:"partition" yaml:"partition"`
	Capability Mobility  `json:"capability" yaml:"capability"`
}

type LockKind string

const (
	LockNone LockKind = ""
	LockHard LockKind = "hard"
	LockSoft LockKind = "soft"
)

// Slot is one position of a route template. An empty TripID marks a gap.
type Slot struct {
	Position int       `json:"position" yaml:"position"`
	TripID   string    `json:"tripId,omitempty" yaml:"tripId"`
	Lock     LockKind  `json:"lock,omitempty" yaml:"lock"`
	Start    time.Time `json:"start" yaml:"start"`
	End      time.Time `json:"end" yaml:"end"`
}

// Occupied reports whether the slot holds a committed trip.
func (s Slot) Occupied() bool { return s.TripID != "" }

type RouteTemplate struct {
	DriverID    string    `json:"driverId" yaml:"driverId"`
	VehicleID   string    `json:"vehicleId,omitempty" yaml:"vehicleId"`
	Partition   Partition `json:"partition" yaml:"partition"`
	ServiceDate string    `json:"serviceDate" yaml:"serviceDate"`
	ShiftStart  time.Time `json:"shiftStart" yaml:"shiftStart"`
	ShiftEnd    time.Time `json:"shiftEnd" yaml:"shiftEnd"`
	Slots       []Slot    `json:"slots" yaml:"slots"`
}

// AssignmentSource records how a trip ended up on its route.
type AssignmentSource string

const (
	SourceHardLock     AssignmentSource = "hard_lock"
	SourceSoftLock     AssignmentSource = "soft_lock"
	SourceGapFill      AssignmentSource = "gap_fill"
	SourceDisplacement AssignmentSource = "displacement"
)

type TripAssignment struct {
	TripID    string           `json:"tripId"`
	DriverID  string           `json:"driverId"`
	VehicleID string           `json:"vehicleId,omitempty"`
	Position  int              `json:"position"`
	PickupAt  time.Time        `json:"pickupAt"`
	DropoffAt time.Time        `json:"dropoffAt"`
	Source    AssignmentSource `json:"source"`
}

type ReasonCode string

const (
	ReasonMobilityMismatch   ReasonCode = "MOBILITY_MISMATCH"
	ReasonNoCapacity         ReasonCode = "NO_CAPACITY"
	ReasonTimeConflict       ReasonCode = "TIME_CONFLICT"
	ReasonNoAvailableDrivers ReasonCode = "NO_AVAILABLE_DRIVERS"
	ReasonTimeBudget         ReasonCode = "TIME_BUDGET_EXCEEDED"
	ReasonInvalidWindow      ReasonCode = "INVALID_TIME_WINDOW"
	ReasonLockConflict       ReasonCode = "LOCK_CONFLICT"
)

type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityWarn   Severity = "warn"
	SeverityDanger Severity = "danger"
)

// SeverityOf maps a reason code to its reporting severity.
func SeverityOf(r ReasonCode) Severity {
	switch r {
	case ReasonMobilityMismatch, ReasonNoAvailableDrivers, ReasonInvalidWindow, ReasonLockConflict:
		return SeverityDanger
	case ReasonNoCapacity, ReasonTimeConflict, ReasonTimeBudget:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

type SuggestedFix struct {
	CandidateDrivers []string `json:"candidateDrivers,omitempty"`
	RetimeMinutes    int      `json:"retimeMinutes,omitempty"`
	Note             string   `json:"note,omitempty"`
}

type UnassignedTrip struct {
	TripID   string        `json:"tripId"`
	Reason   ReasonCode    `json:"reason"`
	Severity Severity      `json:"severity"`
	Detail   string        `json:"detail,omitempty"`
	Fix      *SuggestedFix `json:"suggestedFix,omitempty"`
}

type PayScheme string

const (
	SchemePerTrip PayScheme = "per_trip"
	SchemeMileage PayScheme = "mileage"
)

type LineItem struct {
	Name   string  `json:"name" yaml:"name"`
	Amount float64 `json:"amount" yaml:"amount"`
}

type TripRange struct {
	Min int `json:"min,omitempty" yaml:"min"`
	Max int `json:"max,omitempty" yaml:"max"`
}

type PayRule struct {
	DriverID      string     `json:"driverId" yaml:"driverId"`
	Scheme        PayScheme  `json:"scheme" yaml:"scheme"`
	Rate          float64    `json:"rate" yaml:"rate"`
	ExpectedTrips TripRange  `json:"expectedTrips,omitempty" yaml:"expectedTrips"`
	MaxMiles      float64    `json:"maxMiles,omitempty" yaml:"maxMiles"`
	Adjustments   []LineItem `json:"adjustments,omitempty" yaml:"adjustments"`
	Deductions    []LineItem `json:"deductions,omitempty" yaml:"deductions"`
}

// PredictedLabel tags every pay figure produced by the predictor.
const PredictedLabel = "predicted"

type PredictedPayRow struct {
	DriverID    string     `json:"driverId"`
	TripCount   int        `json:"tripCount"`
	Miles       float64    `json:"miles"`
	Gross       float64    `json:"gross"`
	Adjustments []LineItem `json:"adjustments"`
	Deductions  []LineItem `json:"deductions"`
	Net         float64    `json:"net"`
	Flags       []string   `json:"flags,omitempty"`
	Label       string     `json:"label"`
}

type Summary struct {
	AssignedTrips           int     `json:"assignedTrips"`
	AverageOnTimePercentage float64 `json:"averageOnTimePercentage"`
	GapFillWins             int     `json:"gapFillWins"`
	TotalPredictedEarnings  float64 `json:"totalPredictedEarnings"`
	SolveTimeMs             int64   `json:"solveTimeMs"`
}

// IngestWarning is a row-level data-quality finding. Row 0 is the header.
type IngestWarning struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type InputSnapshot struct {
	TripCount    int             `json:"tripCount"`
	DriverCount  int             `json:"driverCount"`
	VehicleCount int             `json:"vehicleCount"`
	Trips        []Trip          `json:"trips"`
	DriverIDs    []string        `json:"driverIds"`
	VehicleIDs   []string        `json:"vehicleIds"`
	Warnings     []IngestWarning `json:"warnings,omitempty"`
}

type ResultSnapshot struct {
	Algorithm      string            `json:"algorithm"`
	Summary        Summary           `json:"summary"`
	LockViolations int               `json:"lockViolations"`
	Assignments    []TripAssignment  `json:"assignments"`
	Unassigned     []UnassignedTrip  `json:"unassigned"`
	PayRows        []PredictedPayRow `json:"payRows"`
	Notes          []string          `json:"notes,omitempty"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunCompleted RunStatus = "completed"
)

type ShadowRun struct {
	ID              string          `json:"id"`
	Partition       Partition       `json:"partition"`
	RunDate         string          `json:"runDate"`
	Status          RunStatus       `json:"status"`
	ShadowMode      bool            `json:"shadowMode"`
	LiveDispatched  bool            `json:"liveDispatched"`
	Input           InputSnapshot   `json:"input"`
	Result          *ResultSnapshot `json:"result,omitempty"`
	LockViolations  int             `json:"lockViolations"`
	SolveDurationMs int64           `json:"solveDurationMs"`
	CreatedAt       time.Time       `json:"createdAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// SolveRequest is the external solve contract.
type SolveRequest struct {
	OpCoID           string   `json:"opcoId"`
	FundingAccountID string   `json:"fundingAccountId"`
	ServiceDate      string   `json:"serviceDate"`
	DriverIDs        []string `json:"driverIds"`
	VehicleIDs       []string `json:"vehicleIds"`
	Schedule         string   `json:"schedule"`
	Algorithm        string   `json:"algorithm,omitempty"`
}
