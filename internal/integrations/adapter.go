// Package integrations connects upstream schedule feeds to the dispatch
// service.
package integrations

import (
	"context"

	"nemtdispatch/internal/model"
)

// ScheduleSource defines the minimal interface for broker schedule feeds.
type ScheduleSource interface {
	Name() string
	FetchSchedules(ctx context.Context) ([]ScheduleBatch, error)
	// AckSchedule settles a batch once it has been solved. solveErr is nil
	// on success; runID is empty on failure.
	AckSchedule(ctx context.Context, b ScheduleBatch, runID string, solveErr error) error
}

// ScheduleBatch is one partition's schedule for one service date.
type ScheduleBatch struct {
	Ref         string // source handle, e.g. a file path
	Partition   model.Partition
	ServiceDate string
	Schedule    string
	// DriverIDs and VehicleIDs may be empty; the poller then uses every
	// driver and vehicle registered in the partition.
	DriverIDs  []string
	VehicleIDs []string
}

// Request turns the batch into a solve request over the given fleet.
func (b ScheduleBatch) Request(driverIDs, vehicleIDs []string) model.SolveRequest {
	return model.SolveRequest{
		OpCoID:           b.Partition.OpCoID,
		FundingAccountID: b.Partition.FundingAccountID,
		ServiceDate:      b.ServiceDate,
		DriverIDs:        driverIDs,
		VehicleIDs:       vehicleIDs,
		Schedule:         b.Schedule,
	}
}
