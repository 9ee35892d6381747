package api

import (
	"fmt"
	"strings"
	"time"

	"nemtdispatch/internal/model"
	"nemtdispatch/internal/opt"
)

const maxFleetIDs = 2000

func validateSolveRequest(req *model.SolveRequest) error {
	if _, err := time.Parse("2006-01-02", strings.TrimSpace(req.ServiceDate)); err != nil {
		return fmt.Errorf("serviceDate must be YYYY-MM-DD")
	}
	if _, err := opt.ByName(req.Algorithm); err != nil {
		return err
	}
	if len(req.DriverIDs) > maxFleetIDs || len(req.VehicleIDs) > maxFleetIDs {
		return fmt.Errorf("at most %d driverIds and vehicleIds", maxFleetIDs)
	}
	for _, id := range req.DriverIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("driverIds must not contain empty ids")
		}
	}
	for _, id := range req.VehicleIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("vehicleIds must not contain empty ids")
		}
	}
	return nil
}
