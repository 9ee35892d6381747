// Package partition resolves the operating-company / funding-account scope of
// a run and keeps reference data from other partitions out of it.
package partition

import (
	"errors"
	"fmt"
	"strings"

	"nemtdispatch/internal/model"
)

var ErrInvalidPartition = errors.New("invalid partition")

// Resolve validates and normalizes the identifiers for one partition.
func Resolve(opcoID, fundingAccountID string) (model.Partition, error) {
	opco := strings.TrimSpace(opcoID)
	fa := strings.TrimSpace(fundingAccountID)
	switch {
	case opco == "":
		return model.Partition{}, fmt.Errorf("%w: opco id is required", ErrInvalidPartition)
	case fa == "":
		return model.Partition{}, fmt.Errorf("%w: funding account id is required", ErrInvalidPartition)
	case strings.ContainsAny(opco, "/\n\t") || strings.ContainsAny(fa, "/\n\t"):
		return model.Partition{}, fmt.Errorf("%w: identifiers may not contain separators", ErrInvalidPartition)
	}
	return model.Partition{OpCoID: opco, FundingAccountID: fa}, nil
}

// FilterDrivers keeps drivers owned by p. The second return is the number dropped.
func FilterDrivers(p model.Partition, in []model.Driver) ([]model.Driver, int) {
	out := make([]model.Driver, 0, len(in))
	for _, d := range in {
		if d.Partition == p {
			out = append(out, d)
		}
	}
	return out, len(in) - len(out)
}

func FilterVehicles(p model.Partition, in []model.Vehicle) ([]model.Vehicle, int) {
	out := make([]model.Vehicle, 0, len(in))
	for _, v := range in {
		if v.Partition == p {
			out = append(out, v)
		}
	}
	return out, len(in) - len(out)
}

func FilterTemplates(p model.Partition, in []model.RouteTemplate) ([]model.RouteTemplate, int) {
	out := make([]model.RouteTemplate, 0, len(in))
	for _, t := range in {
		if t.Partition == p {
			out = append(out, t)
		}
	}
	return out, len(in) - len(out)
}
