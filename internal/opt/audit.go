package opt

import (
	"nemtdispatch/internal/locks"
	"nemtdispatch/internal/model"
)

type slotKey struct {
	driverID string
	position int
}

// CountLockViolations audits assignments against the hard locks in snap.
// A hard slot whose ingested trip is not assigned back to that exact slot,
// or that some other trip was assigned into, is one violation.
func CountLockViolations(snap *locks.Snapshot, trips []model.Trip, assignments []model.TripAssignment) int {
	if snap == nil {
		return 0
	}
	ingested := make(map[string]bool, len(trips))
	for _, t := range trips {
		ingested[t.ID] = true
	}
	bySlot := make(map[slotKey][]string, len(assignments))
	for _, a := range assignments {
		k := slotKey{a.DriverID, a.Position}
		bySlot[k] = append(bySlot[k], a.TripID)
	}
	n := 0
	for _, ref := range snap.HardLocks() {
		got := bySlot[slotKey{ref.DriverID, ref.Position}]
		if !ingested[ref.TripID] {
			if len(got) > 0 {
				n++
			}
			continue
		}
		if len(got) != 1 || got[0] != ref.TripID {
			n++
		}
	}
	return n
}
