package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nemtdispatch/internal/model"
)

var (
	partA = model.Partition{OpCoID: "opco1", FundingAccountID: "medicaid"}
	partB = model.Partition{OpCoID: "opco1", FundingAccountID: "private"}
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "ids.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func pendingRun(p model.Partition, created time.Time) model.ShadowRun {
	return model.ShadowRun{
		ID:         uuid.NewString(),
		Partition:  p,
		RunDate:    "2025-03-03",
		Status:     model.RunPending,
		ShadowMode: true,
		CreatedAt:  created,
		Input: model.InputSnapshot{
			TripCount: 1,
			Trips:     []model.Trip{{ID: "T1", Mobility: model.MobilityStandard}},
			DriverIDs: []string{"A"},
		},
	}
}

func TestShadowRunLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := pendingRun(partA, time.Now().UTC())
			require.NoError(t, s.CreateShadowRun(ctx, run))
			assert.ErrorIs(t, s.CreateShadowRun(ctx, run), ErrRunExists)

			got, err := s.GetShadowRun(ctx, partA, run.ID)
			require.NoError(t, err)
			assert.Equal(t, model.RunPending, got.Status)
			assert.Nil(t, got.Result)

			done := time.Now().UTC()
			run.Result = &model.ResultSnapshot{Algorithm: "gapfill", Summary: model.Summary{AssignedTrips: 1}}
			run.LockViolations = 0
			run.SolveDurationMs = 12
			run.CompletedAt = &done
			require.NoError(t, s.CompleteShadowRun(ctx, run))

			got, err = s.GetShadowRun(ctx, partA, run.ID)
			require.NoError(t, err)
			assert.Equal(t, model.RunCompleted, got.Status)
			require.NotNil(t, got.Result)
			assert.Equal(t, 1, got.Result.Summary.AssignedTrips)
			assert.Equal(t, int64(12), got.SolveDurationMs)
			assert.Equal(t, []string{"A"}, got.Input.DriverIDs)

			// A completed run is immutable.
			run.Result = &model.ResultSnapshot{Algorithm: "other"}
			assert.ErrorIs(t, s.CompleteShadowRun(ctx, run), ErrRunCompleted)
			got, err = s.GetShadowRun(ctx, partA, run.ID)
			require.NoError(t, err)
			assert.Equal(t, "gapfill", got.Result.Algorithm)
		})
	}
}

func TestShadowRunPartitionIsolation(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := pendingRun(partA, time.Now().UTC())
			require.NoError(t, s.CreateShadowRun(ctx, run))

			_, err := s.GetShadowRun(ctx, partB, run.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			run.Partition = partB
			assert.ErrorIs(t, s.CompleteShadowRun(ctx, run), ErrNotFound)

			runs, _, err := s.ListShadowRuns(ctx, partB, "", "", 10)
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	}
}

func TestMarkLiveDispatchedAfterCompletion(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := pendingRun(partA, time.Now().UTC())
			run.ShadowMode = false
			require.NoError(t, s.CreateShadowRun(ctx, run))
			assert.ErrorIs(t, s.MarkLiveDispatched(ctx, partA, run.ID), ErrRunPending)

			done := time.Now().UTC()
			run.Result = &model.ResultSnapshot{Algorithm: "gapfill"}
			run.CompletedAt = &done
			require.NoError(t, s.CompleteShadowRun(ctx, run))

			got, err := s.GetShadowRun(ctx, partA, run.ID)
			require.NoError(t, err)
			assert.False(t, got.LiveDispatched)

			assert.ErrorIs(t, s.MarkLiveDispatched(ctx, partB, run.ID), ErrNotFound)
			require.NoError(t, s.MarkLiveDispatched(ctx, partA, run.ID))
			got, err = s.GetShadowRun(ctx, partA, run.ID)
			require.NoError(t, err)
			assert.True(t, got.LiveDispatched)
			assert.Equal(t, model.RunCompleted, got.Status)
			assert.Equal(t, "gapfill", got.Result.Algorithm)
		})
	}
}

func TestListShadowRunsPaging(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
			var ids []string
			for i := 0; i < 5; i++ {
				r := pendingRun(partA, base.Add(time.Duration(i)*time.Minute))
				if i == 4 {
					r.RunDate = "2025-03-04"
				}
				require.NoError(t, s.CreateShadowRun(ctx, r))
				ids = append(ids, r.ID)
			}

			page1, next, err := s.ListShadowRuns(ctx, partA, "2025-03-03", "", 2)
			require.NoError(t, err)
			require.Len(t, page1, 2)
			assert.Equal(t, ids[3], page1[0].ID, "newest first")
			assert.Equal(t, ids[2], page1[1].ID)
			require.NotEmpty(t, next)

			page2, next, err := s.ListShadowRuns(ctx, partA, "2025-03-03", next, 2)
			require.NoError(t, err)
			require.Len(t, page2, 2)
			assert.Equal(t, ids[1], page2[0].ID)
			assert.Equal(t, ids[0], page2[1].ID)
			assert.Empty(t, next)

			all, _, err := s.ListShadowRuns(ctx, partA, "", "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 5)
		})
	}
}

func TestReferenceDataRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
			require.NoError(t, s.PutDrivers(ctx, []model.Driver{
				{ID: "B", Partition: partA, VehicleID: "V2", Capability: model.MobilityWheelchair, ReliabilityScore: model.Score(71)},
				{ID: "A", Partition: partA, VehicleID: "V1", ReliabilityScore: model.Score(90)},
				{ID: "Z", Partition: partB},
			}))
			require.NoError(t, s.PutVehicles(ctx, []model.Vehicle{
				{ID: "V1", Partition: partA, Capability: model.MobilityStandard},
				{ID: "V2", Partition: partA, Capability: model.MobilityWheelchair},
			}))
			require.NoError(t, s.PutRouteTemplates(ctx, []model.RouteTemplate{{
				DriverID: "A", VehicleID: "V1", Partition: partA, ServiceDate: "2025-03-03",
				ShiftStart: day.Add(8 * time.Hour), ShiftEnd: day.Add(16 * time.Hour),
				Slots: []model.Slot{
					{Position: 1, TripID: "X1", Lock: model.LockHard, Start: day.Add(9 * time.Hour), End: day.Add(10 * time.Hour)},
					{Position: 2, Start: day.Add(10 * time.Hour), End: day.Add(12 * time.Hour)},
				},
			}}))
			require.NoError(t, s.PutPayRules(ctx, partA, []model.PayRule{
				{DriverID: "A", Scheme: model.SchemePerTrip, Rate: 25},
			}))

			drivers, err := s.ListDrivers(ctx, partA)
			require.NoError(t, err)
			require.Len(t, drivers, 2)
			assert.Equal(t, "A", drivers[0].ID)
			assert.Equal(t, model.MobilityWheelchair, drivers[1].Capability)
			require.NotNil(t, drivers[1].ReliabilityScore)
			assert.InDelta(t, 71, *drivers[1].ReliabilityScore, 1e-9)

			vehicles, err := s.ListVehicles(ctx, partA)
			require.NoError(t, err)
			assert.Len(t, vehicles, 2)

			tpls, err := s.ListRouteTemplates(ctx, partA, "2025-03-03")
			require.NoError(t, err)
			require.Len(t, tpls, 1)
			require.Len(t, tpls[0].Slots, 2)
			assert.Equal(t, model.LockHard, tpls[0].Slots[0].Lock)
			assert.True(t, tpls[0].Slots[1].Start.Equal(day.Add(10*time.Hour)))

			none, err := s.ListRouteTemplates(ctx, partA, "2025-03-04")
			require.NoError(t, err)
			assert.Empty(t, none)

			rules, err := s.ListPayRules(ctx, partA)
			require.NoError(t, err)
			require.Len(t, rules, 1)
			assert.Equal(t, model.SchemePerTrip, rules[0].Scheme)

			other, err := s.ListPayRules(ctx, partB)
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestWebhookDeliveryQueue(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := partA.Key()
			body := []byte(`{"id":"evt_1","type":"run.completed"}`)
			id1, err := s.EnqueueWebhook(ctx, key, "run.completed", "http://hook", "s3cret", body)
			require.NoError(t, err)
			id2, err := s.EnqueueWebhook(ctx, key, "run.completed", "http://hook", "s3cret", body)
			require.NoError(t, err)
			assert.Equal(t, id1, id2, "same event id is deduplicated")

			_, err = s.EnqueueWebhook(ctx, key, "run.completed", "http://hook", "", []byte(fmt.Sprintf(`{"id":"evt_%d"}`, 2)))
			require.NoError(t, err)

			due, err := s.FetchDueWebhookDeliveries(ctx, 10)
			require.NoError(t, err)
			require.Len(t, due, 2)
			assert.Equal(t, "s3cret", due[0].Secret)

			later := time.Now().Add(time.Hour)
			require.NoError(t, s.MarkWebhookDelivery(ctx, id1, false, &later, "boom", 500, 3))
			due, err = s.FetchDueWebhookDeliveries(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, due, 1)

			require.NoError(t, s.FailWebhookDelivery(ctx, due[0].ID, "gone", 410, 1))
			failed, err := s.ListWebhookDeliveries(ctx, key, DeliveryFailed)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, 410, failed[0].ResponseCode)

			retry, err := s.ListWebhookDeliveries(ctx, key, DeliveryRetry)
			require.NoError(t, err)
			require.Len(t, retry, 1)
			assert.Equal(t, 1, retry[0].Attempts)
			assert.Equal(t, "boom", retry[0].LastError)

			assert.ErrorIs(t, s.MarkWebhookDelivery(ctx, "missing", true, nil, "", 200, 1), ErrNotFound)
		})
	}
}
