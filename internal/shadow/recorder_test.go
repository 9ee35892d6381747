package shadow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nemtdispatch/internal/config"
	"nemtdispatch/internal/model"
	"nemtdispatch/internal/store"
)

type fakeLive struct {
	mu   sync.Mutex
	runs []model.ShadowRun
	err  error
}

func (f *fakeLive) Dispatch(_ context.Context, run model.ShadowRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.runs = append(f.runs, run)
	return nil
}

var part = model.Partition{OpCoID: "opco1", FundingAccountID: "medicaid"}

func sampleInput() model.InputSnapshot {
	return model.InputSnapshot{
		TripCount: 2, DriverCount: 1, VehicleCount: 1,
		Trips:     []model.Trip{{ID: "T1"}, {ID: "T2"}},
		DriverIDs: []string{"A"}, VehicleIDs: []string{"V1"},
	}
}

func sampleResult() model.ResultSnapshot {
	return model.ResultSnapshot{
		Algorithm:      "gapfill",
		Summary:        model.Summary{AssignedTrips: 1, AverageOnTimePercentage: 100, GapFillWins: 1, TotalPredictedEarnings: 25, SolveTimeMs: 4},
		LockViolations: 1,
		Assignments:    []model.TripAssignment{{TripID: "T1", DriverID: "A", Source: model.SourceGapFill}},
		Unassigned:     []model.UnassignedTrip{{TripID: "T2", Reason: model.ReasonNoCapacity, Severity: model.SeverityWarn}},
	}
}

func TestRecordShadowModeNeverDispatches(t *testing.T) {
	st := store.NewMemory()
	live := &fakeLive{}
	rec := NewRecorder(st, live, nil)

	run, err := rec.Record(context.Background(), part, "2025-03-03", sampleInput(), sampleResult(),
		config.Dispatch{Enabled: true, ShadowMode: true})
	require.NoError(t, err)
	assert.True(t, run.ShadowMode)
	assert.False(t, run.LiveDispatched)
	assert.Empty(t, live.runs)

	got, err := st.GetShadowRun(context.Background(), part, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.Equal(t, 1, got.LockViolations, "violations are recorded, not rejected")
	assert.Equal(t, int64(4), got.SolveDurationMs)
	require.NotNil(t, got.CompletedAt)
}

func TestRecordLiveModeDispatches(t *testing.T) {
	st := store.NewMemory()
	live := &fakeLive{}
	rec := NewRecorder(st, live, nil)

	run, err := rec.Record(context.Background(), part, "2025-03-03", sampleInput(), sampleResult(),
		config.Dispatch{Enabled: true, ShadowMode: false})
	require.NoError(t, err)
	assert.False(t, run.ShadowMode)
	assert.True(t, run.LiveDispatched)
	require.Len(t, live.runs, 1)
	assert.Equal(t, run.ID, live.runs[0].ID)

	got, err := st.GetShadowRun(context.Background(), part, run.ID)
	require.NoError(t, err)
	assert.True(t, got.LiveDispatched)
}

func TestRecordDisabledIsShadowOnly(t *testing.T) {
	live := &fakeLive{}
	rec := NewRecorder(store.NewMemory(), live, nil)
	run, err := rec.Record(context.Background(), part, "2025-03-03", sampleInput(), sampleResult(),
		config.Dispatch{Enabled: false, ShadowMode: false})
	require.NoError(t, err)
	assert.True(t, run.ShadowMode)
	assert.Empty(t, live.runs)
}

func TestRecordSurvivesLiveFailure(t *testing.T) {
	st := store.NewMemory()
	rec := NewRecorder(st, &fakeLive{err: errors.New("queue down")}, nil)
	run, err := rec.Record(context.Background(), part, "2025-03-03", sampleInput(), sampleResult(),
		config.Dispatch{Enabled: true})
	require.NoError(t, err)
	assert.False(t, run.LiveDispatched)

	got, err := st.GetShadowRun(context.Background(), part, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
}

func TestRecordTwiceYieldsIndependentRuns(t *testing.T) {
	st := store.NewMemory()
	fixed := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder(st, nil, nil)
	rec.Now = func() time.Time { return fixed }
	d := config.Dispatch{Enabled: true, ShadowMode: true}

	a, err := rec.Record(context.Background(), part, "2025-03-03", sampleInput(), sampleResult(), d)
	require.NoError(t, err)
	b, err := rec.Record(context.Background(), part, "2025-03-03", sampleInput(), sampleResult(), d)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	if diff := cmp.Diff(a.Result, b.Result); diff != "" {
		t.Fatalf("result payloads differ (-a +b):\n%s", diff)
	}
	runs, _, err := st.ListShadowRuns(context.Background(), part, "2025-03-03", "", 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestCompleteExactlyOnce(t *testing.T) {
	st := store.NewMemory()
	rec := NewRecorder(st, nil, nil)
	ctx := context.Background()
	d := config.Dispatch{Enabled: true, ShadowMode: true}

	run, err := rec.Begin(ctx, part, "2025-03-03", sampleInput(), d)
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, run.Status)

	done, err := rec.Complete(ctx, run, sampleResult())
	require.NoError(t, err)

	_, err = rec.Complete(ctx, done, sampleResult())
	assert.ErrorIs(t, err, store.ErrRunCompleted)

	// A stale pending copy is rejected by the store.
	_, err = rec.Complete(ctx, run, model.ResultSnapshot{Algorithm: "other"})
	assert.ErrorIs(t, err, store.ErrRunCompleted)

	got, err := st.GetShadowRun(ctx, part, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "gapfill", got.Result.Algorithm)
}

// failingRuns wraps a Memory store and fails the chosen writes.
type failingRuns struct {
	*store.Memory
	completeErr error
	markErr     error
}

func (f *failingRuns) CompleteShadowRun(ctx context.Context, run model.ShadowRun) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	return f.Memory.CompleteShadowRun(ctx, run)
}

func (f *failingRuns) MarkLiveDispatched(ctx context.Context, p model.Partition, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	return f.Memory.MarkLiveDispatched(ctx, p, id)
}

func TestCompleteStoreFailureSkipsLiveDispatch(t *testing.T) {
	st := &failingRuns{Memory: store.NewMemory(), completeErr: errors.New("disk full")}
	live := &fakeLive{}
	rec := NewRecorder(st, live, nil)

	run, err := rec.Record(context.Background(), part, "2025-03-03", sampleInput(), sampleResult(),
		config.Dispatch{Enabled: true, ShadowMode: false})
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	assert.False(t, run.LiveDispatched)
	assert.Empty(t, live.runs, "an unrecorded run must not reach live dispatch")

	got, err := st.GetShadowRun(context.Background(), part, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, got.Status)
	assert.False(t, got.LiveDispatched)
}

func TestCompleteStaleCopyDoesNotDispatchAgain(t *testing.T) {
	st := store.NewMemory()
	live := &fakeLive{}
	rec := NewRecorder(st, live, nil)
	ctx := context.Background()

	run, err := rec.Begin(ctx, part, "2025-03-03", sampleInput(), config.Dispatch{Enabled: true})
	require.NoError(t, err)
	_, err = rec.Complete(ctx, run, sampleResult())
	require.NoError(t, err)

	_, err = rec.Complete(ctx, run, sampleResult())
	assert.ErrorIs(t, err, store.ErrRunCompleted)
	assert.Len(t, live.runs, 1)
}

func TestCompleteFlagFailureLeavesRunUndispatched(t *testing.T) {
	st := &failingRuns{Memory: store.NewMemory(), markErr: errors.New("conn reset")}
	live := &fakeLive{}
	rec := NewRecorder(st, live, nil)

	run, err := rec.Record(context.Background(), part, "2025-03-03", sampleInput(), sampleResult(),
		config.Dispatch{Enabled: true})
	require.NoError(t, err)
	require.Len(t, live.runs, 1)
	assert.False(t, run.LiveDispatched)

	got, err := st.GetShadowRun(context.Background(), part, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.Status)
	assert.False(t, got.LiveDispatched)
}
