// Package shadow records solve runs as immutable snapshots and decides
// whether a finished run may be handed to live dispatch.
package shadow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nemtdispatch/internal/config"
	"nemtdispatch/internal/model"
	"nemtdispatch/internal/store"
)

// LiveDispatcher receives completed runs when shadow mode is off. The
// webhook publisher is the production implementation.
type LiveDispatcher interface {
	Dispatch(ctx context.Context, run model.ShadowRun) error
}

type Recorder struct {
	Store store.RunStore
	Live  LiveDispatcher
	Log   *zap.Logger

	Now   func() time.Time
	NewID func() string
}

func NewRecorder(st store.RunStore, live LiveDispatcher, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{Store: st, Live: live, Log: log, Now: time.Now, NewID: uuid.NewString}
}

func (r *Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Begin persists a pending run. A run is shadow-only unless the dispatch
// switches allow live promotion at the time it starts.
func (r *Recorder) Begin(ctx context.Context, p model.Partition, runDate string, input model.InputSnapshot, d config.Dispatch) (model.ShadowRun, error) {
	newID := r.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	run := model.ShadowRun{
		ID:         newID(),
		Partition:  p,
		RunDate:    runDate,
		Status:     model.RunPending,
		ShadowMode: !d.LiveEnabled(),
		Input:      input,
		CreatedAt:  r.now(),
	}
	if err := r.Store.CreateShadowRun(ctx, run); err != nil {
		return model.ShadowRun{}, fmt.Errorf("create shadow run: %w", err)
	}
	r.Log.Debug("shadow run started",
		zap.String("run", run.ID),
		zap.String("partition", p.Key()),
		zap.String("runDate", runDate),
		zap.Bool("shadowMode", run.ShadowMode))
	return run, nil
}

// Complete attaches result to a pending run and persists it once. Lock
// violations and unassigned trips are recorded as produced. Only a run that
// was stored is handed to live dispatch; the handoff is then recorded with
// a separate flag update. A dispatch failure is logged and the run stays
// recorded as not dispatched.
func (r *Recorder) Complete(ctx context.Context, run model.ShadowRun, result model.ResultSnapshot) (model.ShadowRun, error) {
	if run.Status != model.RunPending {
		return run, store.ErrRunCompleted
	}
	done := r.now()
	run.Status = model.RunCompleted
	run.Result = &result
	run.LockViolations = result.LockViolations
	run.SolveDurationMs = result.Summary.SolveTimeMs
	run.LiveDispatched = false
	run.CompletedAt = &done

	if err := r.Store.CompleteShadowRun(ctx, run); err != nil {
		return run, fmt.Errorf("complete shadow run %s: %w", run.ID, err)
	}
	if !run.ShadowMode && r.Live != nil {
		r.dispatch(ctx, &run)
	}
	r.Log.Info("shadow run recorded",
		zap.String("run", run.ID),
		zap.String("partition", run.Partition.Key()),
		zap.Int("assigned", len(result.Assignments)),
		zap.Int("unassigned", len(result.Unassigned)),
		zap.Int("lockViolations", result.LockViolations),
		zap.Bool("liveDispatched", run.LiveDispatched))
	return run, nil
}

func (r *Recorder) dispatch(ctx context.Context, run *model.ShadowRun) {
	if err := r.Live.Dispatch(ctx, *run); err != nil {
		r.Log.Warn("live dispatch handoff failed",
			zap.String("run", run.ID),
			zap.String("partition", run.Partition.Key()),
			zap.Error(err))
		return
	}
	if err := r.Store.MarkLiveDispatched(ctx, run.Partition, run.ID); err != nil {
		// The delivery is queued under the run id, so the handoff can be
		// traced even though the flag is missing.
		r.Log.Error("live dispatch flag not recorded",
			zap.String("run", run.ID),
			zap.String("partition", run.Partition.Key()),
			zap.Error(err))
		return
	}
	run.LiveDispatched = true
}

// Record is Begin followed by Complete for callers that already hold the
// result.
func (r *Recorder) Record(ctx context.Context, p model.Partition, runDate string, input model.InputSnapshot, result model.ResultSnapshot, d config.Dispatch) (model.ShadowRun, error) {
	run, err := r.Begin(ctx, p, runDate, input, d)
	if err != nil {
		return model.ShadowRun{}, err
	}
	return r.Complete(ctx, run, result)
}
