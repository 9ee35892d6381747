package integrations

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"nemtdispatch/internal/model"
	"nemtdispatch/internal/store"
)

// SolveFunc runs one solve, normally dispatch.Service.Solve bound to the
// process configuration.
type SolveFunc func(ctx context.Context, req model.SolveRequest) (model.ShadowRun, error)

// Poller pulls schedule batches from a source on an interval and solves
// each one.
type Poller struct {
	Source   ScheduleSource
	Solve    SolveFunc
	Ref      store.ReferenceStore
	Interval time.Duration
	Log      *zap.Logger

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewPoller(src ScheduleSource, solve SolveFunc, ref store.ReferenceStore, interval time.Duration, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{Source: src, Solve: solve, Ref: ref, Interval: interval, Log: log, stop: make(chan struct{})}
}

func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(p.Interval)
		defer t.Stop()
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			p.PollOnce(ctx)
			cancel()
			select {
			case <-p.stop:
				return
			case <-t.C:
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// PollOnce solves every batch the source currently offers and returns how
// many were solved successfully.
func (p *Poller) PollOnce(ctx context.Context) int {
	log := p.Log.With(zap.String("source", p.Source.Name()))
	batches, err := p.Source.FetchSchedules(ctx)
	if err != nil {
		log.Warn("fetch schedules failed", zap.Error(err))
		return 0
	}
	solved := 0
	for _, b := range batches {
		run, err := p.solve(ctx, b)
		runID := ""
		if err == nil {
			runID = run.ID
			solved++
			log.Info("schedule solved", zap.String("ref", b.Ref), zap.String("run", run.ID))
		} else {
			log.Warn("schedule solve failed", zap.String("ref", b.Ref), zap.Error(err))
		}
		if ackErr := p.Source.AckSchedule(ctx, b, runID, err); ackErr != nil {
			log.Error("ack schedule failed", zap.String("ref", b.Ref), zap.Error(ackErr))
		}
	}
	return solved
}

func (p *Poller) solve(ctx context.Context, b ScheduleBatch) (model.ShadowRun, error) {
	drivers, vehicles := b.DriverIDs, b.VehicleIDs
	if len(drivers) == 0 && p.Ref != nil {
		ds, err := p.Ref.ListDrivers(ctx, b.Partition)
		if err != nil {
			return model.ShadowRun{}, err
		}
		for _, d := range ds {
			drivers = append(drivers, d.ID)
		}
	}
	if len(vehicles) == 0 && p.Ref != nil {
		vs, err := p.Ref.ListVehicles(ctx, b.Partition)
		if err != nil {
			return model.ShadowRun{}, err
		}
		for _, v := range vs {
			vehicles = append(vehicles, v.ID)
		}
	}
	return p.Solve(ctx, b.Request(drivers, vehicles))
}
