// Package scoring maintains the per-driver reliability score used to break
// ties between otherwise equal placements.
//
// Scores are read once per run into a frozen map and only written after a
// run completes. Writes for one driver are serialized by the backing Store.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"nemtdispatch/internal/model"
)

// Store persists scores per partition and driver.
type Store interface {
	// Scores returns the stored values for ids; unknown drivers are absent.
	Scores(ctx context.Context, p model.Partition, ids []string) (map[string]float64, error)
	// Update applies fn to the current value atomically for one driver.
	Update(ctx context.Context, p model.Partition, driverID string, fn func(old float64, ok bool) float64) error
}

// Outcome is one driver's on-time performance in a completed run.
type Outcome struct {
	DriverID string
	OnTime   int
	Total    int
	// Baseline seeds the score when the store has no value yet.
	Baseline *float64
}

type Scorer struct {
	Store   Store
	Alpha   float64
	Neutral float64
	Log     *zap.Logger
}

func New(store Store, alpha, neutral float64, log *zap.Logger) *Scorer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scorer{Store: store, Alpha: alpha, Neutral: neutral, Log: log}
}

// ScoreOf returns the driver's current score in [0,100].
func (s *Scorer) ScoreOf(ctx context.Context, p model.Partition, d model.Driver) (float64, error) {
	m, err := s.Snapshot(ctx, p, []model.Driver{d})
	if err != nil {
		return 0, err
	}
	return m[d.ID], nil
}

// Snapshot freezes scores for drivers. Drivers without a stored score fall
// back to their registry score, then to the neutral default.
func (s *Scorer) Snapshot(ctx context.Context, p model.Partition, drivers []model.Driver) (map[string]float64, error) {
	ids := make([]string, 0, len(drivers))
	for _, d := range drivers {
		ids = append(ids, d.ID)
	}
	stored, err := s.Store.Scores(ctx, p, ids)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	out := make(map[string]float64, len(drivers))
	for _, d := range drivers {
		if v, ok := stored[d.ID]; ok {
			out[d.ID] = clamp(v)
			continue
		}
		out[d.ID] = s.baseline(d.ReliabilityScore)
	}
	return out, nil
}

func (s *Scorer) baseline(registry *float64) float64 {
	if registry != nil {
		return clamp(*registry)
	}
	return clamp(s.Neutral)
}

// ApplyRun folds a completed run's outcomes into the stored scores.
// Drivers without any assigned trips are left unchanged.
func (s *Scorer) ApplyRun(ctx context.Context, p model.Partition, outcomes []Outcome) error {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].DriverID < outcomes[j].DriverID })
	for _, o := range outcomes {
		if o.Total <= 0 {
			continue
		}
		onTime := 100 * float64(o.OnTime) / float64(o.Total)
		err := s.Store.Update(ctx, p, o.DriverID, func(old float64, ok bool) float64 {
			if !ok {
				old = s.baseline(o.Baseline)
			}
			return Blend(s.Alpha, onTime, old)
		})
		if err != nil {
			return fmt.Errorf("update score for %s: %w", o.DriverID, err)
		}
		s.Log.Debug("driver score updated",
			zap.String("partition", p.Key()), zap.String("driver", o.DriverID), zap.Float64("onTime", onTime))
	}
	return nil
}

// Blend is the exponential update alpha*sample + (1-alpha)*old, clamped and
// rounded to two decimals.
func Blend(alpha, sample, old float64) float64 {
	v := alpha*sample + (1-alpha)*old
	return math.Round(clamp(v)*100) / 100
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
