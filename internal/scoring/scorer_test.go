package scoring

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nemtdispatch/internal/model"
)

var part = model.Partition{OpCoID: "acme", FundingAccountID: "fa1"}

func TestSnapshotFallbacks(t *testing.T) {
	mem := NewMemory()
	mem.Set(part, "stored", 88)
	s := New(mem, 0.2, 50, nil)

	got, err := s.Snapshot(context.Background(), part, []model.Driver{
		{ID: "stored", ReliabilityScore: model.Score(10)},
		{ID: "registry", ReliabilityScore: model.Score(72)},
		{ID: "zero", ReliabilityScore: model.Score(0)},
		{ID: "fresh"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"stored": 88, "registry": 72, "zero": 0, "fresh": 50}, got)

	v, err := s.ScoreOf(context.Background(), part, model.Driver{ID: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, 50.0, v)
}

func TestApplyRunBlendsOnTimeShare(t *testing.T) {
	mem := NewMemory()
	mem.Set(part, "d1", 60)
	s := New(mem, 0.2, 50, nil)

	err := s.ApplyRun(context.Background(), part, []Outcome{
		{DriverID: "d1", OnTime: 1, Total: 1},
		{DriverID: "d2", OnTime: 1, Total: 2, Baseline: model.Score(80)},
		{DriverID: "idle", Total: 0},
	})
	require.NoError(t, err)

	got, err := mem.Scores(context.Background(), part, []string{"d1", "d2", "idle"})
	require.NoError(t, err)
	assert.InDelta(t, 68.0, got["d1"], 1e-9)
	assert.InDelta(t, 74.0, got["d2"], 1e-9)
	_, ok := got["idle"]
	assert.False(t, ok)
}

func TestApplyRunKeepsZeroRegistryScore(t *testing.T) {
	mem := NewMemory()
	s := New(mem, 0.2, 50, nil)

	require.NoError(t, s.ApplyRun(context.Background(), part, []Outcome{
		{DriverID: "zero", OnTime: 1, Total: 1, Baseline: model.Score(0)},
		{DriverID: "unset", OnTime: 1, Total: 1},
	}))

	got, err := mem.Scores(context.Background(), part, []string{"zero", "unset"})
	require.NoError(t, err)
	assert.InDelta(t, 20.0, got["zero"], 1e-9)
	assert.InDelta(t, 60.0, got["unset"], 1e-9)
}

func TestScoresArePartitionScoped(t *testing.T) {
	mem := NewMemory()
	mem.Set(part, "d1", 90)
	other := model.Partition{OpCoID: "acme", FundingAccountID: "fa2"}
	got, err := mem.Scores(context.Background(), other, []string{"d1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConcurrentUpdatesAreNotLost(t *testing.T) {
	mem := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mem.Update(context.Background(), part, "d1", func(old float64, _ bool) float64 { return old + 1 })
		}()
	}
	wg.Wait()
	got, _ := mem.Scores(context.Background(), part, []string{"d1"})
	assert.Equal(t, 50.0, got["d1"])
}

func TestBlendClamps(t *testing.T) {
	assert.Equal(t, 100.0, Blend(1, 150, 0))
	assert.Equal(t, 0.0, Blend(1, -5, 0))
	assert.Equal(t, 54.0, Blend(0.2, 70, 50))
}
