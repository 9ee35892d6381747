package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nemtdispatch/internal/model"
)

type fakeSource struct {
	tpls  []model.RouteTemplate
	err   error
	calls int
}

func (f *fakeSource) ListRouteTemplates(context.Context, model.Partition, string) ([]model.RouteTemplate, error) {
	f.calls++
	return f.tpls, f.err
}

var (
	home  = model.Partition{OpCoID: "acme", FundingAccountID: "fa1"}
	other = model.Partition{OpCoID: "beta", FundingAccountID: "fa1"}
	day   = time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func sampleTemplates() []model.RouteTemplate {
	return []model.RouteTemplate{
		{DriverID: "B", Partition: home, Slots: []model.Slot{
			{Position: 2, TripID: "X2", Lock: model.LockSoft, Start: at(11, 0), End: at(11, 45)},
			{Position: 1, TripID: "X1", Lock: model.LockHard, Start: at(9, 0), End: at(9, 45)},
		}},
		{DriverID: "A", Partition: home, Slots: []model.Slot{
			{Position: 1, Start: at(8, 0), End: at(9, 0)},
		}},
		{DriverID: "Z", Partition: other, Slots: []model.Slot{
			{Position: 1, TripID: "Q", Lock: model.LockHard, Start: at(8, 0), End: at(9, 0)},
		}},
	}
}

func TestLocksForFreezesPartitionTemplates(t *testing.T) {
	src := &fakeSource{tpls: sampleTemplates()}
	snap, err := NewRegistry(src, nil).LocksFor(context.Background(), home, "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	tpls := snap.Templates()
	require.Len(t, tpls, 2)
	assert.Equal(t, "A", tpls[0].DriverID)
	assert.Equal(t, "B", tpls[1].DriverID)
	assert.Equal(t, "X1", tpls[1].Slots[0].TripID, "slots ordered by start time")

	assert.True(t, snap.IsHard("B", 1))
	assert.False(t, snap.IsHard("B", 2))
	assert.False(t, snap.IsHard("A", 1))
	assert.False(t, snap.IsHard("Z", 1))

	hard := snap.HardLocks()
	require.Len(t, hard, 1)
	assert.Equal(t, Ref{DriverID: "B", Position: 1, TripID: "X1", Kind: model.LockHard}, hard[0])

	ref, ok := snap.LockOf("X2")
	require.True(t, ok)
	assert.Equal(t, model.LockSoft, ref.Kind)
	_, ok = snap.LockOf("Q")
	assert.False(t, ok)
}

func TestSnapshotIsNotAffectedBySourceOrCallers(t *testing.T) {
	tpls := sampleTemplates()
	snap := NewSnapshot(tpls[:2])
	tpls[0].Slots[0].Lock = model.LockNone

	got := snap.Templates()
	got[1].Slots[0].Lock = model.LockNone
	assert.True(t, snap.IsHard("B", 1))

	b, ok := snap.Template("B")
	require.True(t, ok)
	assert.Equal(t, model.LockHard, b.Slots[0].Lock)
}

func TestLocksForWrapsSourceError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewRegistry(&fakeSource{err: boom}, nil).LocksFor(context.Background(), home, "2025-03-14")
	assert.ErrorIs(t, err, boom)
}
