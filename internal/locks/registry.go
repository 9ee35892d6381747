// Package locks provides the frozen, per-run read model of route templates.
package locks

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"nemtdispatch/internal/model"
	"nemtdispatch/internal/partition"
)

// TemplateSource is the read side of the template registry.
type TemplateSource interface {
	ListRouteTemplates(ctx context.Context, p model.Partition, serviceDate string) ([]model.RouteTemplate, error)
}

type Registry struct {
	Source TemplateSource
	Log    *zap.Logger
}

func NewRegistry(src TemplateSource, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{Source: src, Log: log}
}

// LocksFor reads the partition's templates once and freezes them.
func (r *Registry) LocksFor(ctx context.Context, p model.Partition, serviceDate string) (*Snapshot, error) {
	tpls, err := r.Source.ListRouteTemplates(ctx, p, serviceDate)
	if err != nil {
		return nil, fmt.Errorf("list route templates: %w", err)
	}
	kept, dropped := partition.FilterTemplates(p, tpls)
	if dropped > 0 {
		r.Log.Warn("dropped foreign route templates",
			zap.String("partition", p.Key()), zap.Int("dropped", dropped))
	}
	return NewSnapshot(kept), nil
}

// Ref locates a locked trip within the snapshot.
type Ref struct {
	DriverID string
	Position int
	TripID   string
	Kind     model.LockKind
}

// Snapshot is immutable once built; accessors hand out copies.
type Snapshot struct {
	templates []model.RouteTemplate
	byDriver  map[string]int
	byTrip    map[string][]Ref
	hard      []Ref
}

// NewSnapshot deep-copies tpls and orders each route's slots by start time,
// then position.
func NewSnapshot(tpls []model.RouteTemplate) *Snapshot {
	s := &Snapshot{
		templates: make([]model.RouteTemplate, 0, len(tpls)),
		byDriver:  make(map[string]int, len(tpls)),
		byTrip:    make(map[string][]Ref),
	}
	for _, t := range tpls {
		if _, dup := s.byDriver[t.DriverID]; dup {
			continue
		}
		c := copyTemplate(t)
		sort.SliceStable(c.Slots, func(i, j int) bool {
			a, b := c.Slots[i], c.Slots[j]
			if !a.Start.Equal(b.Start) {
				return a.Start.Before(b.Start)
			}
			return a.Position < b.Position
		})
		s.byDriver[c.DriverID] = len(s.templates)
		s.templates = append(s.templates, c)
	}
	sort.Slice(s.templates, func(i, j int) bool { return s.templates[i].DriverID < s.templates[j].DriverID })
	for i, t := range s.templates {
		s.byDriver[t.DriverID] = i
		for _, sl := range t.Slots {
			if !sl.Occupied() {
				continue
			}
			ref := Ref{DriverID: t.DriverID, Position: sl.Position, TripID: sl.TripID, Kind: sl.Lock}
			s.byTrip[sl.TripID] = append(s.byTrip[sl.TripID], ref)
			if sl.Lock == model.LockHard {
				s.hard = append(s.hard, ref)
			}
		}
	}
	return s
}

func copyTemplate(t model.RouteTemplate) model.RouteTemplate {
	c := t
	c.Slots = append([]model.Slot(nil), t.Slots...)
	return c
}

// Templates returns a copy of every frozen template, ordered by driver id.
func (s *Snapshot) Templates() []model.RouteTemplate {
	out := make([]model.RouteTemplate, len(s.templates))
	for i, t := range s.templates {
		out[i] = copyTemplate(t)
	}
	return out
}

func (s *Snapshot) Template(driverID string) (model.RouteTemplate, bool) {
	i, ok := s.byDriver[driverID]
	if !ok {
		return model.RouteTemplate{}, false
	}
	return copyTemplate(s.templates[i]), true
}

// IsHard reports whether the driver's slot at position is hard-locked.
func (s *Snapshot) IsHard(driverID string, position int) bool {
	i, ok := s.byDriver[driverID]
	if !ok {
		return false
	}
	for _, sl := range s.templates[i].Slots {
		if sl.Position == position {
			return sl.Lock == model.LockHard && sl.Occupied()
		}
	}
	return false
}

// HardLocks lists every hard-locked slot, ordered by driver then time.
func (s *Snapshot) HardLocks() []Ref {
	return append([]Ref(nil), s.hard...)
}

// LockOf returns the first slot holding tripID. Multiple holders are
// visible through Holders.
func (s *Snapshot) LockOf(tripID string) (Ref, bool) {
	refs := s.byTrip[tripID]
	if len(refs) == 0 {
		return Ref{}, false
	}
	return refs[0], true
}

func (s *Snapshot) Holders(tripID string) []Ref {
	return append([]Ref(nil), s.byTrip[tripID]...)
}
