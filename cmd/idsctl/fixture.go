package main

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"nemtdispatch/internal/model"
	"nemtdispatch/internal/store"
)

// fixture is a YAML file of one partition's reference data. Entries without
// an explicit partition inherit the file's.
type fixture struct {
	Partition model.Partition       `yaml:"partition"`
	Drivers   []model.Driver        `yaml:"drivers"`
	Vehicles  []model.Vehicle       `yaml:"vehicles"`
	Templates []model.RouteTemplate `yaml:"templates"`
	PayRules  []model.PayRule       `yaml:"payRules"`
}

func loadFixture(path string) (fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	var f fixture
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// withPartition fills the partition into entries that left it empty.
func (f *fixture) withPartition(p model.Partition) {
	if f.Partition == (model.Partition{}) {
		f.Partition = p
	}
	for i := range f.Drivers {
		if f.Drivers[i].Partition == (model.Partition{}) {
			f.Drivers[i].Partition = f.Partition
		}
	}
	for i := range f.Vehicles {
		if f.Vehicles[i].Partition == (model.Partition{}) {
			f.Vehicles[i].Partition = f.Partition
		}
	}
	for i := range f.Templates {
		if f.Templates[i].Partition == (model.Partition{}) {
			f.Templates[i].Partition = f.Partition
		}
	}
}

func (f fixture) seed(ctx context.Context, s store.Seeder) error {
	if err := s.PutDrivers(ctx, f.Drivers); err != nil {
		return fmt.Errorf("seed drivers: %w", err)
	}
	if err := s.PutVehicles(ctx, f.Vehicles); err != nil {
		return fmt.Errorf("seed vehicles: %w", err)
	}
	if err := s.PutRouteTemplates(ctx, f.Templates); err != nil {
		return fmt.Errorf("seed templates: %w", err)
	}
	if len(f.PayRules) > 0 {
		if err := s.PutPayRules(ctx, f.Partition, f.PayRules); err != nil {
			return fmt.Errorf("seed pay rules: %w", err)
		}
	}
	return nil
}
