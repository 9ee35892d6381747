package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nemtdispatch/internal/model"
	"nemtdispatch/internal/partition"
)

func newSeedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load drivers, vehicles, route templates and pay rules from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadFixture(args[0])
			if err != nil {
				return err
			}
			if err := resolveFixturePartition(ctx, &f); err != nil {
				return err
			}
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer ctx.close()
			if err := f.seed(cmd.Context(), st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %s: %d drivers, %d vehicles, %d templates, %d pay rules\n",
				f.Partition.Key(), len(f.Drivers), len(f.Vehicles), len(f.Templates), len(f.PayRules))
			return nil
		},
	}
}

// resolveFixturePartition prefers the fixture's own partition and falls back
// to --opco/--account.
func resolveFixturePartition(ctx *commandContext, f *fixture) error {
	if f.Partition == (model.Partition{}) {
		p, err := ctx.partition()
		if err != nil {
			return err
		}
		f.withPartition(p)
		return nil
	}
	if _, err := partition.Resolve(f.Partition.OpCoID, f.Partition.FundingAccountID); err != nil {
		return fmt.Errorf("fixture partition: %w", err)
	}
	f.withPartition(f.Partition)
	return nil
}
