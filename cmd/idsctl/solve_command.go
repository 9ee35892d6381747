package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nemtdispatch/internal/config"
	"nemtdispatch/internal/dispatch"
	"nemtdispatch/internal/model"
	"nemtdispatch/internal/scoring"
	"nemtdispatch/internal/shadow"
	"nemtdispatch/internal/store"
	"nemtdispatch/internal/webhooks"
)

func newSolveCommand(ctx *commandContext) *cobra.Command {
	var (
		date, schedulePath, fixturePath, algorithm string
		drivers, vehicles                          []string
		enable, asJSON                             bool
	)

	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Run one solve for a partition and record it as a shadow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if enable {
				cfg.Dispatch.Enabled = true
			}
			p, err := ctx.partition()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(schedulePath)
			if err != nil {
				return fmt.Errorf("read schedule: %w", err)
			}
			st, err := ctx.openStore()
			if err != nil {
				return err
			}
			defer ctx.close()
			c := cmd.Context()
			if fixturePath != "" {
				f, err := loadFixture(fixturePath)
				if err != nil {
					return err
				}
				f.withPartition(p)
				if err := f.seed(c, st); err != nil {
					return err
				}
			}
			if len(drivers) == 0 {
				if drivers, err = registeredDrivers(c, st, p); err != nil {
					return err
				}
			}

			log := ctx.logger()
			defer func() { _ = log.Sync() }()
			svc, closeScores, err := newService(cfg.Storage.RedisURL, cfg.Scoring, cfg.LiveDispatch, st, log)
			if err != nil {
				return err
			}
			defer closeScores()

			run, err := svc.Solve(c, model.SolveRequest{
				OpCoID:           p.OpCoID,
				FundingAccountID: p.FundingAccountID,
				ServiceDate:      date,
				DriverIDs:        drivers,
				VehicleIDs:       vehicles,
				Schedule:         string(raw),
				Algorithm:        algorithm,
			}, cfg)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, run)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderRun(run))
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "Service date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&schedulePath, "schedule", "", "Schedule export (CSV)")
	cmd.Flags().StringVar(&fixturePath, "fixture", "", "YAML reference data to seed before solving")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Solver algorithm (default from config)")
	cmd.Flags().StringSliceVar(&drivers, "drivers", nil, "Available driver ids (default: every registered driver)")
	cmd.Flags().StringSliceVar(&vehicles, "vehicles", nil, "Available vehicle ids (default: no restriction)")
	cmd.Flags().BoolVar(&enable, "enable", false, "Enable the optimizer for this run; shadow mode is unchanged")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output the recorded run as JSON")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func registeredDrivers(ctx context.Context, st store.ReferenceStore, p model.Partition) ([]string, error) {
	ds, err := st.ListDrivers(ctx, p)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// newService builds a dispatch service over st. Scores live in Redis when a
// URL is configured so CLI runs feed the same reliability history as the API.
func newService(redisURL string, sc config.Scoring, ld config.LiveDispatch, st store.Store, log *zap.Logger) (*dispatch.Service, func(), error) {
	var scores scoring.Store = scoring.NewMemory()
	closeFn := func() {}
	if redisURL != "" {
		rs, err := scoring.NewRedis(redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis scores: %w", err)
		}
		scores = rs
		closeFn = func() { _ = rs.Close() }
	}
	var live shadow.LiveDispatcher
	if ld.WebhookURL != "" {
		live = webhooks.NewPublisher(st, ld.WebhookURL, ld.Secret, log)
	}
	scorer := scoring.New(scores, sc.Alpha, sc.Neutral, log)
	return dispatch.NewService(st, st, scorer, live, log), closeFn, nil
}
