package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nemtdispatch/internal/config"
	"nemtdispatch/internal/logging"
	"nemtdispatch/internal/model"
	"nemtdispatch/internal/partition"
	"nemtdispatch/internal/store"
)

type commandContext struct {
	configFlag *string
	sqliteFlag *string
	opcoFlag   *string
	acctFlag   *string

	configOnce sync.Once
	config     config.Config
	configErr  error

	storeOnce sync.Once
	store     store.Store
	storeErr  error
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		_ = godotenv.Load()
		cfg, err := config.Load(strings.TrimSpace(*c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		if p := strings.TrimSpace(*c.sqliteFlag); p != "" {
			cfg.Storage.SQLitePath = p
			cfg.Storage.DatabaseURL = ""
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// openStore opens the configured store once per invocation. Without a
// database URL or SQLite path everything lives in memory and is lost on exit.
func (c *commandContext) openStore() (store.Store, error) {
	c.storeOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.storeErr = err
			return
		}
		switch {
		case cfg.Storage.DatabaseURL != "":
			pg, err := store.NewPostgres(cfg.Storage.DatabaseURL)
			if err != nil {
				c.storeErr = err
				return
			}
			c.store = pg
		case cfg.Storage.SQLitePath != "":
			sq, err := store.OpenSQLite(cfg.Storage.SQLitePath)
			if err != nil {
				c.storeErr = err
				return
			}
			c.store = sq
		default:
			c.store = store.NewMemory()
		}
	})
	return c.store, c.storeErr
}

func (c *commandContext) close() {
	if c.store != nil {
		_ = c.store.Close()
	}
}

func (c *commandContext) partition() (model.Partition, error) {
	p, err := partition.Resolve(*c.opcoFlag, *c.acctFlag)
	if err != nil {
		return model.Partition{}, fmt.Errorf("%w (set --opco and --account)", err)
	}
	return p, nil
}

func (c *commandContext) logger() *zap.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return zap.NewNop()
	}
	// The CLI writes results to stdout; logs stay quiet unless asked for.
	level := cfg.Logging.Level
	if level == "info" {
		level = "warn"
	}
	log, err := logging.New(level, "console")
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func newRootCommand() *cobra.Command {
	var configFlag, sqliteFlag, opcoFlag, acctFlag string
	ctx := &commandContext{
		configFlag: &configFlag,
		sqliteFlag: &sqliteFlag,
		opcoFlag:   &opcoFlag,
		acctFlag:   &acctFlag,
	}

	rootCmd := &cobra.Command{
		Use:           "idsctl",
		Short:         "Integral dispatch operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&sqliteFlag, "sqlite", "", "SQLite database path; overrides the configured store")
	rootCmd.PersistentFlags().StringVar(&opcoFlag, "opco", "", "Operating company id")
	rootCmd.PersistentFlags().StringVar(&acctFlag, "account", "", "Funding account id")

	rootCmd.AddCommand(newSeedCommand(ctx))
	rootCmd.AddCommand(newIngestCommand(ctx))
	rootCmd.AddCommand(newSolveCommand(ctx))
	rootCmd.AddCommand(newRunsCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
