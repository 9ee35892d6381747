// Package config loads IDS configuration from YAML with environment overrides.
//
// Configuration is a plain value: callers load it once and thread it into the
// dispatch service, recorder and HTTP server explicitly. Nothing in the core
// reads process-wide switches.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nemtdispatch/internal/model"
)

// Dispatch holds the master enable and shadow-mode switches.
type Dispatch struct {
	Enabled    bool `yaml:"enabled"`
	ShadowMode bool `yaml:"shadowMode"`
}

// LiveEnabled reports whether run results may feed live dispatch.
func (d Dispatch) LiveEnabled() bool { return d.Enabled && !d.ShadowMode }

type Solver struct {
	Algorithm            string              `yaml:"algorithm"`
	TravelBufferMinutes  int                 `yaml:"travelBufferMinutes"`
	DefaultRideMinutes   int                 `yaml:"defaultRideMinutes"`
	AvgSpeedMph          float64             `yaml:"avgSpeedMph"`
	WeightDeviation      float64             `yaml:"weightDeviation"`
	WeightReliability    float64             `yaml:"weightReliability"`
	DisplacementPenalty  float64             `yaml:"displacementPenalty"`
	MaxDisplacements     int                 `yaml:"maxDisplacements"`
	SuggestWithinMinutes int                 `yaml:"suggestWithinMinutes"`
	TimeBudgetMs         int                 `yaml:"timeBudgetMs"`
	DefaultShiftStart    string              `yaml:"defaultShiftStart"`
	DefaultShiftEnd      string              `yaml:"defaultShiftEnd"`
	Compatibility        map[string][]string `yaml:"compatibility"` // vehicle capability -> accepted trip mobility
}

type Scoring struct {
	Alpha   float64 `yaml:"alpha"`
	Neutral float64 `yaml:"neutral"`
}

type Ingest struct {
	WindowToleranceMinutes int `yaml:"windowToleranceMinutes"`
	// DropDir enables the directory-drop schedule source when set.
	DropDir         string `yaml:"dropDir"`
	DropPollSeconds int    `yaml:"dropPollSeconds"`
}

type Server struct {
	Addr      string  `yaml:"addr"`
	RateRPS   float64 `yaml:"rateRps"`
	RateBurst int     `yaml:"rateBurst"`
}

type Storage struct {
	DatabaseURL string `yaml:"databaseUrl"`
	SQLitePath  string `yaml:"sqlitePath"`
	RedisURL    string `yaml:"redisUrl"`
	Migrate     bool   `yaml:"migrate"`
}

type LiveDispatch struct {
	WebhookURL  string `yaml:"webhookUrl"`
	Secret      string `yaml:"secret"`
	MaxAttempts int    `yaml:"maxAttempts"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Dispatch     Dispatch     `yaml:"dispatch"`
	Solver       Solver       `yaml:"solver"`
	Scoring      Scoring      `yaml:"scoring"`
	Ingest       Ingest       `yaml:"ingest"`
	Server       Server       `yaml:"server"`
	Storage      Storage      `yaml:"storage"`
	LiveDispatch LiveDispatch `yaml:"liveDispatch"`
	Logging      Logging      `yaml:"logging"`
}

// Default returns the built-in configuration. The optimizer is disabled and
// shadow mode is on until an operator says otherwise.
func Default() Config {
	return Config{
		Dispatch: Dispatch{Enabled: false, ShadowMode: true},
		Solver: Solver{
			Algorithm:            "gapfill",
			TravelBufferMinutes:  15,
			DefaultRideMinutes:   30,
			AvgSpeedMph:          25,
			WeightDeviation:      1,
			WeightReliability:    0.2,
			DisplacementPenalty:  120,
			MaxDisplacements:     50,
			SuggestWithinMinutes: 60,
			TimeBudgetMs:         0,
			DefaultShiftStart:    "06:00",
			DefaultShiftEnd:      "18:00",
			Compatibility: map[string][]string{
				string(model.MobilityStandard):   {string(model.MobilityStandard)},
				string(model.MobilityWheelchair): {string(model.MobilityStandard), string(model.MobilityWheelchair)},
				string(model.MobilityStretcher):  {string(model.MobilityStretcher)},
			},
		},
		Scoring: Scoring{Alpha: 0.2, Neutral: 50},
		Ingest:  Ingest{WindowToleranceMinutes: 15, DropPollSeconds: 30},
		Server:  Server{Addr: ":8080", RateRPS: 2, RateBurst: 4},
		Storage: Storage{Migrate: true},
		LiveDispatch: LiveDispatch{
			MaxAttempts: 10,
		},
		Logging: Logging{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path (optional) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeInto(&cfg, data); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeInto(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	boolVar := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
		*dst = b
		return nil
	}
	strVar := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	if err := boolVar("IDS_ENABLED", &c.Dispatch.Enabled); err != nil {
		return err
	}
	if err := boolVar("IDS_SHADOW_MODE", &c.Dispatch.ShadowMode); err != nil {
		return err
	}
	if err := boolVar("DB_MIGRATE", &c.Storage.Migrate); err != nil {
		return err
	}
	strVar("DATABASE_URL", &c.Storage.DatabaseURL)
	strVar("SQLITE_PATH", &c.Storage.SQLitePath)
	strVar("REDIS_URL", &c.Storage.RedisURL)
	strVar("LOG_LEVEL", &c.Logging.Level)
	strVar("LOG_FORMAT", &c.Logging.Format)
	strVar("LIVE_DISPATCH_WEBHOOK_URL", &c.LiveDispatch.WebhookURL)
	strVar("LIVE_DISPATCH_SECRET", &c.LiveDispatch.Secret)
	strVar("IDS_DROP_DIR", &c.Ingest.DropDir)
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		c.Server.Addr = ":" + strings.TrimSpace(v)
	}
	if v, ok := lookup("IDS_TIME_BUDGET_MS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("env IDS_TIME_BUDGET_MS: %w", err)
		}
		c.Solver.TimeBudgetMs = n
	}
	if v, ok := lookup("WEBHOOK_MAX_ATTEMPTS"); ok && strings.TrimSpace(v) != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.LiveDispatch.MaxAttempts = n
		}
	}
	return nil
}

// Validate rejects configurations the solver cannot run with.
func (c Config) Validate() error {
	s := c.Solver
	if s.TravelBufferMinutes < 0 {
		return fmt.Errorf("solver.travelBufferMinutes must be >= 0")
	}
	if s.DefaultRideMinutes <= 0 {
		return fmt.Errorf("solver.defaultRideMinutes must be > 0")
	}
	if s.AvgSpeedMph <= 0 {
		return fmt.Errorf("solver.avgSpeedMph must be > 0")
	}
	if s.WeightDeviation < 0 || s.WeightReliability < 0 || s.DisplacementPenalty < 0 {
		return fmt.Errorf("solver weights must be >= 0")
	}
	if s.MaxDisplacements < 0 {
		return fmt.Errorf("solver.maxDisplacements must be >= 0")
	}
	if s.TimeBudgetMs < 0 {
		return fmt.Errorf("solver.timeBudgetMs must be >= 0")
	}
	if _, err := ParseClock(s.DefaultShiftStart); err != nil {
		return fmt.Errorf("solver.defaultShiftStart: %w", err)
	}
	if _, err := ParseClock(s.DefaultShiftEnd); err != nil {
		return fmt.Errorf("solver.defaultShiftEnd: %w", err)
	}
	for cap, accepted := range s.Compatibility {
		if !knownMobility(cap) {
			return fmt.Errorf("solver.compatibility: unknown vehicle capability %q", cap)
		}
		for _, m := range accepted {
			if !knownMobility(m) {
				return fmt.Errorf("solver.compatibility[%s]: unknown mobility %q", cap, m)
			}
		}
	}
	if c.Scoring.Alpha <= 0 || c.Scoring.Alpha > 1 {
		return fmt.Errorf("scoring.alpha must be in (0,1]")
	}
	if c.Scoring.Neutral < 0 || c.Scoring.Neutral > 100 {
		return fmt.Errorf("scoring.neutral must be in [0,100]")
	}
	if c.Ingest.DropDir != "" && c.Ingest.DropPollSeconds <= 0 {
		return fmt.Errorf("ingest.dropPollSeconds must be > 0 when dropDir is set")
	}
	if c.Ingest.WindowToleranceMinutes < 0 {
		return fmt.Errorf("ingest.windowToleranceMinutes must be >= 0")
	}
	return nil
}

func knownMobility(v string) bool {
	switch model.Mobility(v) {
	case model.MobilityStandard, model.MobilityWheelchair, model.MobilityStretcher:
		return true
	}
	return false
}

// ParseClock parses an "HH:MM" wall-clock value into an offset from midnight.
func ParseClock(v string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", v)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// CompatibilityMatrix converts the YAML form into typed sets.
func (s Solver) CompatibilityMatrix() map[model.Mobility]map[model.Mobility]bool {
	out := make(map[model.Mobility]map[model.Mobility]bool, len(s.Compatibility))
	for cap, accepted := range s.Compatibility {
		set := make(map[model.Mobility]bool, len(accepted))
		for _, m := range accepted {
			set[model.Mobility(m)] = true
		}
		out[model.Mobility(cap)] = set
	}
	return out
}
