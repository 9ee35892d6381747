package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nemtdispatch/internal/model"
)

func TestDefaultSwitches(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Dispatch.Enabled, "optimizer must be off by default")
	assert.True(t, cfg.Dispatch.ShadowMode, "shadow mode must be on by default")
	assert.False(t, cfg.Dispatch.LiveEnabled())
	require.NoError(t, cfg.Validate())
}

func TestLiveEnabledNeedsBothSwitches(t *testing.T) {
	assert.False(t, Dispatch{Enabled: true, ShadowMode: true}.LiveEnabled())
	assert.False(t, Dispatch{Enabled: false, ShadowMode: false}.LiveEnabled())
	assert.True(t, Dispatch{Enabled: true, ShadowMode: false}.LiveEnabled())
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ids.yaml")
	body := `
dispatch:
  enabled: true
solver:
  travelBufferMinutes: 10
  compatibility:
    stretcher: [stretcher, standard]
scoring:
  alpha: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("IDS_SHADOW_MODE", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Dispatch.Enabled)
	assert.True(t, cfg.Dispatch.ShadowMode, "unset keys keep defaults")
	assert.Equal(t, 10, cfg.Solver.TravelBufferMinutes)
	assert.Equal(t, 30, cfg.Solver.DefaultRideMinutes)
	assert.Equal(t, 0.5, cfg.Scoring.Alpha)

	m := cfg.Solver.CompatibilityMatrix()
	assert.True(t, m[model.MobilityStretcher][model.MobilityStandard])
	assert.True(t, m[model.MobilityWheelchair][model.MobilityWheelchair])
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  enabeld: true\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("switches", func(t *testing.T) {
		t.Setenv("IDS_ENABLED", "true")
		t.Setenv("IDS_SHADOW_MODE", "false")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.True(t, cfg.Dispatch.LiveEnabled())
	})

	t.Run("port and budget", func(t *testing.T) {
		t.Setenv("PORT", "9090")
		t.Setenv("IDS_TIME_BUDGET_MS", "250")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.Server.Addr)
		assert.Equal(t, 250, cfg.Solver.TimeBudgetMs)
	})

	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("IDS_ENABLED", "maybe")
		_, err := Load("")
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"ride minutes":  func(c *Config) { c.Solver.DefaultRideMinutes = 0 },
		"speed":         func(c *Config) { c.Solver.AvgSpeedMph = 0 },
		"alpha":         func(c *Config) { c.Scoring.Alpha = 1.5 },
		"shift clock":   func(c *Config) { c.Solver.DefaultShiftStart = "25:00" },
		"unknown cap":   func(c *Config) { c.Solver.Compatibility["hovercraft"] = []string{"standard"} },
		"unknown trip":  func(c *Config) { c.Solver.Compatibility["standard"] = []string{"walking"} },
		"negative time": func(c *Config) { c.Solver.TimeBudgetMs = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("06:30")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour+30*time.Minute, d)
	_, err = ParseClock("noon")
	assert.Error(t, err)
}
