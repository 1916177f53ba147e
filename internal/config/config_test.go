package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/cycle-engine/internal/errorhandler"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "default", cfg.Activity.Alias)
	assert.Equal(t, "1", cfg.Activity.Cycles)
	assert.Equal(t, 1, cfg.Activity.Threads)
	assert.Equal(t, 10, cfg.Activity.MaxTries)
	assert.Equal(t, 60*time.Second, cfg.Activity.DrainTimeout)
	assert.Equal(t, errorhandler.DefaultSpec, cfg.Activity.Errors)
	assert.Equal(t, "summary", cfg.Activity.Output)
	require.Len(t, cfg.Activity.Ops, 1)
	assert.Equal(t, "diag", cfg.Activity.Ops[0].Type)
	assert.False(t, cfg.Control.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
activity:
  alias: checkout
  cycles: 10..1K
  threads: 8
  stride: 10
  cyclerate: "500,1.5"
  async: true
  maxpending: 64
  drain_timeout: 5s
  seq: interval
  errors: "Status5..:retry,warn;.*:stop"
  output: summary,cyclelog=cycles.csv
  ops:
    - name: read
      ratio: 3
      type: http
      params:
        url: http://localhost/items/{cycle}
      verify: "js:result.status === 200"
    - name: write
      ratio: 1
      type: diag

control:
  enabled: true
  address: "127.0.0.1:9471"

logging:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "checkout", cfg.Activity.Alias)
	assert.Equal(t, "10..1K", cfg.Activity.Cycles)
	assert.Equal(t, 8, cfg.Activity.Threads)
	assert.Equal(t, 10, cfg.Activity.Stride)
	assert.Equal(t, "500,1.5", cfg.Activity.CycleRate)
	assert.True(t, cfg.Activity.Async)
	assert.Equal(t, 64, cfg.Activity.MaxPending)
	assert.Equal(t, 5*time.Second, cfg.Activity.DrainTimeout)
	assert.Equal(t, "interval", cfg.Activity.Seq)
	require.Len(t, cfg.Activity.Ops, 2)
	assert.Equal(t, "http://localhost/items/{cycle}", cfg.Activity.Ops[0].Params["url"])
	assert.Equal(t, 3, cfg.Activity.Ops[0].Template().Ratio)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// 未出现在文件中的字段保留默认值
	assert.Equal(t, 10, cfg.Activity.MaxTries)

	assert.NoError(t, Validate(cfg))
}

func TestLoadFromNonExistentFile(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Activity.Alias, cfg.Activity.Alias)
}

func TestLoadFromInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("activity: [unclosed"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CYCLE_ENGINE_ACTIVITY_CYCLES", "500")
	t.Setenv("CYCLE_ENGINE_ACTIVITY_THREADS", "4")
	t.Setenv("CYCLE_ENGINE_ACTIVITY_ASYNC", "true")
	t.Setenv("CYCLE_ENGINE_ACTIVITY_DRAIN_TIMEOUT", "2s")
	t.Setenv("CYCLE_ENGINE_CONTROL_ADDRESS", ":9999")
	t.Setenv("CYCLE_ENGINE_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "500", cfg.Activity.Cycles)
	assert.Equal(t, 4, cfg.Activity.Threads)
	assert.True(t, cfg.Activity.Async)
	assert.Equal(t, 2*time.Second, cfg.Activity.DrainTimeout)
	assert.Equal(t, ":9999", cfg.Control.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	t.Setenv("CYCLE_ENGINE_ACTIVITY_THREADS", "many")

	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("CE_ACTIVITY_ALIAS", "custom")

	cfg, err := NewLoader().WithEnvPrefix("CE_").Load()
	require.NoError(t, err)
	assert.Equal(t, "custom", cfg.Activity.Alias)
}

func TestCmdArgsOverrideEnv(t *testing.T) {
	t.Setenv("CYCLE_ENGINE_ACTIVITY_THREADS", "4")

	cfg, err := NewLoader().WithCmdArgs(map[string]string{
		"activity.threads":   "16",
		"activity.cyclerate": "100",
		"control.enabled":    "true",
		"logging.format":     "json",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Activity.Threads)
	assert.Equal(t, "100", cfg.Activity.CycleRate)
	assert.True(t, cfg.Control.Enabled)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestCmdArgsUnknownPath(t *testing.T) {
	_, err := NewLoader().WithCmdArgs(map[string]string{"activity.nope": "1"}).Load()
	assert.Error(t, err)

	_, err = NewLoader().WithCmdArgs(map[string]string{"activity.threads.x": "1"}).Load()
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Activity.Cycles = "10..5"
	cfg.Activity.Threads = 0
	cfg.Activity.CycleRate = "fast"
	cfg.Activity.Seq = "random"
	cfg.Activity.Errors = "Status5..:explode"
	cfg.Activity.Output = "summary,nowhere"
	cfg.Control.Enabled = true
	cfg.Control.Address = "not an address"
	cfg.Logging.Level = "loud"

	err := Validate(cfg)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.ElementsMatch(t, []string{
		"activity.cycles",
		"activity.threads",
		"activity.cyclerate",
		"activity.seq",
		"activity.errors",
		"activity.output",
		"control.address",
		"logging.level",
	}, verrs.Fields())
}

func TestValidateOps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Activity.Ops = []OpConfig{
		{Name: "a", Type: "diag", Ratio: 0},
		{Name: "a", Type: "diag", Ratio: -1},
		{Name: "", Type: "", Ratio: 0, Verify: "xpath://a"},
	}

	err := Validate(cfg)
	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.ElementsMatch(t, []string{
		"activity.ops[1].name",
		"activity.ops[1].ratio",
		"activity.ops[2].name",
		"activity.ops[2].type",
		"activity.ops[2].verify",
		"activity.ops",
	}, verrs.Fields())

	cfg.Activity.Ops = nil
	err = Validate(cfg)
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, []string{"activity.ops"}, verrs.Fields())
}

func TestIsValidAddress(t *testing.T) {
	valid := []string{":9470", "localhost:80", "127.0.0.1:9470", "bench-host.example.com:443", "[::1]:8080"}
	for _, addr := range valid {
		assert.True(t, isValidAddress(addr), addr)
	}
	invalid := []string{"", "9470", "host:", "host:99999", "-bad-:80", "a..b:80"}
	for _, addr := range invalid {
		assert.False(t, isValidAddress(addr), addr)
	}
}

func TestLoadAndValidate(t *testing.T) {
	_, err := NewLoader().WithCmdArgs(map[string]string{"activity.stride": "0"}).LoadAndValidate()
	assert.Error(t, err)

	cfg, err := NewLoader().WithCmdArgs(map[string]string{"activity.cycles": "1M"}).LoadAndValidate()
	require.NoError(t, err)
	assert.Equal(t, "1M", cfg.Activity.Cycles)
}

func TestCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Activity.Ops[0].Params = map[string]string{"sleep": "1ms"}

	clone := cfg.Clone()
	clone.Activity.Ops[0].Params["sleep"] = "5ms"
	clone.Activity.Threads = 9

	assert.Equal(t, "1ms", cfg.Activity.Ops[0].Params["sleep"])
	assert.Equal(t, 1, cfg.Activity.Threads)
}
