package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ARGUS_TENANT_ID", "11111111-2222-3333-4444-555555555555")
	t.Setenv("ARGUS_CLIENT_ID", "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee")
	t.Setenv("ARGUS_SINK_ENDPOINT", "https://dce.example.ingest.monitor.azure.com")
	t.Setenv("ARGUS_SINK_RULE_ID", "dcr-0000")
	t.Setenv("ARGUS_SINK_STREAM", "Custom-SecurityAlerts")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, DefaultRulesDir, cfg.RulesDir)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultLookback, cfg.Lookback)
	assert.Equal(t, DefaultMaxLookback, cfg.MaxLookback)
	assert.Zero(t, cfg.TickTimeout)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadAggregatesMissingVariables(t *testing.T) {
	t.Setenv("ARGUS_TENANT_ID", "11111111-2222-3333-4444-555555555555")
	t.Setenv("ARGUS_CLIENT_ID", "")
	t.Setenv("ARGUS_SINK_ENDPOINT", "")
	t.Setenv("ARGUS_SINK_RULE_ID", "dcr-0000")
	t.Setenv("ARGUS_SINK_STREAM", "")

	_, err := Load()
	require.Error(t, err)
	for _, name := range []string{"ARGUS_CLIENT_ID", "ARGUS_SINK_ENDPOINT", "ARGUS_SINK_STREAM"} {
		assert.True(t, strings.Contains(err.Error(), name), "error should name %s: %v", name, err)
	}
	assert.False(t, strings.Contains(err.Error(), "ARGUS_TENANT_ID"), "error should not name present variables")
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ARGUS_POLL_INTERVAL", "1m")
	t.Setenv("ARGUS_LOOKBACK", "30m")
	t.Setenv("ARGUS_MAX_LOOKBACK", "120m")
	t.Setenv("ARGUS_TICK_TIMEOUT", "45s")
	t.Setenv("ARGUS_DATA_DIR", "/tmp/argus-test")
	t.Setenv("ARGUS_RULE_FILTER", "signin/*")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.Lookback)
	assert.Equal(t, 120*time.Minute, cfg.MaxLookback)
	assert.Equal(t, 45*time.Second, cfg.TickTimeout)
	assert.Equal(t, "/tmp/argus-test", cfg.DataDir)
	assert.Equal(t, "signin/*", cfg.RuleFilter)
}

func TestLoadFloorsMaxLookbackAtLookback(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ARGUS_LOOKBACK", "90m")
	t.Setenv("ARGUS_MAX_LOOKBACK", "30m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.MaxLookback)
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ARGUS_POLL_INTERVAL", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
}
