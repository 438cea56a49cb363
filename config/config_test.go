package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudendpoints/endpoints-management-go/config"
	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "servicecontrol.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadFileYAML(t *testing.T) {
	path := writeConfig(t, `
serviceName: library.example.com
checkAggregatorConfig:
  cacheEntries: 500
  responseExpirationMs: 3000
quotaAggregatorConfig:
  refreshIntervalMs: 2000
reportAggregatorConfig:
  flushIntervalMs: 1000
failPolicy: closed
`)

	f, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "library.example.com", f.ServiceName)
	assert.Equal(t, 500, f.CheckAggregator.CacheEntries)
	assert.Equal(t, int64(3000), f.CheckAggregator.ResponseExpirationMs)
	assert.Equal(t, "closed", f.FailPolicy)
}

func TestLoadFileJSON(t *testing.T) {
	path := writeConfig(t, `{
  "serviceName": "library.example.com",
  "reportAggregatorConfig": {"flushIntervalMs": 500}
}`)

	f, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "library.example.com", f.ServiceName)
	assert.Equal(t, int64(500), f.ReportAggregator.FlushIntervalMs)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := config.LoadFile("/nonexistent/servicecontrol.yaml")
	assert.Error(t, err)
}

func TestLoadFileMalformed(t *testing.T) {
	path := writeConfig(t, "{not yaml: [")
	_, err := config.LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeConfig(t, "serviceName: env.example.com\n")
	t.Setenv(config.EnvConfigFile, path)

	f, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "env.example.com", f.ServiceName)
}

func TestLoadWithoutEnvReturnsZero(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")

	f, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "", f.ServiceName)
}

func TestApplyOverlaysValues(t *testing.T) {
	f := &config.File{
		ServiceName: "library.example.com",
		CheckAggregator: config.CheckAggregator{
			CacheEntries:         500,
			ResponseExpirationMs: 3000,
		},
		QuotaAggregator:  config.QuotaAggregator{RefreshIntervalMs: 2000},
		ReportAggregator: config.ReportAggregator{FlushIntervalMs: 1000},
		FailPolicy:       "closed",
	}

	cfg, err := f.Apply(servicecontrol.Config{})
	require.NoError(t, err)
	assert.Equal(t, "library.example.com", cfg.ServiceName)
	assert.Equal(t, 500, cfg.Check.Capacity)
	assert.Equal(t, 3*time.Second, cfg.Check.TTL)
	assert.Equal(t, 2*time.Second, cfg.Quota.RefillInterval)
	assert.Equal(t, time.Second, cfg.Report.FlushInterval)
	assert.Equal(t, servicecontrol.FailClosed, cfg.FailPolicy)
}

func TestApplyZeroFieldsLeaveConfigUntouched(t *testing.T) {
	base := servicecontrol.Config{ServiceName: "keep.example.com"}
	base.Check.Capacity = 42

	cfg, err := (&config.File{}).Apply(base)
	require.NoError(t, err)
	assert.Equal(t, "keep.example.com", cfg.ServiceName)
	assert.Equal(t, 42, cfg.Check.Capacity)
}

func TestApplyRejectsUnknownFailPolicy(t *testing.T) {
	_, err := (&config.File{FailPolicy: "maybe"}).Apply(servicecontrol.Config{})
	assert.Error(t, err)
}
