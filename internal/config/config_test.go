package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "data/cronhook.db", cfg.Database.URL)
	assert.Equal(t, 20, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.RequestTimeout())
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.RefreshInterval())
	assert.Equal(t, 64*time.Second, cfg.Scheduler.BackoffCap())
	assert.Equal(t, 4096, cfg.Scheduler.ResponseCaptureBytes)
	assert.Equal(t, logrus.InfoLevel, cfg.ParseLogLevel())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": "9090"},
		"database": {"url": "/tmp/test.db"},
		"scheduler": {"max_workers": 5, "request_timeout_seconds": 10},
		"log_level": "debug"
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.URL)
	assert.Equal(t, 5, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.RequestTimeout())
	assert.Equal(t, logrus.DebugLevel, cfg.ParseLogLevel())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("MAX_WORKERS", "7")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 7, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, logrus.WarnLevel, cfg.ParseLogLevel())
}

func TestLoadSeedJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed_jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  - name: heartbeat
    schedule: "*/30 * * * * *"
    target_url: http://localhost:9000/ok
  - name: nightly-report
    schedule: "0 0 2 * * *"
    target_url: http://localhost:9000/report
    execution_type: AT_MOST_ONCE
    active: false
`), 0o644))

	jobs, err := LoadSeedJobs(path)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "heartbeat", jobs[0].Name)
	assert.Equal(t, "*/30 * * * * *", jobs[0].Schedule)
	assert.Nil(t, jobs[0].Active)
	assert.Equal(t, "AT_MOST_ONCE", jobs[1].ExecutionType)
	require.NotNil(t, jobs[1].Active)
	assert.False(t, *jobs[1].Active)
}

func TestLoadSeedJobsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed_jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jobs:
  - name: broken
    schedule: "*/30 * * * * *"
`), 0o644))

	_, err := LoadSeedJobs(path)
	assert.Error(t, err)
}
