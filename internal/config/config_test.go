package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 3, cfg.Sync.FanOut)
	assert.Equal(t, 30*time.Second, cfg.Sync.OperationTimeout)
	assert.Equal(t, time.Hour, cfg.Sync.MaxBackoff)
	assert.Equal(t, 15, cfg.Scheduler.LowBatteryPercent)
	assert.EqualValues(t, 512*1024, cfg.Scheduler.MeteredBudgetBytes)
	assert.Equal(t, 3, cfg.Monitor.OfflineAfterFailures)
	assert.Equal(t, "incremental", cfg.Backup.Type)
	assert.Equal(t, RemoteNone, cfg.Remote.Kind)
	assert.Equal(t, filepath.Join(cfg.DataDir, "backups"), cfg.Backup.Dir)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fitlog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
sync:
  fan_out: 5
  operation_timeout: 5s
scheduler:
  low_battery_percent: 20
backup:
  max_backups: 4
remote:
  kind: minio
  bucket: fitlog
  endpoint: localhost:9000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 5, cfg.Sync.FanOut)
	assert.Equal(t, 5*time.Second, cfg.Sync.OperationTimeout)
	assert.Equal(t, 20, cfg.Scheduler.LowBatteryPercent)
	assert.Equal(t, 4, cfg.Backup.MaxBackups)
	assert.Equal(t, RemoteMinIO, cfg.Remote.Kind)
	assert.Equal(t, filepath.Join(dir, "fitlog.db"), cfg.DatabasePath())
	// untouched keys keep defaults
	assert.Equal(t, 3, cfg.Monitor.OfflineAfterFailures)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FITLOG_DATA_DIR", dir)
	t.Setenv("FITLOG_SYNC_FAN_OUT", "2")

	path := filepath.Join(dir, "fitlog.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sync": {"fan_out": 7}}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 2, cfg.Sync.FanOut)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"fan out", func(c *Config) { c.Sync.FanOut = 0 }},
		{"backoff order", func(c *Config) { c.Sync.MaxBackoff = time.Millisecond }},
		{"jitter", func(c *Config) { c.Sync.JitterPercent = 101 }},
		{"battery", func(c *Config) { c.Scheduler.LowBatteryPercent = 120 }},
		{"success rate", func(c *Config) { c.Monitor.DegradedSuccessRate = 1.5 }},
		{"backup type", func(c *Config) { c.Backup.Type = "differential" }},
		{"backup interval", func(c *Config) { c.Backup.Interval = "monthly" }},
		{"remote kind", func(c *Config) { c.Remote.Kind = "ftp" }},
		{"s3 bucket", func(c *Config) { c.Remote.Kind = RemoteS3 }},
		{"http url", func(c *Config) { c.Remote.Kind = RemoteHTTP }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLogPath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/fitlog"

	assert.Equal(t, "", cfg.LogPath())
	cfg.Log.File = "logs/fitlog.log"
	assert.Equal(t, "/var/fitlog/logs/fitlog.log", cfg.LogPath())
	cfg.Log.File = "/tmp/x.log"
	assert.Equal(t, "/tmp/x.log", cfg.LogPath())
}
