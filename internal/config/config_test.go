package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/costwatch/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 1000, cfg.Ingestion.ChunkSize)
	assert.Equal(t, models.MaxJobErrors, cfg.Ingestion.MaxErrors)
	assert.Equal(t, 2.5, cfg.Anomaly.Threshold)
	assert.Equal(t, 7, cfg.Anomaly.MinPoints)
	assert.Equal(t, 30, cfg.Recommendation.LookbackDays)
	assert.Equal(t, models.SeverityHigh, cfg.Notifications.Slack.MinSeverity)
	assert.Equal(t, "0 0 2 * * *", cfg.Scheduler.Nightly)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("COSTWATCH_DB_PASSWORD", "s3cret")
	t.Setenv("COSTWATCH_WEBHOOK", "https://hooks.slack.test/abc")

	path := writeConfig(t, `
server:
  port: 9090
  read_timeout: 5s
database:
  driver: memory
  password: ${COSTWATCH_DB_PASSWORD}
anomaly:
  threshold: 2.0
  lookback_days: 14
notifications:
  slack:
    enabled: true
    webhook_url: ${COSTWATCH_WEBHOOK}
    min_severity: medium
logging:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Contains(t, cfg.Database.DSN(), "password=s3cret")
	assert.Equal(t, 2.0, cfg.Anomaly.Threshold)
	assert.Equal(t, 14, cfg.Anomaly.LookbackDays)
	assert.Equal(t, "https://hooks.slack.test/abc", cfg.Notifications.Slack.WebhookURL)
	assert.Equal(t, models.SeverityMedium, cfg.Notifications.Slack.MinSeverity)
	assert.Equal(t, slog.LevelDebug, cfg.Logging.SlogLevel())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "server: [", "parsing config file"},
		{"unknown driver", "database:\n  driver: mongo\n", `unknown database driver "mongo"`},
		{"unknown severity", "notifications:\n  slack:\n    min_severity: urgent\n", `unknown notification severity "urgent"`},
		{"negative threshold", "anomaly:\n  threshold: -1\n", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	assert.Equal(t, "config.yaml", Path())
	t.Setenv("CONFIG_PATH", "/etc/costwatch.yaml")
	assert.Equal(t, "/etc/costwatch.yaml", Path())
}
