package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Auth.MaxSkew)
	assert.Equal(t, []string{"http_polling"}, cfg.Transports.Enabled)
	assert.Equal(t, 25*time.Second, cfg.Transports.HTTPPolling.LongPollTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 0, cfg.Scheduler.MaxJobsPerWorker)
	assert.Equal(t, 10*time.Second, cfg.Janitor.Tick)
	assert.InDelta(t, 1.5, cfg.Janitor.WorkerThresholdFactor, 0.001)
	assert.Equal(t, 30*time.Second, cfg.Janitor.AssignmentTimeout)
	assert.True(t, cfg.Jobs.BinaryAllowed("ffmpeg"))
	assert.False(t, cfg.Jobs.BinaryAllowed("bash"))
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "coordinator.yaml", `
server:
  port: 9090
database:
  driver: postgres
  dsn: host=db user=dffmpeg dbname=dffmpeg
transports:
  enabled: [http_polling, mqtt]
  mqtt:
    broker_url: tcp://broker:1883
janitor:
  assignment_timeout: 45s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, []string{"http_polling", "mqtt"}, cfg.Transports.Enabled)
	assert.Equal(t, "tcp://broker:1883", cfg.Transports.MQTT.BrokerURL)
	assert.Equal(t, 45*time.Second, cfg.Janitor.AssignmentTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "coordinator.yaml", "server:\n  port: 9090\n")
	t.Setenv("DFFMPEG_SERVER_PORT", "7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	path := writeFile(t, "coordinator.yaml", "server:\n  port: 6060\n")
	t.Setenv(EnvConfigFile, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadAlwaysOffersHTTPPolling(t *testing.T) {
	path := writeFile(t, "coordinator.yaml", "transports:\n  enabled: [mqtt]\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"mqtt", "http_polling"}, cfg.Transports.Enabled)
}

func TestLoadDevModeEnv(t *testing.T) {
	t.Setenv(EnvDevMode, "1")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Log.Dev)
}

func TestLoadMergesKeyringFile(t *testing.T) {
	ringPath := writeFile(t, "keyring.yaml", `
default_key_id: "2025"
keys:
  "2025": "aes-gcm:dGVzdA=="
`)
	path := writeFile(t, "coordinator.yaml", `
auth:
  keyring_file: `+ringPath+`
  keyring:
    default_key_id: "2024"
    keys:
      "2024": "aes-gcm:b2xk"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "2025", cfg.Auth.Keyring.DefaultKeyID, "file entry wins")
	assert.Equal(t, "aes-gcm:dGVzdA==", cfg.Auth.Keyring.Keys["2025"])
	assert.Equal(t, "aes-gcm:b2xk", cfg.Auth.Keyring.Keys["2024"], "inline keys survive the merge")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown driver",
			yaml: "database:\n  driver: oracle\n",
		},
		{
			name: "empty dsn",
			yaml: "database:\n  dsn: \"\"\n",
		},
		{
			name: "unknown transport",
			yaml: "transports:\n  enabled: [carrier_pigeon]\n",
		},
		{
			name: "bad qos",
			yaml: "transports:\n  mqtt:\n    qos: 3\n",
		},
		{
			name: "empty binary whitelist",
			yaml: "jobs:\n  allowed_binaries: []\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "coordinator.yaml", tt.yaml)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestGORMLogLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Silent, DatabaseConfig{LogLevel: "silent"}.GORMLogLevel())
	assert.Equal(t, gormlogger.Info, DatabaseConfig{LogLevel: "INFO"}.GORMLogLevel())
	assert.Equal(t, gormlogger.Warn, DatabaseConfig{LogLevel: ""}.GORMLogLevel())
}
