package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ReadsConfigFile(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Conductor.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Conductor.RetryBackoff)
	assert.Equal(t, 100, cfg.Scheduler.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.RabbitMQ.DedupWindow)
	assert.Equal(t, "iris:triggers", cfg.Redis.TriggerKey)
	assert.True(t, cfg.Providers.SMS.Enabled)
	assert.Equal(t, ":8080", cfg.Addr())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("IRIS_STORAGE_DRIVER", "memory")
	t.Setenv("IRIS_SERVER_PORT", "9090")
	t.Setenv("IRIS_CONDUCTOR_MAX_RETRIES", "5")
	t.Setenv("IRIS_SCHEDULER_POLL_INTERVAL", "250ms")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Conductor.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.PollInterval)
}

func TestLoad_SecretsFromEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("IRIS_PUSH_API_KEY=push-secret\nIRIS_SMTP_PASSWORD=smtp-secret\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("IRIS_PUSH_API_KEY")
		os.Unsetenv("IRIS_SMTP_PASSWORD")
	})

	cfg, err := Load(viper.New(), envFile)
	require.NoError(t, err)

	assert.Equal(t, "push-secret", cfg.Providers.Push.APIKey)
	assert.Equal(t, "smtp-secret", cfg.Providers.Email.Password)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("IRIS_STORAGE_DRIVER", "cassandra")

	_, err := Load(viper.New())
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestValidate_ProductionNeedsFallbackChannel(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	cfg.Environment = EnvironmentProd
	assert.Error(t, cfg.Validate())

	cfg.Providers.Slack.WebhookURL = "https://hooks.slack.test/x"
	assert.NoError(t, cfg.Validate())
}

func TestValidateReadAPI_RefusesMemoryDriver(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	cfg.Storage.Driver = DriverPostgres
	assert.NoError(t, cfg.ValidateReadAPI())

	cfg.Storage.Driver = DriverMemory
	assert.ErrorContains(t, cfg.ValidateReadAPI(), "worker serves reads")
}

func TestValidate_ConductorConcurrency(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Conductor.MaxConcurrency)

	cfg.Conductor.MaxConcurrency = 0
	assert.ErrorContains(t, cfg.Validate(), "conductor.max_concurrency")
}
