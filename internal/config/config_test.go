package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/.env", []byte(content), 0600))
	// testing.T.Chdir requires Go 1.24; replicate it for older toolchains.
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadConfig_Defaults(t *testing.T) {
	writeEnvFile(t, "DB_PASSWORD=secret\n")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "secret", cfg.Database.Password)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "workflow-consumer", cfg.Consumer.ConsumerID)
	assert.Equal(t, []string{"workflow.code.review"}, cfg.Consumer.Queues)
	assert.Equal(t, 5, cfg.Consumer.MaxDeliveryCount)
	assert.Equal(t, 30*time.Second, cfg.Consumer.RetryDelay)
	assert.Equal(t, 30*time.Minute, cfg.Consumer.ClaimTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Consumer.ReclaimMinIdle)
	assert.Equal(t, 15*time.Minute, cfg.Consumer.ProtectFor)
	assert.Equal(t, time.Second, cfg.Relay.Interval)
	assert.Equal(t, 50, cfg.Relay.BatchSize)
	assert.Empty(t, cfg.ProtectAgentURI)
}

func TestLoadConfig_RequiresDBPassword(t *testing.T) {
	writeEnvFile(t, "DB_HOST=db.internal\n")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestLoadConfig_SplitsConsumerQueues(t *testing.T) {
	writeEnvFile(t, "DB_PASSWORD=secret\nCONSUMER_QUEUES=workflow.code.review, workflow.security.scan ,workflow.reindex\n")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"workflow.code.review",
		"workflow.security.scan",
		"workflow.reindex",
	}, cfg.Consumer.Queues)
}

func TestLoadConfig_UnknownLogLevelFallsBack(t *testing.T) {
	writeEnvFile(t, "DB_PASSWORD=secret\nLOG_LEVEL=chatty\n")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_Overrides(t *testing.T) {
	writeEnvFile(t, `DB_PASSWORD=secret
SERVER_PORT=9090
LOG_FORMAT=json
REDIS_ADDR=redis.internal:6380
CONSUMER_MAX_DELIVERY_COUNT=3
CONSUMER_RETRY_DELAY=5s
RELAY_INTERVAL=250ms
ECS_AGENT_URI=http://169.254.170.2/api
`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Consumer.MaxDeliveryCount)
	assert.Equal(t, 5*time.Second, cfg.Consumer.RetryDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.Interval)
	assert.Equal(t, "http://169.254.170.2/api", cfg.ProtectAgentURI)
}
