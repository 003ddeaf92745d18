package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8080", cfg.AppURL)
	require.Equal(t, 5, cfg.Workers)
	require.Equal(t, 3, cfg.MaxTaskRetries)
	require.Equal(t, 0, cfg.ExecutionTokens)
	require.Equal(t, 30*time.Second, cfg.Workflow.Timeout)
	require.Equal(t, time.Second, cfg.Workflow.RetryDelay)
	require.False(t, cfg.RedisEnabled)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("APP_PORT", "9090")
	t.Setenv("TASK_WORKERS", "2")
	t.Setenv("TASK_STREAM_EXECUTION", "true")
	t.Setenv("WORKFLOW_RETRY_DELAY_MS", "250")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_HOST", "redis")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9090", cfg.AppURL)
	require.Equal(t, 2, cfg.Workers)
	require.True(t, cfg.StreamExecution)
	require.Equal(t, 250*time.Millisecond, cfg.Workflow.RetryDelay)
	require.Equal(t, "redis:6379", cfg.RedisAddr)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"TASK_WORKERS":          "0",
		"TASK_MAX_RETRIES":      "-1",
		"TASK_EXECUTION_TOKENS": "-2",
		"WORKFLOW_MAX_RETRIES":  "0",
		"RATE_LIMIT_PER_MINUTE": "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.ErrorContains(t, err, key)
		})
	}
}
