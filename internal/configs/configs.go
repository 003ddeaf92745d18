package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv                 string
	AppURL                 string
	DatabaseDSN            string
	Workers                int
	QueueSize              int
	PollIntervalSeconds    int
	PollBatchSize          int
	MaxTaskRetries         int
	StreamExecution        bool
	ExecutionTokens        int
	Workflow               WorkflowConfig
	RedisEnabled           bool
	RedisAddr              string
	RealtimeChannel        string
	TokenKey               string
	RateLimit              int
	ShutdownTimeoutSeconds int
}

// WorkflowConfig bounds every call made to a remote Dify application.
type WorkflowConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	StopTimeout time.Duration
}

func Load() (Config, error) {
	appHost := getEnv("APP_HOST", "127.0.0.1")
	appPort := getEnv("APP_PORT", "8080")
	redisHost := getEnv("REDIS_HOST", "127.0.0.1")
	redisPort := getEnv("REDIS_PORT", "6379")

	cfg := Config{
		AppEnv:              getEnv("APP_ENV", "development"),
		AppURL:              fmt.Sprintf("%s:%s", appHost, appPort),
		DatabaseDSN:         getEnv("DATABASE_DSN", "tasks.db"),
		Workers:             getEnvAsInt("TASK_WORKERS", 5),
		QueueSize:           getEnvAsInt("TASK_QUEUE_SIZE", 100),
		PollIntervalSeconds: getEnvAsInt("TASK_POLL_INTERVAL_SECONDS", 30),
		PollBatchSize:       getEnvAsInt("TASK_POLL_BATCH_SIZE", 50),
		MaxTaskRetries:      getEnvAsInt("TASK_MAX_RETRIES", 3),
		StreamExecution:     getEnvAsBool("TASK_STREAM_EXECUTION", false),
		ExecutionTokens:     getEnvAsInt("TASK_EXECUTION_TOKENS", 0),
		Workflow: WorkflowConfig{
			Timeout:     time.Duration(getEnvAsInt("WORKFLOW_TIMEOUT_SECONDS", 30)) * time.Second,
			MaxRetries:  getEnvAsInt("WORKFLOW_MAX_RETRIES", 3),
			RetryDelay:  time.Duration(getEnvAsInt("WORKFLOW_RETRY_DELAY_MS", 1000)) * time.Millisecond,
			StopTimeout: time.Duration(getEnvAsInt("WORKFLOW_STOP_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		RedisEnabled:           getEnvAsBool("REDIS_ENABLED", false),
		RedisAddr:              fmt.Sprintf("%s:%s", redisHost, redisPort),
		RealtimeChannel:        getEnv("REALTIME_CHANNEL", "task_events"),
		TokenKey:               getEnv("REDIS_TOKEN_KEY", "dify_task_engine:execution_tokens"),
		RateLimit:              getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
		ShutdownTimeoutSeconds: getEnvAsInt("SHUTDOWN_TIMEOUT_SECONDS", 20),
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("TASK_WORKERS must be greater than 0")
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("TASK_QUEUE_SIZE must be greater than 0")
	}
	if cfg.PollIntervalSeconds <= 0 {
		return fmt.Errorf("TASK_POLL_INTERVAL_SECONDS must be greater than 0")
	}
	if cfg.PollBatchSize <= 0 {
		return fmt.Errorf("TASK_POLL_BATCH_SIZE must be greater than 0")
	}
	if cfg.MaxTaskRetries <= 0 {
		return fmt.Errorf("TASK_MAX_RETRIES must be greater than 0")
	}
	if cfg.ExecutionTokens < 0 {
		return fmt.Errorf("TASK_EXECUTION_TOKENS must not be negative")
	}
	if cfg.Workflow.Timeout <= 0 {
		return fmt.Errorf("WORKFLOW_TIMEOUT_SECONDS must be greater than 0")
	}
	if cfg.Workflow.MaxRetries <= 0 {
		return fmt.Errorf("WORKFLOW_MAX_RETRIES must be greater than 0")
	}
	if cfg.Workflow.RetryDelay < 0 {
		return fmt.Errorf("WORKFLOW_RETRY_DELAY_MS must not be negative")
	}
	if cfg.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN must not be empty")
	}
	if cfg.RateLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be greater than 0")
	}
	if cfg.RedisEnabled && cfg.RealtimeChannel == "" {
		return fmt.Errorf("REALTIME_CHANNEL must not be empty when REDIS_ENABLED is set")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			return defaultVal
		}
		return i
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return defaultVal
		}
		return b
	}
	return defaultVal
}
