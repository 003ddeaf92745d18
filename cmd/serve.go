package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/rueidis"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "dify-task-engine.com/dify-task-engine/internal/configs"
	httpapi "dify-task-engine.com/dify-task-engine/internal/http"
	model "dify-task-engine.com/dify-task-engine/internal/models"
	"dify-task-engine.com/dify-task-engine/internal/notifier"
	"dify-task-engine.com/dify-task-engine/internal/queue"
	repository "dify-task-engine.com/dify-task-engine/internal/repositories"
	"dify-task-engine.com/dify-task-engine/internal/services"
	"dify-task-engine.com/dify-task-engine/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Starts the task HTTP API, the realtime event stream and the worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer logger.Sync()

		database, err := config.NewDatabaseClient(cfg.DatabaseDSN, cfg.AppEnv, logger)
		if err != nil {
			return err
		}
		if err := config.Migrate(database); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var redisClient rueidis.Client
		if cfg.RedisEnabled {
			redisClient, err = config.NewRedisClient(cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer redisClient.Close()
		}

		var events notifier.Notifier
		if redisClient != nil {
			redisNotifier := notifier.NewRedisNotifier(redisClient, cfg.RealtimeChannel, logger)
			go redisNotifier.Run(ctx)
			events = redisNotifier
		} else {
			events = notifier.NewBus(logger)
		}

		tokens, err := newTokenManager(ctx, cfg, redisClient)
		if err != nil {
			return err
		}

		taskRepo := repository.NewTaskRepository(database)

		factory := workflow.NewFactory(workflow.Settings{
			Timeout:    cfg.Workflow.Timeout,
			MaxRetries: cfg.Workflow.MaxRetries,
			RetryDelay: cfg.Workflow.RetryDelay,
			Logger:     logger,
		})

		pool := services.NewPoolService(taskRepo, services.PoolOptions{
			Workers:       cfg.Workers,
			QueueSize:     cfg.QueueSize,
			PollInterval:  time.Duration(cfg.PollIntervalSeconds) * time.Second,
			PollBatchSize: cfg.PollBatchSize,
			Tokens:        tokens,
		}, logger)

		taskService := services.NewTaskService(
			taskRepo,
			repository.NewOrderRepository(database),
			repository.NewServiceConfigRepository(database),
			func(c *model.AiServiceConfig) services.WorkflowExecutor { return factory.ClientFor(c) },
			events,
			pool,
			services.TaskServiceOptions{
				MaxRetries:      cfg.MaxTaskRetries,
				StreamExecution: cfg.StreamExecution,
				StopTimeout:     cfg.Workflow.StopTimeout,
			},
			logger,
		)
		pool.Start(taskService)

		queryService := services.NewQueryService(taskRepo)

		e := echo.New()
		e.HideBanner = true
		handler := httpapi.NewHandler(taskService, queryService, events, taskRepo.Ping, logger)
		httpapi.Register(e, handler, cfg.RateLimit, logger)

		go func() {
			logger.Info("HTTP server listening", zap.String("addr", cfg.AppURL))
			if err := e.Start(cfg.AppURL); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server stopped", zap.Error(err))
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
		pool.Shutdown(shutdownCtx)

		logger.Info("HTTP server and worker pool shut down gracefully")
		return nil
	},
}

// newTokenManager returns nil when execution tokens are disabled, which
// leaves the worker count as the only concurrency bound.
func newTokenManager(ctx context.Context, cfg config.Config, redisClient rueidis.Client) (queue.TokenManager, error) {
	if cfg.ExecutionTokens == 0 {
		return nil, nil
	}

	var tokens queue.TokenManager
	if redisClient != nil {
		tokens = queue.NewRedisTokenManager(redisClient, cfg.TokenKey)
	} else {
		tokens = queue.NewLocalTokenManager(0)
	}
	if err := tokens.InitializeTokens(ctx, cfg.ExecutionTokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
