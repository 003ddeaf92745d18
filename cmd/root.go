package cmd

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "dify-task-engine.com/dify-task-engine/internal/configs"
)

var rootCmd = &cobra.Command{
	Use:           "dify-task-engine",
	Short:         "Dify task execution engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

// bootstrap loads the environment and builds the process logger.
func bootstrap() (config.Config, *zap.Logger, error) {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := config.NewLogger(cfg.AppEnv)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
