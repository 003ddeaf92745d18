package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	config "dify-task-engine.com/dify-task-engine/internal/configs"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
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

		logger.Info("database schema migrated", zap.String("dsn", cfg.DatabaseDSN))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
