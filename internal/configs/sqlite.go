package config

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	model "dify-task-engine.com/dify-task-engine/internal/models"
)

// Models lists every table owned or read by the task engine.
var Models = []any{
	&model.Task{},
	&model.TaskLog{},
	&model.Order{},
	&model.AiServiceConfig{},
}

func NewDatabaseClient(dsn string, appEnv string, log *zap.Logger) (*gorm.DB, error) {
	logLevel := logger.Info
	showSQL := true
	if appEnv == "production" {
		logLevel = logger.Warn
		showSQL = false
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: NewZapGormLogger(log, logLevel, showSQL),
	})
	if err != nil {
		return nil, fmt.Errorf("db open failed: %w", err)
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
