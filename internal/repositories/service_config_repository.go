package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
	model "dify-task-engine.com/dify-task-engine/internal/models"
)

type ServiceConfigRepository struct {
	db *gorm.DB
}

func NewServiceConfigRepository(db *gorm.DB) *ServiceConfigRepository {
	return &ServiceConfigRepository{db: db}
}

func (r *ServiceConfigRepository) GetServiceConfig(ctx context.Context, id string) (*model.AiServiceConfig, error) {
	var cfg model.AiServiceConfig
	err := r.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("service config not found")
		}
		return nil, err
	}
	return &cfg, nil
}
