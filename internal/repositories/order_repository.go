package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
	model "dify-task-engine.com/dify-task-engine/internal/models"
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("order not found")
		}
		return nil, err
	}
	return &order, nil
}

// MarkProcessing moves a paid (or still pending) order to processing.
// Orders already past that point are left untouched.
func (r *OrderRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status IN ?", id, []constants.OrderStatus{
			constants.OrderStatusPending,
			constants.OrderStatusPaid,
		}).
		Update("status", constants.OrderStatusProcessing).Error
}
