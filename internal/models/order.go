package model

import (
	"time"

	"gorm.io/datatypes"

	"dify-task-engine.com/dify-task-engine/internal/constants"
)

// Order is owned by the order/payment side of the dashboard. The task engine
// only reads it and asks for the processing mark.
type Order struct {
	ID              string                `gorm:"primaryKey;size:64" json:"id"`
	UserID          string                `gorm:"size:64;not null;index" json:"user_id"`
	ServiceConfigID string                `gorm:"size:64;index" json:"service_config_id"`
	InputPayload    datatypes.JSONMap     `json:"input_payload"`
	Status          constants.OrderStatus `gorm:"type:varchar(20);not null" json:"status"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}
