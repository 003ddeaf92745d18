package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"dify-task-engine.com/dify-task-engine/internal/constants"
)

type Task struct {
	ID                string               `gorm:"primaryKey;size:36" json:"id"`
	OrderID           string               `gorm:"size:64;not null;index" json:"order_id"`
	ServiceConfigID   string               `gorm:"size:64;not null;index" json:"service_config_id"`
	Status            constants.TaskStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	RemoteExecutionID *string              `gorm:"size:128" json:"remote_execution_id,omitempty"`
	InputData         datatypes.JSONMap    `json:"input_data"`
	OutputData        datatypes.JSONMap    `json:"output_data,omitempty"`
	ErrorMessage      *string              `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount        int                  `gorm:"not null;default:0" json:"retry_count"`
	ExecutionTime     *int64               `json:"execution_time,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	StartedAt         *time.Time           `json:"started_at,omitempty"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
	DeletedAt         gorm.DeletedAt       `gorm:"index" json:"-"`
}
