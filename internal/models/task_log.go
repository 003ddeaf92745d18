package model

import (
	"time"

	"dify-task-engine.com/dify-task-engine/internal/constants"
)

// TaskLog is an append-only audit row written for every lifecycle event.
type TaskLog struct {
	ID        uint                 `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string               `gorm:"size:36;not null;index" json:"task_id"`
	Event     constants.EventType  `gorm:"type:varchar(32);not null" json:"event"`
	Status    constants.TaskStatus `gorm:"type:varchar(20);not null" json:"status"`
	Message   string               `gorm:"type:text" json:"message,omitempty"`
	CreatedAt time.Time            `gorm:"index" json:"created_at"`
}
