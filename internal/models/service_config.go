package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"

	"dify-task-engine.com/dify-task-engine/internal/constants"
)

type AiServiceConfig struct {
	ID             string                      `gorm:"primaryKey;size:64" json:"id"`
	Name           string                      `gorm:"size:128;not null" json:"name"`
	APIKey         string                      `gorm:"size:255" json:"-"`
	BaseURL        string                      `gorm:"size:255" json:"base_url"`
	IsActive       bool                        `gorm:"not null" json:"is_active"`
	// AppMode skips remote mode detection when set.
	AppMode        constants.AppMode           `gorm:"type:varchar(20)" json:"app_mode,omitempty"`
	RequiredInputs datatypes.JSONSlice[string] `json:"required_inputs,omitempty"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

func (AiServiceConfig) TableName() string {
	return "ai_service_configs"
}

func (c *AiServiceConfig) HasCredentials() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.BaseURL) != ""
}
