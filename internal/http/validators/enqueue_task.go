package validators

import (
	"strings"

	dto "dify-task-engine.com/dify-task-engine/internal/data_models"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
)

func ValidateEnqueueTaskRequest(r *dto.EnqueueTaskRequest) error {
	r.OrderID = strings.TrimSpace(r.OrderID)
	r.ServiceConfigID = strings.TrimSpace(r.ServiceConfigID)

	if r.OrderID == "" {
		return apperrors.BadRequest("orderId is required")
	}
	if r.ServiceConfigID == "" {
		return apperrors.BadRequest("serviceConfigId is required")
	}
	return nil
}
