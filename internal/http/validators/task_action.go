package validators

import (
	"strings"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	dto "dify-task-engine.com/dify-task-engine/internal/data_models"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
)

func ValidateTaskActionRequest(r *dto.TaskActionRequest) error {
	r.TaskID = strings.TrimSpace(r.TaskID)
	if r.TaskID == "" {
		return apperrors.ErrTaskIDRequired
	}
	return nil
}

func ValidateListTasksQuery(q *dto.ListTasksQuery) error {
	if q.Status != "" && !constants.TaskStatus(q.Status).Valid() {
		return apperrors.BadRequest("unknown status " + q.Status)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return apperrors.ErrInvalidLimit
	}
	return nil
}
