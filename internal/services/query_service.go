package services

import (
	"context"
	"strings"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
	model "dify-task-engine.com/dify-task-engine/internal/models"
	repository "dify-task-engine.com/dify-task-engine/internal/repositories"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// QueryService serves the read side of the task engine. It never writes.
type QueryService struct {
	repo *repository.TaskRepository
}

type TaskStatistics struct {
	Counts               map[constants.TaskStatus]int64
	Total                int64
	AverageExecutionTime float64
	// SuccessRate is completed / (completed + failed), 0 without finished tasks.
	SuccessRate float64
}

func NewQueryService(repo *repository.TaskRepository) *QueryService {
	return &QueryService{repo: repo}
}

func (s *QueryService) GetTask(ctx context.Context, id string) (*model.Task, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ErrTaskIDRequired
	}
	return s.repo.FindByID(ctx, id)
}

func (s *QueryService) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]model.Task, int64, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, apperrors.Validation("unknown task status", string(filter.Status))
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, apperrors.ErrInvalidLimit
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	return s.repo.List(ctx, filter)
}

func (s *QueryService) Stats(ctx context.Context) (*TaskStatistics, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return nil, err
	}

	out := &TaskStatistics{
		Counts:               stats.Counts,
		Total:                stats.Total,
		AverageExecutionTime: stats.AverageExecutionTime,
	}
	completed := stats.Counts[constants.StatusCompleted]
	finished := completed + stats.Counts[constants.StatusFailed]
	if finished > 0 {
		out.SuccessRate = float64(completed) / float64(finished)
	}
	return out, nil
}

func (s *QueryService) Logs(ctx context.Context, taskID string) ([]model.TaskLog, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.ListLogs(ctx, taskID)
}
