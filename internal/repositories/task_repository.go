package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
	model "dify-task-engine.com/dify-task-engine/internal/models"
	"dify-task-engine.com/dify-task-engine/internal/statemachine"
)

type TaskRepository struct {
	db *gorm.DB
}

// Transition is a conditional status update: it only applies while the row
// still holds From, so concurrent writers cannot overwrite each other.
type Transition struct {
	From    constants.TaskStatus
	To      constants.TaskStatus
	Updates map[string]any
	// MaxRetryCount, when set, also requires retry_count < MaxRetryCount.
	MaxRetryCount *int
}

type TaskFilter struct {
	Status constants.TaskStatus
	Limit  int
	Offset int
}

type TaskStats struct {
	Counts               map[constants.TaskStatus]int64
	Total                int64
	AverageExecutionTime float64
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) CreateTask(
	ctx context.Context,
	orderID string,
	serviceConfigID string,
	input datatypes.JSONMap,
) (*model.Task, error) {
	if input == nil {
		input = datatypes.JSONMap{}
	}

	task := &model.Task{
		ID:              uuid.NewString(),
		OrderID:         orderID,
		ServiceConfigID: serviceConfigID,
		Status:          constants.StatusPending,
		InputData:       input,
		RetryCount:      0,
		CreatedAt:       time.Now().UTC(),
	}

	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return nil, err
	}

	return task, nil
}

func (r *TaskRepository) FindByID(ctx context.Context, id string) (*model.Task, error) {
	var task model.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

func (r *TaskRepository) List(ctx context.Context, filter TaskFilter) ([]model.Task, int64, error) {
	scoped := func() *gorm.DB {
		query := r.db.WithContext(ctx).Model(&model.Task{})
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		return query
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []model.Task
	err := scoped().Order("created_at desc").Limit(filter.Limit).Offset(filter.Offset).Find(&tasks).Error
	return tasks, total, err
}

func (r *TaskRepository) ListPendingUnstarted(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		return nil, apperrors.ErrInvalidLimit
	}

	var tasks []model.Task
	query := r.db.WithContext(ctx).
		Where("status = ? AND started_at IS NULL", constants.StatusPending).
		Order("created_at asc").Limit(limit)

	if err := query.Find(&tasks).Error; err != nil {
		return nil, err
	}

	return tasks, nil
}

// ApplyTransition validates the edge against the state machine and performs
// the conditional update. ErrOptimisticLock means the row left From first.
func (r *TaskRepository) ApplyTransition(ctx context.Context, id string, t Transition) error {
	if err := statemachine.Validate(t.From, t.To); err != nil {
		return err
	}

	updates := make(map[string]any, len(t.Updates)+1)
	for k, v := range t.Updates {
		updates[k] = v
	}
	updates["status"] = t.To

	query := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ?", id, t.From)
	if t.MaxRetryCount != nil {
		query = query.Where("retry_count < ?", *t.MaxRetryCount)
	}

	res := query.Updates(updates)
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return apperrors.ErrOptimisticLock
	}

	return nil
}

// RecordRemoteExecution stores the remote run id once, while the task is running.
func (r *TaskRepository) RecordRemoteExecution(ctx context.Context, id, remoteExecutionID string) error {
	res := r.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ? AND status = ? AND remote_execution_id IS NULL", id, constants.StatusRunning).
		Update("remote_execution_id", remoteExecutionID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrOptimisticLock
	}
	return nil
}

// SoftDelete marks a terminal task as removed. The row is kept for audit.
func (r *TaskRepository) SoftDelete(ctx context.Context, id string) error {
	task, err := r.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return apperrors.InvalidTransition(task.Status, "deleted")
	}

	res := r.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, task.Status).
		Delete(&model.Task{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrOptimisticLock
	}
	return nil
}

func (r *TaskRepository) AppendLog(ctx context.Context, entry *model.TaskLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *TaskRepository) ListLogs(ctx context.Context, taskID string) ([]model.TaskLog, error) {
	var logs []model.TaskLog
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at asc, id asc").
		Find(&logs).Error
	return logs, err
}

func (r *TaskRepository) Stats(ctx context.Context) (*TaskStats, error) {
	var rows []struct {
		Status constants.TaskStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := &TaskStats{Counts: make(map[constants.TaskStatus]int64, len(constants.TaskStatuses))}
	for _, status := range constants.TaskStatuses {
		stats.Counts[status] = 0
	}
	for _, row := range rows {
		stats.Counts[row.Status] = row.Count
		stats.Total += row.Count
	}

	var avg struct {
		Average *float64
	}
	err = r.db.WithContext(ctx).Model(&model.Task{}).
		Select("AVG(execution_time) AS average").
		Where("status = ? AND execution_time IS NOT NULL", constants.StatusCompleted).
		Scan(&avg).Error
	if err != nil {
		return nil, err
	}
	if avg.Average != nil {
		stats.AverageExecutionTime = *avg.Average
	}

	return stats, nil
}

func (r *TaskRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
