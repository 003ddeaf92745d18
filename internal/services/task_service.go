package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
	model "dify-task-engine.com/dify-task-engine/internal/models"
	"dify-task-engine.com/dify-task-engine/internal/notifier"
	repository "dify-task-engine.com/dify-task-engine/internal/repositories"
	"dify-task-engine.com/dify-task-engine/internal/statemachine"
	"dify-task-engine.com/dify-task-engine/internal/workflow"
)

// cancelAttempts bounds how often Cancel re-reads a task whose status moved
// between the read and the conditional write.
const cancelAttempts = 3

// WorkflowExecutor is the part of the workflow client the orchestrator uses.
type WorkflowExecutor interface {
	ValidateInputs(inputs map[string]any) workflow.ValidationResult
	Execute(ctx context.Context, inputs map[string]any, opts workflow.Options) (*workflow.Result, error)
	ExecuteStreaming(
		ctx context.Context,
		inputs map[string]any,
		opts workflow.Options,
		onEvent func(workflow.StreamEvent),
	) (*workflow.Result, error)
	Stop(ctx context.Context, remoteExecutionID string) error
}

type ExecutorFactory func(cfg *model.AiServiceConfig) WorkflowExecutor

type OrderLookup interface {
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	MarkProcessing(ctx context.Context, id string) error
}

type ServiceConfigLookup interface {
	GetServiceConfig(ctx context.Context, id string) (*model.AiServiceConfig, error)
}

type Scheduler interface {
	Enqueue(taskID string) bool
}

type TaskServiceOptions struct {
	MaxRetries      int
	StreamExecution bool
	StopTimeout     time.Duration
}

type TaskService struct {
	repo      *repository.TaskRepository
	orders    OrderLookup
	configs   ServiceConfigLookup
	executors ExecutorFactory
	notifier  notifier.Notifier
	scheduler Scheduler
	opts      TaskServiceOptions
	log       *zap.Logger
	now       func() time.Time
}

func NewTaskService(
	repo *repository.TaskRepository,
	orders OrderLookup,
	configs ServiceConfigLookup,
	executors ExecutorFactory,
	n notifier.Notifier,
	scheduler Scheduler,
	opts TaskServiceOptions,
	log *zap.Logger,
) *TaskService {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = constants.DefaultMaxRetries
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if log == nil {
		log = zap.L()
	}
	return &TaskService{
		repo:      repo,
		orders:    orders,
		configs:   configs,
		executors: executors,
		notifier:  n,
		scheduler: scheduler,
		opts:      opts,
		log:       log.Named("tasks"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue creates a pending task for a paid order and schedules its
// execution. Nothing is written when a precondition fails.
func (s *TaskService) Enqueue(
	ctx context.Context,
	orderID string,
	serviceConfigID string,
	input map[string]any,
) (*model.Task, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadServiceConfig(ctx, serviceConfigID); err != nil {
		return nil, err
	}

	if len(input) == 0 {
		input = order.InputPayload
	}

	task, err := s.repo.CreateTask(ctx, order.ID, serviceConfigID, datatypes.JSONMap(input))
	if err != nil {
		return nil, err
	}

	if err := s.orders.MarkProcessing(ctx, order.ID); err != nil {
		s.log.Warn("failed to mark order processing", zap.String("order_id", order.ID), zap.Error(err))
	}

	s.log.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("order_id", task.OrderID),
		zap.String("service_config_id", serviceConfigID),
	)
	s.emit(ctx, task, constants.EventTaskCreated, "task created")
	s.schedule(task.ID)

	return task, nil
}

func (s *TaskService) GetStatus(ctx context.Context, id string) (*model.Task, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ErrTaskIDRequired
	}
	return s.repo.FindByID(ctx, id)
}

// Retry moves a failed task back to pending and schedules it again.
func (s *TaskService) Retry(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if !statemachine.IsValidTransition(task.Status, constants.StatusPending) {
		return nil, apperrors.InvalidTransition(task.Status, constants.StatusPending)
	}
	if task.RetryCount >= s.opts.MaxRetries {
		return nil, apperrors.ErrMaxRetriesReached
	}

	maxRetries := s.opts.MaxRetries
	err = s.repo.ApplyTransition(ctx, task.ID, repository.Transition{
		From: task.Status,
		To:   constants.StatusPending,
		Updates: map[string]any{
			"retry_count":         gorm.Expr("retry_count + 1"),
			"error_message":       nil,
			"remote_execution_id": nil,
			"execution_time":      nil,
			"started_at":          nil,
			"completed_at":        nil,
		},
		MaxRetryCount: &maxRetries,
	})
	if errors.Is(err, apperrors.ErrOptimisticLock) {
		return nil, s.retryConflict(ctx, task.ID)
	}
	if err != nil {
		return nil, err
	}

	task, err = s.repo.FindByID(ctx, task.ID)
	if err != nil {
		return nil, err
	}

	s.log.Info("task retried", zap.String("task_id", task.ID), zap.Int("retry_count", task.RetryCount))
	s.emit(ctx, task, constants.EventTaskRetried, "task retried")
	s.schedule(task.ID)

	return task, nil
}

func (s *TaskService) retryConflict(ctx context.Context, id string) error {
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current.RetryCount >= s.opts.MaxRetries {
		return apperrors.ErrMaxRetriesReached
	}
	return apperrors.InvalidTransition(current.Status, constants.StatusPending)
}

// Cancel stores the cancellation first and only then asks the remote side to
// stop, so a failing stop never blocks the local state change.
func (s *TaskService) Cancel(ctx context.Context, id string) (bool, error) {
	var task *model.Task
	for attempt := 1; ; attempt++ {
		current, err := s.GetStatus(ctx, id)
		if err != nil {
			return false, err
		}
		if !statemachine.IsValidTransition(current.Status, constants.StatusCancelled) {
			return false, apperrors.InvalidTransition(current.Status, constants.StatusCancelled)
		}

		completedAt := s.now()
		err = s.repo.ApplyTransition(ctx, current.ID, repository.Transition{
			From: current.Status,
			To:   constants.StatusCancelled,
			Updates: map[string]any{
				"completed_at":   completedAt,
				"execution_time": executionSeconds(current.StartedAt, completedAt),
			},
		})
		if err == nil {
			task = current
			task.CompletedAt = &completedAt
			break
		}
		if !errors.Is(err, apperrors.ErrOptimisticLock) || attempt == cancelAttempts {
			return false, err
		}
	}

	if task.Status == constants.StatusRunning && task.RemoteExecutionID != nil {
		s.stopRemote(ctx, task)
	}

	task.Status = constants.StatusCancelled
	s.log.Info("task cancelled", zap.String("task_id", task.ID), zap.String("order_id", task.OrderID))
	s.emit(ctx, task, constants.EventTaskCancelled, "task cancelled")

	return true, nil
}

func (s *TaskService) stopRemote(ctx context.Context, task *model.Task) {
	log := s.log.With(zap.String("task_id", task.ID), zap.String("remote_execution_id", *task.RemoteExecutionID))

	cfg, err := s.configs.GetServiceConfig(ctx, task.ServiceConfigID)
	if err != nil {
		log.Warn("remote stop skipped, service config unavailable", zap.Error(err))
		return
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
	defer cancel()

	if err := s.executors(cfg).Stop(stopCtx, *task.RemoteExecutionID); err != nil {
		log.Warn("remote stop failed", zap.Error(err))
		return
	}
	log.Info("remote execution stopped")
}

// Delete soft-deletes a task in a terminal state.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return apperrors.ErrTaskIDRequired
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.log.Info("task deleted", zap.String("task_id", id))
	return nil
}

// ExecuteTask is the background execution of one scheduled attempt. Every
// failure ends up persisted on the task; nothing is returned.
func (s *TaskService) ExecuteTask(ctx context.Context, id string) {
	// the task row must be written even when the pool is being torn down
	storeCtx := context.WithoutCancel(ctx)
	log := s.log.With(zap.String("task_id", id))

	task, err := s.repo.FindByID(storeCtx, id)
	if err != nil {
		log.Warn("scheduled task not loadable", zap.Error(err))
		return
	}
	if task.Status != constants.StatusPending {
		log.Debug("skipping task that is no longer pending", zap.String("status", string(task.Status)))
		return
	}

	startedAt := s.now()
	err = s.repo.ApplyTransition(storeCtx, task.ID, repository.Transition{
		From:    constants.StatusPending,
		To:      constants.StatusRunning,
		Updates: map[string]any{"started_at": startedAt},
	})
	if err != nil {
		log.Info("task not started", zap.Error(err))
		return
	}
	task.Status = constants.StatusRunning
	task.StartedAt = &startedAt
	log = log.With(zap.String("order_id", task.OrderID))
	log.Info("task started")
	s.emit(storeCtx, task, constants.EventTaskStarted, "task started")

	result, err := s.run(ctx, task)
	if err != nil {
		s.fail(storeCtx, log, task, err)
		return
	}
	s.complete(storeCtx, log, task, result)
}

func (s *TaskService) run(ctx context.Context, task *model.Task) (*workflow.Result, error) {
	cfg, err := s.loadServiceConfig(ctx, task.ServiceConfigID)
	if err != nil {
		return nil, err
	}
	executor := s.executors(cfg)

	inputs := map[string]any(task.InputData)
	if validation := executor.ValidateInputs(inputs); !validation.IsValid {
		return nil, apperrors.Validation("invalid task inputs", validation.Errors...)
	}

	opts := workflow.Options{User: s.executionUser(ctx, task)}
	if !s.opts.StreamExecution {
		return executor.Execute(ctx, inputs, opts)
	}

	recorded := false
	return executor.ExecuteStreaming(ctx, inputs, opts, func(ev workflow.StreamEvent) {
		if !recorded && ev.TaskID != "" {
			recorded = true
			s.recordRemoteExecution(ctx, task, ev.TaskID)
		}
		if isProgressEvent(ev.Event) {
			s.notifier.Broadcast(ctx, notifier.NewEvent(constants.EventTaskProgress, task.ID, map[string]any{
				"order_id": task.OrderID,
				"status":   task.Status,
				"stage":    ev.Event,
				"chunk":    ev.Answer,
			}))
		}
	})
}

// recordRemoteExecution stores the remote id as soon as the stream reveals
// it, which makes a running task stoppable.
func (s *TaskService) recordRemoteExecution(ctx context.Context, task *model.Task, remoteID string) {
	if err := s.repo.RecordRemoteExecution(context.WithoutCancel(ctx), task.ID, remoteID); err != nil {
		s.log.Debug("remote execution id not recorded", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	task.RemoteExecutionID = &remoteID
}

func isProgressEvent(event string) bool {
	switch event {
	case "message", "agent_message", "text_chunk", "node_finished", "workflow_started":
		return true
	default:
		return false
	}
}

func (s *TaskService) executionUser(ctx context.Context, task *model.Task) string {
	order, err := s.orders.GetOrder(ctx, task.OrderID)
	if err != nil || order.UserID == "" {
		return ""
	}
	return order.UserID
}

func (s *TaskService) complete(ctx context.Context, log *zap.Logger, task *model.Task, result *workflow.Result) {
	completedAt := s.now()
	executionTime := executionSeconds(task.StartedAt, completedAt)
	output := datatypes.JSONMap(result.Output())

	updates := map[string]any{
		"output_data":    output,
		"completed_at":   completedAt,
		"execution_time": executionTime,
	}
	if result.ID != "" {
		updates["remote_execution_id"] = result.ID
	}

	err := s.repo.ApplyTransition(ctx, task.ID, repository.Transition{
		From:    constants.StatusRunning,
		To:      constants.StatusCompleted,
		Updates: updates,
	})
	if err != nil {
		s.logDroppedWrite(log, constants.StatusCompleted, err)
		return
	}

	task.Status = constants.StatusCompleted
	task.OutputData = output
	task.CompletedAt = &completedAt
	task.ExecutionTime = executionTime
	log.Info("task completed", zap.Int64p("execution_time", executionTime))
	s.emit(ctx, task, constants.EventTaskCompleted, "task completed")
}

func (s *TaskService) fail(ctx context.Context, log *zap.Logger, task *model.Task, cause error) {
	completedAt := s.now()
	executionTime := executionSeconds(task.StartedAt, completedAt)
	message := cause.Error()

	err := s.repo.ApplyTransition(ctx, task.ID, repository.Transition{
		From: constants.StatusRunning,
		To:   constants.StatusFailed,
		Updates: map[string]any{
			"error_message":  message,
			"completed_at":   completedAt,
			"execution_time": executionTime,
		},
	})
	if err != nil {
		s.logDroppedWrite(log, constants.StatusFailed, err)
		return
	}

	task.Status = constants.StatusFailed
	task.ErrorMessage = &message
	task.CompletedAt = &completedAt
	task.ExecutionTime = executionTime
	log.Warn("task failed", zap.String("kind", string(apperrors.KindOf(cause))), zap.Error(cause))
	s.emit(ctx, task, constants.EventTaskFailed, message)
}

// logDroppedWrite covers a terminal write that lost the race, usually to a
// cancellation stored while the remote call was in flight.
func (s *TaskService) logDroppedWrite(log *zap.Logger, to constants.TaskStatus, err error) {
	if errors.Is(err, apperrors.ErrOptimisticLock) {
		log.Info("task left running state during execution, result dropped", zap.String("status", string(to)))
		return
	}
	log.Error("failed to store task result", zap.String("status", string(to)), zap.Error(err))
}

func (s *TaskService) loadOrder(ctx context.Context, orderID string) (*model.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, apperrors.Precondition("order id is required")
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if apperrors.IsKind(err, apperrors.KindNotFound) {
		return nil, apperrors.Precondition("order " + orderID + " not found")
	}
	return order, err
}

func (s *TaskService) loadServiceConfig(ctx context.Context, serviceConfigID string) (*model.AiServiceConfig, error) {
	if strings.TrimSpace(serviceConfigID) == "" {
		return nil, apperrors.Precondition("service config id is required")
	}
	cfg, err := s.configs.GetServiceConfig(ctx, serviceConfigID)
	if apperrors.IsKind(err, apperrors.KindNotFound) {
		return nil, apperrors.Precondition("service config " + serviceConfigID + " not found")
	}
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, apperrors.Precondition("service config " + serviceConfigID + " is inactive")
	}
	if !cfg.HasCredentials() {
		return nil, apperrors.Precondition("service config " + serviceConfigID + " has no credentials")
	}
	return cfg, nil
}

func (s *TaskService) schedule(taskID string) {
	if !s.scheduler.Enqueue(taskID) {
		s.log.Info("task not queued now, the pending sweep will pick it up", zap.String("task_id", taskID))
	}
}

// emit records the event in the task log and broadcasts it. Both are
// best-effort.
func (s *TaskService) emit(ctx context.Context, task *model.Task, eventType constants.EventType, message string) {
	entry := &model.TaskLog{
		TaskID:  task.ID,
		Event:   eventType,
		Status:  task.Status,
		Message: message,
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		s.log.Warn("failed to append task log", zap.String("task_id", task.ID), zap.Error(err))
	}

	payload := map[string]any{
		"order_id":    task.OrderID,
		"status":      task.Status,
		"retry_count": task.RetryCount,
	}
	if task.ErrorMessage != nil {
		payload["error_message"] = *task.ErrorMessage
	}
	if task.OutputData != nil && task.Status == constants.StatusCompleted {
		payload["output_data"] = map[string]any(task.OutputData)
	}
	s.notifier.Broadcast(ctx, notifier.NewEvent(eventType, task.ID, payload))
}

// executionSeconds is completedAt - startedAt rounded to whole seconds, never
// negative. A task that never started has no execution time.
func executionSeconds(startedAt *time.Time, completedAt time.Time) *int64 {
	if startedAt == nil {
		return nil
	}
	seconds := int64(math.Round(completedAt.Sub(*startedAt).Seconds()))
	if seconds < 0 {
		seconds = 0
	}
	return &seconds
}
