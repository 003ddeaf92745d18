package dto

import (
	"time"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	model "dify-task-engine.com/dify-task-engine/internal/models"
)

type TaskResponse struct {
	ID                string               `json:"id"`
	OrderID           string               `json:"orderId"`
	ServiceConfigID   string               `json:"serviceConfigId"`
	Status            constants.TaskStatus `json:"status"`
	Progress          int                  `json:"progress"`
	RemoteExecutionID *string              `json:"remoteExecutionId,omitempty"`
	InputData         map[string]any       `json:"inputData,omitempty"`
	OutputData        map[string]any       `json:"outputData,omitempty"`
	ErrorMessage      *string              `json:"errorMessage,omitempty"`
	RetryCount        int                  `json:"retryCount"`
	ExecutionTime     *int64               `json:"executionTime,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	StartedAt         *time.Time           `json:"startedAt,omitempty"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty"`
}

// Progress is derived from the status alone; the remote does not report
// intermediate percentages.
func Progress(status constants.TaskStatus) int {
	switch {
	case status == constants.StatusRunning:
		return 50
	case status.IsTerminal():
		return 100
	default:
		return 0
	}
}

func NewTaskResponse(task *model.Task) TaskResponse {
	return TaskResponse{
		ID:                task.ID,
		OrderID:           task.OrderID,
		ServiceConfigID:   task.ServiceConfigID,
		Status:            task.Status,
		Progress:          Progress(task.Status),
		RemoteExecutionID: task.RemoteExecutionID,
		InputData:         task.InputData,
		OutputData:        task.OutputData,
		ErrorMessage:      task.ErrorMessage,
		RetryCount:        task.RetryCount,
		ExecutionTime:     task.ExecutionTime,
		CreatedAt:         task.CreatedAt,
		StartedAt:         task.StartedAt,
		CompletedAt:       task.CompletedAt,
	}
}

type TaskListResponse struct {
	Count int            `json:"count"`
	Total int64          `json:"total"`
	Tasks []TaskResponse `json:"tasks"`
}

func NewTaskListResponse(tasks []model.Task, total int64) TaskListResponse {
	out := TaskListResponse{
		Count: len(tasks),
		Total: total,
		Tasks: make([]TaskResponse, 0, len(tasks)),
	}
	for i := range tasks {
		out.Tasks = append(out.Tasks, NewTaskResponse(&tasks[i]))
	}
	return out
}

type TaskActionResponse struct {
	Success bool          `json:"success"`
	Task    *TaskResponse `json:"task,omitempty"`
}

type TaskLogResponse struct {
	ID        uint                 `json:"id"`
	Event     constants.EventType  `json:"event"`
	Status    constants.TaskStatus `json:"status"`
	Message   string               `json:"message,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
}

type TaskLogsResponse struct {
	TaskID string            `json:"taskId"`
	Logs   []TaskLogResponse `json:"logs"`
}

func NewTaskLogsResponse(taskID string, logs []model.TaskLog) TaskLogsResponse {
	out := TaskLogsResponse{TaskID: taskID, Logs: make([]TaskLogResponse, 0, len(logs))}
	for _, l := range logs {
		out.Logs = append(out.Logs, TaskLogResponse{
			ID:        l.ID,
			Event:     l.Event,
			Status:    l.Status,
			Message:   l.Message,
			CreatedAt: l.CreatedAt,
		})
	}
	return out
}

type StatsResponse struct {
	Counts               map[constants.TaskStatus]int64 `json:"counts"`
	Total                int64                          `json:"total"`
	AverageExecutionTime float64                        `json:"averageExecutionTime"`
	SuccessRate          float64                        `json:"successRate"`
}

type ErrorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}
