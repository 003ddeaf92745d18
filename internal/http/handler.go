package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	dto "dify-task-engine.com/dify-task-engine/internal/data_models"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
	"dify-task-engine.com/dify-task-engine/internal/http/validators"
	"dify-task-engine.com/dify-task-engine/internal/notifier"
	repository "dify-task-engine.com/dify-task-engine/internal/repositories"
	"dify-task-engine.com/dify-task-engine/internal/services"
)

const (
	defaultHeartbeat = 15 * time.Second
	streamBuffer     = 64
)

type Handler struct {
	taskService  *services.TaskService
	queryService *services.QueryService
	notifier     notifier.Notifier
	health       func(ctx context.Context) error
	heartbeat    time.Duration
	log          *zap.Logger
}

func NewHandler(
	taskService *services.TaskService,
	queryService *services.QueryService,
	n notifier.Notifier,
	health func(ctx context.Context) error,
	log *zap.Logger,
) *Handler {
	if log == nil {
		log = zap.L()
	}
	return &Handler{
		taskService:  taskService,
		queryService: queryService,
		notifier:     n,
		health:       health,
		heartbeat:    defaultHeartbeat,
		log:          log.Named("http"),
	}
}

func (h *Handler) EnqueueTask(c echo.Context) error {
	var req dto.EnqueueTaskRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(apperrors.ErrInvalidJSON)
	}
	if err := validators.ValidateEnqueueTaskRequest(&req); err != nil {
		return h.fail(err)
	}

	task, err := h.taskService.Enqueue(c.Request().Context(), req.OrderID, req.ServiceConfigID, req.InputData)
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusAccepted, dto.NewTaskResponse(task))
}

func (h *Handler) GetTask(c echo.Context) error {
	task, err := h.queryService.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, dto.NewTaskResponse(task))
}

func (h *Handler) ListTasks(c echo.Context) error {
	var q dto.ListTasksQuery
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return h.fail(apperrors.BadRequest("invalid query parameters"))
	}
	if err := validators.ValidateListTasksQuery(&q); err != nil {
		return h.fail(err)
	}

	tasks, total, err := h.queryService.ListTasks(c.Request().Context(), repository.TaskFilter{
		Status: constants.TaskStatus(q.Status),
		Limit:  q.Limit,
		Offset: q.Offset,
	})
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, dto.NewTaskListResponse(tasks, total))
}

func (h *Handler) TaskStats(c echo.Context) error {
	stats, err := h.queryService.Stats(c.Request().Context())
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, dto.StatsResponse{
		Counts:               stats.Counts,
		Total:                stats.Total,
		AverageExecutionTime: stats.AverageExecutionTime,
		SuccessRate:          stats.SuccessRate,
	})
}

func (h *Handler) TaskLogs(c echo.Context) error {
	id := c.Param("id")
	logs, err := h.queryService.Logs(c.Request().Context(), id)
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, dto.NewTaskLogsResponse(id, logs))
}

func (h *Handler) RetryTask(c echo.Context) error {
	var req dto.TaskActionRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(apperrors.ErrInvalidJSON)
	}
	if err := validators.ValidateTaskActionRequest(&req); err != nil {
		return h.fail(err)
	}

	task, err := h.taskService.Retry(c.Request().Context(), req.TaskID)
	if err != nil {
		return h.fail(err)
	}

	resp := dto.NewTaskResponse(task)
	return c.JSON(http.StatusOK, dto.TaskActionResponse{Success: true, Task: &resp})
}

func (h *Handler) CancelTask(c echo.Context) error {
	var req dto.TaskActionRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(apperrors.ErrInvalidJSON)
	}
	if err := validators.ValidateTaskActionRequest(&req); err != nil {
		return h.fail(err)
	}

	ok, err := h.taskService.Cancel(c.Request().Context(), req.TaskID)
	if err != nil {
		return h.fail(err)
	}

	return c.JSON(http.StatusOK, dto.TaskActionResponse{Success: ok})
}

func (h *Handler) DeleteTask(c echo.Context) error {
	if err := h.taskService.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(err)
	}

	return c.NoContent(http.StatusNoContent)
}

// StreamEvents pushes lifecycle events as server-sent events, optionally
// only those of one task. Slow clients lose events rather than block others.
func (h *Handler) StreamEvents(c echo.Context) error {
	taskID := c.QueryParam("task_id")

	events := make(chan notifier.Event, streamBuffer)
	unsubscribe := h.notifier.Subscribe(func(e notifier.Event) {
		if taskID != "" && e.TaskID != taskID {
			return
		}
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	fmt.Fprint(res, ": connected\n\n")
	res.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": ping\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case e := <-events:
			body, err := json.Marshal(e)
			if err != nil {
				h.log.Warn("failed to encode stream event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", e.Type, body); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

func (h *Handler) Health(c echo.Context) error {
	if h.health != nil {
		if err := h.health(c.Request().Context()); err != nil {
			h.log.Warn("health check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

// fail turns a service error into an HTTP error carrying its kind. Errors
// outside the taxonomy are logged and hidden behind a 500.
func (h *Handler) fail(err error) error {
	var appErr *apperrors.Exception
	if !errors.As(err, &appErr) {
		h.log.Error("unexpected error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
	}

	return echo.NewHTTPError(appErr.StatusCode, dto.ErrorResponse{
		Error:   appErr.Message,
		Kind:    string(appErr.Kind),
		Details: appErr.Details,
	})
}
