package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	middleware "dify-task-engine.com/dify-task-engine/internal/http/middlewares"
)

func Register(e *echo.Echo, h *Handler, rateLimitPerMinute int, log *zap.Logger) {
	e.Use(middleware.RequestLogger(log))
	e.Use(middleware.RateLimiter(rateLimitPerMinute, time.Minute, unlimited))

	e.GET("/healthz", h.Health)

	e.POST("/tasks", h.EnqueueTask)
	e.GET("/tasks", h.ListTasks)
	e.GET("/tasks/stats", h.TaskStats)
	e.GET("/tasks/events", h.StreamEvents)
	e.POST("/tasks/retry", h.RetryTask)
	e.POST("/tasks/cancel", h.CancelTask)
	e.GET("/tasks/:id", h.GetTask)
	e.GET("/tasks/:id/logs", h.TaskLogs)
	e.DELETE("/tasks/:id", h.DeleteTask)
}

// unlimited routes are probes and long-lived streams.
func unlimited(c echo.Context) bool {
	switch c.Path() {
	case "/healthz", "/tasks/events":
		return true
	default:
		return false
	}
}
