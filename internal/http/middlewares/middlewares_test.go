package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw...)
	e.GET("/tasks", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

func do(e *echo.Echo, path, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(echo.HeaderXRealIP, ip)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiter(t *testing.T) {
	skipHealth := func(c echo.Context) bool { return c.Path() == "/healthz" }
	e := newEcho(RateLimiter(2, time.Minute, skipHealth))

	require.Equal(t, http.StatusOK, do(e, "/tasks", "10.0.0.1").Code)
	require.Equal(t, http.StatusOK, do(e, "/tasks", "10.0.0.1").Code)

	limited := do(e, "/tasks", "10.0.0.1")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.NotEmpty(t, limited.Header().Get("Retry-After"))

	// other clients and skipped routes are unaffected
	require.Equal(t, http.StatusOK, do(e, "/tasks", "10.0.0.2").Code)
	require.Equal(t, http.StatusOK, do(e, "/healthz", "10.0.0.1").Code)
}

func TestRateLimiter_WindowResets(t *testing.T) {
	e := newEcho(RateLimiter(1, 20*time.Millisecond, nil))

	require.Equal(t, http.StatusOK, do(e, "/tasks", "10.0.0.1").Code)
	require.Equal(t, http.StatusTooManyRequests, do(e, "/tasks", "10.0.0.1").Code)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, http.StatusOK, do(e, "/tasks", "10.0.0.1").Code)
}

func TestRequestLogger_PassesErrorsThrough(t *testing.T) {
	e := newEcho(RequestLogger(zap.NewNop()))
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "nope")
	})

	require.Equal(t, http.StatusConflict, do(e, "/boom", "10.0.0.1").Code)
	require.Equal(t, http.StatusOK, do(e, "/tasks", "10.0.0.1").Code)
}
