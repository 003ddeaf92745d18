// Package workflow is the client of remote Dify applications. One Client
// talks to one application endpoint and hides which of the five application
// modes it runs behind Execute, ExecuteStreaming and Stop.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second

	maxErrorBody = 64 << 10
)

type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	timeout        time.Duration
	maxRetries     int
	retryDelay     time.Duration
	user           string
	requiredInputs []string
	log            *zap.Logger

	modeGroup singleflight.Group
	modeMu    sync.RWMutex
	mode      constants.AppMode
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithMaxRetries(maxRetries int) ClientOption {
	return func(c *Client) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
	}
}

func WithRetryDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

func WithUser(user string) ClientOption {
	return func(c *Client) {
		if user != "" {
			c.user = user
		}
	}
}

func WithRequiredInputs(names ...string) ClientOption {
	return func(c *Client) { c.requiredInputs = append([]string(nil), names...) }
}

// WithMode pins the application mode and skips remote detection.
func WithMode(mode constants.AppMode) ClientOption {
	return func(c *Client) {
		if mode.Valid() {
			c.mode = mode
		}
	}
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		user:       defaultUser,
		log:        zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("dify_base_url", c.baseURL))
	return c
}

// GetApplicationMode asks the remote which mode it runs. The answer is kept
// for the lifetime of the client; concurrent first callers share one request
// and failures are not cached.
func (c *Client) GetApplicationMode(ctx context.Context) (constants.AppMode, error) {
	c.modeMu.RLock()
	mode := c.mode
	c.modeMu.RUnlock()
	if mode != "" {
		return mode, nil
	}

	v, err, _ := c.modeGroup.Do("mode", func() (any, error) {
		fetched, err := c.fetchMode(ctx)
		if err != nil {
			return "", err
		}
		c.modeMu.Lock()
		c.mode = fetched
		c.modeMu.Unlock()
		return fetched, nil
	})
	if err != nil {
		return "", err
	}
	return v.(constants.AppMode), nil
}

func (c *Client) fetchMode(ctx context.Context) (constants.AppMode, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.send(ctx, http.MethodGet, "/info", nil)
	if err != nil {
		return "", err
	}

	var info struct {
		Name string            `json:"name"`
		Mode constants.AppMode `json:"mode"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", apperrors.Execution("invalid application info response", err)
	}
	if !info.Mode.Valid() {
		return "", apperrors.Execution(fmt.Sprintf("unsupported application mode %q", info.Mode), nil)
	}

	c.log.Debug("detected application mode", zap.String("mode", string(info.Mode)), zap.String("app", info.Name))
	return info.Mode, nil
}

// Execute runs the application once and waits for its final result.
func (c *Client) Execute(ctx context.Context, inputs map[string]any, opts Options) (*Result, error) {
	app, err := c.application(ctx)
	if err != nil {
		return nil, err
	}
	if !app.SupportsBlocking() {
		return c.ExecuteStreaming(ctx, inputs, opts, nil)
	}

	payload, err := app.Body(inputs, c.withDefaults(opts), responseModeBlocking)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = c.withRetry(ctx, string(app.Mode())+" request", func(ctx context.Context) error {
		body, err := c.send(ctx, http.MethodPost, app.Path(), payload)
		if err != nil {
			return err
		}
		result, err = app.Decode(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stop asks the remote to halt a running execution. Callers treat it as
// best-effort: the remote may already be done.
func (c *Client) Stop(ctx context.Context, remoteExecutionID string) error {
	if strings.TrimSpace(remoteExecutionID) == "" {
		return apperrors.Validation("remote execution id is required")
	}

	app, err := c.application(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.send(ctx, http.MethodPost, app.StopPath(remoteExecutionID), map[string]any{"user": c.user})
	if err != nil {
		return apperrors.Execution("stop request rejected", err)
	}

	var resp struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Result != "success" {
		return apperrors.Execution("stop request rejected", err)
	}
	return nil
}

// ValidateInputs only checks structure: a document is present and every
// required variable is set. The remote validates the schema.
func (c *Client) ValidateInputs(inputs map[string]any) ValidationResult {
	var errs []string
	if inputs == nil {
		errs = append(errs, "inputs must not be null")
	}
	for _, name := range c.requiredInputs {
		v, ok := inputs[name]
		if !ok || v == nil {
			errs = append(errs, fmt.Sprintf("%s is required", name))
			continue
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			errs = append(errs, fmt.Sprintf("%s must not be blank", name))
		}
	}
	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

func (c *Client) application(ctx context.Context) (application, error) {
	mode, err := c.GetApplicationMode(ctx)
	if err != nil {
		return nil, err
	}
	return applicationFor(mode)
}

func (c *Client) withDefaults(opts Options) Options {
	if opts.User == "" {
		opts.User = c.user
	}
	return opts
}

// withRetry runs fn up to maxRetries times, each attempt bounded by the
// client timeout. Only network and timeout failures are attempted again.
func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return apperrors.Network(op+" cancelled", ctx.Err())
		}
		if !apperrors.Retryable(err) {
			return err
		}

		lastErr = err
		c.log.Warn("remote call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err),
		)

		if attempt < c.maxRetries {
			if err := sleep(ctx, c.retryDelay*time.Duration(attempt)); err != nil {
				return apperrors.Network(op+" cancelled", err)
			}
		}
	}

	return apperrors.Network(fmt.Sprintf("%s failed after %d retries", op, c.maxRetries), lastErr)
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, apperrors.Validation("inputs are not serializable", err.Error())
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, apperrors.Execution("invalid request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) send(ctx context.Context, method, path string, payload any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.Timeout("request timed out", err)
	}
	return apperrors.Network("request failed", err)
}

// statusError maps an HTTP failure to the error taxonomy. Credential,
// not-found and malformed-input failures are terminal.
func statusError(status int, body []byte) error {
	var remote remoteError
	_ = json.Unmarshal(body, &remote)
	msg := remote.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	detail := fmt.Errorf("remote status %d: %s", status, msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.Precondition("invalid application credentials: " + msg)
	case status == http.StatusNotFound:
		return apperrors.NotFound("remote resource not found: " + msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		status == http.StatusRequestEntityTooLarge || status == http.StatusUnsupportedMediaType:
		details := []string{msg}
		if remote.Code != "" {
			details = append(details, "code="+remote.Code)
		}
		return apperrors.Validation("remote rejected the inputs", details...)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperrors.Timeout("remote timed out", detail)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return apperrors.Network("remote unavailable", detail)
	default:
		return apperrors.Execution("remote request failed", detail)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
