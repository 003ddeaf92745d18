package workflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
)

const maxEventSize = 1 << 20

// ExecuteStreaming runs the application in streaming mode, hands every event
// to onEvent and returns the aggregated result once the terminal event
// arrives. A stream that ends without one is an execution error.
func (c *Client) ExecuteStreaming(
	ctx context.Context,
	inputs map[string]any,
	opts Options,
	onEvent func(StreamEvent),
) (*Result, error) {
	app, err := c.application(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := app.Body(inputs, c.withDefaults(opts), responseModeStreaming)
	if err != nil {
		return nil, err
	}

	var result *Result
	err = c.withRetryStream(ctx, string(app.Mode())+" stream", func(ctx context.Context, headersReceived func()) (bool, error) {
		resp, err := c.openStream(ctx, app.Path(), payload, headersReceived)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		agg := newStreamAggregator(app)
		result, err = agg.consume(resp.Body, onEvent)
		return agg.started, err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// withRetryStream retries like withRetry, except that the client timeout only
// bounds the wait for response headers and a stream which already delivered
// events is never opened again.
func (c *Client) withRetryStream(
	ctx context.Context,
	op string,
	fn func(ctx context.Context, headersReceived func()) (bool, error),
) error {
	return c.withRetry(ctx, op, func(context.Context) error {
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var timedOut atomic.Bool
		timer := time.AfterFunc(c.timeout, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()

		started, err := fn(streamCtx, func() { timer.Stop() })
		if err == nil {
			return nil
		}
		if timedOut.Load() && !started {
			return apperrors.Timeout("stream did not start in time", err)
		}
		if started && apperrors.Retryable(err) {
			return apperrors.Execution("stream interrupted", err)
		}
		return err
	})
}

func (c *Client) openStream(ctx context.Context, path string, payload any, headersReceived func()) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	headersReceived()
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(resp.StatusCode, body)
	}
	return resp, nil
}

type streamAggregator struct {
	app     application
	result  Result
	answer  strings.Builder
	started bool
}

func newStreamAggregator(app application) *streamAggregator {
	return &streamAggregator{app: app, result: Result{Mode: app.Mode()}}
}

func (a *streamAggregator) consume(r io.Reader, onEvent func(StreamEvent)) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(data) == 0 {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			zap.L().Debug("skipping malformed stream event", zap.ByteString("data", data), zap.Error(err))
			continue
		}
		a.started = true

		done, err := a.apply(ev)
		if onEvent != nil {
			onEvent(ev)
		}
		if err != nil {
			return nil, err
		}
		if done {
			return a.finish(), nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, classifyTransportError(err)
	}
	return nil, apperrors.Execution("stream ended without a terminal event", nil)
}

func (a *streamAggregator) apply(ev StreamEvent) (bool, error) {
	if a.result.ID == "" && ev.TaskID != "" {
		a.result.ID = ev.TaskID
	}
	if ev.ConversationID != "" {
		a.result.ConversationID = ev.ConversationID
	}
	if a.result.RunID == "" {
		a.result.RunID = firstNonEmpty(ev.WorkflowRunID, ev.MessageID)
	}

	switch ev.Event {
	case "message", "agent_message":
		a.answer.WriteString(ev.Answer)
	case "message_replace":
		a.answer.Reset()
		a.answer.WriteString(ev.Answer)
	case "text_chunk":
		var chunk textChunkData
		if err := json.Unmarshal(ev.Data, &chunk); err == nil {
			a.answer.WriteString(chunk.Text)
		}
	case "workflow_finished":
		var run workflowRunData
		if err := json.Unmarshal(ev.Data, &run); err != nil {
			return true, apperrors.Execution("invalid workflow_finished event", err)
		}
		if err := applyWorkflowRun(&a.result, run); err != nil {
			return true, err
		}
	case "message_end":
		if ev.Metadata != nil && ev.Metadata.Usage != nil {
			a.result.Usage = ev.Metadata.Usage
			a.result.Latency = ev.Metadata.Usage.Latency
		}
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "remote execution failed"
		}
		if ev.Code != "" {
			msg += " (" + ev.Code + ")"
		}
		return true, apperrors.Execution(msg, nil)
	}

	return ev.Event == a.app.TerminalEvent(), nil
}

func (a *streamAggregator) finish() *Result {
	result := a.result
	if result.Status == "" {
		result.Status = "succeeded"
	}
	result.Answer = a.answer.String()
	if result.Mode == constants.AppModeCompletion {
		result.Text = result.Answer
	}
	return &result
}
