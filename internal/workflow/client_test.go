package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]ClientOption{WithRetryDelay(0), WithTimeout(2 * time.Second)}, opts...)
	return NewClient(srv.URL+"/v1/", "app-key", opts...)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func writeSSE(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestClient_GetApplicationModeIsMemoized(t *testing.T) {
	var infoCalls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/info":
			infoCalls.Add(1)
			_, _ = w.Write([]byte(`{"name":"triage","mode":"workflow"}`))
		case "/v1/workflows/run":
			_, _ = w.Write([]byte(`{"task_id":"t1","data":{"status":"succeeded","outputs":{"answer":"ok"}}}`))
		}
	})

	ctx := context.Background()
	mode, err := c.GetApplicationMode(ctx)
	require.NoError(t, err)
	require.Equal(t, constants.AppModeWorkflow, mode)

	_, err = c.Execute(ctx, map[string]any{"topic": "x"}, Options{})
	require.NoError(t, err)
	_, err = c.Execute(ctx, map[string]any{"topic": "y"}, Options{})
	require.NoError(t, err)

	require.EqualValues(t, 1, infoCalls.Load())
}

func TestClient_GetApplicationModeFailureIsNotCached(t *testing.T) {
	var infoCalls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if infoCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"mode":"chat"}`))
	})

	_, err := c.GetApplicationMode(context.Background())
	require.True(t, apperrors.IsKind(err, apperrors.KindNetwork))

	mode, err := c.GetApplicationMode(context.Background())
	require.NoError(t, err)
	require.Equal(t, constants.AppModeChat, mode)
}

func TestClient_GetApplicationModeRejectsUnknownMode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"mode":"spreadsheet"}`))
	})

	_, err := c.GetApplicationMode(context.Background())
	require.True(t, apperrors.IsKind(err, apperrors.KindExecution))
}

func TestClient_ExecuteWorkflowBlocking(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/workflows/run", r.URL.Path)
		require.Equal(t, "Bearer app-key", r.Header.Get("Authorization"))

		body := decodeBody(t, r)
		require.Equal(t, "blocking", body["response_mode"])
		require.Equal(t, "patient-7", body["user"])
		require.Equal(t, map[string]any{"symptom": "cough"}, body["inputs"])

		_, _ = w.Write([]byte(`{
			"task_id": "t1",
			"workflow_run_id": "run-1",
			"data": {"status": "succeeded", "outputs": {"diagnosis": "cold"}, "elapsed_time": 1.5, "total_tokens": 42}
		}`))
	}, WithMode(constants.AppModeWorkflow))

	result, err := c.Execute(context.Background(), map[string]any{"symptom": "cough"}, Options{User: "patient-7"})
	require.NoError(t, err)
	require.Equal(t, "t1", result.ID)
	require.Equal(t, "run-1", result.RunID)
	require.Equal(t, "succeeded", result.Status)
	require.Equal(t, 1.5, result.Latency)

	out := result.Output()
	require.Equal(t, "cold", out["diagnosis"])
	require.Equal(t, 42, out["usage"].(map[string]any)["total_tokens"])
}

func TestClient_ExecuteWorkflowFailedRun(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":"t1","data":{"status":"failed","error":"node crashed"}}`))
	}, WithMode(constants.AppModeWorkflow))

	_, err := c.Execute(context.Background(), nil, Options{})
	require.True(t, apperrors.IsKind(err, apperrors.KindExecution))
	require.Contains(t, err.Error(), "node crashed")
}

func TestClient_ExecuteChatBlocking(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat-messages", r.URL.Path)
		body := decodeBody(t, r)
		require.Equal(t, "what is wrong?", body["query"])
		require.Equal(t, "conv-1", body["conversation_id"])

		_, _ = w.Write([]byte(`{
			"task_id": "t2",
			"message_id": "m1",
			"conversation_id": "conv-1",
			"answer": "ok",
			"metadata": {"usage": {"total_tokens": 9, "latency": 0.4}}
		}`))
	}, WithMode(constants.AppModeAdvancedChat))

	result, err := c.Execute(context.Background(),
		map[string]any{"query": "what is wrong?"},
		Options{ConversationID: "conv-1"},
	)
	require.NoError(t, err)
	require.Equal(t, "t2", result.ID)
	require.Equal(t, "m1", result.RunID)
	require.Equal(t, constants.AppModeAdvancedChat, result.Mode)

	out := result.Output()
	require.Equal(t, "ok", out["answer"])
	require.Equal(t, "conv-1", out["conversation_id"])
}

func TestClient_ExecuteChatRequiresQuery(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, WithMode(constants.AppModeChat))

	_, err := c.Execute(context.Background(), map[string]any{"query": "  "}, Options{})
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
	require.Zero(t, calls.Load())
}

func TestClient_ExecuteCompletionBlocking(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/completion-messages", r.URL.Path)
		_, _ = w.Write([]byte(`{"task_id":"t3","message_id":"m3","answer":"a short poem"}`))
	}, WithMode(constants.AppModeCompletion))

	result, err := c.Execute(context.Background(), map[string]any{"topic": "sea"}, Options{})
	require.NoError(t, err)
	require.Equal(t, "a short poem", result.Text)
	require.Equal(t, map[string]any{"text": "a short poem"}, result.Output())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"task_id":"t1","data":{"status":"succeeded","outputs":{"answer":"ok"}}}`))
	}, WithMode(constants.AppModeWorkflow), WithMaxRetries(3))

	result, err := c.Execute(context.Background(), nil, Options{})
	require.NoError(t, err)
	require.Equal(t, "ok", result.Outputs["answer"])
	require.EqualValues(t, 3, calls.Load())
}

func TestClient_DoesNotRetryTerminalStatuses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		kind   apperrors.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.KindPrecondition},
		{"forbidden", http.StatusForbidden, apperrors.KindPrecondition},
		{"bad request", http.StatusBadRequest, apperrors.KindValidation},
		{"not found", http.StatusNotFound, apperrors.KindNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"code":"invalid_param","message":"nope"}`))
			}, WithMode(constants.AppModeWorkflow))

			_, err := c.Execute(context.Background(), nil, Options{})
			require.Error(t, err)
			require.Equal(t, tc.kind, apperrors.KindOf(err))
			require.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestClient_TimeoutExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}, WithMode(constants.AppModeWorkflow), WithTimeout(20*time.Millisecond), WithMaxRetries(3))

	_, err := c.Execute(context.Background(), nil, Options{})
	require.True(t, apperrors.IsKind(err, apperrors.KindNetwork))
	require.Contains(t, err.Error(), "workflow request failed after 3 retries")
	require.EqualValues(t, 3, calls.Load())
}

func TestClient_ExecuteStreamingChat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, "streaming", body["response_mode"])
		require.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		writeSSE(w,
			`{"event":"message","task_id":"t1","message_id":"m1","conversation_id":"c1","answer":"Hel"}`,
			`{"event":"ping"}`,
			`{"event":"message","task_id":"t1","message_id":"m1","answer":"lo"}`,
			`{"event":"message_end","task_id":"t1","metadata":{"usage":{"total_tokens":5,"latency":0.2}}}`,
		)
	}, WithMode(constants.AppModeChat))

	var events []string
	result, err := c.ExecuteStreaming(context.Background(), nil, Options{Query: "hi"}, func(ev StreamEvent) {
		events = append(events, ev.Event)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"message", "ping", "message", "message_end"}, events)
	require.Equal(t, "Hello", result.Answer)
	require.Equal(t, "t1", result.ID)
	require.Equal(t, "c1", result.ConversationID)
	require.Equal(t, 5, result.Usage.TotalTokens)
}

func TestClient_ExecuteStreamingWorkflow(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"event":"workflow_started","task_id":"t9","workflow_run_id":"run-9","data":{"id":"run-9"}}`,
			`{"event":"text_chunk","task_id":"t9","data":{"text":"par"}}`,
			`{"event":"workflow_finished","task_id":"t9","data":{"status":"succeeded","outputs":{"answer":"done"}}}`,
		)
	}, WithMode(constants.AppModeWorkflow))

	result, err := c.ExecuteStreaming(context.Background(), nil, Options{}, nil)
	require.NoError(t, err)
	require.Equal(t, "t9", result.ID)
	require.Equal(t, "run-9", result.RunID)
	require.Equal(t, map[string]any{"answer": "done"}, result.Output())
}

func TestClient_StreamWithoutTerminalEventFails(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeSSE(w, `{"event":"message","task_id":"t1","answer":"partial"}`)
	}, WithMode(constants.AppModeChat))

	_, err := c.ExecuteStreaming(context.Background(), nil, Options{Query: "hi"}, nil)
	require.True(t, apperrors.IsKind(err, apperrors.KindExecution))
	require.EqualValues(t, 1, calls.Load())
}

func TestClient_StreamErrorEventFails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"event":"error","task_id":"t1","status":400,"code":"provider_quota_exceeded","message":"quota exceeded"}`)
	}, WithMode(constants.AppModeCompletion))

	_, err := c.ExecuteStreaming(context.Background(), nil, Options{}, nil)
	require.True(t, apperrors.IsKind(err, apperrors.KindExecution))
	require.Contains(t, err.Error(), "quota exceeded (provider_quota_exceeded)")
}

func TestClient_AgentChatExecutesThroughStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := decodeBody(t, r)
		require.Equal(t, "streaming", body["response_mode"])
		writeSSE(w,
			`{"event":"agent_thought","task_id":"t4"}`,
			`{"event":"agent_message","task_id":"t4","answer":"thinking done"}`,
			`{"event":"message_end","task_id":"t4"}`,
		)
	}, WithMode(constants.AppModeAgentChat))

	result, err := c.Execute(context.Background(), map[string]any{"query": "plan my day"}, Options{})
	require.NoError(t, err)
	require.Equal(t, "thinking done", result.Answer)
	require.Equal(t, "t4", result.ID)
}

func TestClient_Stop(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chat-messages/t1/stop", r.URL.Path)
		require.Equal(t, "dify-task-engine", decodeBody(t, r)["user"])
		_, _ = w.Write([]byte(`{"result":"success"}`))
	}, WithMode(constants.AppModeChat))

	require.NoError(t, c.Stop(context.Background(), "t1"))
}

func TestClient_StopFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, WithMode(constants.AppModeWorkflow))

	err := c.Stop(context.Background(), "t1")
	require.True(t, apperrors.IsKind(err, apperrors.KindExecution))

	err = c.Stop(context.Background(), " ")
	require.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestClient_ValidateInputs(t *testing.T) {
	c := NewClient("http://dify.local/v1", "key", WithRequiredInputs("symptom", "age"))

	res := c.ValidateInputs(map[string]any{"symptom": "cough", "age": 30})
	require.True(t, res.IsValid)
	require.Empty(t, res.Errors)

	res = c.ValidateInputs(map[string]any{"symptom": "  "})
	require.False(t, res.IsValid)
	require.ElementsMatch(t, []string{"symptom must not be blank", "age is required"}, res.Errors)

	res = c.ValidateInputs(nil)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors, "inputs must not be null")
}
