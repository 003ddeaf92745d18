package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"dify-task-engine.com/dify-task-engine/internal/constants"
	apperrors "dify-task-engine.com/dify-task-engine/internal/errors"
)

// application hides the request and response shape of one Dify app mode.
// All modes share the client's authentication and retry envelope.
type application interface {
	Mode() constants.AppMode
	Path() string
	Body(inputs map[string]any, opts Options, responseMode string) (map[string]any, error)
	Decode(body []byte) (*Result, error)
	StopPath(remoteExecutionID string) string
	TerminalEvent() string
	SupportsBlocking() bool
}

func applicationFor(mode constants.AppMode) (application, error) {
	switch mode {
	case constants.AppModeWorkflow:
		return workflowApp{}, nil
	case constants.AppModeChat, constants.AppModeAgentChat, constants.AppModeAdvancedChat:
		return chatApp{mode: mode}, nil
	case constants.AppModeCompletion:
		return completionApp{}, nil
	default:
		return nil, apperrors.Execution(fmt.Sprintf("unsupported application mode %q", mode), nil)
	}
}

func baseBody(inputs map[string]any, opts Options, responseMode string) map[string]any {
	if inputs == nil {
		inputs = map[string]any{}
	}
	body := map[string]any{
		"inputs":        inputs,
		"response_mode": responseMode,
		"user":          opts.User,
	}
	if len(opts.Files) > 0 {
		body["files"] = opts.Files
	}
	return body
}

type workflowApp struct{}

func (workflowApp) Mode() constants.AppMode { return constants.AppModeWorkflow }
func (workflowApp) Path() string            { return "/workflows/run" }
func (workflowApp) TerminalEvent() string   { return "workflow_finished" }
func (workflowApp) SupportsBlocking() bool  { return true }

func (workflowApp) StopPath(remoteExecutionID string) string {
	return "/workflows/tasks/" + remoteExecutionID + "/stop"
}

func (workflowApp) Body(inputs map[string]any, opts Options, responseMode string) (map[string]any, error) {
	return baseBody(inputs, opts, responseMode), nil
}

func (workflowApp) Decode(body []byte) (*Result, error) {
	var resp struct {
		TaskID        string          `json:"task_id"`
		WorkflowRunID string          `json:"workflow_run_id"`
		Data          workflowRunData `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.Execution("invalid workflow response", err)
	}

	result := &Result{
		ID:    resp.TaskID,
		RunID: resp.WorkflowRunID,
		Mode:  constants.AppModeWorkflow,
	}
	if err := applyWorkflowRun(result, resp.Data); err != nil {
		return nil, err
	}
	return result, nil
}

func applyWorkflowRun(result *Result, data workflowRunData) error {
	result.Status = data.Status
	result.Latency = data.ElapsedTime
	if data.TotalTokens > 0 {
		result.Usage = &TokenUsage{TotalTokens: data.TotalTokens, Latency: data.ElapsedTime}
	}

	switch data.Status {
	case "succeeded", "":
		result.Status = "succeeded"
		if data.Outputs != nil {
			result.Outputs = data.Outputs
		}
		return nil
	case "stopped":
		return apperrors.Execution("workflow run was stopped", nil)
	default:
		msg := data.Error
		if msg == "" {
			msg = "workflow run " + data.Status
		}
		return apperrors.Execution(msg, nil)
	}
}

// chatApp serves the three conversational modes. Agent apps only answer in
// streaming mode, so blocking execution is aggregated from the stream.
type chatApp struct {
	mode constants.AppMode
}

func (a chatApp) Mode() constants.AppMode { return a.mode }
func (chatApp) Path() string              { return "/chat-messages" }
func (chatApp) TerminalEvent() string     { return "message_end" }

func (a chatApp) SupportsBlocking() bool {
	return a.mode != constants.AppModeAgentChat
}

func (chatApp) StopPath(remoteExecutionID string) string {
	return "/chat-messages/" + remoteExecutionID + "/stop"
}

func (chatApp) Body(inputs map[string]any, opts Options, responseMode string) (map[string]any, error) {
	query := strings.TrimSpace(opts.Query)
	if query == "" {
		if q, ok := inputs["query"].(string); ok {
			query = strings.TrimSpace(q)
		}
	}
	if query == "" {
		return nil, apperrors.Validation("chat applications require a query")
	}

	body := baseBody(inputs, opts, responseMode)
	body["query"] = query
	body["conversation_id"] = opts.ConversationID
	return body, nil
}

func (a chatApp) Decode(body []byte) (*Result, error) {
	result, err := decodeMessage(body)
	if err != nil {
		return nil, err
	}
	result.Mode = a.mode
	return result, nil
}

type completionApp struct{}

func (completionApp) Mode() constants.AppMode { return constants.AppModeCompletion }
func (completionApp) Path() string            { return "/completion-messages" }
func (completionApp) TerminalEvent() string   { return "message_end" }
func (completionApp) SupportsBlocking() bool  { return true }

func (completionApp) StopPath(remoteExecutionID string) string {
	return "/completion-messages/" + remoteExecutionID + "/stop"
}

func (completionApp) Body(inputs map[string]any, opts Options, responseMode string) (map[string]any, error) {
	return baseBody(inputs, opts, responseMode), nil
}

func (completionApp) Decode(body []byte) (*Result, error) {
	result, err := decodeMessage(body)
	if err != nil {
		return nil, err
	}
	result.Mode = constants.AppModeCompletion
	result.Text = result.Answer
	return result, nil
}

func decodeMessage(body []byte) (*Result, error) {
	var resp struct {
		TaskID         string           `json:"task_id"`
		ID             string           `json:"id"`
		MessageID      string           `json:"message_id"`
		ConversationID string           `json:"conversation_id"`
		Answer         string           `json:"answer"`
		Metadata       *messageMetadata `json:"metadata"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.Execution("invalid message response", err)
	}

	result := &Result{
		ID:             resp.TaskID,
		RunID:          firstNonEmpty(resp.MessageID, resp.ID),
		ConversationID: resp.ConversationID,
		Status:         "succeeded",
		Answer:         resp.Answer,
	}
	if resp.Metadata != nil && resp.Metadata.Usage != nil {
		result.Usage = resp.Metadata.Usage
		result.Latency = resp.Metadata.Usage.Latency
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
