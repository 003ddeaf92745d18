package workflow

import (
	"encoding/json"

	"dify-task-engine.com/dify-task-engine/internal/constants"
)

const (
	responseModeBlocking  = "blocking"
	responseModeStreaming = "streaming"

	defaultUser = "dify-task-engine"
)

// Options carries the per-call fields of a Dify request besides the inputs.
type Options struct {
	User           string
	Query          string
	ConversationID string
	Files          []File
}

type File struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	URL            string `json:"url,omitempty"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalPrice       string  `json:"total_price,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	Latency          float64 `json:"latency,omitempty"`
}

// Result is the mode independent outcome of one remote execution.
type Result struct {
	// ID is the remote task id, the handle used to stop the execution.
	ID             string
	RunID          string
	ConversationID string
	Mode           constants.AppMode
	Status         string
	Outputs        map[string]any
	Answer         string
	Text           string
	Usage          *TokenUsage
	// Latency is reported by the remote in seconds.
	Latency float64
}

// Output is the structured document persisted as the task output.
func (r *Result) Output() map[string]any {
	out := make(map[string]any)
	switch {
	case r.Outputs != nil:
		for k, v := range r.Outputs {
			out[k] = v
		}
	case r.Mode == constants.AppModeCompletion:
		out["text"] = r.Text
	default:
		out["answer"] = r.Answer
	}
	if r.ConversationID != "" {
		out["conversation_id"] = r.ConversationID
	}
	if r.Usage != nil {
		out["usage"] = map[string]any{
			"prompt_tokens":     r.Usage.PromptTokens,
			"completion_tokens": r.Usage.CompletionTokens,
			"total_tokens":      r.Usage.TotalTokens,
		}
	}
	return out
}

// StreamEvent is one server-sent event of a streaming response.
type StreamEvent struct {
	Event          string           `json:"event"`
	TaskID         string           `json:"task_id"`
	WorkflowRunID  string           `json:"workflow_run_id"`
	ID             string           `json:"id"`
	MessageID      string           `json:"message_id"`
	ConversationID string           `json:"conversation_id"`
	Answer         string           `json:"answer"`
	Data           json.RawMessage  `json:"data,omitempty"`
	Metadata       *messageMetadata `json:"metadata,omitempty"`
	Status         int              `json:"status,omitempty"`
	Code           string           `json:"code,omitempty"`
	Message        string           `json:"message,omitempty"`
}

type ValidationResult struct {
	IsValid bool
	Errors  []string
}

type messageMetadata struct {
	Usage *TokenUsage `json:"usage"`
}

type workflowRunData struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      string         `json:"status"`
	Outputs     map[string]any `json:"outputs"`
	Error       string         `json:"error"`
	ElapsedTime float64        `json:"elapsed_time"`
	TotalTokens int            `json:"total_tokens"`
}

type textChunkData struct {
	Text string `json:"text"`
}

type remoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}
