// Package notifier fans task lifecycle events out to observers. Delivery is
// best-effort: a failed publish is logged and never reaches the caller.
package notifier

import (
	"context"
	"time"

	"dify-task-engine.com/dify-task-engine/internal/constants"
)

type Event struct {
	Type      constants.EventType `json:"type"`
	TaskID    string              `json:"task_id"`
	Payload   map[string]any      `json:"payload,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}

type Notifier interface {
	Broadcast(ctx context.Context, event Event)
	// Subscribe registers fn for every event on the channel. Handlers filter
	// by task themselves and must not block.
	Subscribe(fn func(Event)) (unsubscribe func())
}

func NewEvent(eventType constants.EventType, taskID string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		TaskID:    taskID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
