package notifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dify-task-engine.com/dify-task-engine/internal/constants"
)

func TestBus_BroadcastReachesEverySubscriber(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var first, second []Event
	bus.Subscribe(func(e Event) { first = append(first, e) })
	bus.Subscribe(func(e Event) { second = append(second, e) })

	bus.Broadcast(context.Background(), NewEvent(constants.EventTaskCreated, "task-1", nil))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	require.Equal(t, constants.EventTaskCreated, first[0].Type)
	require.Equal(t, "task-1", second[0].TaskID)
	require.False(t, first[0].Timestamp.IsZero())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())

	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })
	require.Equal(t, 1, bus.SubscriberCount())

	unsubscribe()
	unsubscribe()
	require.Zero(t, bus.SubscriberCount())

	bus.Broadcast(context.Background(), NewEvent(constants.EventTaskStarted, "task-1", nil))
	require.Zero(t, calls)
}

func TestBus_PanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop())

	delivered := false
	bus.Subscribe(func(Event) { panic("boom") })
	bus.Subscribe(func(Event) { delivered = true })

	require.NotPanics(t, func() {
		bus.Broadcast(context.Background(), NewEvent(constants.EventTaskFailed, "task-1", nil))
	})
	require.True(t, delivered)
}
