package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const resubscribeDelay = 2 * time.Second

// RedisNotifier publishes events on a redis pub/sub channel so every process
// sharing it sees them. Run bridges the channel back into the local bus.
type RedisNotifier struct {
	client  rueidis.Client
	channel string
	bus     *Bus
	log     *zap.Logger
}

func NewRedisNotifier(client rueidis.Client, channel string, log *zap.Logger) *RedisNotifier {
	if log == nil {
		log = zap.L()
	}
	return &RedisNotifier{
		client:  client,
		channel: channel,
		bus:     NewBus(log),
		log:     log.With(zap.String("channel", channel)),
	}
}

// Broadcast publishes the event. When redis is unreachable the event still
// reaches the subscribers of this process.
func (n *RedisNotifier) Broadcast(ctx context.Context, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		n.log.Warn("failed to encode event", zap.String("event", string(event.Type)), zap.Error(err))
		return
	}

	cmd := n.client.B().Publish().Channel(n.channel).Message(string(body)).Build()
	if err := n.client.Do(ctx, cmd).Error(); err != nil {
		n.log.Warn("failed to publish event",
			zap.String("event", string(event.Type)),
			zap.String("task_id", event.TaskID),
			zap.Error(err),
		)
		n.bus.dispatch(event)
	}
}

func (n *RedisNotifier) Subscribe(fn func(Event)) func() {
	return n.bus.Subscribe(fn)
}

// Run consumes the channel until ctx is done, subscribing again after a
// dropped connection.
func (n *RedisNotifier) Run(ctx context.Context) {
	for {
		cmd := n.client.B().Subscribe().Channel(n.channel).Build()
		err := n.client.Receive(ctx, cmd, n.handleMessage)
		if ctx.Err() != nil {
			return
		}
		n.log.Warn("realtime subscription dropped", zap.Error(err))

		select {
		case <-time.After(resubscribeDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (n *RedisNotifier) handleMessage(msg rueidis.PubSubMessage) {
	var event Event
	if err := json.Unmarshal([]byte(msg.Message), &event); err != nil {
		n.log.Warn("dropping malformed event", zap.String("message", msg.Message), zap.Error(err))
		return
	}
	n.bus.dispatch(event)
}
