package notifier

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Bus delivers events to the subscribers of this process only.
type Bus struct {
	mu          sync.RWMutex
	nextID      uint64
	subscribers map[uint64]func(Event)
	log         *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.L()
	}
	return &Bus{
		subscribers: make(map[uint64]func(Event)),
		log:         log,
	}
}

func (b *Bus) Broadcast(_ context.Context, event Event) {
	b.dispatch(event)
}

func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]func(Event), 0, len(b.subscribers))
	for _, fn := range b.subscribers {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(fn, event)
	}
}

func (b *Bus) deliver(fn func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event subscriber panicked",
				zap.String("event", string(event.Type)),
				zap.String("task_id", event.TaskID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(event)
}
