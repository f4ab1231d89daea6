// Package eventbus is a small synchronous pub/sub used for informational
// lifecycle events. Subscribers run inline on the publisher's goroutine;
// a panicking subscriber is recovered and logged so it can never take the
// ingestion path down with it.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Luis4nge1/gps-mumlima-back-receiver/internal/metrics"
)

// Topics published by the gateway.
const (
	TopicPositionProcessed = "position.processed"
	TopicBatchFlushed      = "batch.flushed"
	TopicQueueCompleted    = "queue.completed"
	TopicQueueFailed       = "queue.failed"
	TopicStoreWritten      = "store.written"
	TopicStoreCleaned      = "store.cleaned"
	TopicShutdown          = "app.shutdown"
)

// Handler receives one published event.
type Handler func(topic string, data any)

type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a topic. Handlers cannot be removed;
// subscribers live as long as the bus.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers data to every subscriber of the topic, in subscription
// order, on the calling goroutine. Publishing to a topic nobody watches
// is a no-op.
func (b *Bus) Publish(topic string, data any) {
	b.mu.RLock()
	subs := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range subs {
		b.deliver(topic, h, data)
	}
}

func (b *Bus) deliver(topic string, h Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventBusDeliveriesTotal.WithLabelValues(topic, "panic").Inc()
			b.logger.Error("event handler panicked",
				zap.String("topic", topic),
				zap.Any("panic", r))
		}
	}()
	h(topic, data)
	metrics.EventBusDeliveriesTotal.WithLabelValues(topic, "ok").Inc()
}
