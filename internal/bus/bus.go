package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

const defaultInboundBuffer = 100

// MessageBus carries inbound work (task assignments, chat turns) from the
// transports to the agent runtime, and broadcasts events to subscribers.
type MessageBus struct {
	inbound chan protocol.InboundEnvelope

	// Event subscribers (subscriber ID → handler)
	subscribers map[string]EventHandler
	subMu       sync.RWMutex

	closeOnce sync.Once
}

func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan protocol.InboundEnvelope, defaultInboundBuffer),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound queues inbound work. Blocks while the buffer is full or
// until ctx is cancelled.
func (mb *MessageBus) PublishInbound(ctx context.Context, env protocol.InboundEnvelope) error {
	select {
	case mb.inbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until inbound work is available or ctx is cancelled.
// Returns false once the bus is closed.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (protocol.InboundEnvelope, bool) {
	select {
	case env, ok := <-mb.inbound:
		return env, ok
	case <-ctx.Done():
		return protocol.InboundEnvelope{}, false
	}
}

// Subscribe registers an event subscriber under id, replacing any previous one.
func (mb *MessageBus) Subscribe(id string, handler EventHandler) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	mb.subscribers[id] = handler
}

// Unsubscribe removes an event subscriber.
func (mb *MessageBus) Unsubscribe(id string) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	delete(mb.subscribers, id)
}

// Broadcast sends an event to all subscribers. A panicking subscriber is
// logged and skipped; it never reaches the publisher.
func (mb *MessageBus) Broadcast(event Event) {
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	for id, handler := range mb.subscribers {
		deliver(id, handler, event)
	}
}

func deliver(id string, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("bus: subscriber panic", "subscriber", id, "event", event.Name, "panic", fmt.Sprint(r))
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of registered subscribers.
func (mb *MessageBus) SubscriberCount() int {
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	return len(mb.subscribers)
}

// Close shuts down the inbound side. Safe to call more than once.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() { close(mb.inbound) })
}
