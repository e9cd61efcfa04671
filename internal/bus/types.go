package bus

import "github.com/nextlevelbuilder/clawworker/pkg/protocol"

// Event is a broadcast to subscribers (dashboard WebSocket clients, the
// Redis fan-out). Name is one of the protocol.Event* constants.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler receives broadcasts. Handlers must not block.
type EventHandler func(Event)

// EventPublisher is the fire-and-forget side the agent loop and queue use.
type EventPublisher interface {
	Broadcast(event Event)
}

// AgentEvent is the payload of agent, chat, status and task events.
type AgentEvent struct {
	Type      string `json:"type"`
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	Round     int    `json:"round,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// InboundHandler processes one unit of work taken off an external queue.
type InboundHandler func(env protocol.InboundEnvelope)

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Broadcast(Event) {}
