// Package event carries the engine's outbound event feed. Decision
// sources (dashboard, strategies, agents) subscribe to observe fills,
// risk breaches and lifecycle transitions without polling.
package event

import "time"

// Type tags what happened.
type Type string

const (
	TypeStatus         Type = "status"
	TypeOrderExecuted  Type = "order_executed"
	TypeOrderFilled    Type = "order_filled"
	TypeOrderUpdated   Type = "order_updated"
	TypeRiskBreach     Type = "risk_breach"
	TypeCircuitBreaker Type = "circuit_breaker"
	TypePaused         Type = "paused"
	TypeResumed        Type = "resumed"
	TypeShutdown       Type = "shutdown"
	TypeError          Type = "error"
)

// Event is one entry of the feed. Data holds the type-specific payload
// (an order, a breach list, a reason string) and marshals as-is.
type Event struct {
	Type Type      `json:"type"`
	Ts   time.Time `json:"ts"`
	Data any       `json:"data,omitempty"`
}

// New stamps an event with the current time.
func New(t Type, data any) Event {
	return Event{Type: t, Ts: time.Now().UTC(), Data: data}
}
