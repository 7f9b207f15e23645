package observability

import "time"

// Domain event routing keys.
const (
	EventMessageCreated  = "message.created"
	EventPresenceUpdated = "presence.updated"
	EventWSConnect       = "ws.connect"
	EventWSDisconnect    = "ws.disconnect"
	EventWSError         = "ws.error"
)

// EventEnvelope wraps every domain event put on the bus.
type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	OccurredAt string      `json:"occurred_at"`
	TraceID    string      `json:"trace_id,omitempty"`
	Payload    interface{} `json:"payload"`
}

// NewEnvelope stamps payload with the current time.
func NewEnvelope(eventType, traceID string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:    traceID,
		Payload:    payload,
	}
}
