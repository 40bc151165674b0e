// Package bus is the event distribution layer of the Juniper client. UI
// surfaces and diagnostics subscribe here instead of hooking the
// controller directly.
package bus

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType identifies an event flowing through the bus.
type EventType string

const (
	// EventStatusChanged fires on every turn status transition.
	EventStatusChanged EventType = "status.changed"

	// EventMessageAppended fires when a message enters the visible history.
	EventMessageAppended EventType = "message.appended"

	// EventTurnCleared fires when in-flight turn state is nulled.
	EventTurnCleared EventType = "turn.cleared"

	// EventConversationReset fires when a conversation is finalized, either
	// explicitly or by the idle timeout.
	EventConversationReset EventType = "conversation.reset"

	// EventEngineState fires on decoded native engine state reports.
	EventEngineState EventType = "engine.state"

	// EventEngineError fires on engine-reported and transport errors.
	EventEngineError EventType = "engine.error"

	// EventSettingsUpdated fires after an out-of-band settings refresh.
	EventSettingsUpdated EventType = "settings.updated"
)

// Event is a single bus event. Only the fields relevant to the event type
// are populated.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// RequestID is the client request ID for turn-scoped events.
	RequestID string `json:"request_id,omitempty"`

	// ConversationID scopes conversation events.
	ConversationID string `json:"conversation_id,omitempty"`

	// Status carries the new status for EventStatusChanged.
	Status string `json:"status,omitempty"`

	// Role and Content carry the message for EventMessageAppended.
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// State carries the engine state kind for EventEngineState.
	State string `json:"state,omitempty"`

	// Error carries the failure text for EventEngineError.
	Error string `json:"error,omitempty"`
}

var eventIDCounter atomic.Uint64

func generateEventID() string {
	return fmt.Sprintf("evt_%d_%d", time.Now().UnixNano(), eventIDCounter.Add(1))
}

// NewEvent creates an event with the current timestamp and a generated ID.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        generateEventID(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}
