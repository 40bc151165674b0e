package turn

import "time"

// Turn is one user-to-assistant exchange. It exists in memory only while in
// flight; the persisted request record outlives it.
type Turn struct {
	// ClientRequestID is generated client-side and keys local state and
	// persistence.
	ClientRequestID string
	// NativeRequestID is the opaque identifier the voice engine assigned to
	// the same turn. Empty until the engine acknowledges the request.
	NativeRequestID string
	// BackendRequestID is the backend's own identifier, used for the cancel
	// endpoint. Empty until the HTTP call resolves or is acknowledged.
	BackendRequestID string
	// ConversationID binds the turn to a conversation record.
	ConversationID string

	UserText      string
	AssistantText string

	CreatedAt  time.Time
	ResolvedAt time.Time

	Status Status
	// NetworkSucceeded tracks whether the last network call to the backend
	// itself completed, independent of business completion. A false value
	// with a non-terminal Status means the backend may still finish the
	// turn asynchronously and polling must continue.
	NetworkSucceeded bool
}
