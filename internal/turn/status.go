// Package turn drives the per-request lifecycle of a conversation turn:
// creation, serialized dispatch to the backend, in-flight status tracking,
// completion, cancellation, and failure. It is the only subsystem with real
// concurrency hazards; all shared state is guarded here.
package turn

// Status is the lifecycle state of a turn. pending is the only initial
// state; completed, failed and cancelled are terminal. Everything else is an
// intermediate progress state reported by the backend and leaves the turn
// in flight.
type Status string

const (
	StatusPending     Status = "pending"
	StatusThinking    Status = "thinking"
	StatusSearching   Status = "searching"
	StatusProcessing  Status = "processing"
	StatusConfiguring Status = "configuring"
	StatusRetrieving  Status = "retrieving"
	StatusStoring     Status = "storing"
	StatusCaring      Status = "caring"
	StatusIntegrating Status = "integrating"
	StatusPinging     Status = "pinging"
	StatusAutomating  Status = "automating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// String returns the wire/storage representation.
func (s Status) String() string { return string(s) }

// knownStatuses is the closed set accepted from storage and the backend.
var knownStatuses = map[Status]struct{}{
	StatusPending: {}, StatusThinking: {}, StatusSearching: {},
	StatusProcessing: {}, StatusConfiguring: {}, StatusRetrieving: {},
	StatusStoring: {}, StatusCaring: {}, StatusIntegrating: {},
	StatusPinging: {}, StatusAutomating: {}, StatusCompleted: {},
	StatusFailed: {}, StatusCancelled: {},
}

// ParseStatus decodes a persisted status string. Unknown values map to
// pending with ok=false so a corrupt record never fabricates a terminal
// state.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	if _, ok := knownStatuses[st]; ok {
		return st, true
	}
	return StatusPending, false
}
