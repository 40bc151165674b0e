// state.go decodes the engine's string-encoded state reports. The engine
// serializes its state machine as "<kind>" or "<kind>:<requestId>"; the
// string is decoded exactly once at the bridge boundary so the rest of the
// client works with a typed value.
package nativebridge

import "strings"

// StateKind is the engine's state machine position.
type StateKind string

const (
	StateIdle         StateKind = "idle"
	StateListening    StateKind = "listening"
	StateTranscribing StateKind = "transcribing"
	StateProcessing   StateKind = "processing"
	StateSpeaking     StateKind = "speaking"
	StateError        StateKind = "error"
)

// EngineState is the decoded engine state. RequestID is set when the state
// is scoped to one request (processing, speaking); Detail carries the error
// text for StateError.
type EngineState struct {
	Kind      StateKind
	RequestID string
	Detail    string
}

// ParseEngineState decodes a string-encoded state report. Unknown kinds
// decode as-is so a newer engine does not break older clients; callers
// switch on the kinds they understand.
func ParseEngineState(raw string) EngineState {
	kind, rest, found := strings.Cut(raw, ":")
	state := EngineState{Kind: StateKind(strings.TrimSpace(kind))}
	if !found {
		return state
	}

	rest = strings.TrimSpace(rest)
	if state.Kind == StateError {
		state.Detail = rest
	} else {
		state.RequestID = rest
	}
	return state
}

// Busy reports whether the engine holds an active request.
func (s EngineState) Busy() bool {
	return s.Kind == StateProcessing || s.Kind == StateSpeaking
}
