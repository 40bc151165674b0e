// history.go holds the in-memory chat history. The history is a cache over
// the persisted message log; ordering is by timestamp ascending.
package conversation

import (
	"sort"
	"sync"
)

// History is the time-ordered in-memory message list for the live session.
// Assistant appends are routed through the duplicate suppressor; user appends
// never are.
type History struct {
	mu         sync.RWMutex
	messages   []Message
	suppressor *Suppressor

	// onChange fires with the new length after every mutation. Drives the
	// idle timer.
	onChange func(length int)
}

// NewHistory creates an empty history backed by the given suppressor.
func NewHistory(suppressor *Suppressor) *History {
	return &History{suppressor: suppressor}
}

// OnChange sets the length-change callback.
func (h *History) OnChange(fn func(length int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// AppendUser appends a user message unconditionally.
func (h *History) AppendUser(msg Message) {
	msg.Role = RoleUser
	h.mu.Lock()
	h.messages = append(h.messages, msg)
	length := len(h.messages)
	fn := h.onChange
	h.mu.Unlock()

	if fn != nil {
		fn(length)
	}
}

// AppendAssistant appends an assistant message if the suppressor accepts it.
// Returns true when the message entered the history.
func (h *History) AppendAssistant(msg Message) bool {
	msg.Role = RoleAssistant

	h.mu.Lock()
	if !h.suppressor.Accept(msg.Content, msg.Timestamp, RoleAssistant, h.messages) {
		h.mu.Unlock()
		return false
	}
	h.messages = append(h.messages, msg)
	length := len(h.messages)
	fn := h.onChange
	h.mu.Unlock()

	if fn != nil {
		fn(length)
	}
	return true
}

// Replace swaps the full history, keeping timestamp order. Used by the
// reconciler to install a merged view.
func (h *History) Replace(messages []Message) {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	h.mu.Lock()
	h.messages = sorted
	length := len(h.messages)
	fn := h.onChange
	h.mu.Unlock()

	if fn != nil {
		fn(length)
	}
}

// Snapshot returns a copy of the current messages.
func (h *History) Snapshot() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.messages)
}

// Clear empties the history and the suppressor ledger.
func (h *History) Clear() {
	h.mu.Lock()
	h.messages = nil
	fn := h.onChange
	h.mu.Unlock()

	h.suppressor.Reset()

	if fn != nil {
		fn(0)
	}
}
