// dedup.go rejects assistant responses that arrive redundantly from more than
// one event source (native engine event vs direct HTTP callback).
package conversation

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultLedgerSize bounds the recent-assistant-message ledger.
	DefaultLedgerSize = 3
	// DefaultLiveWindow is the equality window on the live completion path.
	DefaultLiveWindow = 5 * time.Second
	// DefaultReconcileWindow is the widened window used when merging
	// background turns, tolerating clock drift between the native layer's
	// background timestamping and UI timestamping.
	DefaultReconcileWindow = 30 * time.Second
)

// ledgerEntry is one remembered assistant message.
type ledgerEntry struct {
	content   string
	timestamp int64 // milliseconds
}

// SuppressorConfig tunes duplicate detection. The window values are
// empirically chosen and deliberately configurable.
type SuppressorConfig struct {
	LedgerSize      int
	LiveWindow      time.Duration
	ReconcileWindow time.Duration
}

// DefaultSuppressorConfig returns production defaults.
func DefaultSuppressorConfig() SuppressorConfig {
	return SuppressorConfig{
		LedgerSize:      DefaultLedgerSize,
		LiveWindow:      DefaultLiveWindow,
		ReconcileWindow: DefaultReconcileWindow,
	}
}

// Suppressor keeps a bounded most-recent-first ledger of accepted assistant
// messages and rejects candidates that match either the ledger or the
// already-known history by exact content within a timestamp window.
//
// Only assistant messages are ever checked. A user repeating "ok" twice is
// legitimate input; rejecting it would be an unacceptable false positive.
type Suppressor struct {
	mu     sync.Mutex
	config SuppressorConfig
	ledger []ledgerEntry
}

// NewSuppressor creates a suppressor with the given configuration.
func NewSuppressor(config SuppressorConfig) *Suppressor {
	if config.LedgerSize <= 0 {
		config.LedgerSize = DefaultLedgerSize
	}
	if config.LiveWindow <= 0 {
		config.LiveWindow = DefaultLiveWindow
	}
	if config.ReconcileWindow <= 0 {
		config.ReconcileWindow = DefaultReconcileWindow
	}
	return &Suppressor{
		config: config,
		ledger: make([]ledgerEntry, 0, config.LedgerSize),
	}
}

// Accept reports whether a candidate message should enter the history,
// checked against the ledger and the supplied known messages using the live
// window. Accepted assistant messages update the ledger.
func (s *Suppressor) Accept(content string, timestamp int64, role Role, known []Message) bool {
	if role != RoleAssistant {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	windowMs := s.config.LiveWindow.Milliseconds()

	for _, e := range s.ledger {
		if e.content == content && absInt64(e.timestamp-timestamp) <= windowMs {
			log.Debug().
				Int64("timestamp", timestamp).
				Msg("[Suppressor] duplicate assistant message rejected via ledger")
			return false
		}
	}

	if matchesKnown(content, timestamp, known, windowMs) {
		return false
	}

	// Push front, truncate to the bound.
	s.ledger = append([]ledgerEntry{{content: content, timestamp: timestamp}}, s.ledger...)
	if len(s.ledger) > s.config.LedgerSize {
		s.ledger = s.ledger[:s.config.LedgerSize]
	}

	return true
}

// AcceptReconciled checks a background candidate against the supplied known
// messages only, using the widened reconciliation window. The ledger is
// neither consulted nor updated: every ledger entry already sits in the
// known history, and a batch being merged must not reject its own
// legitimate duplicates against itself.
func (s *Suppressor) AcceptReconciled(content string, timestamp int64, role Role, known []Message) bool {
	if role != RoleAssistant {
		return true
	}
	return !matchesKnown(content, timestamp, known, s.config.ReconcileWindow.Milliseconds())
}

// matchesKnown reports whether an identical assistant entry exists in the
// known messages within the window.
func matchesKnown(content string, timestamp int64, known []Message, windowMs int64) bool {
	for _, m := range known {
		if m.Role == RoleAssistant && m.Content == content && absInt64(m.Timestamp-timestamp) <= windowMs {
			log.Debug().
				Int64("timestamp", timestamp).
				Msg("[Suppressor] duplicate assistant message rejected via history")
			return true
		}
	}
	return false
}

// Reset clears the ledger. Used when the conversation itself is reset.
func (s *Suppressor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger = s.ledger[:0]
}

// LedgerLen returns the current ledger size.
func (s *Suppressor) LedgerLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
