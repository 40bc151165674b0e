// reconciler.go merges conversation turns that completed while the app was
// suspended into the live history. Runs on every foreground transition.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// BackgroundTurn is one user/assistant exchange that resolved in the
// background, discovered via the store rather than live events. The two
// timestamps are independent and may arrive in seconds rather than
// milliseconds.
type BackgroundTurn struct {
	RequestID          string
	ConversationID     string
	UserText           string
	AssistantText      string
	UserTimestamp      int64
	AssistantTimestamp int64
}

// BackgroundSource supplies unsynced background turns, persists the messages
// they merge, and records that they were merged.
type BackgroundSource interface {
	GetUnfetchedCompletedRequests(ctx context.Context) ([]BackgroundTurn, error)
	AppendMessage(ctx context.Context, conversationID string, msg Message) error
	MarkFetched(ctx context.Context, requestID string) error
}

// Reconciler performs the one-shot background merge. It is not an ongoing
// stream; each call fetches whatever accumulated since the last one.
type Reconciler struct {
	source     BackgroundSource
	suppressor *Suppressor
	history    *History
}

// NewReconciler creates a reconciler over the given source and history.
func NewReconciler(source BackgroundSource, suppressor *Suppressor, history *History) *Reconciler {
	return &Reconciler{source: source, suppressor: suppressor, history: history}
}

// Reconcile fetches unsynced background turns, converts them into chat
// messages, merges them with the live history in timestamp order, and marks
// the source turns as synced. Safe to call repeatedly.
//
// Assistant entries are checked against the pre-merge history, not the
// merged set: checking against the merged set would self-reject legitimate
// intra-batch duplicates.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	turns, err := r.source.GetUnfetchedCompletedRequests(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconciler: fetch background turns: %w", err)
	}
	if len(turns) == 0 {
		return 0, nil
	}

	local := r.history.Snapshot()

	var incoming []Message
	for _, t := range turns {
		turnMsgs := []Message{{
			Role:      RoleUser,
			Content:   t.UserText,
			Timestamp: NormalizeTimestamp(t.UserTimestamp),
		}}

		assistantText := strings.TrimSpace(t.AssistantText)
		if assistantText != "" {
			assistantTs := NormalizeTimestamp(t.AssistantTimestamp)
			if r.suppressor.AcceptReconciled(assistantText, assistantTs, RoleAssistant, local) {
				turnMsgs = append(turnMsgs, Message{
					Role:      RoleAssistant,
					Content:   assistantText,
					Timestamp: assistantTs,
				})
			}
		}

		// Merged messages must survive a relaunch: the visible history is
		// rebuilt from the persisted message log, so write them through
		// before the source turn is marked fetched.
		if t.ConversationID != "" {
			for _, msg := range turnMsgs {
				if err := r.source.AppendMessage(ctx, t.ConversationID, msg); err != nil {
					log.Warn().
						Err(err).
						Str("request_id", t.RequestID).
						Msg("[Reconciler] failed to persist merged message")
				}
			}
		}
		incoming = append(incoming, turnMsgs...)
	}

	merged := make([]Message, 0, len(local)+len(incoming))
	merged = append(merged, local...)
	merged = append(merged, incoming...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})

	r.history.Replace(merged)

	for _, t := range turns {
		if err := r.source.MarkFetched(ctx, t.RequestID); err != nil {
			// The merge already happened; a failed mark means the turn is
			// re-fetched next time and collapsed by suppression.
			log.Warn().
				Err(err).
				Str("request_id", t.RequestID).
				Msg("[Reconciler] failed to mark background turn fetched")
		}
	}

	log.Info().
		Int("turns", len(turns)).
		Int("appended", len(incoming)).
		Msg("[Reconciler] merged background turns")

	return len(incoming), nil
}
