// store.go holds the request, conversation, and message operations. The
// request rows back status polling and background reconciliation; the
// message rows back history rebuilds on relaunch.
package data

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SimbaBuilds/juniper-core/internal/conversation"
	"github.com/SimbaBuilds/juniper-core/internal/turn"
)

// ConversationRecord is a persisted conversation row.
type ConversationRecord struct {
	ID           string
	UserID       string
	Title        string
	Status       string
	MessageCount int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// ─── Request operations ───

// CreateRequestRecord inserts the backing row for a turn request. Optional
// metadata is applied through the field allow-list; unknown keys are
// dropped.
func (s *Store) CreateRequestRecord(ctx context.Context, rec turn.RequestRecord) error {
	if rec.RequestID == "" {
		return fmt.Errorf("request record: request ID cannot be empty")
	}
	if rec.Type == "" {
		rec.Type = "chat"
	}
	if rec.Status == "" {
		rec.Status = turn.StatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (request_id, user_id, conversation_id, type, status)
		VALUES (?, ?, ?, ?, ?)`,
		rec.RequestID, rec.UserID, rec.ConversationID, rec.Type, rec.Status.String(),
	)
	if err != nil {
		return fmt.Errorf("insert request record: %w", err)
	}

	columns, values := mapRequestMetadata(rec.Metadata)
	if len(columns) > 0 {
		assignments := make([]string, len(columns))
		for i, col := range columns {
			assignments[i] = col + " = ?"
		}
		query := "UPDATE requests SET " + strings.Join(assignments, ", ") +
			", updated_at = CURRENT_TIMESTAMP WHERE request_id = ?"
		if _, err := s.db.ExecContext(ctx, query, append(values, rec.RequestID)...); err != nil {
			return fmt.Errorf("apply request metadata: %w", err)
		}
	}

	return nil
}

// UpdateRequestStatus overwrites the persisted status of a request.
func (s *Store) UpdateRequestStatus(ctx context.Context, requestID string, status turn.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE request_id = ?`,
		status.String(), requestID,
	)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update request status: request not found: %s", requestID)
	}
	return nil
}

// UpdateNetworkSuccess records whether the live HTTP path succeeded. A
// false value marks the turn as resolvable only via polling and
// reconciliation; the status column is deliberately left untouched.
func (s *Store) UpdateNetworkSuccess(ctx context.Context, requestID string, ok bool) error {
	flag := 0
	if ok {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE requests SET network_succeeded = ?, updated_at = CURRENT_TIMESTAMP
		WHERE request_id = ?`,
		flag, requestID,
	)
	if err != nil {
		return fmt.Errorf("update network flag: %w", err)
	}
	return nil
}

// RequestStatus reads the persisted status of a request.
func (s *Store) RequestStatus(ctx context.Context, requestID string) (turn.Status, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM requests WHERE request_id = ?`, requestID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return turn.StatusPending, fmt.Errorf("request not found: %s", requestID)
	}
	if err != nil {
		return turn.StatusPending, fmt.Errorf("query request status: %w", err)
	}

	status, known := turn.ParseStatus(raw)
	if !known {
		log.Warn().Str("status", raw).Str("request_id", requestID).
			Msg("[Store] unknown persisted status, treating as pending")
	}
	return status, nil
}

// UncompletedRequests returns IDs of requests that never reached a terminal
// state, oldest first. Used to re-adopt pollers on relaunch.
func (s *Store) UncompletedRequests(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id FROM requests
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at ASC`,
		turn.StatusCompleted.String(), turn.StatusFailed.String(), turn.StatusCancelled.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query uncompleted requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordBackgroundCompletion stores the content of a turn that completed
// out of band, making it visible to reconciliation.
func (s *Store) RecordBackgroundCompletion(ctx context.Context, requestID, assistantText string, assistantTimestamp int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE requests
		SET status = ?, assistant_text = ?, assistant_timestamp = ?, updated_at = CURRENT_TIMESTAMP
		WHERE request_id = ?`,
		turn.StatusCompleted.String(), assistantText, assistantTimestamp, requestID,
	)
	if err != nil {
		return fmt.Errorf("record background completion: %w", err)
	}
	return nil
}

// GetUnfetchedCompletedRequests returns completed requests whose responses
// were never merged into the visible history, oldest first.
func (s *Store) GetUnfetchedCompletedRequests(ctx context.Context) ([]conversation.BackgroundTurn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, conversation_id, user_text, assistant_text, user_timestamp, assistant_timestamp
		FROM requests
		WHERE status = ? AND response_fetched = 0
		ORDER BY created_at ASC`,
		turn.StatusCompleted.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query unfetched requests: %w", err)
	}
	defer rows.Close()

	var turns []conversation.BackgroundTurn
	for rows.Next() {
		var bt conversation.BackgroundTurn
		if err := rows.Scan(&bt.RequestID, &bt.ConversationID, &bt.UserText, &bt.AssistantText, &bt.UserTimestamp, &bt.AssistantTimestamp); err != nil {
			return nil, fmt.Errorf("scan background turn: %w", err)
		}
		turns = append(turns, bt)
	}
	return turns, rows.Err()
}

// MarkFetched flags a completed request as merged into the history.
func (s *Store) MarkFetched(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET response_fetched = 1, updated_at = CURRENT_TIMESTAMP
		WHERE request_id = ?`,
		requestID,
	)
	if err != nil {
		return fmt.Errorf("mark fetched: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark fetched: request not found: %s", requestID)
	}
	return nil
}

// ─── Conversation operations ───

// CreateConversation inserts an active conversation row.
func (s *Store) CreateConversation(ctx context.Context, id, userID, title string) error {
	if id == "" {
		return fmt.Errorf("conversation: ID cannot be empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, status)
		VALUES (?, ?, ?, 'active')`,
		id, userID, title,
	)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// ActiveConversation returns the most recent active conversation for the
// user, or nil if none exists.
func (s *Store) ActiveConversation(ctx context.Context, userID string) (*ConversationRecord, error) {
	var rec ConversationRecord
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, status, message_count, created_at, completed_at
		FROM conversations
		WHERE user_id = ? AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1`,
		userID,
	).Scan(&rec.ID, &rec.UserID, &rec.Title, &rec.Status, &rec.MessageCount, &rec.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active conversation: %w", err)
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}

// CompleteConversation finalizes a conversation, freezing its message
// count. Called when a new chat starts or the idle timeout fires.
func (s *Store) CompleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = 'completed',
		    completed_at = CURRENT_TIMESTAMP,
		    updated_at = CURRENT_TIMESTAMP,
		    message_count = (SELECT COUNT(*) FROM messages WHERE conversation_id = conversations.id)
		WHERE id = ? AND status = 'active'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("complete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already completed or never created; finalization is idempotent.
		log.Debug().Str("conversation_id", id).Msg("[Store] conversation already finalized")
	}
	return nil
}

// ─── Message operations ───

// AppendMessage persists a message and bumps the conversation count in one
// transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	if conversationID == "" {
		return fmt.Errorf("append message: conversation ID cannot be empty")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var imageURL any
		if msg.ImageURL != "" {
			imageURL = msg.ImageURL
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, role, content, timestamp, image_url)
			VALUES (?, ?, ?, ?, ?)`,
			conversationID, string(msg.Role), msg.Content, msg.Timestamp, imageURL,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET message_count = message_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			conversationID,
		); err != nil {
			return fmt.Errorf("bump message count: %w", err)
		}
		return nil
	})
}

// ConversationMessages returns a conversation's messages in timestamp
// order. Used to rebuild the visible history on relaunch.
func (s *Store) ConversationMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp, COALESCE(image_url, '')
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation messages: %w", err)
	}
	defer rows.Close()

	var messages []conversation.Message
	for rows.Next() {
		var msg conversation.Message
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.Timestamp, &msg.ImageURL); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = conversation.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
