package data

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimbaBuilds/juniper-core/internal/conversation"
	"github.com/SimbaBuilds/juniper-core/internal/turn"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedConversation(t *testing.T, store *Store, id string) {
	t.Helper()
	require.NoError(t, store.CreateConversation(context.Background(), id, "user-1", "test conversation"))
}

func TestNewDBCreatesSchema(t *testing.T) {
	store, err := NewDB(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Health())
	// Migrations are idempotent.
	require.NoError(t, store.Migrate())
}

func TestRequestRecordLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, store, "conv-1")

	err := store.CreateRequestRecord(ctx, turn.RequestRecord{
		RequestID:      "req-1",
		UserID:         "user-1",
		ConversationID: "conv-1",
		Metadata: map[string]string{
			"userText":      "what time is it",
			"userTimestamp": "1700000000000",
			"favoriteColor": "blue", // not allow-listed; dropped
		},
	})
	require.NoError(t, err)

	status, err := store.RequestStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, turn.StatusPending, status)

	require.NoError(t, store.UpdateRequestStatus(ctx, "req-1", turn.StatusThinking))
	status, err = store.RequestStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, turn.StatusThinking, status)

	// The allow-listed metadata landed in columns; the unknown key did not
	// break the insert.
	var userText string
	require.NoError(t, store.DB().QueryRow(
		`SELECT user_text FROM requests WHERE request_id = ?`, "req-1").Scan(&userText))
	assert.Equal(t, "what time is it", userText)
}

func TestRequestStatusUnknownID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RequestStatus(context.Background(), "ghost")
	require.Error(t, err)
}

func TestUpdateRequestStatusUnknownID(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateRequestStatus(context.Background(), "ghost", turn.StatusCompleted)
	require.Error(t, err)
}

func TestNetworkFlagDoesNotTouchStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, store, "conv-1")
	require.NoError(t, store.CreateRequestRecord(ctx, turn.RequestRecord{
		RequestID: "req-1", UserID: "user-1", ConversationID: "conv-1",
	}))

	require.NoError(t, store.UpdateNetworkSuccess(ctx, "req-1", false))

	status, err := store.RequestStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, turn.StatusPending, status)

	var flag int
	require.NoError(t, store.DB().QueryRow(
		`SELECT network_succeeded FROM requests WHERE request_id = ?`, "req-1").Scan(&flag))
	assert.Zero(t, flag)
}

func TestUncompletedRequests(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, store, "conv-1")

	for _, rec := range []struct {
		id     string
		status turn.Status
	}{
		{"req-pending", turn.StatusPending},
		{"req-processing", turn.StatusProcessing},
		{"req-done", turn.StatusCompleted},
		{"req-failed", turn.StatusFailed},
		{"req-cancelled", turn.StatusCancelled},
	} {
		require.NoError(t, store.CreateRequestRecord(ctx, turn.RequestRecord{
			RequestID: rec.id, UserID: "user-1", ConversationID: "conv-1", Status: rec.status,
		}))
	}

	ids, err := store.UncompletedRequests(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"req-pending", "req-processing"}, ids)
}

func TestBackgroundReconciliationFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, store, "conv-1")

	require.NoError(t, store.CreateRequestRecord(ctx, turn.RequestRecord{
		RequestID: "req-1", UserID: "user-1", ConversationID: "conv-1",
		Metadata: map[string]string{
			"userText":      "remind me tomorrow",
			"userTimestamp": "1700000000",
		},
	}))

	// The turn resolves while the client is down.
	require.NoError(t, store.RecordBackgroundCompletion(ctx, "req-1", "reminder set", 1_700_000_005))

	turns, err := store.GetUnfetchedCompletedRequests(ctx)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "req-1", turns[0].RequestID)
	assert.Equal(t, "conv-1", turns[0].ConversationID)
	assert.Equal(t, "remind me tomorrow", turns[0].UserText)
	assert.Equal(t, "reminder set", turns[0].AssistantText)
	assert.Equal(t, int64(1_700_000_005), turns[0].AssistantTimestamp)

	require.NoError(t, store.MarkFetched(ctx, "req-1"))

	turns, err = store.GetUnfetchedCompletedRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMarkFetchedUnknownID(t *testing.T) {
	store := newTestStore(t)
	require.Error(t, store.MarkFetched(context.Background(), "ghost"))
}

func TestConversationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateConversation(ctx, "conv-1", "user-1", "first chat"))

	rec, err := store.ActiveConversation(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "conv-1", rec.ID)
	assert.Equal(t, "first chat", rec.Title)
	assert.Equal(t, "active", rec.Status)

	require.NoError(t, store.AppendMessage(ctx, "conv-1", conversation.Message{
		Role: conversation.RoleUser, Content: "hello", Timestamp: 1000,
	}))
	require.NoError(t, store.AppendMessage(ctx, "conv-1", conversation.Message{
		Role: conversation.RoleAssistant, Content: "hi", Timestamp: 2000,
	}))

	require.NoError(t, store.CompleteConversation(ctx, "conv-1"))

	rec, err = store.ActiveConversation(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	var count int
	require.NoError(t, store.DB().QueryRow(
		`SELECT message_count FROM conversations WHERE id = ?`, "conv-1").Scan(&count))
	assert.Equal(t, 2, count)

	// Finalization is idempotent.
	require.NoError(t, store.CompleteConversation(ctx, "conv-1"))
}

func TestConversationMessagesOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedConversation(t, store, "conv-1")

	require.NoError(t, store.AppendMessage(ctx, "conv-1", conversation.Message{
		Role: conversation.RoleAssistant, Content: "second", Timestamp: 2000,
	}))
	require.NoError(t, store.AppendMessage(ctx, "conv-1", conversation.Message{
		Role: conversation.RoleUser, Content: "first", Timestamp: 1000, ImageURL: "file://img.png",
	}))

	messages, err := store.ConversationMessages(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "file://img.png", messages[0].ImageURL)
	assert.Equal(t, "second", messages[1].Content)
}
