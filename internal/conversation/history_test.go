package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory() *History {
	return NewHistory(NewSuppressor(DefaultSuppressorConfig()))
}

func TestHistoryAppendUserAlwaysEnters(t *testing.T) {
	h := newTestHistory()

	h.AppendUser(Message{Content: "ok", Timestamp: 1000})
	h.AppendUser(Message{Content: "ok", Timestamp: 1001})

	assert.Equal(t, 2, h.Len())
}

func TestHistoryAppendAssistantDeduplicates(t *testing.T) {
	h := newTestHistory()

	assert.True(t, h.AppendAssistant(Message{Content: "answer", Timestamp: 1000}))
	assert.False(t, h.AppendAssistant(Message{Content: "answer", Timestamp: 2000}))
	assert.Equal(t, 1, h.Len())
}

func TestHistoryReplaceSortsByTimestamp(t *testing.T) {
	h := newTestHistory()

	h.Replace([]Message{
		{Role: RoleAssistant, Content: "second", Timestamp: 2000},
		{Role: RoleUser, Content: "first", Timestamp: 1000},
		{Role: RoleUser, Content: "third", Timestamp: 3000},
	})

	snapshot := h.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "first", snapshot[0].Content)
	assert.Equal(t, "second", snapshot[1].Content)
	assert.Equal(t, "third", snapshot[2].Content)
}

func TestHistoryOnChangeFires(t *testing.T) {
	h := newTestHistory()

	var lengths []int
	h.OnChange(func(length int) { lengths = append(lengths, length) })

	h.AppendUser(Message{Content: "one", Timestamp: 1000})
	h.AppendAssistant(Message{Content: "two", Timestamp: 2000})
	h.Clear()

	assert.Equal(t, []int{1, 2, 0}, lengths)
}

func TestHistoryClearResetsSuppressor(t *testing.T) {
	suppressor := NewSuppressor(DefaultSuppressorConfig())
	h := NewHistory(suppressor)

	require.True(t, h.AppendAssistant(Message{Content: "answer", Timestamp: 1000}))
	h.Clear()

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0, suppressor.LedgerLen())
	// The same content is acceptable again in the fresh conversation.
	assert.True(t, h.AppendAssistant(Message{Content: "answer", Timestamp: 1500}))
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	h := newTestHistory()
	h.AppendUser(Message{Content: "original", Timestamp: 1000})

	snapshot := h.Snapshot()
	snapshot[0].Content = "mutated"

	assert.Equal(t, "original", h.Snapshot()[0].Content)
}
