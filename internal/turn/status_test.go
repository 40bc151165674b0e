package turn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	intermediate := []Status{
		StatusPending, StatusThinking, StatusSearching, StatusProcessing,
		StatusConfiguring, StatusRetrieving, StatusStoring, StatusCaring,
		StatusIntegrating, StatusPinging, StatusAutomating,
	}
	for _, s := range intermediate {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestParseStatus(t *testing.T) {
	status, ok := ParseStatus("thinking")
	assert.True(t, ok)
	assert.Equal(t, StatusThinking, status)

	status, ok = ParseStatus("cancelled")
	assert.True(t, ok)
	assert.Equal(t, StatusCancelled, status)

	// Unknown statuses fall back to pending so a newer backend does not
	// wedge an older client.
	status, ok = ParseStatus("daydreaming")
	assert.False(t, ok)
	assert.Equal(t, StatusPending, status)

	status, ok = ParseStatus("")
	assert.False(t, ok)
	assert.Equal(t, StatusPending, status)
}

func TestIDBridgeMapAndResolve(t *testing.T) {
	b := NewIDBridge()

	b.Map("client-1", "native-1")

	assert.Equal(t, "native-1", b.NativeFor("client-1"))
	assert.Equal(t, "client-1", b.ClientFor("native-1"))
	assert.Equal(t, 1, b.Len())
}

func TestIDBridgeRemapDropsStaleCounterparts(t *testing.T) {
	b := NewIDBridge()

	b.Map("client-1", "native-1")
	b.Map("client-1", "native-2")

	assert.Equal(t, "native-2", b.NativeFor("client-1"))
	assert.Equal(t, "", b.ClientFor("native-1"))
	assert.Equal(t, 1, b.Len())

	b.Map("client-2", "native-2")
	assert.Equal(t, "", b.NativeFor("client-1"))
	assert.Equal(t, "client-2", b.ClientFor("native-2"))
	assert.Equal(t, 1, b.Len())
}

func TestIDBridgeUnmapIdempotent(t *testing.T) {
	b := NewIDBridge()

	b.Map("client-1", "native-1")
	b.Unmap("client-1")
	b.Unmap("client-1")
	b.Unmap("never-mapped")

	assert.Equal(t, "", b.NativeFor("client-1"))
	assert.Equal(t, "", b.ClientFor("native-1"))
	assert.Zero(t, b.Len())
}

func TestIDBridgeIgnoresEmptyIDs(t *testing.T) {
	b := NewIDBridge()

	b.Map("", "native-1")
	b.Map("client-1", "")

	assert.Zero(t, b.Len())
}
