package conversation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want int64
	}{
		{"seconds converted to millis", 1_700_000_000, 1_700_000_000_000},
		{"millis passed through", 1_700_000_000_000, 1_700_000_000_000},
		{"zero passed through", 0, 0},
		{"boundary just below threshold", 9_999_999_999, 9_999_999_999_000},
		{"boundary at threshold", 10_000_000_000, 10_000_000_000},
		{"negative passed through", -5, -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTimestamp(tt.in))
		})
	}
}

func TestTitleFromMessage(t *testing.T) {
	assert.Equal(t, "short question", TitleFromMessage("short question", 50))
	assert.Equal(t, "trimmed", TitleFromMessage("  trimmed  ", 50))

	long := strings.Repeat("a", 80)
	title := TitleFromMessage(long, 50)
	assert.Equal(t, strings.Repeat("a", 50)+"...", title)

	// Exactly at the limit: no ellipsis.
	exact := strings.Repeat("b", 50)
	assert.Equal(t, exact, TitleFromMessage(exact, 50))

	// Truncation lands on rune boundaries, never mid-codepoint.
	multibyte := strings.Repeat("日", 60)
	title = TitleFromMessage(multibyte, 50)
	assert.True(t, utf8.ValidString(title))
	assert.Equal(t, strings.Repeat("日", 50)+"...", title)
}
