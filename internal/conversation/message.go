// Package conversation maintains the live chat history for a Juniper session:
// an ordered message log, duplicate suppression across redundant delivery
// channels, reconciliation of turns completed while the app was suspended,
// and the idle timeout that finalizes a conversation.
package conversation

import "strings"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one flattened chat history entry. Timestamp is milliseconds
// since the Unix epoch.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	ImageURL  string `json:"image_url,omitempty"`
}

// NormalizeTimestamp converts second-precision timestamps to milliseconds.
// The native layer stamps background turns in seconds; anything below
// 10,000,000,000 cannot be a millisecond value for any date after 1970-04-26.
func NormalizeTimestamp(ts int64) int64 {
	if ts > 0 && ts < 10_000_000_000 {
		return ts * 1000
	}
	return ts
}

// TitleFromMessage derives a conversation title from the first user message,
// truncated to maxLen characters with an ellipsis. Truncation is on rune
// boundaries so a multi-byte first message never yields an invalid title.
func TitleFromMessage(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if maxLen <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen]) + "..."
}
