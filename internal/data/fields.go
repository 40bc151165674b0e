// fields.go maps API-facing camelCase metadata keys onto request columns.
// Only allow-listed keys are written; unknown keys are dropped with a log
// line instead of producing a dynamic-SQL error path.
package data

import "github.com/rs/zerolog/log"

// requestMetadataColumns is the allow-list of optional request metadata
// fields, keyed by the wire-facing camelCase name.
var requestMetadataColumns = map[string]string{
	"conversationId": "conversation_id",
	"requestType":    "type",
	"userText":       "user_text",
	"userTimestamp":  "user_timestamp",
	"assistantText":  "assistant_text",
}

// mapRequestMetadata translates metadata into column/value pairs, dropping
// anything not on the allow-list.
func mapRequestMetadata(metadata map[string]string) (columns []string, values []any) {
	for key, value := range metadata {
		column, ok := requestMetadataColumns[key]
		if !ok {
			log.Debug().Str("key", key).Msg("[Store] dropping unknown request metadata field")
			continue
		}
		columns = append(columns, column)
		values = append(values, value)
	}
	return columns, values
}
