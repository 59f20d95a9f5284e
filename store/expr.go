package store

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for persisted timestamps.
// Fixed width keeps lexical order equal to chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// InboxSK returns the index sort key for a message: creation time, then ID.
func InboxSK(createdAt time.Time, id int64) string {
	return fmt.Sprintf("%s#%020d", FormatTime(createdAt), id)
}

// MessageNotExistsCondition guards Create against ID reuse.
func MessageNotExistsCondition() string {
	return "attribute_not_exists(id)"
}

// MessageExistsCondition guards AppendReplies against missing messages.
func MessageExistsCondition() string {
	return "attribute_exists(id)"
}

// AppendRepliesExpr appends :replies to the replies list, creating it if absent.
func AppendRepliesExpr() string {
	return "SET #replies = list_append(if_not_exists(#replies, :empty), :replies)"
}
