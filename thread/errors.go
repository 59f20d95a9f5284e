package thread

import (
	"errors"
	"fmt"
)

// Kind classifies a service error. Values are stable and safe to expose.
type Kind string

const (
	KindMissingField      Kind = "missing_field"
	KindUnknownUser       Kind = "unknown_user"
	KindUnknownMessage    Kind = "unknown_message"
	KindUnknownQuickReply Kind = "unknown_quick_reply"
	KindInvalidID         Kind = "invalid_id"
	KindEmptyResult       Kind = "empty_result"
	KindDuplicateID       Kind = "duplicate_id"
	KindStoreUnavailable  Kind = "store_unavailable"
)

// Error is returned by every Service operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrMissingField      = &Error{Kind: KindMissingField, Message: "required field missing"}
	ErrUnknownUser       = &Error{Kind: KindUnknownUser, Message: "user not found"}
	ErrUnknownMessage    = &Error{Kind: KindUnknownMessage, Message: "message not found"}
	ErrUnknownQuickReply = &Error{Kind: KindUnknownQuickReply, Message: "quick reply not found"}
	ErrInvalidID         = &Error{Kind: KindInvalidID, Message: "invalid message id"}
	ErrEmptyResult       = &Error{Kind: KindEmptyResult, Message: "no results"}
	ErrDuplicateID       = &Error{Kind: KindDuplicateID, Message: "message id already in use"}
	ErrStoreUnavailable  = &Error{Kind: KindStoreUnavailable, Message: "store unavailable"}
)

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or "" if err is not a service error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
