package thread

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := newError(KindUnknownUser, nil, "recipient %q does not exist", "zed")

	assert.True(t, errors.Is(err, ErrUnknownUser))
	assert.False(t, errors.Is(err, ErrUnknownMessage))

	wrapped := fmt.Errorf("handler: %w", err)
	assert.True(t, errors.Is(wrapped, ErrUnknownUser))
	assert.Equal(t, KindUnknownUser, KindOf(wrapped))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := newError(KindStoreUnavailable, cause, "create message")

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, `store_unavailable: create message: disk full`, err.Error())
}

func TestError_Message(t *testing.T) {
	err := newError(KindInvalidID, nil, "message id %q is not a non-negative integer", "abc")
	assert.Equal(t, `invalid_id: message id "abc" is not a non-negative integer`, err.Error())
}

func TestKindOf_Foreign(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestSentinels(t *testing.T) {
	sentinels := []*Error{
		ErrMissingField,
		ErrUnknownUser,
		ErrUnknownMessage,
		ErrUnknownQuickReply,
		ErrInvalidID,
		ErrEmptyResult,
		ErrDuplicateID,
		ErrStoreUnavailable,
	}

	seen := make(map[Kind]bool)
	for _, s := range sentinels {
		if s.Message == "" {
			t.Errorf("sentinel %s has empty message", s.Kind)
		}
		if seen[s.Kind] {
			t.Errorf("duplicate kind %s", s.Kind)
		}
		seen[s.Kind] = true
	}
}
