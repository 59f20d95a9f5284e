// Package storetest is a conformance suite for store.MessageStore backends.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jacentio/directmsg/store"
)

// Factory returns an empty store. Cleanup should be registered on t.
type Factory func(t *testing.T) store.MessageStore

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the full suite against the backend produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateDuplicateID", testCreateDuplicateID},
		{"CreateInvalid", testCreateInvalid},
		{"GetMissing", testGetMissing},
		{"AppendReplies", testAppendReplies},
		{"AppendMissing", testAppendMissing},
		{"AppendEmpty", testAppendEmpty},
		{"ConcurrentAppends", testConcurrentAppends},
		{"ListByRecipientOrder", testListByRecipientOrder},
		{"ListByRecipientEmpty", testListByRecipientEmpty},
		{"ListByRecipientCarriesReplies", testListCarriesReplies},
		{"ListByRecipientPrefixedNames", testListPrefixedNames},
		{"IndexConsistency", testIndexConsistency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore)
		})
	}
}

// NewMessage builds a valid message for tests.
func NewMessage(id int64, sender, recipient, text string, createdAt time.Time) *store.Message {
	return &store.Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		CreatedAt: createdAt,
		Text:      text,
	}
}

func testCreateAndGet(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	parent := int64(7)
	msg := NewMessage(42, "alice", "bob", "hi", base.Add(123456789*time.Nanosecond))
	msg.QuickReplies = map[int]string{0: "yes", 1: "no"}
	msg.InReplyTo = &parent
	msg.Replies = []string{"ignored"}

	id, err := s.Create(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	got, err := s.GetByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, "bob", got.Recipient)
	assert.Equal(t, "hi", got.Text)
	assert.True(t, got.CreatedAt.Equal(msg.CreatedAt), "created_at %v != %v", got.CreatedAt, msg.CreatedAt)
	assert.Equal(t, map[int]string{0: "yes", 1: "no"}, got.QuickReplies)
	require.NotNil(t, got.InReplyTo)
	assert.Equal(t, int64(7), *got.InReplyTo)
	assert.Empty(t, got.Replies, "replies must start empty")
}

func testCreateDuplicateID(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewMessage(1, "alice", "bob", "first", base))
	require.NoError(t, err)

	_, err = s.Create(ctx, NewMessage(1, "carol", "bob", "second", base.Add(time.Second)))
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	got, err := s.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Text)

	inbox, err := s.ListByRecipient(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, inbox, 1, "duplicate create must not add an index entry")
}

func testCreateInvalid(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewMessage(1, "", "bob", "x", base))
	assert.ErrorIs(t, err, store.ErrInvalidMessage)

	_, err = s.Create(ctx, NewMessage(-1, "alice", "bob", "x", base))
	assert.ErrorIs(t, err, store.ErrInvalidMessage)

	_, err = s.GetByID(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testGetMissing(t *testing.T, newStore Factory) {
	s := newStore(t)

	_, err := s.GetByID(context.Background(), 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAppendReplies(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewMessage(5, "alice", "bob", "hi", base))
	require.NoError(t, err)

	updated, err := s.AppendReplies(ctx, 5, []string{"one"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, updated.Replies)

	updated, err = s.AppendReplies(ctx, 5, []string{"two", "three"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, updated.Replies)

	got, err := s.GetByID(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got.Replies)
	assert.Equal(t, "hi", got.Text, "append must not touch immutable fields")
}

func testAppendMissing(t *testing.T, newStore Factory) {
	s := newStore(t)

	_, err := s.AppendReplies(context.Background(), 404, []string{"x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testAppendEmpty(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewMessage(6, "alice", "bob", "hi", base))
	require.NoError(t, err)

	got, err := s.AppendReplies(ctx, 6, nil)
	require.NoError(t, err)
	assert.Empty(t, got.Replies)
}

func testConcurrentAppends(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewMessage(10, "alice", "bob", "hi", base))
	require.NoError(t, err)

	const workers = 8
	const perWorker = 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := s.AppendReplies(ctx, 10, []string{fmt.Sprintf("w%d-%02d", w, i)}); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetByID(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got.Replies, workers*perWorker, "no append may be lost")

	// Each worker's own replies keep their submission order
	last := make(map[string]string)
	for _, r := range got.Replies {
		worker := r[:len(r)-3]
		if prev, ok := last[worker]; ok {
			assert.Less(t, prev, r)
		}
		last[worker] = r
	}
}

func testListByRecipientOrder(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	// Inserted out of order on purpose
	fixtures := []*store.Message{
		NewMessage(3, "alice", "bob", "third", base.Add(3*time.Second)),
		NewMessage(1, "carol", "bob", "first", base.Add(1*time.Second)),
		NewMessage(9, "alice", "carol", "other inbox", base.Add(2*time.Second)),
		NewMessage(2, "alice", "bob", "second", base.Add(2*time.Second)),
		NewMessage(4, "alice", "bob", "tie", base.Add(3*time.Second)),
	}
	for _, m := range fixtures {
		_, err := s.Create(ctx, m)
		require.NoError(t, err)
	}

	inbox, err := s.ListByRecipient(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third", "tie"}, texts(inbox))

	for _, m := range inbox {
		assert.Equal(t, "bob", m.Recipient)
	}
}

func testListByRecipientEmpty(t *testing.T, newStore Factory) {
	s := newStore(t)

	inbox, err := s.ListByRecipient(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func testListCarriesReplies(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, NewMessage(11, "alice", "bob", "hi", base))
	require.NoError(t, err)
	_, err = s.AppendReplies(ctx, 11, []string{"hello back"})
	require.NoError(t, err)

	inbox, err := s.ListByRecipient(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, []string{"hello back"}, inbox[0].Replies)
}

// testListPrefixedNames checks that a recipient's inbox never includes
// messages for names that merely start with theirs.
func testListPrefixedNames(t *testing.T, newStore Factory) {
	s := newStore(t)
	ctx := context.Background()

	recipients := []string{"bob", "bob\x00x", "bob\x00", "bobby", "bo", "bob#00"}
	for i, r := range recipients {
		_, err := s.Create(ctx, NewMessage(int64(i+1), "alice", r, "to "+r, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	for _, r := range recipients {
		inbox, err := s.ListByRecipient(ctx, r)
		require.NoError(t, err)
		require.Len(t, inbox, 1, "inbox of %q", r)
		assert.Equal(t, r, inbox[0].Recipient)
		assert.Equal(t, "to "+r, inbox[0].Text)
	}
}

// testIndexConsistency checks that the recipient index returns exactly the
// messages addressed to each recipient, in creation order.
func testIndexConsistency(t *testing.T, newStore Factory) {
	rapid.Check(t, func(rt *rapid.T) {
		s := newStore(t)
		ctx := context.Background()

		users := []string{"alice", "bob", "carol"}
		n := rapid.IntRange(0, 25).Draw(rt, "n")

		var created []*store.Message
		for i := 0; i < n; i++ {
			msg := NewMessage(
				int64(i+1),
				rapid.SampledFrom(users).Draw(rt, "sender"),
				rapid.SampledFrom(users).Draw(rt, "recipient"),
				rapid.StringN(0, 12, -1).Draw(rt, "text"),
				base.Add(time.Duration(rapid.IntRange(0, 10).Draw(rt, "offset"))*time.Millisecond),
			)
			if _, err := s.Create(ctx, msg); err != nil {
				rt.Fatalf("create %d: %v", msg.ID, err)
			}
			created = append(created, msg)
		}

		for _, user := range users {
			var want []*store.Message
			for _, m := range created {
				if m.Recipient == user {
					want = append(want, m)
				}
			}
			sort.Slice(want, func(i, j int) bool { return want[i].Less(want[j]) })

			got, err := s.ListByRecipient(ctx, user)
			if err != nil {
				rt.Fatalf("list %s: %v", user, err)
			}
			if len(got) != len(want) {
				rt.Fatalf("list %s: got %d messages, want %d", user, len(got), len(want))
			}
			for i := range want {
				if got[i].ID != want[i].ID || got[i].Text != want[i].Text {
					rt.Fatalf("list %s[%d]: got id %d, want id %d", user, i, got[i].ID, want[i].ID)
				}
			}
		}
	})
}

func texts(msgs []*store.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}
