package store

import (
	"context"
	"time"
)

// MessageStore is the storage contract shared by every backend.
type MessageStore interface {
	// Create stores a new message keyed by its ID together with its
	// recipient index entry. Returns ErrAlreadyExists if the ID is taken.
	Create(ctx context.Context, msg *Message) (int64, error)

	// GetByID returns the message with the given ID or ErrNotFound.
	GetByID(ctx context.Context, id int64) (*Message, error)

	// AppendReplies atomically appends replies to the message and returns
	// the updated message. Returns ErrNotFound if the message doesn't exist.
	AppendReplies(ctx context.Context, id int64, replies []string) (*Message, error)

	// ListByRecipient returns all messages addressed to recipient ordered
	// by CreatedAt ascending. Returns an empty slice when there are none.
	ListByRecipient(ctx context.Context, recipient string) ([]*Message, error)
}

// Message is a direct message and its flat reply thread.
type Message struct {
	// ID is the unique, non-negative message identifier.
	ID int64 `json:"id"`

	// Sender is the username of the originating user.
	Sender string `json:"sender"`

	// Recipient is the username of the destination user.
	Recipient string `json:"recipient"`

	// CreatedAt is assigned by the server clock at creation.
	CreatedAt time.Time `json:"createdAt"`

	// Text is the message body.
	Text string `json:"text"`

	// QuickReplies maps an index to a canned reply text. Set once at creation.
	QuickReplies map[int]string `json:"quickReplies,omitempty"`

	// InReplyTo optionally references a parent message by ID.
	InReplyTo *int64 `json:"inReplyTo,omitempty"`

	// Replies is append-only and is the only mutable field.
	Replies []string `json:"replies"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.QuickReplies != nil {
		c.QuickReplies = make(map[int]string, len(m.QuickReplies))
		for k, v := range m.QuickReplies {
			c.QuickReplies[k] = v
		}
	}
	if m.InReplyTo != nil {
		parent := *m.InReplyTo
		c.InReplyTo = &parent
	}
	c.Replies = append(make([]string, 0, len(m.Replies)), m.Replies...)
	return &c
}

// Less reports whether m sorts before other in a recipient index.
// Messages are ordered by CreatedAt, then by ID.
func (m *Message) Less(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Validate checks the fields every backend relies on before a write.
func (m *Message) Validate() error {
	if m == nil || m.ID < 0 || m.Recipient == "" || m.Sender == "" {
		return ErrInvalidMessage
	}
	return nil
}
