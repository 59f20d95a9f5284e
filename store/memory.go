package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process MessageStore. A single lock covers the
// primary map and the recipient index, so both change together.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[int64]*Message
	inbox    map[string][]*Message
}

var _ MessageStore = (*MemoryStore)(nil)

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages: make(map[int64]*Message),
		inbox:    make(map[string][]*Message),
	}
}

// Create stores a copy of msg with empty replies and indexes it under its
// recipient. It returns ErrAlreadyExists if the id is taken.
func (s *MemoryStore) Create(_ context.Context, msg *Message) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	stored := msg.Clone()
	stored.Replies = []string{}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[stored.ID]; ok {
		return 0, ErrAlreadyExists
	}
	s.messages[stored.ID] = stored

	entries := s.inbox[stored.Recipient]
	i := sort.Search(len(entries), func(i int) bool {
		return stored.Less(entries[i])
	})
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = stored
	s.inbox[stored.Recipient] = entries

	return stored.ID, nil
}

// GetByID returns a copy of the message, or ErrNotFound.
func (s *MemoryStore) GetByID(_ context.Context, id int64) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg.Clone(), nil
}

// AppendReplies appends replies in order and returns the updated message.
func (s *MemoryStore) AppendReplies(_ context.Context, id int64, replies []string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	msg.Replies = append(msg.Replies, replies...)
	return msg.Clone(), nil
}

// ListByRecipient returns the recipient's messages oldest first.
func (s *MemoryStore) ListByRecipient(_ context.Context, recipient string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.inbox[recipient]
	out := make([]*Message, 0, len(entries))
	for _, msg := range entries {
		out = append(out, msg.Clone())
	}
	return out, nil
}
