// Package pebblestore implements store.MessageStore on an embedded Pebble
// database.
//
// Layout:
//
//	m/<id:020d>                                                   -> JSON message
//	i/<len(recipient):uint32be><recipient><createdAt unixnano:020d><id:020d> -> id
//
// The index key sorts by recipient, then creation time, then id, so a
// bounded prefix scan returns an inbox already in order. The length
// prefix keeps one recipient's range from covering names it prefixes.
package pebblestore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/jacentio/directmsg/internal/shard"
	"github.com/jacentio/directmsg/store"
)

// numLocks is the number of write lock stripes.
const numLocks = 64

// Store is a Pebble-backed MessageStore.
type Store struct {
	db    *pebble.DB
	locks [numLocks]sync.Mutex
}

var _ store.MessageStore = (*Store)(nil)

// Open opens or creates the database at path. A nil fs uses the OS
// filesystem; tests pass vfs.NewMem().
func Open(path string, fs vfs.FS) (*Store, error) {
	opts := &pebble.Options{}
	if fs == nil {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create pebble dir: %w", err)
		}
	} else {
		opts.FS = fs
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func messageKey(id int64) []byte {
	return []byte(fmt.Sprintf("m/%020d", id))
}

func inboxPrefix(recipient string) []byte {
	key := make([]byte, 0, 2+4+len(recipient))
	key = append(key, "i/"...)
	key = binary.BigEndian.AppendUint32(key, uint32(len(recipient)))
	return append(key, recipient...)
}

func inboxKey(msg *store.Message) []byte {
	return append(inboxPrefix(msg.Recipient),
		fmt.Sprintf("%020d%020d", msg.CreatedAt.UnixNano(), msg.ID)...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) lockFor(id int64) *sync.Mutex {
	return &s.locks[shard.Of(id, numLocks)]
}

// Create writes the message and its index key in one synced batch.
func (s *Store) Create(_ context.Context, msg *store.Message) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	stored := msg.Clone()
	stored.Replies = []string{}
	data, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	mu := s.lockFor(stored.ID)
	mu.Lock()
	defer mu.Unlock()

	key := messageKey(stored.ID)
	_, closer, err := s.db.Get(key)
	switch {
	case err == nil:
		closer.Close()
		return 0, store.ErrAlreadyExists
	case !errors.Is(err, pebble.ErrNotFound):
		return 0, fmt.Errorf("get message %d: %w", stored.ID, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return 0, fmt.Errorf("stage message: %w", err)
	}
	if err := batch.Set(inboxKey(stored), []byte(strconv.FormatInt(stored.ID, 10)), nil); err != nil {
		return 0, fmt.Errorf("stage inbox entry: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("create message: %w", err)
	}
	return stored.ID, nil
}

// GetByID returns the message with the given id.
func (s *Store) GetByID(_ context.Context, id int64) (*store.Message, error) {
	return get(s.db, id)
}

// AppendReplies holds the id's lock across read-modify-write so
// concurrent appends serialize.
func (s *Store) AppendReplies(_ context.Context, id int64, replies []string) (*store.Message, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	msg, err := get(s.db, id)
	if err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return msg, nil
	}
	msg.Replies = append(msg.Replies, replies...)

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if err := s.db.Set(messageKey(id), data, pebble.Sync); err != nil {
		return nil, fmt.Errorf("append replies to %d: %w", id, err)
	}
	return msg, nil
}

// ListByRecipient scans the recipient's index range on a snapshot and
// resolves each id from the same snapshot.
func (s *Store) ListByRecipient(_ context.Context, recipient string) ([]*store.Message, error) {
	snap := s.db.NewSnapshot()
	defer snap.Close()

	prefix := inboxPrefix(recipient)
	it, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate inbox %s: %w", recipient, err)
	}
	defer it.Close()

	out := []*store.Message{}
	for ok := it.First(); ok; ok = it.Next() {
		id, err := strconv.ParseInt(string(it.Value()), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt inbox entry %q: %w", it.Key(), err)
		}
		msg, err := get(snap, id)
		if err != nil {
			return nil, fmt.Errorf("inbox %s: %w", recipient, err)
		}
		out = append(out, msg)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("iterate inbox %s: %w", recipient, err)
	}
	return out, nil
}

func get(r pebble.Reader, id int64) (*store.Message, error) {
	v, closer, err := r.Get(messageKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	defer closer.Close()

	var msg store.Message
	if err := json.Unmarshal(v, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message %d: %w", id, err)
	}
	if msg.Replies == nil {
		msg.Replies = []string{}
	}
	return &msg, nil
}
