// Package redisstore implements store.MessageStore on Redis.
//
// Each message is a JSON string at <prefix>msg:<id>. A recipient's inbox
// is a sorted set at <prefix>inbox:<recipient> scored by creation time in
// microseconds. Members are "<unixnano:020d>:<id:020d>", so equal scores
// still order by exact creation time, then id.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/jacentio/directmsg/store"
)

// Config holds configuration for the Redis store.
type Config struct {
	// KeyPrefix namespaces every key. Default: "dm:"
	KeyPrefix string

	// MaxRetries bounds the optimistic WATCH loop of a write.
	// Default: 16
	MaxRetries int
}

// DefaultConfig returns the default Redis store configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "dm:",
		MaxRetries: 16,
	}
}

func (c *Config) validate() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "dm:"
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 16
	}
}

// Store is a Redis-backed MessageStore.
type Store struct {
	client redis.UniversalClient
	config Config
}

var _ store.MessageStore = (*Store)(nil)

// New creates a Store on an existing client.
func New(client redis.UniversalClient, config Config) *Store {
	config.validate()
	return &Store{client: client, config: config}
}

// Config returns the validated store configuration.
func (s *Store) Config() Config {
	return s.config
}

func (s *Store) messageKey(id int64) string {
	return s.config.KeyPrefix + "msg:" + strconv.FormatInt(id, 10)
}

func (s *Store) inboxKey(recipient string) string {
	return s.config.KeyPrefix + "inbox:" + recipient
}

func inboxMember(msg *store.Message) string {
	return fmt.Sprintf("%020d:%020d", msg.CreatedAt.UnixNano(), msg.ID)
}

func memberID(member string) (int64, error) {
	i := strings.LastIndexByte(member, ':')
	if i < 0 {
		return 0, fmt.Errorf("corrupt inbox member %q", member)
	}
	return strconv.ParseInt(member[i+1:], 10, 64)
}

// Create sets the message and adds its inbox member in one MULTI/EXEC,
// watching the message key so a concurrent create of the same id aborts.
func (s *Store) Create(ctx context.Context, msg *store.Message) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	stored := msg.Clone()
	stored.Replies = []string{}
	data, err := json.Marshal(stored)
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}

	key := s.messageKey(stored.ID)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return store.ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.inboxKey(stored.Recipient), redis.Z{
				Score:  float64(stored.CreatedAt.UnixMicro()),
				Member: inboxMember(stored),
			})
			return nil
		})
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, store.ErrUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("create message: %w", err)
	}
	return stored.ID, nil
}

// GetByID returns the message with the given id.
func (s *Store) GetByID(ctx context.Context, id int64) (*store.Message, error) {
	data, err := s.client.Get(ctx, s.messageKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return decode(id, data)
}

// AppendReplies is an optimistic compare-and-swap on the message key.
func (s *Store) AppendReplies(ctx context.Context, id int64, replies []string) (*store.Message, error) {
	if len(replies) == 0 {
		return s.GetByID(ctx, id)
	}

	key := s.messageKey(id)
	var updated *store.Message
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return store.ErrNotFound
			}
			return err
		}
		msg, err := decode(id, data)
		if err != nil {
			return err
		}
		msg.Replies = append(msg.Replies, replies...)

		out, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			updated = msg
		}
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("append replies to %d: %w", id, err)
	}
	return updated, nil
}

// ListByRecipient reads the inbox members in score order and resolves
// them with a single MGET.
func (s *Store) ListByRecipient(ctx context.Context, recipient string) ([]*store.Message, error) {
	members, err := s.client.ZRange(ctx, s.inboxKey(recipient), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox %s: %w", recipient, err)
	}
	if len(members) == 0 {
		return []*store.Message{}, nil
	}

	ids := make([]int64, len(members))
	keys := make([]string, len(members))
	for i, m := range members {
		id, err := memberID(m)
		if err != nil {
			return nil, err
		}
		ids[i] = id
		keys[i] = s.messageKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read inbox %s messages: %w", recipient, err)
	}

	out := make([]*store.Message, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index members are only written alongside their message
			return nil, fmt.Errorf("inbox %s: message %d: %w", recipient, ids[i], store.ErrNotFound)
		}
		msg, err := decode(ids[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// watch runs txf under WATCH keys, retrying when another client touched
// a watched key between the read and EXEC.
func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: gave up after %d conflicting attempts", store.ErrUnavailable, s.config.MaxRetries)
}

func decode(id int64, data []byte) (*store.Message, error) {
	var msg store.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message %d: %w", id, err)
	}
	if msg.Replies == nil {
		msg.Replies = []string{}
	}
	return &msg, nil
}
