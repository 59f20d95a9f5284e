package redisstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/directmsg/store"
	"github.com/jacentio/directmsg/store/redisstore"
	"github.com/jacentio/directmsg/store/storetest"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.MessageStore {
		client, _ := setupTestRedis(t)
		// generous bound for the concurrent append scenario
		return redisstore.New(client, redisstore.Config{MaxRetries: 256})
	})
}

func TestDefaultConfig(t *testing.T) {
	s := redisstore.New(nil, redisstore.Config{})
	assert.Equal(t, redisstore.DefaultConfig(), s.Config())
	assert.Equal(t, "dm:", s.Config().KeyPrefix)
	assert.Equal(t, 16, s.Config().MaxRetries)
}

func TestStore_KeyLayout(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := redisstore.New(client, redisstore.Config{KeyPrefix: "test:"})
	ctx := context.Background()
	createdAt := time.Date(2024, 6, 1, 8, 0, 0, 1500, time.UTC)

	_, err := s.Create(ctx, storetest.NewMessage(42, "alice", "bob", "hi", createdAt))
	require.NoError(t, err)

	assert.True(t, mr.Exists("test:msg:42"))
	members, err := mr.ZMembers("test:inbox:bob")
	require.NoError(t, err)
	require.Len(t, members, 1)

	score, err := mr.ZScore("test:inbox:bob", members[0])
	require.NoError(t, err)
	assert.Equal(t, float64(createdAt.UnixMicro()), score)
}

func TestStore_SameMicrosecondOrdersByNanos(t *testing.T) {
	client, _ := setupTestRedis(t)
	s := redisstore.New(client, redisstore.DefaultConfig())
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

	// higher id, earlier nanosecond, same microsecond
	_, err := s.Create(ctx, storetest.NewMessage(9, "alice", "bob", "earlier", base.Add(100)))
	require.NoError(t, err)
	_, err = s.Create(ctx, storetest.NewMessage(1, "alice", "bob", "later", base.Add(900)))
	require.NoError(t, err)

	inbox, err := s.ListByRecipient(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "earlier", inbox[0].Text)
	assert.Equal(t, "later", inbox[1].Text)
}

// conflictHook rewrites the watched key from another connection right
// before every EXEC, so each optimistic transaction aborts.
type conflictHook struct {
	other *redis.Client
	key   string
}

func (h conflictHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h conflictHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h conflictHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		if v, err := h.other.Get(ctx, h.key).Result(); err == nil {
			h.other.Set(ctx, h.key, v, 0)
		}
		return next(ctx, cmds)
	}
}

func TestStore_AppendGivesUpUnderContention(t *testing.T) {
	client, mr := setupTestRedis(t)
	s := redisstore.New(client, redisstore.Config{MaxRetries: 3})
	ctx := context.Background()

	_, err := s.Create(ctx, storetest.NewMessage(5, "alice", "bob", "hi", time.Now()))
	require.NoError(t, err)

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = other.Close() })
	client.AddHook(conflictHook{other: other, key: "dm:msg:5"})

	_, err = s.AppendReplies(ctx, 5, []string{"lost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnavailable), "got %v", err)

	got, err := s.GetByID(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, got.Replies)
}

func TestStore_BackendDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := redisstore.New(client, redisstore.DefaultConfig())
	mr.Close()

	_, err = s.GetByID(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, store.ErrNotFound))
}
