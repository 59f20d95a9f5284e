package thread

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jacentio/directmsg/internal/logging"
	"github.com/jacentio/directmsg/internal/metrics"
	"github.com/jacentio/directmsg/store"
)

// DefaultMaxIDAttempts bounds how often SendMessage draws a new id after
// a collision.
const DefaultMaxIDAttempts = 5

// UserDirectory answers whether a username exists.
type UserDirectory interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

// IDGenerator produces candidate message ids. Ids must be non-negative.
type IDGenerator interface {
	NextID() (int64, error)
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() (int64, error)

func (f IDGeneratorFunc) NextID() (int64, error) { return f() }

// SendInput holds the arguments of SendMessage. Pointer fields are optional.
type SendInput struct {
	Sender       string
	Recipient    string
	Text         string
	QuickReplies map[int]string
	InReplyTo    *int64
}

// SendResult identifies a newly created message.
type SendResult struct {
	ID        int64
	Timestamp time.Time
}

// ReplyInput holds the arguments of ReplyToMessage. At least one of
// ReplyText and QuickReplyIndex must be set.
type ReplyInput struct {
	MessageID       *int64
	ReplyText       *string
	QuickReplyIndex *int
}

// Service validates requests and applies them to a MessageStore.
type Service struct {
	store   store.MessageStore
	users   UserDirectory
	ids     IDGenerator
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	maxIDAttempts int
}

// Option configures a Service.
type Option func(*Service)

// WithIDGenerator sets the id source. Default: UUIDGenerator.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// WithClock sets the timestamp source. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger. Default: zap.NewNop().
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics enables operation metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithMaxIDAttempts overrides DefaultMaxIDAttempts.
func WithMaxIDAttempts(n int) Option {
	return func(s *Service) { s.maxIDAttempts = n }
}

// New creates a Service.
func New(messages store.MessageStore, users UserDirectory, opts ...Option) *Service {
	s := &Service{
		store:         messages,
		users:         users,
		ids:           UUIDGenerator{},
		now:           time.Now,
		logger:        zap.NewNop(),
		maxIDAttempts: DefaultMaxIDAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxIDAttempts < 1 {
		s.maxIDAttempts = 1
	}
	return s
}

// SendMessage validates both users and the optional parent, then creates
// the message under a fresh id.
func (s *Service) SendMessage(ctx context.Context, in SendInput) (res SendResult, err error) {
	defer s.observe("send", time.Now(), &err)

	if in.Sender == "" || in.Recipient == "" {
		return SendResult{}, newError(KindMissingField, nil, "to_username and from_username are required")
	}
	if err := s.requireUser(ctx, in.Recipient, "recipient"); err != nil {
		return SendResult{}, err
	}
	if err := s.requireUser(ctx, in.Sender, "sender"); err != nil {
		return SendResult{}, err
	}
	if in.InReplyTo != nil {
		if *in.InReplyTo < 0 {
			return SendResult{}, newError(KindInvalidID, nil, "inReplyTo %d is not a non-negative integer", *in.InReplyTo)
		}
		if _, err := s.store.GetByID(ctx, *in.InReplyTo); err != nil {
			return SendResult{}, s.storeError(ctx, err, "in reply to message %d", *in.InReplyTo)
		}
	}

	log := logging.FromContext(ctx, s.logger)
	for attempt := 1; attempt <= s.maxIDAttempts; attempt++ {
		id, err := s.ids.NextID()
		if err != nil {
			return SendResult{}, newError(KindStoreUnavailable, err, "generate message id")
		}
		if id < 0 {
			return SendResult{}, newError(KindStoreUnavailable, nil, "id generator returned negative id %d", id)
		}

		msg := &store.Message{
			ID:           id,
			Sender:       in.Sender,
			Recipient:    in.Recipient,
			CreatedAt:    s.now().UTC(),
			Text:         in.Text,
			QuickReplies: copyQuickReplies(in.QuickReplies),
			InReplyTo:    copyID(in.InReplyTo),
			Replies:      []string{},
		}

		_, err = s.store.Create(ctx, msg)
		if errors.Is(err, store.ErrAlreadyExists) {
			log.Warn("message_id_collision", zap.Int64("id", id), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return SendResult{}, s.storeError(ctx, err, "create message")
		}

		log.Debug("message_sent",
			zap.Int64("id", id),
			zap.String("sender", in.Sender),
			zap.String("recipient", in.Recipient))
		return SendResult{ID: id, Timestamp: msg.CreatedAt}, nil
	}

	return SendResult{}, newError(KindStoreUnavailable, ErrDuplicateID,
		"no unused message id after %d attempts", s.maxIDAttempts)
}

// ReplyToMessage appends the free-text reply, then the resolved quick
// reply, to the target message in one atomic append.
func (s *Service) ReplyToMessage(ctx context.Context, in ReplyInput) (msg *store.Message, err error) {
	defer s.observe("reply", time.Now(), &err)

	if in.MessageID == nil || (in.ReplyText == nil && in.QuickReplyIndex == nil) {
		return nil, newError(KindMissingField, nil, "messageId and one of reply or quickReplyId are required")
	}
	id := *in.MessageID
	if id < 0 {
		return nil, newError(KindInvalidID, nil, "message id %d is not a non-negative integer", id)
	}

	target, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(ctx, err, "message %d", id)
	}

	replies := make([]string, 0, 2)
	if in.ReplyText != nil {
		replies = append(replies, *in.ReplyText)
	}
	if in.QuickReplyIndex != nil {
		text, ok := target.QuickReplies[*in.QuickReplyIndex]
		if !ok {
			return nil, newError(KindUnknownQuickReply, nil,
				"quick reply %d not found on message %d", *in.QuickReplyIndex, id)
		}
		replies = append(replies, text)
	}

	updated, err := s.store.AppendReplies(ctx, id, replies)
	if err != nil {
		return nil, s.storeError(ctx, err, "message %d", id)
	}

	logging.FromContext(ctx, s.logger).Debug("reply_appended",
		zap.Int64("id", id),
		zap.Int("count", len(replies)),
		zap.Int("total", len(updated.Replies)))
	return updated, nil
}

// ListInboxFor returns the texts of the messages addressed to username,
// oldest first. An existing user without messages yields EmptyResult.
func (s *Service) ListInboxFor(ctx context.Context, username string) (texts []string, err error) {
	defer s.observe("list_inbox", time.Now(), &err)

	if username == "" {
		return nil, newError(KindMissingField, nil, "username is required")
	}
	if err := s.requireUser(ctx, username, "user"); err != nil {
		return nil, err
	}

	msgs, err := s.store.ListByRecipient(ctx, username)
	if err != nil {
		return nil, s.storeError(ctx, err, "inbox of %q", username)
	}
	if len(msgs) == 0 {
		return nil, newError(KindEmptyResult, nil, "no direct messages found for %q", username)
	}

	texts = make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Text
	}
	return texts, nil
}

// ListRepliesFor returns the replies of the message identified by rawID
// in append order.
func (s *Service) ListRepliesFor(ctx context.Context, rawID string) (replies []string, err error) {
	defer s.observe("list_replies", time.Now(), &err)

	msg, err := s.lookup(ctx, rawID)
	if err != nil {
		return nil, err
	}
	return msg.Replies, nil
}

// GetMessage returns the message identified by rawID with its replies.
func (s *Service) GetMessage(ctx context.Context, rawID string) (msg *store.Message, err error) {
	defer s.observe("get_message", time.Now(), &err)

	return s.lookup(ctx, rawID)
}

func (s *Service) lookup(ctx context.Context, rawID string) (*store.Message, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(ctx, err, "message %d", id)
	}
	return msg, nil
}

// ParseID parses a decimal, non-negative message id.
func ParseID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, newError(KindMissingField, nil, "message id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, newError(KindInvalidID, err, "message id %q is not a non-negative integer", raw)
	}
	return id, nil
}

func (s *Service) requireUser(ctx context.Context, username, role string) error {
	ok, err := s.users.UserExists(ctx, username)
	if err != nil {
		logging.FromContext(ctx, s.logger).Error("user_lookup_failed",
			zap.String("username", username), zap.Error(err))
		return newError(KindStoreUnavailable, err, "look up %s %q", role, username)
	}
	if !ok {
		return newError(KindUnknownUser, nil, "%s %q does not exist", role, username)
	}
	return nil
}

// storeError translates a store error into a service error. subject
// describes what was being accessed.
func (s *Service) storeError(ctx context.Context, err error, subject string, args ...any) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return newError(KindUnknownMessage, err, subject+" not found", args...)
	case errors.Is(err, store.ErrAlreadyExists):
		return newError(KindDuplicateID, err, subject, args...)
	case errors.Is(err, store.ErrInvalidMessage):
		return newError(KindMissingField, err, subject, args...)
	}
	logging.FromContext(ctx, s.logger).Error("store_failed", zap.Error(err))
	return newError(KindStoreUnavailable, err, subject, args...)
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	outcome := metrics.OutcomeOK
	if *errp != nil {
		outcome = string(KindOf(*errp))
		if outcome == "" {
			outcome = "error"
		}
	}
	s.metrics.ObserveOperation(op, outcome, time.Since(start))
}

func copyQuickReplies(in map[int]string) map[int]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[int]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
