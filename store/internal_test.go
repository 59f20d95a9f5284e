package store

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// --- quick reply encoding ---

func TestEncodeQuickReplies_Empty(t *testing.T) {
	if result := encodeQuickReplies(nil); result != nil {
		t.Errorf("expected nil for nil map, got %v", result)
	}
	if result := encodeQuickReplies(map[int]string{}); result != nil {
		t.Errorf("expected nil for empty map, got %v", result)
	}
}

func TestQuickReplies_RoundTrip(t *testing.T) {
	in := map[int]string{0: "yes", 1: "no", 42: "maybe"}
	encoded := encodeQuickReplies(in)
	if encoded["42"] != "maybe" {
		t.Errorf("expected key '42' to hold 'maybe', got %q", encoded["42"])
	}

	decoded, err := decodeQuickReplies(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(decoded) != len(in) {
		t.Fatalf("expected %d entries, got %d", len(in), len(decoded))
	}
	for k, v := range in {
		if decoded[k] != v {
			t.Errorf("index %d: expected %q, got %q", k, v, decoded[k])
		}
	}
}

func TestDecodeQuickReplies_InvalidKey(t *testing.T) {
	_, err := decodeQuickReplies(map[string]string{"first": "yes"})
	if err == nil {
		t.Error("expected error for non-numeric quick reply index")
	}
}

// --- decodeMessage ---

func TestDecodeMessage_Full(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"id":            &types.AttributeValueMemberN{Value: "42"},
		"sender":        &types.AttributeValueMemberS{Value: "alice"},
		"recipient":     &types.AttributeValueMemberS{Value: "bob"},
		"created_at":    &types.AttributeValueMemberS{Value: "2024-01-01T00:00:00.000000001Z"},
		"text":          &types.AttributeValueMemberS{Value: "hi"},
		"in_reply_to":   &types.AttributeValueMemberN{Value: "7"},
		"quick_replies": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{"1": &types.AttributeValueMemberS{Value: "no"}}},
		"replies": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			&types.AttributeValueMemberS{Value: "hello back"},
		}},
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != 42 || msg.Sender != "alice" || msg.Recipient != "bob" || msg.Text != "hi" {
		t.Errorf("unexpected message fields: %+v", msg)
	}
	if msg.CreatedAt.Nanosecond() != 1 {
		t.Errorf("expected nanosecond precision, got %v", msg.CreatedAt)
	}
	if msg.InReplyTo == nil || *msg.InReplyTo != 7 {
		t.Errorf("expected InReplyTo 7, got %v", msg.InReplyTo)
	}
	if msg.QuickReplies[1] != "no" {
		t.Errorf("expected quick reply 1 'no', got %v", msg.QuickReplies)
	}
	if len(msg.Replies) != 1 || msg.Replies[0] != "hello back" {
		t.Errorf("expected replies [hello back], got %v", msg.Replies)
	}
}

func TestDecodeMessage_MissingRepliesIsEmpty(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"id":         &types.AttributeValueMemberN{Value: "1"},
		"created_at": &types.AttributeValueMemberS{Value: "2024-01-01T00:00:00.000000000Z"},
	}

	msg, err := decodeMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Replies == nil || len(msg.Replies) != 0 {
		t.Errorf("expected non-nil empty replies, got %#v", msg.Replies)
	}
	if msg.InReplyTo != nil {
		t.Errorf("expected nil InReplyTo, got %v", *msg.InReplyTo)
	}
}

func TestDecodeMessage_BadTimestamp(t *testing.T) {
	raw := map[string]types.AttributeValue{
		"id":         &types.AttributeValueMemberN{Value: "1"},
		"created_at": &types.AttributeValueMemberS{Value: "yesterday"},
	}
	if _, err := decodeMessage(raw); err == nil {
		t.Error("expected error for unparseable created_at")
	}
}

func TestInboxRecord_Message(t *testing.T) {
	e := inboxRecord{
		MessageID: 9,
		Sender:    "alice",
		Recipient: "bob",
		CreatedAt: "2024-01-01T00:00:00.000000000Z",
		Text:      "projected",
	}
	msg, err := e.message()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ID != 9 || msg.Text != "projected" || len(msg.Replies) != 0 {
		t.Errorf("unexpected projection: %+v", msg)
	}
}

// --- mapCreateTransactionError ---

func TestMapCreateTransactionError_Nil(t *testing.T) {
	s := &DynamoStore{}
	if err := s.mapCreateTransactionError(nil, 0); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestMapCreateTransactionError_MessageConflict(t *testing.T) {
	s := &DynamoStore{}
	txErr := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		},
	}
	if err := s.mapCreateTransactionError(txErr, 0); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMapCreateTransactionError_OtherReason(t *testing.T) {
	s := &DynamoStore{}
	txErr := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}
	err := s.mapCreateTransactionError(txErr, 0)
	if errors.Is(err, ErrAlreadyExists) {
		t.Error("a failure on the index put is not a duplicate id")
	}
	var wrapped *types.TransactionCanceledException
	if !errors.As(err, &wrapped) {
		t.Errorf("expected wrapped TransactionCanceledException, got %v", err)
	}
}

func TestMapCreateTransactionError_Throttled(t *testing.T) {
	s := &DynamoStore{}
	txErr := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ThrottlingError")},
		},
	}
	if err := s.mapCreateTransactionError(txErr, 0); errors.Is(err, ErrAlreadyExists) {
		t.Errorf("throttling must not map to ErrAlreadyExists, got %v", err)
	}
}

// --- expressions and keys ---

func TestInboxSK_SortsChronologically(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	keys := []string{
		InboxSK(base.Add(time.Second), 1),
		InboxSK(base.Add(999*time.Millisecond), 2),
		InboxSK(base, 10),
		InboxSK(base, 9),
	}
	sort.Strings(keys)

	expected := []string{
		InboxSK(base, 9),
		InboxSK(base, 10),
		InboxSK(base.Add(999*time.Millisecond), 2),
		InboxSK(base.Add(time.Second), 1),
	}
	for i := range expected {
		if keys[i] != expected[i] {
			t.Errorf("position %d: expected %q, got %q", i, expected[i], keys[i])
		}
	}
}

func TestFormatTime_FixedWidth(t *testing.T) {
	a := FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 120000000, time.UTC))
	if len(a) != len(b) {
		t.Errorf("expected equal widths, got %q and %q", a, b)
	}
}

func TestFormatTime_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2024, 1, 1, 2, 0, 0, 0, loc)
	if got := FormatTime(local); got != "2024-01-01T00:00:00.000000000Z" {
		t.Errorf("expected UTC rendering, got %q", got)
	}

	parsed, err := ParseTime(FormatTime(local))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !parsed.Equal(local) {
		t.Errorf("expected %v, got %v", local, parsed)
	}
}

func TestConditionExpressions(t *testing.T) {
	if MessageNotExistsCondition() != "attribute_not_exists(id)" {
		t.Errorf("unexpected create condition %q", MessageNotExistsCondition())
	}
	if MessageExistsCondition() != "attribute_exists(id)" {
		t.Errorf("unexpected append condition %q", MessageExistsCondition())
	}
	if AppendRepliesExpr() != "SET #replies = list_append(if_not_exists(#replies, :empty), :replies)" {
		t.Errorf("unexpected append expression %q", AppendRepliesExpr())
	}
}

func TestMessageKey(t *testing.T) {
	key := messageKey(9223372036854775807)
	n, ok := key["id"].(*types.AttributeValueMemberN)
	if !ok {
		t.Fatal("expected numeric id key")
	}
	if n.Value != "9223372036854775807" {
		t.Errorf("expected max int64, got %q", n.Value)
	}
}
