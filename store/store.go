package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/directmsg/internal/shard"
)

// batchGetLimit is the maximum number of keys per BatchGetItem request.
const batchGetLimit = 100

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoStore stores messages in DynamoDB with a transactionally
// maintained recipient index table.
type DynamoStore struct {
	client DynamoAPI
	config Config
}

var _ MessageStore = (*DynamoStore)(nil)

// NewDynamo creates a new DynamoStore instance.
func NewDynamo(client DynamoAPI, config Config) *DynamoStore {
	config.validate()
	return &DynamoStore{
		client: client,
		config: config,
	}
}

// Config returns the validated store configuration.
func (s *DynamoStore) Config() Config {
	return s.config
}

// messageRecord is the message table item layout.
type messageRecord struct {
	ID           int64             `dynamodbav:"id"`
	Sender       string            `dynamodbav:"sender"`
	Recipient    string            `dynamodbav:"recipient"`
	CreatedAt    string            `dynamodbav:"created_at"`
	Text         string            `dynamodbav:"text"`
	QuickReplies map[string]string `dynamodbav:"quick_replies,omitempty"`
	InReplyTo    *int64            `dynamodbav:"in_reply_to,omitempty"`
	Replies      []string          `dynamodbav:"replies"`
}

// inboxRecord is the index table item layout. It projects the immutable
// message fields so a listing can be served without the message table.
type inboxRecord struct {
	PK           string            `dynamodbav:"pk"`
	SK           string            `dynamodbav:"sk"`
	MessageID    int64             `dynamodbav:"message_id"`
	Sender       string            `dynamodbav:"sender"`
	Recipient    string            `dynamodbav:"recipient"`
	CreatedAt    string            `dynamodbav:"created_at"`
	Text         string            `dynamodbav:"text"`
	QuickReplies map[string]string `dynamodbav:"quick_replies,omitempty"`
	InReplyTo    *int64            `dynamodbav:"in_reply_to,omitempty"`
}

// Create writes the message and its index entry in one transaction.
func (s *DynamoStore) Create(ctx context.Context, msg *Message) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}

	createdAt := FormatTime(msg.CreatedAt)
	quickReplies := encodeQuickReplies(msg.QuickReplies)

	item, err := attributevalue.MarshalMap(messageRecord{
		ID:           msg.ID,
		Sender:       msg.Sender,
		Recipient:    msg.Recipient,
		CreatedAt:    createdAt,
		Text:         msg.Text,
		QuickReplies: quickReplies,
		InReplyTo:    msg.InReplyTo,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}
	// Always start with an empty list so list_append has a list to extend
	item["replies"] = &types.AttributeValueMemberL{Value: []types.AttributeValue{}}

	entry, err := attributevalue.MarshalMap(inboxRecord{
		PK:           shard.InboxPK(msg.Recipient, msg.ID, s.config.NumShards),
		SK:           InboxSK(msg.CreatedAt, msg.ID),
		MessageID:    msg.ID,
		Sender:       msg.Sender,
		Recipient:    msg.Recipient,
		CreatedAt:    createdAt,
		Text:         msg.Text,
		QuickReplies: quickReplies,
		InReplyTo:    msg.InReplyTo,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal inbox entry: %w", err)
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(s.config.MessageTable),
				Item:                item,
				ConditionExpression: aws.String(MessageNotExistsCondition()),
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(s.config.InboxTable),
				Item:      entry,
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err := s.mapCreateTransactionError(err, 0); err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// GetByID retrieves a message with a strongly consistent read.
func (s *DynamoStore) GetByID(ctx context.Context, id int64) (*Message, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.MessageTable),
		Key:            messageKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}
	return decodeMessage(result.Item)
}

// AppendReplies uses DynamoDB's native list_append so concurrent appends
// to the same message never lose an update.
func (s *DynamoStore) AppendReplies(ctx context.Context, id int64, replies []string) (*Message, error) {
	if len(replies) == 0 {
		return s.GetByID(ctx, id)
	}

	list, err := attributevalue.MarshalList(replies)
	if err != nil {
		return nil, fmt.Errorf("marshal replies: %w", err)
	}

	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.MessageTable),
		Key:                 messageKey(id),
		UpdateExpression:    aws.String(AppendRepliesExpr()),
		ConditionExpression: aws.String(MessageExistsCondition()),
		ExpressionAttributeNames: map[string]string{
			"#replies": "replies",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":replies": &types.AttributeValueMemberL{Value: list},
			":empty":   &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("append replies to %d: %w", id, err)
	}
	return decodeMessage(result.Attributes)
}

// ListByRecipient queries every index shard of the recipient, merges the
// entries by sort key and hydrates the current replies from the message table.
func (s *DynamoStore) ListByRecipient(ctx context.Context, recipient string) ([]*Message, error) {
	entries, err := s.queryInbox(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []*Message{}, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SK < entries[j].SK
	})

	return s.hydrate(ctx, entries)
}

// queryInbox returns the raw index entries of a recipient across all shards.
func (s *DynamoStore) queryInbox(ctx context.Context, recipient string) ([]inboxRecord, error) {
	numShards := s.config.NumShards

	// Fast path for single shard (default)
	if numShards == 1 {
		return s.queryInboxShard(ctx, shard.InboxShardPK(recipient, 0))
	}

	// Multi-shard fan-out
	var mu sync.Mutex
	var all []inboxRecord
	var wg sync.WaitGroup
	errs := make(chan error, numShards)

	for shardNum := 0; shardNum < numShards; shardNum++ {
		wg.Add(1)
		go func(shardNum int) {
			defer wg.Done()

			entries, err := s.queryInboxShard(ctx, shard.InboxShardPK(recipient, shardNum))
			if err != nil {
				errs <- fmt.Errorf("shard %02x: %w", shardNum, err)
				return
			}

			mu.Lock()
			all = append(all, entries...)
			mu.Unlock()
		}(shardNum)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return all, nil
}

func (s *DynamoStore) queryInboxShard(ctx context.Context, pk string) ([]inboxRecord, error) {
	var entries []inboxRecord

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.InboxTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		ConsistentRead: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query inbox %s: %w", pk, err)
		}
		var pageEntries []inboxRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &pageEntries); err != nil {
			return nil, fmt.Errorf("unmarshal inbox entries: %w", err)
		}
		entries = append(entries, pageEntries...)
	}

	return entries, nil
}

// hydrate resolves index entries to full messages, preserving entry order.
// An entry whose message can't be read falls back to its projection.
func (s *DynamoStore) hydrate(ctx context.Context, entries []inboxRecord) ([]*Message, error) {
	byID := make(map[int64]*Message, len(entries))

	for start := 0; start < len(entries); start += batchGetLimit {
		end := start + batchGetLimit
		if end > len(entries) {
			end = len(entries)
		}

		keys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, e := range entries[start:end] {
			keys = append(keys, messageKey(e.MessageID))
		}

		items, err := s.batchGet(ctx, keys)
		if err != nil {
			return nil, err
		}
		for _, raw := range items {
			msg, err := decodeMessage(raw)
			if err != nil {
				return nil, err
			}
			byID[msg.ID] = msg
		}
	}

	out := make([]*Message, 0, len(entries))
	for _, e := range entries {
		if msg, ok := byID[e.MessageID]; ok {
			out = append(out, msg)
			continue
		}
		msg, err := e.message()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// batchGet reads up to batchGetLimit keys, retrying unprocessed keys with
// a bounded exponential backoff.
func (s *DynamoStore) batchGet(ctx context.Context, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	request := map[string]types.KeysAndAttributes{
		s.config.MessageTable: {
			Keys:           keys,
			ConsistentRead: aws.Bool(true),
		},
	}

	backoff := 25 * time.Millisecond
	for attempt := 0; ; attempt++ {
		result, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{
			RequestItems: request,
		})
		if err != nil {
			return nil, fmt.Errorf("batch get messages: %w", err)
		}
		items = append(items, result.Responses[s.config.MessageTable]...)

		pending, ok := result.UnprocessedKeys[s.config.MessageTable]
		if !ok || len(pending.Keys) == 0 {
			return items, nil
		}
		if attempt >= s.config.MaxBatchRetries {
			return nil, fmt.Errorf("%w: %d keys unprocessed after %d attempts",
				ErrUnavailable, len(pending.Keys), attempt+1)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		request = result.UnprocessedKeys
	}
}

// mapCreateTransactionError maps DynamoDB transaction errors for Create.
// messagePutIndex is the index of the message put item.
func (s *DynamoStore) mapCreateTransactionError(err error, messagePutIndex int) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" && i == messagePutIndex {
				return ErrAlreadyExists
			}
		}
	}

	return fmt.Errorf("create message: %w", err)
}

// EnsureTables creates the message and inbox tables when missing and
// waits until both are active.
func (s *DynamoStore) EnsureTables(ctx context.Context, maxWait time.Duration) error {
	inputs := []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(s.config.MessageTable),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeN},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(s.config.InboxTable),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}

	waiter := dynamodb.NewTableExistsWaiter(s.client)
	for _, input := range inputs {
		if _, err := s.client.CreateTable(ctx, input); err != nil {
			var inUse *types.ResourceInUseException
			if !errors.As(err, &inUse) {
				return fmt.Errorf("create table %s: %w", aws.ToString(input.TableName), err)
			}
		}
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: input.TableName}, maxWait); err != nil {
			return fmt.Errorf("wait for table %s: %w", aws.ToString(input.TableName), err)
		}
	}
	return nil
}

func messageKey(id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)},
	}
}

// decodeMessage converts a message table item to a Message.
func decodeMessage(raw map[string]types.AttributeValue) (*Message, error) {
	var rec messageRecord
	if err := attributevalue.UnmarshalMap(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	createdAt, err := ParseTime(rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message %d: parse created_at: %w", rec.ID, err)
	}
	quickReplies, err := decodeQuickReplies(rec.QuickReplies)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", rec.ID, err)
	}
	replies := rec.Replies
	if replies == nil {
		replies = []string{}
	}
	return &Message{
		ID:           rec.ID,
		Sender:       rec.Sender,
		Recipient:    rec.Recipient,
		CreatedAt:    createdAt,
		Text:         rec.Text,
		QuickReplies: quickReplies,
		InReplyTo:    rec.InReplyTo,
		Replies:      replies,
	}, nil
}

// message builds a Message from the index projection, without replies.
func (e inboxRecord) message() (*Message, error) {
	createdAt, err := ParseTime(e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inbox entry %d: parse created_at: %w", e.MessageID, err)
	}
	quickReplies, err := decodeQuickReplies(e.QuickReplies)
	if err != nil {
		return nil, fmt.Errorf("inbox entry %d: %w", e.MessageID, err)
	}
	return &Message{
		ID:           e.MessageID,
		Sender:       e.Sender,
		Recipient:    e.Recipient,
		CreatedAt:    createdAt,
		Text:         e.Text,
		QuickReplies: quickReplies,
		InReplyTo:    e.InReplyTo,
		Replies:      []string{},
	}, nil
}

// DynamoDB map keys are strings, so quick reply indexes are stored in decimal.
func encodeQuickReplies(in map[int]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strconv.Itoa(k)] = v
	}
	return out
}

func decodeQuickReplies(in map[string]string) (map[int]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[int]string, len(in))
	for k, v := range in {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid quick reply index %q", k)
		}
		out[idx] = v
	}
	return out, nil
}
