package store_test

import (
	"context"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/directmsg/store"
)

// fakeDynamo is an in-memory stand-in for the DynamoDB API that understands
// exactly the expressions DynamoStore issues.
type fakeDynamo struct {
	mu     sync.Mutex
	keys   map[string][]string
	tables map[string]map[string]map[string]types.AttributeValue

	// queryPageSize > 0 splits query results into pages.
	queryPageSize int

	// unprocessed makes BatchGetItem leave all but the first key
	// unprocessed for this many calls.
	unprocessed int

	// transactErr, when set, is returned by TransactWriteItems.
	transactErr error

	batchCalls int
}

var _ store.DynamoAPI = (*fakeDynamo)(nil)

func newFakeDynamo(cfg store.Config) *fakeDynamo {
	return &fakeDynamo{
		keys: map[string][]string{
			cfg.MessageTable: {"id"},
			cfg.InboxTable:   {"pk", "sk"},
		},
		tables: map[string]map[string]map[string]types.AttributeValue{
			cfg.MessageTable: {},
			cfg.InboxTable:   {},
		},
	}
}

func attrString(av types.AttributeValue) string {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) keyOf(table string, item map[string]types.AttributeValue) string {
	var k string
	for _, name := range f.keys[table] {
		k += attrString(item[name]) + "|"
	}
	return k
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := aws.ToString(in.TableName)
	item := f.tables[table][f.keyOf(table, in.Key)]
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := aws.ToString(in.TableName)
	key := f.keyOf(table, in.Key)
	existing, ok := f.tables[table][key]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}

	updated := copyItem(existing)
	var replies []types.AttributeValue
	if l, ok := existing["replies"].(*types.AttributeValueMemberL); ok {
		replies = append(replies, l.Value...)
	}
	if l, ok := in.ExpressionAttributeValues[":replies"].(*types.AttributeValueMemberL); ok {
		replies = append(replies, l.Value...)
	}
	updated["replies"] = &types.AttributeValueMemberL{Value: replies}
	f.tables[table][key] = updated

	return &dynamodb.UpdateItemOutput{Attributes: copyItem(updated)}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.transactErr != nil {
		return nil, f.transactErr
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if ti.Put == nil {
			continue
		}
		table := aws.ToString(ti.Put.TableName)
		_, exists := f.tables[table][f.keyOf(table, ti.Put.Item)]
		if aws.ToString(ti.Put.ConditionExpression) == store.MessageNotExistsCondition() && exists {
			reasons[i] = types.CancellationReason{Code: aws.String("ConditionalCheckFailed")}
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             aws.String("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}

	for _, ti := range in.TransactItems {
		if ti.Put == nil {
			continue
		}
		table := aws.ToString(ti.Put.TableName)
		f.tables[table][f.keyOf(table, ti.Put.Item)] = copyItem(ti.Put.Item)
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeDynamo) BatchGetItem(_ context.Context, in *dynamodb.BatchGetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batchCalls++
	out := &dynamodb.BatchGetItemOutput{
		Responses:       map[string][]map[string]types.AttributeValue{},
		UnprocessedKeys: map[string]types.KeysAndAttributes{},
	}
	for table, ka := range in.RequestItems {
		keys := ka.Keys
		if f.unprocessed > 0 && len(keys) > 1 {
			out.UnprocessedKeys[table] = types.KeysAndAttributes{Keys: keys[1:], ConsistentRead: ka.ConsistentRead}
			keys = keys[:1]
		}
		for _, k := range keys {
			if item, ok := f.tables[table][f.keyOf(table, k)]; ok {
				out.Responses[table] = append(out.Responses[table], copyItem(item))
			}
		}
	}
	if f.unprocessed > 0 {
		f.unprocessed--
	}
	return out, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := aws.ToString(in.TableName)
	pk := attrString(in.ExpressionAttributeValues[":pk"])

	var matches []map[string]types.AttributeValue
	for _, item := range f.tables[table] {
		if attrString(item["pk"]) == pk {
			matches = append(matches, copyItem(item))
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return attrString(matches[i]["sk"]) < attrString(matches[j]["sk"])
	})

	if in.ExclusiveStartKey != nil {
		start := attrString(in.ExclusiveStartKey["sk"])
		i := sort.Search(len(matches), func(i int) bool {
			return attrString(matches[i]["sk"]) > start
		})
		matches = matches[i:]
	}

	out := &dynamodb.QueryOutput{}
	if f.queryPageSize > 0 && len(matches) > f.queryPageSize {
		matches = matches[:f.queryPageSize]
		last := matches[len(matches)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{"pk": last["pk"], "sk": last["sk"]}
	}
	out.Items = matches
	out.Count = int32(len(matches))
	return out, nil
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	table := aws.ToString(in.TableName)
	if _, ok := f.tables[table]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists: " + table)}
	}
	var names []string
	for _, ks := range in.KeySchema {
		names = append(names, aws.ToString(ks.AttributeName))
	}
	f.keys[table] = names
	f.tables[table] = map[string]map[string]types.AttributeValue{}
	return &dynamodb.CreateTableOutput{
		TableDescription: &types.TableDescription{TableName: in.TableName, TableStatus: types.TableStatusActive},
	}, nil
}

func (f *fakeDynamo) DescribeTable(_ context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.tables[aws.ToString(in.TableName)]; !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{TableName: in.TableName, TableStatus: types.TableStatusActive},
	}, nil
}

func (f *fakeDynamo) count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

func (f *fakeDynamo) dropTables() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = map[string]map[string]map[string]types.AttributeValue{}
	f.keys = map[string][]string{}
}
