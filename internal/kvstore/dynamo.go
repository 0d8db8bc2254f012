package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoItem is the single-table record shape. "exp" must be configured
// as the table's TTL attribute so DynamoDB reaps expired records.
type dynamoItem struct {
	Key     string `dynamodbav:"k"`
	Value   []byte `dynamodbav:"v"`
	Expires int64  `dynamodbav:"exp,omitempty"`
}

// DynamoStore is the production Store backend: one DynamoDB table with
// partition key "k" (string).
//
// DynamoDB's TTL reaper deletes expired items lazily (it can lag by
// hours), so reads additionally filter on the expiry timestamp the same
// way MemoryStore does.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
	clock  Clock
}

// NewDynamoClient loads the default AWS config for the region in
// AWS_REGION and returns a DynamoDB client.
func NewDynamoClient(ctx context.Context) (*dynamodb.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg), nil
}

func NewDynamoStore(client *dynamodb.Client, table string, clock Clock) *DynamoStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &DynamoStore{client: client, table: table, clock: clock}
}

func (s *DynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := dynamoItem{Key: key, Value: value}
	if ttl > 0 {
		item.Expires = s.clock.Now().Add(ttl).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal item %q: %w", key, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttr(key),
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, false, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	if itemExpired(item, s.clock.Now()) {
		return nil, false, nil
	}
	return item.Value, true, nil
}

func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyAttr(key),
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *DynamoStore) ClaimPair(ctx context.Context, key1, key2 string) (bool, error) {
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Delete: conditionalDelete(s.table, key1)},
			{Delete: conditionalDelete(s.table, key2)},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			// One of the records was already claimed or expired.
			return false, nil
		}
		return false, fmt.Errorf("claim pair %q/%q: %w", key1, key2, err)
	}
	return true, nil
}

func (s *DynamoStore) ScanPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	now := s.clock.Now()
	var entries []Entry
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                aws.String(s.table),
			FilterExpression:         aws.String("begins_with(#k, :p)"),
			ExpressionAttributeNames: map[string]string{"#k": "k"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberS{Value: prefix},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan prefix %q: %w", prefix, err)
		}
		for _, raw := range out.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshal scanned item: %w", err)
			}
			if itemExpired(item, now) {
				continue
			}
			entries = append(entries, Entry{Key: item.Key, Value: item.Value})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"k": &types.AttributeValueMemberS{Value: key},
	}
}

func conditionalDelete(table, key string) *types.Delete {
	return &types.Delete{
		TableName:                aws.String(table),
		Key:                      keyAttr(key),
		ConditionExpression:      aws.String("attribute_exists(#k)"),
		ExpressionAttributeNames: map[string]string{"#k": "k"},
	}
}

func itemExpired(item dynamoItem, now time.Time) bool {
	return item.Expires > 0 && now.Unix() >= item.Expires
}
