package tombstone

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBStore implements Store on a DynamoDB table, so tombstones
// survive restarts and are shared by all processes of a deployment.
//
// Table schema:
//   - Partition key: namespace (string) - the deployment namespace
//   - Sort key: blob_ref (string) - "<providerId>:<rawKey>"
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name blobmgr-tombstones \
//	  --attribute-definitions AttributeName=namespace,AttributeType=S AttributeName=blob_ref,AttributeType=S \
//	  --key-schema AttributeName=namespace,KeyType=HASH AttributeName=blob_ref,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoDBStore struct {
	client    DDBClient
	tableName string
	namespace string
}

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

var _ Store = (*DynamoDBStore)(nil)

// NewDynamoDBStore returns a store writing to tableName under namespace.
func NewDynamoDBStore(client DDBClient, tableName, namespace string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		namespace: namespace,
	}
}

func (s *DynamoDBStore) keyOf(e Entry) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"namespace": &types.AttributeValueMemberS{Value: s.namespace},
		"blob_ref":  &types.AttributeValueMemberS{Value: e.ProviderID + ":" + e.Key},
	}
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// Mark implements Store.
func (s *DynamoDBStore) Mark(ctx context.Context, e Entry) error {
	item := s.keyOf(e)
	item["provider_id"] = &types.AttributeValueMemberS{Value: e.ProviderID}
	item["blob_key"] = &types.AttributeValueMemberS{Value: e.Key}
	item["tombstoned_at"] = &types.AttributeValueMemberN{Value: nanos(e.TombstonedAt)}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to write tombstone to DynamoDB: %w", err)
	}
	return nil
}

// Due implements Store.
func (s *DynamoDBStore) Due(ctx context.Context, before time.Time) ([]Entry, error) {
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("namespace = :ns"),
		FilterExpression:       aws.String("tombstoned_at < :before"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ns":     &types.AttributeValueMemberS{Value: s.namespace},
			":before": &types.AttributeValueMemberN{Value: nanos(before)},
		},
	})

	var due []Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query DynamoDB: %w", err)
		}
		for _, item := range page.Items {
			e, err := decodeEntry(item)
			if err != nil {
				return nil, err
			}
			due = append(due, e)
		}
	}
	return due, nil
}

func decodeEntry(item map[string]types.AttributeValue) (Entry, error) {
	providerAttr, ok := item["provider_id"].(*types.AttributeValueMemberS)
	if !ok {
		return Entry{}, errors.New("invalid provider_id attribute in DynamoDB")
	}
	keyAttr, ok := item["blob_key"].(*types.AttributeValueMemberS)
	if !ok {
		return Entry{}, errors.New("invalid blob_key attribute in DynamoDB")
	}
	tsAttr, ok := item["tombstoned_at"].(*types.AttributeValueMemberN)
	if !ok {
		return Entry{}, errors.New("invalid tombstoned_at attribute in DynamoDB")
	}
	ts, err := strconv.ParseInt(tsAttr.Value, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to parse tombstoned_at: %w", err)
	}
	return Entry{
		ProviderID:   providerAttr.Value,
		Key:          keyAttr.Value,
		TombstonedAt: time.Unix(0, ts),
	}, nil
}

// Remove implements Store with a conditional delete on the timestamp.
func (s *DynamoDBStore) Remove(ctx context.Context, e Entry) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.keyOf(e),
		ConditionExpression: aws.String("attribute_not_exists(blob_ref) OR tombstoned_at = :ts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts": &types.AttributeValueMemberN{Value: nanos(e.TombstonedAt)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrChanged
		}
		return fmt.Errorf("failed to delete tombstone from DynamoDB: %w", err)
	}
	return nil
}
