package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/capture-review/internal/capture"
)

// DynamoDB key layout: every media row lives in one partition so a single
// Query lists the store. SK is the zero-padded ID.
const (
	mediaPK = "MEDIA"

	// MediaTTL is how long a row survives without being rewritten.
	MediaTTL = 24 * time.Hour
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

var _ DynamoAPI = (*dynamodb.Client)(nil)

// DynamoStore is a pull-only media table. Wrap it in a Poller for change
// notifications.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

var _ Source = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

// mediaSK pads the ID so SK order is numeric order.
func mediaSK(id int64) string {
	return fmt.Sprintf("%019d", id)
}

func mediaKey(id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: mediaPK},
		"SK": &types.AttributeValueMemberS{Value: mediaSK(id)},
	}
}

// mediaExpiresAt returns the TTL timestamp (now + MediaTTL).
func mediaExpiresAt() int64 {
	return time.Now().Add(MediaTTL).Unix()
}

// Pending reads only the isPending attribute of ref's row.
func (s *DynamoStore) Pending(ctx context.Context, ref capture.Ref) (pending, found bool, err error) {
	id, ok := ref.ID()
	if !ok {
		log.Debug().Str("ref", ref.String()).Msg("Ref has no media ID, treating as not found")
		return false, false, nil
	}

	start := time.Now()
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            &s.tableName,
		Key:                  mediaKey(id),
		ProjectionExpression: aws.String("isPending"),
		ConsistentRead:       aws.Bool(true),
	})
	if err != nil {
		return false, false, fmt.Errorf("GetItem media %d: %w", id, err)
	}
	if result.Item == nil {
		return false, false, nil
	}
	var row struct {
		Pending bool `dynamodbav:"isPending"`
	}
	if err := attributevalue.UnmarshalMap(result.Item, &row); err != nil {
		return false, false, fmt.Errorf("unmarshal media %d: %w", id, err)
	}
	log.Trace().Int64("id", id).Bool("pending", row.Pending).Dur("duration", time.Since(start)).Msg("Pending: media row read")
	return row.Pending, true, nil
}

// List returns every row, newest first.
func (s *DynamoStore) List(ctx context.Context) ([]Media, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: mediaPK},
		},
		ConsistentRead: aws.Bool(true),
	}

	var out []Media
	// DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query media: %w", err)
		}
		for _, item := range result.Items {
			var m Media
			if err := attributevalue.UnmarshalMap(item, &m); err != nil {
				log.Warn().Err(err).Msg("Failed to unmarshal media row, skipping")
				continue
			}
			out = append(out, m)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	sortMedia(out)
	return out, nil
}

// Put writes m with PK, SK and TTL.
func (s *DynamoStore) Put(ctx context.Context, m Media) error {
	if m.Ref.IsZero() {
		m.Ref = capture.FileRef(m.ID)
	}
	if m.AddedAt == 0 {
		m.AddedAt = time.Now().UnixMilli()
	}
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return fmt.Errorf("marshal media %d: %w", m.ID, err)
	}
	for k, v := range mediaKey(m.ID) {
		item[k] = v
	}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(mediaExpiresAt(), 10)}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("PutItem media %d: %w", m.ID, err)
	}
	log.Debug().Int64("id", m.ID).Bool("pending", m.Pending).Msg("Media row written")
	return nil
}

// SetPending updates isPending on an existing row.
func (s *DynamoStore) SetPending(ctx context.Context, id int64, pending bool) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 mediaKey(id),
		UpdateExpression:    aws.String("SET isPending = :p"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberBOOL{Value: pending},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("media %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("UpdateItem media %d: %w", id, err)
	}
	log.Debug().Int64("id", id).Bool("pending", pending).Msg("Media pending flag updated")
	return nil
}

// Delete removes id's row.
func (s *DynamoStore) Delete(ctx context.Context, id int64) error {
	result, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    &s.tableName,
		Key:          mediaKey(id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return fmt.Errorf("DeleteItem media %d: %w", id, err)
	}
	if len(result.Attributes) == 0 {
		return fmt.Errorf("media %d: %w", id, ErrNotFound)
	}
	return nil
}
