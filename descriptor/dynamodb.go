package descriptor

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

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DDBChannel implements Channel on a DynamoDB table. Conditional
// writes provide the compare-and-swap semantics an append-only feed
// needs under concurrent publishers.
//
// Table schema:
//   - Partition key: channel (string) - the feed name
//   - Sort key: version (number) - monotonically increasing version
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name semdex-descriptors \
//	  --attribute-definitions AttributeName=channel,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=channel,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBChannel struct {
	client    DDBClient
	tableName string
	channel   string
}

// NewDDBChannel creates a DynamoDB-backed channel. channel is the
// partition key value, letting one table carry multiple feeds.
func NewDDBChannel(client DDBClient, tableName, channel string) *DDBChannel {
	return &DDBChannel{
		client:    client,
		tableName: tableName,
		channel:   channel,
	}
}

// Publish appends d with a conditional put on the version sort key.
func (c *DDBChannel) Publish(ctx context.Context, d *Descriptor) error {
	item := map[string]types.AttributeValue{
		"channel":    &types.AttributeValueMemberS{Value: c.channel},
		"version":    &types.AttributeValueMemberN{Value: strconv.FormatUint(d.Version, 10)},
		"address":    &types.AttributeValueMemberS{Value: d.Address},
		"row_count":  &types.AttributeValueMemberN{Value: strconv.Itoa(d.RowCount)},
		"created_at": &types.AttributeValueMemberS{Value: d.CreatedAt.UTC().Format(time.RFC3339)},
		"created_by": &types.AttributeValueMemberS{Value: d.CreatedBy},
	}

	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConflict
		}
		return fmt.Errorf("publish descriptor: %w", err)
	}
	return nil
}

// Latest queries the highest version in descending order.
func (c *DDBChannel) Latest(ctx context.Context) (*Descriptor, error) {
	resp, err := c.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("channel = :ch"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ch": &types.AttributeValueMemberS{Value: c.channel},
		},
		ScanIndexForward: aws.Bool(false), // Descending order
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query latest descriptor: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, ErrEmpty
	}
	return itemToDescriptor(resp.Items[0])
}

func itemToDescriptor(item map[string]types.AttributeValue) (*Descriptor, error) {
	d := &Descriptor{}

	if v, ok := item["version"].(*types.AttributeValueMemberN); ok {
		version, err := strconv.ParseUint(v.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed version attribute: %w", err)
		}
		d.Version = version
	}
	if v, ok := item["address"].(*types.AttributeValueMemberS); ok {
		d.Address = v.Value
	}
	if v, ok := item["row_count"].(*types.AttributeValueMemberN); ok {
		if n, err := strconv.Atoi(v.Value); err == nil {
			d.RowCount = n
		}
	}
	if v, ok := item["created_at"].(*types.AttributeValueMemberS); ok {
		if ts, err := time.Parse(time.RFC3339, v.Value); err == nil {
			d.CreatedAt = ts
		}
	}
	if v, ok := item["created_by"].(*types.AttributeValueMemberS); ok {
		d.CreatedBy = v.Value
	}

	if d.Address == "" {
		return nil, errors.New("descriptor item missing address")
	}
	return d, nil
}
