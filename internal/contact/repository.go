// Package contact maintains lightweight contact records for correspondents.
package contact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kestrelworks/mailroom/internal/address"
	"github.com/kestrelworks/mailroom/internal/dynamo"
)

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Repository upserts contact records. UpdateItem creates the record when it
// does not exist, so a missing contact is never an error.
type Repository struct {
	client    DynamoDBClient
	tableName string
}

// NewRepository creates a new Repository.
func NewRepository(client DynamoDBClient, tableName string) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
	}
}

// TouchContacted records that we sent mail to this address.
func (r *Repository) TouchContacted(ctx context.Context, addr address.Address, at time.Time) error {
	return r.touch(ctx, addr, "lastContactedAt", at)
}

// TouchSeen records that we received mail from this address.
func (r *Repository) TouchSeen(ctx context.Context, addr address.Address, at time.Time) error {
	return r.touch(ctx, addr, "lastSeenAt", at)
}

func (r *Repository) touch(ctx context.Context, addr address.Address, field string, at time.Time) error {
	email := strings.ToLower(addr.Email)
	if email == "" {
		return nil
	}
	ts := at.UTC().Format(time.RFC3339)

	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixContact + email},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: dynamo.SKProfile},
		},
		UpdateExpression: aws.String("SET email = :email, #name = if_not_exists(#name, :name), " +
			"createdAt = if_not_exists(createdAt, :now), " + field + " = :at"),
		ExpressionAttributeNames: map[string]string{"#name": "name"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":email": &types.AttributeValueMemberS{Value: email},
			":name":  &types.AttributeValueMemberS{Value: addr.Name},
			":now":   &types.AttributeValueMemberS{Value: ts},
			":at":    &types.AttributeValueMemberS{Value: ts},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert contact %q: %w", email, err)
	}
	return nil
}
