package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kestrelworks/mailroom/internal/dynamo"
)

// ErrEmployeeNotFound is returned when no directory entry exists for an address.
var ErrEmployeeNotFound = errors.New("employee not found")

// Repository looks up employees by their assigned mailbox address.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*Employee, error)
}

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoDBRepository implements Repository using DynamoDB.
type DynamoDBRepository struct {
	client    DynamoDBClient
	tableName string
}

// NewDynamoDBRepository creates a new DynamoDBRepository.
func NewDynamoDBRepository(client DynamoDBClient, tableName string) *DynamoDBRepository {
	return &DynamoDBRepository{
		client:    client,
		tableName: tableName,
	}
}

// FindByEmail retrieves a directory entry. The lookup is case-insensitive;
// addresses are stored lowercased.
func (r *DynamoDBRepository) FindByEmail(ctx context.Context, email string) (*Employee, error) {
	employee := &Employee{Email: strings.ToLower(email)}

	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: employee.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: employee.SK()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up employee %q: %w", email, err)
	}
	if output.Item == nil {
		return nil, ErrEmployeeNotFound
	}

	if s, ok := output.Item["name"].(*types.AttributeValueMemberS); ok {
		employee.Name = s.Value
	}
	if s, ok := output.Item["status"].(*types.AttributeValueMemberS); ok {
		employee.Status = EmployeeStatus(s.Value)
	}
	return employee, nil
}
