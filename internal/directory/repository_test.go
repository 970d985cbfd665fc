package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type mockDynamoDBClient struct {
	getItemFunc func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

func (m *mockDynamoDBClient) GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return m.getItemFunc(ctx, input, opts...)
}

func TestFindByEmail(t *testing.T) {
	var gotInput *dynamodb.GetItemInput
	client := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			gotInput = input
			return &dynamodb.GetItemOutput{
				Item: map[string]types.AttributeValue{
					"name":   &types.AttributeValueMemberS{Value: "Jane Roe"},
					"status": &types.AttributeValueMemberS{Value: "active"},
				},
			}, nil
		},
	}
	repo := NewDynamoDBRepository(client, "test-table")

	employee, err := repo.FindByEmail(context.Background(), "Jane@corp.example")
	if err != nil {
		t.Fatalf("FindByEmail() error = %v", err)
	}

	pk := gotInput.Key["pk"].(*types.AttributeValueMemberS).Value
	sk := gotInput.Key["sk"].(*types.AttributeValueMemberS).Value
	if pk != "EMPLOYEE#jane@corp.example" {
		t.Errorf("pk = %q", pk)
	}
	if sk != "PROFILE" {
		t.Errorf("sk = %q", sk)
	}

	if employee.Email != "jane@corp.example" {
		t.Errorf("Email = %q, want lowercased", employee.Email)
	}
	if employee.Name != "Jane Roe" {
		t.Errorf("Name = %q", employee.Name)
	}
	if !employee.Active() {
		t.Error("Active() = false, want true")
	}
}

func TestFindByEmailNotFound(t *testing.T) {
	client := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return &dynamodb.GetItemOutput{}, nil
		},
	}
	repo := NewDynamoDBRepository(client, "test-table")

	_, err := repo.FindByEmail(context.Background(), "ghost@corp.example")
	if !errors.Is(err, ErrEmployeeNotFound) {
		t.Fatalf("FindByEmail() error = %v, want ErrEmployeeNotFound", err)
	}
}

func TestFindByEmailClientError(t *testing.T) {
	client := &mockDynamoDBClient{
		getItemFunc: func(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
			return nil, errors.New("throughput exceeded")
		},
	}
	repo := NewDynamoDBRepository(client, "test-table")

	_, err := repo.FindByEmail(context.Background(), "jane@corp.example")
	if err == nil || errors.Is(err, ErrEmployeeNotFound) {
		t.Fatalf("FindByEmail() error = %v, want wrapped client error", err)
	}
}
