package message

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/kestrelworks/mailroom/internal/address"
	"github.com/kestrelworks/mailroom/internal/dynamo"
)

// Error types for repository operations.
var (
	ErrDuplicateMessage = errors.New("message already stored for this mailbox")
	ErrCreateFailed     = errors.New("message create failed")
	ErrMessageNotFound  = errors.New("message not found")
)

// conditionalCheckFailed is DynamoDB's cancellation reason code for a failed
// condition expression inside a transaction.
const conditionalCheckFailed = "ConditionalCheckFailed"

// maxMessageSK is an upper bound for sort-key range queries over MSG# items.
// The MSGID# guard items sort after "MSG#"-prefixed timestamps, so range
// queries need an explicit ceiling.
const maxMessageSK = dynamo.PrefixMessage + "9999-12-31T23:59:59Z#~"

// DynamoDBClient defines the interface for DynamoDB operations.
type DynamoDBClient interface {
	TransactWriteItems(ctx context.Context, input *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	GetItem(ctx context.Context, input *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, input *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, input *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Repository stores message copies in a single DynamoDB table.
type Repository struct {
	client    DynamoDBClient
	tableName string
	now       func() time.Time
}

// NewRepository creates a new Repository.
func NewRepository(client DynamoDBClient, tableName string) *Repository {
	return NewRepositoryAt(client, tableName, time.Now)
}

// NewRepositoryAt creates a Repository with an injected clock.
func NewRepositoryAt(client DynamoDBClient, tableName string, now func() time.Time) *Repository {
	return &Repository{
		client:    client,
		tableName: tableName,
		now:       now,
	}
}

// CreateUnique stores a message copy together with its (messageId, ownerEmail)
// guard item in one transaction. The guard's condition expression makes the
// write idempotent: a second create for the same pair fails the whole
// transaction and surfaces ErrDuplicateMessage, closing the race between a
// duplicate check and the subsequent write.
func (r *Repository) CreateUnique(ctx context.Context, m *Message) error {
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(r.tableName),
					ConditionExpression: aws.String("attribute_not_exists(pk)"),
					Item: map[string]types.AttributeValue{
						dynamo.AttrPK: &types.AttributeValueMemberS{Value: m.PK()},
						dynamo.AttrSK: &types.AttributeValueMemberS{Value: m.DedupSK()},
						"emailId":     &types.AttributeValueMemberS{Value: m.ID},
					},
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(r.tableName),
					Item:      marshalMessage(m),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == conditionalCheckFailed {
					return ErrDuplicateMessage
				}
			}
		}
		return fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return nil
}

// ExistsByMessageID reports whether a copy with the given external message id
// is already stored in the given mailbox.
func (r *Repository) ExistsByMessageID(ctx context.Context, messageID, ownerEmail string) (bool, error) {
	output, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: dynamo.PrefixOwner + ownerEmail},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: dedupSK(messageID)},
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to check message id %q: %w", messageID, err)
	}
	return output.Item != nil, nil
}

// FindRecentBySubject returns copies in the given mailbox created at or after
// since whose subject matches exactly. Used by the fuzzy duplicate fallback.
func (r *Repository) FindRecentBySubject(ctx context.Context, ownerEmail, subject string, since time.Time) ([]*Message, error) {
	output, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND sk BETWEEN :lo AND :hi"),
		FilterExpression:       aws.String("subject = :subject"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":      &types.AttributeValueMemberS{Value: dynamo.PrefixOwner + ownerEmail},
			":lo":      &types.AttributeValueMemberS{Value: dynamo.PrefixMessage + since.UTC().Format(time.RFC3339)},
			":hi":      &types.AttributeValueMemberS{Value: maxMessageSK},
			":subject": &types.AttributeValueMemberS{Value: subject},
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}

	messages := make([]*Message, 0, len(output.Items))
	for _, item := range output.Items {
		messages = append(messages, unmarshalMessage(item))
	}
	return messages, nil
}

// ListByOwner returns the newest message copies in a mailbox.
func (r *Repository) ListByOwner(ctx context.Context, ownerEmail string, limit int32) ([]*Message, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixOwner + ownerEmail},
			":prefix": &types.AttributeValueMemberS{Value: dynamo.PrefixMessage},
		},
		ScanIndexForward: aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	output, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailbox %q: %w", ownerEmail, err)
	}

	messages := make([]*Message, 0, len(output.Items))
	for _, item := range output.Items {
		messages = append(messages, unmarshalMessage(item))
	}
	return messages, nil
}

// ListByThread returns a conversation within one mailbox, oldest first.
func (r *Repository) ListByThread(ctx context.Context, ownerEmail, threadID string, limit int32) ([]*Message, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamo.IndexLSI1),
		KeyConditionExpression: aws.String("pk = :pk AND begins_with(lsi1sk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: dynamo.PrefixOwner + ownerEmail},
			":prefix": &types.AttributeValueMemberS{Value: dynamo.PrefixThread + threadID + "#"},
		},
	}
	if limit > 0 {
		input.Limit = aws.Int32(limit)
	}

	output, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread %q: %w", threadID, err)
	}

	messages := make([]*Message, 0, len(output.Items))
	for _, item := range output.Items {
		messages = append(messages, unmarshalMessage(item))
	}
	return messages, nil
}

// FlagUpdate describes a partial update of the mutable flag fields. Nil
// pointers leave a field untouched.
type FlagUpdate struct {
	IsRead    *bool
	IsStarred *bool
	Status    *Status
	Labels    []string
}

// UpdateFlags mutates the flag fields of one stored copy and returns the
// updated message. Envelope and body fields are immutable after creation.
func (r *Repository) UpdateFlags(ctx context.Context, ownerEmail string, createdAt time.Time, id string, upd FlagUpdate) (*Message, error) {
	expr := "SET updatedAt = :updatedAt"
	values := map[string]types.AttributeValue{
		":updatedAt": &types.AttributeValueMemberS{Value: r.now().UTC().Format(time.RFC3339)},
	}
	names := map[string]string{}

	if upd.IsRead != nil {
		expr += ", isRead = :isRead"
		values[":isRead"] = &types.AttributeValueMemberBOOL{Value: *upd.IsRead}
	}
	if upd.IsStarred != nil {
		expr += ", isStarred = :isStarred"
		values[":isStarred"] = &types.AttributeValueMemberBOOL{Value: *upd.IsStarred}
	}
	if upd.Status != nil {
		expr += ", #status = :status"
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(*upd.Status)}
	}
	if upd.Labels != nil {
		expr += ", #labels = :labels"
		names["#labels"] = "labels"
		values[":labels"] = marshalStringList(upd.Labels)
	}

	key := &Message{OwnerEmail: ownerEmail, CreatedAt: createdAt, ID: id}
	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			dynamo.AttrPK: &types.AttributeValueMemberS{Value: key.PK()},
			dynamo.AttrSK: &types.AttributeValueMemberS{Value: key.SK()},
		},
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(pk)"),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	output, err := r.client.UpdateItem(ctx, input)
	if err != nil {
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to update flags: %w", err)
	}
	return unmarshalMessage(output.Attributes), nil
}

func marshalMessage(m *Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		dynamo.AttrPK:     &types.AttributeValueMemberS{Value: m.PK()},
		dynamo.AttrSK:     &types.AttributeValueMemberS{Value: m.SK()},
		dynamo.AttrLSI1SK: &types.AttributeValueMemberS{Value: m.LSI1SK()},
		"id":              &types.AttributeValueMemberS{Value: m.ID},
		"threadId":        &types.AttributeValueMemberS{Value: m.ThreadID},
		"direction":       &types.AttributeValueMemberS{Value: string(m.Direction)},
		"ownerEmail":      &types.AttributeValueMemberS{Value: m.OwnerEmail},
		"from":            marshalAddress(m.From),
		"subject":         &types.AttributeValueMemberS{Value: m.Subject},
		"body":            &types.AttributeValueMemberS{Value: m.BodyHTML},
		"bodyText":        &types.AttributeValueMemberS{Value: m.BodyText},
		"status":          &types.AttributeValueMemberS{Value: string(m.Status)},
		"isRead":          &types.AttributeValueMemberBOOL{Value: m.IsRead},
		"isStarred":       &types.AttributeValueMemberBOOL{Value: m.IsStarred},
		"messageId":       &types.AttributeValueMemberS{Value: m.MessageID},
		"createdAt":       &types.AttributeValueMemberS{Value: m.CreatedAt.UTC().Format(time.RFC3339)},
		"updatedAt":       &types.AttributeValueMemberS{Value: m.UpdatedAt.UTC().Format(time.RFC3339)},
	}

	if len(m.To) > 0 {
		item["to"] = marshalAddressList(m.To)
	}
	if len(m.CC) > 0 {
		item["cc"] = marshalAddressList(m.CC)
	}
	if len(m.Labels) > 0 {
		item["labels"] = marshalStringList(m.Labels)
	}
	if m.InReplyTo != "" {
		item["inReplyTo"] = &types.AttributeValueMemberS{Value: m.InReplyTo}
	}
	if len(m.Attachments) > 0 {
		item["attachments"] = marshalAttachmentList(m.Attachments)
	}

	return item
}

func unmarshalMessage(item map[string]types.AttributeValue) *Message {
	m := &Message{
		ID:         stringAttr(item, "id"),
		ThreadID:   stringAttr(item, "threadId"),
		Direction:  Direction(stringAttr(item, "direction")),
		OwnerEmail: stringAttr(item, "ownerEmail"),
		From:       unmarshalAddress(item["from"]),
		To:         unmarshalAddressList(item["to"]),
		CC:         unmarshalAddressList(item["cc"]),
		Subject:    stringAttr(item, "subject"),
		BodyHTML:   stringAttr(item, "body"),
		BodyText:   stringAttr(item, "bodyText"),
		Status:     Status(stringAttr(item, "status")),
		IsRead:     boolAttr(item, "isRead"),
		IsStarred:  boolAttr(item, "isStarred"),
		Labels:     unmarshalStringList(item["labels"]),
		MessageID:  stringAttr(item, "messageId"),
		InReplyTo:  stringAttr(item, "inReplyTo"),
	}
	if t, err := time.Parse(time.RFC3339, stringAttr(item, "createdAt")); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, stringAttr(item, "updatedAt")); err == nil {
		m.UpdatedAt = t
	}
	m.Attachments = unmarshalAttachmentList(item["attachments"])
	return m
}

func marshalAddress(a address.Address) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"name":  &types.AttributeValueMemberS{Value: a.Name},
		"email": &types.AttributeValueMemberS{Value: a.Email},
	}}
}

func marshalAddressList(addrs []address.Address) types.AttributeValue {
	list := make([]types.AttributeValue, len(addrs))
	for i, a := range addrs {
		list[i] = marshalAddress(a)
	}
	return &types.AttributeValueMemberL{Value: list}
}

func marshalStringList(values []string) types.AttributeValue {
	list := make([]types.AttributeValue, len(values))
	for i, v := range values {
		list[i] = &types.AttributeValueMemberS{Value: v}
	}
	return &types.AttributeValueMemberL{Value: list}
}

func marshalAttachmentList(attachments []Attachment) types.AttributeValue {
	list := make([]types.AttributeValue, len(attachments))
	for i, a := range attachments {
		list[i] = &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"key":         &types.AttributeValueMemberS{Value: a.Key},
			"filename":    &types.AttributeValueMemberS{Value: a.Filename},
			"contentType": &types.AttributeValueMemberS{Value: a.ContentType},
			"size":        &types.AttributeValueMemberN{Value: strconv.FormatInt(a.Size, 10)},
		}}
	}
	return &types.AttributeValueMemberL{Value: list}
}

func unmarshalAddress(av types.AttributeValue) address.Address {
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return address.Address{}
	}
	return address.Address{
		Name:  stringAttr(m.Value, "name"),
		Email: stringAttr(m.Value, "email"),
	}
}

func unmarshalAddressList(av types.AttributeValue) []address.Address {
	l, ok := av.(*types.AttributeValueMemberL)
	if !ok {
		return nil
	}
	addrs := make([]address.Address, len(l.Value))
	for i, item := range l.Value {
		addrs[i] = unmarshalAddress(item)
	}
	return addrs
}

func unmarshalStringList(av types.AttributeValue) []string {
	l, ok := av.(*types.AttributeValueMemberL)
	if !ok {
		return []string{}
	}
	values := make([]string, 0, len(l.Value))
	for _, item := range l.Value {
		if s, ok := item.(*types.AttributeValueMemberS); ok {
			values = append(values, s.Value)
		}
	}
	return values
}

func unmarshalAttachmentList(av types.AttributeValue) []Attachment {
	l, ok := av.(*types.AttributeValueMemberL)
	if !ok {
		return nil
	}
	attachments := make([]Attachment, 0, len(l.Value))
	for _, item := range l.Value {
		m, ok := item.(*types.AttributeValueMemberM)
		if !ok {
			continue
		}
		att := Attachment{
			Key:         stringAttr(m.Value, "key"),
			Filename:    stringAttr(m.Value, "filename"),
			ContentType: stringAttr(m.Value, "contentType"),
		}
		if n, ok := m.Value["size"].(*types.AttributeValueMemberN); ok {
			if size, err := strconv.ParseInt(n.Value, 10, 64); err == nil {
				att.Size = size
			}
		}
		attachments = append(attachments, att)
	}
	return attachments
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if s, ok := item[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func boolAttr(item map[string]types.AttributeValue, name string) bool {
	if b, ok := item[name].(*types.AttributeValueMemberBOOL); ok {
		return b.Value
	}
	return false
}
