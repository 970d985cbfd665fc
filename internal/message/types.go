// Package message provides the stored email message model and its DynamoDB
// repository.
package message

import (
	"time"

	"github.com/kestrelworks/mailroom/internal/address"
	"github.com/kestrelworks/mailroom/internal/dynamo"
)

// AdminMailbox is the sentinel owner for the shared admin inbox.
const AdminMailbox = "__admin__"

// InternalIDPrefix tags synthetic message ids given to admin mirrors of
// outbound sends, derived from the provider's send-confirmation id.
const InternalIDPrefix = "internal-"

// LabelInternal marks admin mirrors of employee-sent mail.
const LabelInternal = "internal"

// Direction of a stored message copy.
type Direction string

// Directions.
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the lifecycle tag of a stored message copy.
type Status string

// Statuses.
const (
	StatusReceived Status = "received"
	StatusSent     Status = "sent"
	StatusDeleted  Status = "deleted"
)

// Attachment describes an attachment by reference; the bytes live in object
// storage under Key.
type Attachment struct {
	Key         string `json:"key"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Message is one stored copy of a logical email. A message addressed to
// several mailbox owners produces one Message per owner; OwnerEmail is the
// partition for access control and deduplication, not a recipient list.
//
// Only the flag fields (IsRead, IsStarred, Status, Labels) are mutable after
// creation.
type Message struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"threadId"`
	Direction   Direction         `json:"direction"`
	OwnerEmail  string            `json:"ownerEmail"`
	From        address.Address   `json:"from"`
	To          []address.Address `json:"to"`
	CC          []address.Address `json:"cc"`
	Subject     string            `json:"subject"`
	BodyHTML    string            `json:"body"`
	BodyText    string            `json:"bodyText"`
	Status      Status            `json:"status"`
	IsRead      bool              `json:"isRead"`
	IsStarred   bool              `json:"isStarred"`
	Labels      []string          `json:"labels"`
	MessageID   string            `json:"messageId"`
	InReplyTo   string            `json:"inReplyTo,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// PK returns the DynamoDB partition key for this copy's mailbox.
func (m *Message) PK() string {
	return dynamo.PrefixOwner + m.OwnerEmail
}

// SK returns the DynamoDB sort key, ordered by creation time.
func (m *Message) SK() string {
	return dynamo.PrefixMessage + m.CreatedAt.UTC().Format(time.RFC3339) + "#" + m.ID
}

// LSI1SK returns the thread-listing index sort key.
func (m *Message) LSI1SK() string {
	return dynamo.PrefixThread + m.ThreadID + "#" + m.CreatedAt.UTC().Format(time.RFC3339)
}

// DedupSK returns the sort key of the (messageId, ownerEmail) guard item.
func (m *Message) DedupSK() string {
	return dedupSK(m.MessageID)
}

func dedupSK(messageID string) string {
	return dynamo.PrefixMsgID + messageID
}
