// Package notify publishes stored-mail events to an async queue so downstream
// consumers learn about new mail without polling storage.
package notify

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Event describes one stored message copy.
type Event struct {
	Type       string `json:"type"`
	OwnerEmail string `json:"ownerEmail"`
	EmailID    string `json:"emailId"`
	ThreadID   string `json:"threadId"`
	Direction  string `json:"direction"`
}

// EventTypeStored is the event type for newly persisted copies.
const EventTypeStored = "mail.stored"

// Publisher publishes stored-mail events.
type Publisher interface {
	PublishStored(ctx context.Context, event Event) error
}

// SQSSender abstracts SQS send operations for dependency inversion.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher publishes events to an SQS queue.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
}

// NewSQSPublisher creates a new SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
	}
}

// PublishStored sends a stored-mail event to the queue.
func (p *SQSPublisher) PublishStored(ctx context.Context, event Event) error {
	if event.Type == "" {
		event.Type = EventTypeStored
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	bodyStr := string(body)
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &p.queueURL,
		MessageBody: &bodyStr,
	})
	return err
}
