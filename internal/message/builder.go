package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/mailroom/internal/address"
)

// Envelope carries the normalized fields shared by every stored copy of one
// logical message. The builder adds the per-copy identity and flags.
type Envelope struct {
	From        address.Address
	To          []address.Address
	CC          []address.Address
	Subject     string
	BodyHTML    string
	BodyText    string
	ThreadID    string
	MessageID   string
	InReplyTo   string
	Attachments []Attachment
}

// Builder assembles stored message copies. It is shared by the webhook
// ingestion path and both outbound send paths so every copy gets identical
// defaults.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a Builder using the real clock.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// NewBuilderAt creates a Builder with an injected clock for tests.
func NewBuilderAt(now func() time.Time) *Builder {
	return &Builder{now: now}
}

// Build produces a complete copy for the given mailbox owner: fresh id,
// direction-derived status and read flag, empty labels, current timestamps.
func (b *Builder) Build(env Envelope, owner string, direction Direction) *Message {
	now := b.now().UTC()

	status := StatusReceived
	if direction == DirectionOutbound {
		status = StatusSent
	}

	return &Message{
		ID:          uuid.New().String(),
		ThreadID:    env.ThreadID,
		Direction:   direction,
		OwnerEmail:  owner,
		From:        env.From,
		To:          env.To,
		CC:          env.CC,
		Subject:     env.Subject,
		BodyHTML:    env.BodyHTML,
		BodyText:    env.BodyText,
		Status:      status,
		IsRead:      direction == DirectionOutbound,
		IsStarred:   false,
		Labels:      []string{},
		MessageID:   env.MessageID,
		InReplyTo:   env.InReplyTo,
		Attachments: env.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
