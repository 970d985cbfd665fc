// Package ingest orchestrates inbound webhook deliveries: normalization,
// mailbox resolution, per-mailbox deduplication and persistence.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/mailroom/internal/address"
	"github.com/kestrelworks/mailroom/internal/dedup"
	"github.com/kestrelworks/mailroom/internal/directory"
	"github.com/kestrelworks/mailroom/internal/message"
	"github.com/kestrelworks/mailroom/internal/notify"
	"github.com/kestrelworks/mailroom/internal/rawmail"
	"github.com/kestrelworks/mailroom/internal/sendapi"
	"github.com/kestrelworks/mailroom/internal/thread"
	"github.com/kestrelworks/mailroom/internal/webhook"
)

// syntheticIDPrefix tags message ids we mint when the payload carries none.
const syntheticIDPrefix = "local-"

// MessageStore persists message copies.
type MessageStore interface {
	CreateUnique(ctx context.Context, m *message.Message) error
}

// Gate is the deduplication engine surface the pipeline consumes.
type Gate interface {
	IsDuplicateForOwner(ctx context.Context, messageID, ownerEmail string) bool
	ShouldStoreAdminCopy(ctx context.Context, c dedup.AdminCandidate) bool
}

// Resolver maps addresses to mailbox owners.
type Resolver interface {
	Resolve(ctx context.Context, recipients []address.Address, sender address.Address) (*directory.Resolution, error)
}

// BodyFetcher retrieves message bodies the webhook payload omitted.
type BodyFetcher interface {
	FetchMessage(ctx context.Context, id string) (*sendapi.FetchedMessage, error)
}

// ContactStore records correspondents.
type ContactStore interface {
	TouchSeen(ctx context.Context, addr address.Address, at time.Time) error
}

// Pipeline processes normalized webhook envelopes.
type Pipeline struct {
	store    MessageStore
	gate     Gate
	resolver Resolver
	fetcher  BodyFetcher
	contacts ContactStore
	notifier notify.Publisher
	builder  *message.Builder
	logger   *slog.Logger
	now      func() time.Time
}

// Config wires a Pipeline. Fetcher, Contacts and Notifier are optional.
type Config struct {
	Store    MessageStore
	Gate     Gate
	Resolver Resolver
	Fetcher  BodyFetcher
	Contacts ContactStore
	Notifier notify.Publisher
	Builder  *message.Builder
	Logger   *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg Config) *Pipeline {
	builder := cfg.Builder
	if builder == nil {
		builder = message.NewBuilder()
	}
	return &Pipeline{
		store:    cfg.Store,
		gate:     cfg.Gate,
		resolver: cfg.Resolver,
		fetcher:  cfg.Fetcher,
		contacts: cfg.Contacts,
		notifier: cfg.Notifier,
		builder:  builder,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Result summarizes one processed delivery.
type Result struct {
	EmailID        string `json:"emailId"`
	EmployeeCopies int    `json:"employeeCopies"`
	Deduplicated   bool   `json:"deduplicated"`
}

// Ingest routes one inbound message to every mailbox it belongs to, storing
// at most one copy per mailbox. Persisting one mailbox's copy is never
// blocked by another's failure; the result counts what actually landed.
func (p *Pipeline) Ingest(ctx context.Context, env *webhook.Envelope) (*Result, error) {
	attachments := p.completeBodies(ctx, env)

	from := address.Parse(env.From)
	to := address.ParseAll(env.To)
	cc := address.ParseAll(env.CC)

	messageID := env.MessageID
	if messageID == "" {
		messageID = syntheticIDPrefix + uuid.New().String()
	}

	resolution, err := p.resolver.Resolve(ctx, append(append([]address.Address{}, to...), cc...), from)
	if err != nil {
		return nil, fmt.Errorf("mailbox resolution failed: %w", err)
	}

	envelope := message.Envelope{
		From:        from,
		To:          to,
		CC:          cc,
		Subject:     env.Subject,
		BodyHTML:    env.HTML,
		BodyText:    env.Text,
		ThreadID:    thread.Identify(env.Subject, env.InReplyTo),
		MessageID:   messageID,
		InReplyTo:   env.InReplyTo,
		Attachments: attachmentsFromRaw(attachments),
	}

	result := &Result{}

	for _, employee := range resolution.Employees {
		if p.gate.IsDuplicateForOwner(ctx, messageID, employee.Email) {
			result.Deduplicated = true
			continue
		}
		p.storeCopy(ctx, envelope, employee.Email, result)
	}

	candidate := dedup.AdminCandidate{
		MessageID:        messageID,
		Subject:          env.Subject,
		SenderEmail:      from.Email,
		SenderIsEmployee: resolution.SenderIsEmployee,
		EmployeeCopies:   len(resolution.Employees),
	}
	structural := candidate.SenderIsEmployee || candidate.EmployeeCopies > 0
	if p.gate.ShouldStoreAdminCopy(ctx, candidate) {
		p.storeCopy(ctx, envelope, message.AdminMailbox, result)
	} else if !structural {
		result.Deduplicated = true
	}

	if p.contacts != nil && from.Email != "" {
		if err := p.contacts.TouchSeen(ctx, from, p.now()); err != nil {
			p.logger.WarnContext(ctx, "Failed to upsert sender contact",
				slog.String("sender", from.Email),
				slog.String("error", err.Error()),
			)
		}
	}

	return result, nil
}

// storeCopy builds and persists one mailbox's copy, folding the conditional
// write's duplicate outcome into the result.
func (p *Pipeline) storeCopy(ctx context.Context, envelope message.Envelope, owner string, result *Result) {
	m := p.builder.Build(envelope, owner, message.DirectionInbound)

	err := p.store.CreateUnique(ctx, m)
	switch {
	case errors.Is(err, message.ErrDuplicateMessage):
		result.Deduplicated = true
		return
	case err != nil:
		p.logger.ErrorContext(ctx, "Failed to store message copy",
			slog.String("owner_email", owner),
			slog.String("message_id", envelope.MessageID),
			slog.String("error", err.Error()),
		)
		return
	}

	if result.EmailID == "" {
		result.EmailID = m.ID
	}
	if owner != message.AdminMailbox {
		result.EmployeeCopies++
	}

	if p.notifier != nil {
		if err := p.notifier.PublishStored(ctx, notify.Event{
			OwnerEmail: owner,
			EmailID:    m.ID,
			ThreadID:   m.ThreadID,
			Direction:  string(m.Direction),
		}); err != nil {
			p.logger.WarnContext(ctx, "Failed to publish stored-mail event",
				slog.String("owner_email", owner),
				slog.String("error", err.Error()),
			)
		}
	}
}

// completeBodies fills missing body content: first from the raw transport
// message when one was supplied, then by refetching from the provider, and
// finally by synthesizing the missing HTML/text counterpart. It returns any
// attachment descriptors found in the raw message.
func (p *Pipeline) completeBodies(ctx context.Context, env *webhook.Envelope) []rawmail.Attachment {
	var attachments []rawmail.Attachment

	if env.HTML == "" && env.Text == "" && env.RawEmail != "" {
		extracted := rawmail.Extract(env.RawEmail)
		env.HTML = extracted.BodyHTML
		env.Text = extracted.BodyText
		attachments = extracted.Attachments
		if env.Subject == "" {
			env.Subject = extracted.Headers["subject"]
		}
		if env.MessageID == "" {
			env.MessageID = extracted.Headers["message-id"]
		}
		if env.InReplyTo == "" {
			env.InReplyTo = extracted.Headers["in-reply-to"]
		}
	}

	if env.HTML == "" && env.Text == "" && env.ProviderEmailID != "" && p.fetcher != nil {
		fetched, err := p.fetcher.FetchMessage(ctx, env.ProviderEmailID)
		if err != nil {
			p.logger.WarnContext(ctx, "Failed to fetch message body from provider",
				slog.String("provider_email_id", env.ProviderEmailID),
				slog.String("error", err.Error()),
			)
		} else {
			env.HTML = fetched.HTML
			env.Text = fetched.Text
		}
	}

	if env.HTML == "" && env.Text != "" {
		env.HTML = rawmail.SynthesizeHTML(env.Text)
	}
	if env.Text == "" && env.HTML != "" {
		env.Text = rawmail.SynthesizeText(env.HTML)
	}

	return attachments
}

func attachmentsFromRaw(attachments []rawmail.Attachment) []message.Attachment {
	if len(attachments) == 0 {
		return nil
	}
	out := make([]message.Attachment, len(attachments))
	for i, a := range attachments {
		out[i] = message.Attachment{
			Key:         a.Key,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
		}
	}
	return out
}
