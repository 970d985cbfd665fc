// Package outbound dispatches composed messages through the email provider
// and persists the resulting mailbox copies.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelworks/mailroom/internal/address"
	"github.com/kestrelworks/mailroom/internal/message"
	"github.com/kestrelworks/mailroom/internal/notify"
	"github.com/kestrelworks/mailroom/internal/rawmail"
	"github.com/kestrelworks/mailroom/internal/sendapi"
	"github.com/kestrelworks/mailroom/internal/thread"
)

// ValidationError reports every invalid recipient address in one pass, so
// the caller can fix the whole request at once.
type ValidationError struct {
	Addresses []string
}

func (e *ValidationError) Error() string {
	return "invalid recipient addresses: " + strings.Join(e.Addresses, ", ")
}

// ErrNoRecipients is returned when the to list is empty.
var ErrNoRecipients = errors.New("at least one recipient is required")

// bodyWrapper is the fixed HTML frame applied to outgoing bodies. Applied
// once before sending; the stored copies carry the wrapped form so reading
// a sent message back shows exactly what went out.
var bodyWrapper = template.Must(template.New("body").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Arial, Helvetica, sans-serif; font-size: 14px; line-height: 1.5; color: #1a1a1a;">
{{.Body}}
</body>
</html>
`))

// Mailer delivers messages through the provider.
type Mailer interface {
	Send(ctx context.Context, req *sendapi.SendRequest) (*sendapi.SendResult, error)
}

// MessageStore persists message copies.
type MessageStore interface {
	CreateUnique(ctx context.Context, m *message.Message) error
}

// ContactStore records correspondents.
type ContactStore interface {
	TouchContacted(ctx context.Context, addr address.Address, at time.Time) error
}

// Input is one composed message to send. Owner names the mailbox that gets
// the sent copy; the from fields are the provider-facing sender identity.
type Input struct {
	Owner     string
	FromName  string
	FromEmail string
	To        []string
	CC        []string
	Subject   string
	HTML      string
	Text      string
	InReplyTo string
}

// Result reports a completed dispatch.
type Result struct {
	EmailID    string `json:"emailId"`
	ProviderID string `json:"providerId"`
	ThreadID   string `json:"threadId"`
}

// Dispatcher sends messages and stores the sender's copy, mirroring mail
// addressed to the organization's own inbound addresses into the admin
// mailbox.
type Dispatcher struct {
	mailer     Mailer
	store      MessageStore
	contacts   ContactStore
	notifier   notify.Publisher
	builder    *message.Builder
	logger     *slog.Logger
	adminAddrs map[string]bool
	now        func() time.Time
}

// Config wires a Dispatcher. Contacts and Notifier are optional.
// AdminAddresses lists the organization's own inbound addresses; sends to
// them are mirrored into the admin mailbox.
type Config struct {
	Mailer         Mailer
	Store          MessageStore
	Contacts       ContactStore
	Notifier       notify.Publisher
	Builder        *message.Builder
	Logger         *slog.Logger
	AdminAddresses []string
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	builder := cfg.Builder
	if builder == nil {
		builder = message.NewBuilder()
	}
	adminAddrs := make(map[string]bool, len(cfg.AdminAddresses))
	for _, a := range cfg.AdminAddresses {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			adminAddrs[a] = true
		}
	}
	return &Dispatcher{
		mailer:     cfg.Mailer,
		store:      cfg.Store,
		contacts:   cfg.Contacts,
		notifier:   cfg.Notifier,
		builder:    builder,
		logger:     cfg.Logger,
		adminAddrs: adminAddrs,
		now:        time.Now,
	}
}

// Send validates, delivers and persists one composed message. Validation
// failures and provider failures abort before anything is stored; a storage
// failure after a successful send is logged but not surfaced, since the mail
// is already out and a retried request would send it twice.
func (d *Dispatcher) Send(ctx context.Context, input *Input) (*Result, error) {
	if len(input.To) == 0 {
		return nil, ErrNoRecipients
	}
	if err := validateRecipients(input.To, input.CC); err != nil {
		return nil, err
	}

	html, text := renderBodies(input.HTML, input.Text)

	threadID := input.InReplyTo
	if threadID == "" {
		threadID = thread.Identify(input.Subject, "")
	}

	req := &sendapi.SendRequest{
		From:    formatSender(input.FromName, input.FromEmail),
		To:      input.To,
		CC:      input.CC,
		Subject: input.Subject,
		HTML:    html,
		Text:    text,
	}
	sent, err := d.mailer.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provider send failed: %w", err)
	}

	envelope := message.Envelope{
		From:      address.Address{Name: input.FromName, Email: strings.ToLower(input.FromEmail)},
		To:        address.ParseAll(input.To),
		CC:        address.ParseAll(input.CC),
		Subject:   input.Subject,
		BodyHTML:  html,
		BodyText:  text,
		ThreadID:  threadID,
		MessageID: sent.ID,
		InReplyTo: input.InReplyTo,
	}

	result := &Result{ProviderID: sent.ID, ThreadID: threadID}

	senderCopy := d.builder.Build(envelope, input.Owner, message.DirectionOutbound)
	if err := d.persist(ctx, senderCopy); err == nil {
		result.EmailID = senderCopy.ID
	}

	if mirror := d.adminMirror(envelope, input.Owner, sent.ID); mirror != nil {
		d.persist(ctx, mirror)
	}

	d.touchRecipients(ctx, envelope.To, envelope.CC)

	return result, nil
}

// adminMirror builds the admin-mailbox copy for a send addressed to one of
// the organization's own inbound addresses, or nil when none applies. The
// mirror uses a synthetic message id derived from the provider's, which the
// deduplication gate recognizes when the provider later echoes the same
// message back through the inbound webhook.
func (d *Dispatcher) adminMirror(envelope message.Envelope, owner, providerID string) *message.Message {
	if owner == message.AdminMailbox || !d.addressedToAdmin(envelope.To, envelope.CC) {
		return nil
	}

	envelope.MessageID = message.InternalIDPrefix + providerID
	mirror := d.builder.Build(envelope, message.AdminMailbox, message.DirectionInbound)
	mirror.Labels = []string{message.LabelInternal}
	return mirror
}

func (d *Dispatcher) addressedToAdmin(lists ...[]address.Address) bool {
	for _, list := range lists {
		for _, addr := range list {
			if d.adminAddrs[addr.Email] {
				return true
			}
		}
	}
	return false
}

func (d *Dispatcher) persist(ctx context.Context, m *message.Message) error {
	err := d.store.CreateUnique(ctx, m)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to store sent message copy",
			slog.String("owner_email", m.OwnerEmail),
			slog.String("message_id", m.MessageID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if d.notifier != nil {
		if err := d.notifier.PublishStored(ctx, notify.Event{
			OwnerEmail: m.OwnerEmail,
			EmailID:    m.ID,
			ThreadID:   m.ThreadID,
			Direction:  string(m.Direction),
		}); err != nil {
			d.logger.WarnContext(ctx, "Failed to publish stored-mail event",
				slog.String("owner_email", m.OwnerEmail),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (d *Dispatcher) touchRecipients(ctx context.Context, lists ...[]address.Address) {
	if d.contacts == nil {
		return
	}
	now := d.now()
	for _, list := range lists {
		for _, addr := range list {
			if addr.Email == "" {
				continue
			}
			if err := d.contacts.TouchContacted(ctx, addr, now); err != nil {
				d.logger.WarnContext(ctx, "Failed to upsert recipient contact",
					slog.String("recipient", addr.Email),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// validateRecipients checks every address in both lists and reports all
// failures together.
func validateRecipients(to, cc []string) error {
	var invalid []string
	for _, lists := range [][]string{to, cc} {
		for _, a := range lists {
			if !address.Valid(a) {
				invalid = append(invalid, a)
			}
		}
	}
	if len(invalid) > 0 {
		return &ValidationError{Addresses: invalid}
	}
	return nil
}

// renderBodies produces the final html and text forms. A missing variant is
// synthesized from the other. Fragment html is framed by the standard
// wrapper; input that already carries an <html> element is passed through
// unchanged, so a complete document is never nested inside a second frame.
func renderBodies(html, text string) (string, string) {
	if html == "" && text != "" {
		html = rawmail.SynthesizeHTML(text)
	}
	if html != "" && !strings.Contains(strings.ToLower(html), "<html") {
		var b strings.Builder
		if err := bodyWrapper.Execute(&b, struct{ Body template.HTML }{Body: template.HTML(html)}); err == nil {
			html = b.String()
		}
	}
	if text == "" && html != "" {
		text = rawmail.SynthesizeText(html)
	}
	return html, text
}

func formatSender(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}
