package outbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kestrelworks/mailroom/internal/address"
	"github.com/kestrelworks/mailroom/internal/message"
	"github.com/kestrelworks/mailroom/internal/notify"
	"github.com/kestrelworks/mailroom/internal/sendapi"
	"github.com/kestrelworks/mailroom/internal/thread"
)

type mockMailer struct {
	sendFunc func(ctx context.Context, req *sendapi.SendRequest) (*sendapi.SendResult, error)
	requests []*sendapi.SendRequest
}

func (m *mockMailer) Send(ctx context.Context, req *sendapi.SendRequest) (*sendapi.SendResult, error) {
	m.requests = append(m.requests, req)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, req)
	}
	return &sendapi.SendResult{ID: "prov-1"}, nil
}

type mockStore struct {
	createFunc func(ctx context.Context, m *message.Message) error
	created    []*message.Message
}

func (m *mockStore) CreateUnique(ctx context.Context, msg *message.Message) error {
	m.created = append(m.created, msg)
	if m.createFunc != nil {
		return m.createFunc(ctx, msg)
	}
	return nil
}

type mockContacts struct {
	contactedFunc func(ctx context.Context, addr address.Address, at time.Time) error
	contacted     []address.Address
}

func (m *mockContacts) TouchContacted(ctx context.Context, addr address.Address, at time.Time) error {
	m.contacted = append(m.contacted, addr)
	if m.contactedFunc != nil {
		return m.contactedFunc(ctx, addr, at)
	}
	return nil
}

type mockNotifier struct {
	events []notify.Event
}

func (m *mockNotifier) PublishStored(ctx context.Context, event notify.Event) error {
	m.events = append(m.events, event)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(mailer *mockMailer, store *mockStore) *Dispatcher {
	return NewDispatcher(Config{
		Mailer: mailer,
		Store:  store,
		Logger: testLogger(),
	})
}

func TestSendStoresSenderCopy(t *testing.T) {
	mailer := &mockMailer{}
	store := &mockStore{}
	dispatcher := newTestDispatcher(mailer, store)

	result, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromName:  "Jane Roe",
		FromEmail: "jane@corp.example",
		To:        []string{"pat@example.com"},
		Subject:   "Follow up",
		HTML:      "<p>Thanks for your time.</p>",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if result.ProviderID != "prov-1" {
		t.Errorf("ProviderID = %q", result.ProviderID)
	}
	if result.EmailID == "" {
		t.Error("EmailID is empty")
	}
	if !strings.HasPrefix(result.ThreadID, thread.Prefix) {
		t.Errorf("ThreadID = %q, want %q prefix", result.ThreadID, thread.Prefix)
	}

	if len(mailer.requests) != 1 {
		t.Fatalf("sent %d requests, want 1", len(mailer.requests))
	}
	req := mailer.requests[0]
	if req.From != "Jane Roe <jane@corp.example>" {
		t.Errorf("From = %q", req.From)
	}
	if !strings.Contains(req.HTML, "<p>Thanks for your time.</p>") {
		t.Errorf("HTML = %q", req.HTML)
	}
	if !strings.Contains(req.HTML, "<html>") {
		t.Error("HTML was not wrapped")
	}
	if req.Text == "" {
		t.Error("Text was not synthesized")
	}

	if len(store.created) != 1 {
		t.Fatalf("stored %d copies, want 1", len(store.created))
	}
	m := store.created[0]
	if m.OwnerEmail != "jane@corp.example" {
		t.Errorf("OwnerEmail = %q", m.OwnerEmail)
	}
	if m.Direction != message.DirectionOutbound {
		t.Errorf("Direction = %q, want outbound", m.Direction)
	}
	if m.Status != message.StatusSent {
		t.Errorf("Status = %q, want sent", m.Status)
	}
	if m.MessageID != "prov-1" {
		t.Errorf("MessageID = %q, want prov-1", m.MessageID)
	}
	if !m.IsRead {
		t.Error("IsRead = false, want true for a sent copy")
	}
	// Stored copy carries the same wrapped body that went out.
	if m.BodyHTML != req.HTML {
		t.Error("stored BodyHTML differs from the sent HTML")
	}
}

func TestSendReportsEveryInvalidRecipient(t *testing.T) {
	mailer := &mockMailer{}
	store := &mockStore{}
	dispatcher := newTestDispatcher(mailer, store)

	_, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromEmail: "jane@corp.example",
		To:        []string{"not-an-address", "pat@example.com"},
		CC:        []string{"also bad"},
		Subject:   "Hello",
		Text:      "Hi",
	})

	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Send() error = %v, want ValidationError", err)
	}
	if len(validationErr.Addresses) != 2 {
		t.Fatalf("invalid addresses = %v, want 2 entries", validationErr.Addresses)
	}
	if validationErr.Addresses[0] != "not-an-address" || validationErr.Addresses[1] != "also bad" {
		t.Errorf("invalid addresses = %v", validationErr.Addresses)
	}
	if len(mailer.requests) != 0 {
		t.Error("provider was called despite validation failure")
	}
	if len(store.created) != 0 {
		t.Error("a copy was stored despite validation failure")
	}
}

func TestSendRequiresRecipients(t *testing.T) {
	dispatcher := newTestDispatcher(&mockMailer{}, &mockStore{})

	_, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromEmail: "jane@corp.example",
		Subject:   "Hello",
		Text:      "Hi",
	})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("Send() error = %v, want ErrNoRecipients", err)
	}
}

func TestSendMirrorsAdminAddressedMail(t *testing.T) {
	mailer := &mockMailer{}
	store := &mockStore{}
	notifier := &mockNotifier{}
	dispatcher := NewDispatcher(Config{
		Mailer:         mailer,
		Store:          store,
		Notifier:       notifier,
		Logger:         testLogger(),
		AdminAddresses: []string{"Info@corp.example"},
	})

	_, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromName:  "Jane Roe",
		FromEmail: "jane@corp.example",
		To:        []string{"info@corp.example"},
		Subject:   "Internal note",
		Text:      "For the shared inbox.",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(store.created) != 2 {
		t.Fatalf("stored %d copies, want 2", len(store.created))
	}
	mirror := store.created[1]
	if mirror.OwnerEmail != message.AdminMailbox {
		t.Errorf("mirror owner = %q, want %q", mirror.OwnerEmail, message.AdminMailbox)
	}
	if mirror.Direction != message.DirectionInbound {
		t.Errorf("mirror Direction = %q, want inbound", mirror.Direction)
	}
	if mirror.Status != message.StatusReceived {
		t.Errorf("mirror Status = %q, want received", mirror.Status)
	}
	if mirror.MessageID != message.InternalIDPrefix+"prov-1" {
		t.Errorf("mirror MessageID = %q", mirror.MessageID)
	}
	if mirror.IsRead {
		t.Error("mirror IsRead = true, want false")
	}
	if len(mirror.Labels) != 1 || mirror.Labels[0] != message.LabelInternal {
		t.Errorf("mirror Labels = %v", mirror.Labels)
	}
	if mirror.ThreadID != store.created[0].ThreadID {
		t.Error("mirror and sender copy got different thread ids")
	}
	if len(notifier.events) != 2 {
		t.Errorf("published %d events, want 2", len(notifier.events))
	}
}

func TestSendDoesNotMirrorAdminOwnSends(t *testing.T) {
	store := &mockStore{}
	dispatcher := NewDispatcher(Config{
		Mailer:         &mockMailer{},
		Store:          store,
		Logger:         testLogger(),
		AdminAddresses: []string{"info@corp.example"},
	})

	_, err := dispatcher.Send(context.Background(), &Input{
		Owner:     message.AdminMailbox,
		FromName:  "Corp Support",
		FromEmail: "info@corp.example",
		To:        []string{"info@corp.example"},
		Subject:   "Self test",
		Text:      "ping",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(store.created) != 1 {
		t.Fatalf("stored %d copies, want 1", len(store.created))
	}
	if store.created[0].OwnerEmail != message.AdminMailbox {
		t.Errorf("owner = %q", store.created[0].OwnerEmail)
	}
}

func TestSendProviderFailureStoresNothing(t *testing.T) {
	mailer := &mockMailer{
		sendFunc: func(ctx context.Context, req *sendapi.SendRequest) (*sendapi.SendResult, error) {
			return nil, sendapi.ErrProvider
		},
	}
	store := &mockStore{}
	dispatcher := newTestDispatcher(mailer, store)

	_, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromEmail: "jane@corp.example",
		To:        []string{"pat@example.com"},
		Subject:   "Hello",
		Text:      "Hi",
	})
	if !errors.Is(err, sendapi.ErrProvider) {
		t.Fatalf("Send() error = %v, want provider error", err)
	}
	if len(store.created) != 0 {
		t.Errorf("stored %d copies, want 0", len(store.created))
	}
}

func TestSendStorageFailureDoesNotFailTheRequest(t *testing.T) {
	store := &mockStore{
		createFunc: func(ctx context.Context, m *message.Message) error {
			return errors.New("throughput exceeded")
		},
	}
	dispatcher := newTestDispatcher(&mockMailer{}, store)

	result, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromEmail: "jane@corp.example",
		To:        []string{"pat@example.com"},
		Subject:   "Hello",
		Text:      "Hi",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.ProviderID != "prov-1" {
		t.Errorf("ProviderID = %q", result.ProviderID)
	}
	if result.EmailID != "" {
		t.Errorf("EmailID = %q, want empty when the copy was not stored", result.EmailID)
	}
}

func TestSendUsesInReplyToAsThread(t *testing.T) {
	dispatcher := newTestDispatcher(&mockMailer{}, &mockStore{})

	result, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromEmail: "jane@corp.example",
		To:        []string{"pat@example.com"},
		Subject:   "Re: Follow up",
		Text:      "Replying.",
		InReplyTo: "thread-abc123",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.ThreadID != "thread-abc123" {
		t.Errorf("ThreadID = %q, want thread-abc123", result.ThreadID)
	}
}

func TestSendTouchesRecipientContacts(t *testing.T) {
	contacts := &mockContacts{
		contactedFunc: func(ctx context.Context, addr address.Address, at time.Time) error {
			return errors.New("contact table unavailable")
		},
	}
	dispatcher := NewDispatcher(Config{
		Mailer:   &mockMailer{},
		Store:    &mockStore{},
		Contacts: contacts,
		Logger:   testLogger(),
	})

	_, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromEmail: "jane@corp.example",
		To:        []string{"pat@example.com"},
		CC:        []string{"sam@example.com"},
		Subject:   "Hello",
		Text:      "Hi",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(contacts.contacted) != 2 {
		t.Fatalf("contacted %d recipients, want 2", len(contacts.contacted))
	}
	if contacts.contacted[0].Email != "pat@example.com" || contacts.contacted[1].Email != "sam@example.com" {
		t.Errorf("contacted = %v", contacts.contacted)
	}
}

func TestSendDoesNotRewrapFullDocument(t *testing.T) {
	mailer := &mockMailer{}
	store := &mockStore{}
	dispatcher := newTestDispatcher(mailer, store)

	doc := "<html><body><p>Quarterly summary attached.</p></body></html>"
	_, err := dispatcher.Send(context.Background(), &Input{
		Owner:     "jane@corp.example",
		FromEmail: "jane@corp.example",
		To:        []string{"pat@example.com"},
		Subject:   "Quarterly summary",
		HTML:      doc,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if len(mailer.requests) != 1 {
		t.Fatalf("sent %d requests, want 1", len(mailer.requests))
	}
	req := mailer.requests[0]
	if req.HTML != doc {
		t.Errorf("HTML = %q, want the document unchanged", req.HTML)
	}
	if strings.Count(req.HTML, "<html") != 1 {
		t.Errorf("document was framed a second time: %q", req.HTML)
	}
	if len(store.created) != 1 || store.created[0].BodyHTML != doc {
		t.Error("stored copy does not carry the unmodified document")
	}
}
