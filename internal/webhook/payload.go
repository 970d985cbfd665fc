package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedEvent is returned for provider events other than received mail.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// eventTypeReceived is the provider's inbound-delivery event tag.
const eventTypeReceived = "email.received"

// EventKind discriminates the webhook payload variants.
type EventKind int

const (
	// KindProvider is the provider's structured event envelope.
	KindProvider EventKind = iota
	// KindLegacy is the flat legacy/direct payload shape.
	KindLegacy
)

// Envelope is the canonical normalized form every downstream component
// consumes. Address fields are free-form strings; parsing happens later.
type Envelope struct {
	From            string
	To              []string
	CC              []string
	Subject         string
	HTML            string
	Text            string
	RawEmail        string
	MessageID       string
	InReplyTo       string
	ProviderEmailID string
	Headers         map[string]string
}

// Event is the tagged union of the accepted payload shapes.
type Event struct {
	Kind     EventKind
	Provider *ProviderEvent
	Legacy   *LegacyEvent
}

// ProviderEvent is the provider's {type, data} envelope.
type ProviderEvent struct {
	Type string       `json:"type"`
	Data providerData `json:"data"`
}

type providerData struct {
	EmailID string           `json:"email_id"`
	From    string           `json:"from"`
	To      stringList       `json:"to"`
	CC      stringList       `json:"cc"`
	Subject string           `json:"subject"`
	HTML    string           `json:"html"`
	Text    string           `json:"text"`
	Headers []providerHeader `json:"headers"`
}

type providerHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LegacyEvent is the flat direct-post shape older integrations send.
type LegacyEvent struct {
	From      string     `json:"from"`
	To        stringList `json:"to"`
	CC        stringList `json:"cc"`
	Subject   string     `json:"subject"`
	HTML      string     `json:"html"`
	Body      string     `json:"body"`
	Text      string     `json:"text"`
	BodyText  string     `json:"bodyText"`
	RawEmail  string     `json:"rawEmail"`
	MessageID string     `json:"messageId"`
	InReplyTo string     `json:"inReplyTo"`
}

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*s = nil
		return nil
	}
	*s = []string{single}
	return nil
}

// Decode parses a raw webhook body into the tagged event union. The provider
// shape is recognized by its "type" discriminator; anything else is treated
// as the legacy shape.
func Decode(body []byte) (*Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("malformed webhook payload: %w", err)
	}

	if probe.Type != "" {
		if probe.Type != eventTypeReceived {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, probe.Type)
		}
		var ev ProviderEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("malformed provider event: %w", err)
		}
		return &Event{Kind: KindProvider, Provider: &ev}, nil
	}

	var ev LegacyEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("malformed legacy payload: %w", err)
	}
	return &Event{Kind: KindLegacy, Legacy: &ev}, nil
}

// Envelope normalizes the event into the canonical internal shape.
func (e *Event) Envelope() *Envelope {
	switch e.Kind {
	case KindProvider:
		return e.Provider.envelope()
	default:
		return e.Legacy.envelope()
	}
}

func (p *ProviderEvent) envelope() *Envelope {
	env := &Envelope{
		From:            p.Data.From,
		To:              p.Data.To,
		CC:              p.Data.CC,
		Subject:         p.Data.Subject,
		HTML:            p.Data.HTML,
		Text:            p.Data.Text,
		ProviderEmailID: p.Data.EmailID,
		Headers:         make(map[string]string, len(p.Data.Headers)),
	}
	for _, h := range p.Data.Headers {
		env.Headers[strings.ToLower(h.Name)] = h.Value
	}
	env.MessageID = env.Headers["message-id"]
	if env.MessageID == "" {
		env.MessageID = p.Data.EmailID
	}
	env.InReplyTo = env.Headers["in-reply-to"]
	return env
}

func (l *LegacyEvent) envelope() *Envelope {
	html := l.HTML
	if html == "" {
		html = l.Body
	}
	text := l.Text
	if text == "" {
		text = l.BodyText
	}
	return &Envelope{
		From:      l.From,
		To:        l.To,
		CC:        l.CC,
		Subject:   l.Subject,
		HTML:      html,
		Text:      text,
		RawEmail:  l.RawEmail,
		MessageID: l.MessageID,
		InReplyTo: l.InReplyTo,
		Headers:   map[string]string{},
	}
}
