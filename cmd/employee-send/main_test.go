package main

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kestrelworks/mailroom/internal/directory"
	"github.com/kestrelworks/mailroom/internal/outbound"
)

type mockDispatcher struct {
	sendFunc func(ctx context.Context, input *outbound.Input) (*outbound.Result, error)
	inputs   []*outbound.Input
}

func (m *mockDispatcher) Send(ctx context.Context, input *outbound.Input) (*outbound.Result, error) {
	m.inputs = append(m.inputs, input)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, input)
	}
	return &outbound.Result{EmailID: "email-1", ProviderID: "prov-1", ThreadID: "thread-abc"}, nil
}

type mockDirectory struct {
	findFunc func(ctx context.Context, email string) (*directory.Employee, error)
}

func (m *mockDirectory) FindByEmail(ctx context.Context, email string) (*directory.Employee, error) {
	return m.findFunc(ctx, email)
}

func activeDirectory(name string) *mockDirectory {
	return &mockDirectory{
		findFunc: func(ctx context.Context, email string) (*directory.Employee, error) {
			return &directory.Employee{Email: email, Name: name, Status: directory.StatusActive}, nil
		},
	}
}

func authorizedRequest(email, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		Body: body,
		RequestContext: events.APIGatewayProxyRequestContext{
			Authorizer: map[string]any{"email": email},
		},
	}
}

func TestHandleSendsAsAuthenticatedEmployee(t *testing.T) {
	dispatcher := &mockDispatcher{}
	h := newHandler(dispatcher, activeDirectory("Jane Roe"))

	resp, err := h.handle(context.Background(), authorizedRequest("Jane@corp.example",
		`{"to":["pat@example.com"],"subject":"Follow up","text":"Thanks."}`))
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("StatusCode = %d, want 201 (body %s)", resp.StatusCode, resp.Body)
	}

	if len(dispatcher.inputs) != 1 {
		t.Fatalf("dispatched %d sends, want 1", len(dispatcher.inputs))
	}
	input := dispatcher.inputs[0]
	if input.Owner != "jane@corp.example" {
		t.Errorf("Owner = %q, want lowercased sender", input.Owner)
	}
	if input.FromName != "Jane Roe" {
		t.Errorf("FromName = %q", input.FromName)
	}
}

func TestHandleRejectsMissingIdentity(t *testing.T) {
	dispatcher := &mockDispatcher{}
	h := newHandler(dispatcher, activeDirectory("Jane Roe"))

	resp, err := h.handle(context.Background(), events.APIGatewayProxyRequest{
		Body: `{"to":["pat@example.com"],"subject":"x","text":"y"}`,
	})
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", resp.StatusCode)
	}
	if len(dispatcher.inputs) != 0 {
		t.Error("dispatcher was called without a sender identity")
	}
}

func TestHandleReadsIdentityFromClaims(t *testing.T) {
	dispatcher := &mockDispatcher{}
	h := newHandler(dispatcher, activeDirectory("Jane Roe"))

	resp, err := h.handle(context.Background(), events.APIGatewayProxyRequest{
		Body: `{"to":["pat@example.com"],"subject":"x","text":"y"}`,
		RequestContext: events.APIGatewayProxyRequestContext{
			Authorizer: map[string]any{
				"claims": map[string]any{"email": "jane@corp.example"},
			},
		},
	})
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
}

func TestHandleForbidsUnknownSender(t *testing.T) {
	dispatcher := &mockDispatcher{}
	dir := &mockDirectory{
		findFunc: func(ctx context.Context, email string) (*directory.Employee, error) {
			return nil, directory.ErrEmployeeNotFound
		},
	}
	h := newHandler(dispatcher, dir)

	resp, err := h.handle(context.Background(), authorizedRequest("ghost@corp.example",
		`{"to":["pat@example.com"],"subject":"x","text":"y"}`))
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", resp.StatusCode)
	}
	if len(dispatcher.inputs) != 0 {
		t.Error("dispatcher was called for an unknown sender")
	}
}

func TestHandleForbidsInactiveSender(t *testing.T) {
	dir := &mockDirectory{
		findFunc: func(ctx context.Context, email string) (*directory.Employee, error) {
			return &directory.Employee{Email: email, Status: directory.StatusSuspended}, nil
		},
	}
	h := newHandler(&mockDispatcher{}, dir)

	resp, err := h.handle(context.Background(), authorizedRequest("jane@corp.example",
		`{"to":["pat@example.com"],"subject":"x","text":"y"}`))
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", resp.StatusCode)
	}
}

func TestHandleDirectoryFailureIs500(t *testing.T) {
	dir := &mockDirectory{
		findFunc: func(ctx context.Context, email string) (*directory.Employee, error) {
			return nil, errors.New("table unavailable")
		},
	}
	h := newHandler(&mockDispatcher{}, dir)

	resp, err := h.handle(context.Background(), authorizedRequest("jane@corp.example",
		`{"to":["pat@example.com"],"subject":"x","text":"y"}`))
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", resp.StatusCode)
	}
}

func TestHandleValidationFailureIs400(t *testing.T) {
	dispatcher := &mockDispatcher{
		sendFunc: func(ctx context.Context, input *outbound.Input) (*outbound.Result, error) {
			return nil, &outbound.ValidationError{Addresses: []string{"bad"}}
		},
	}
	h := newHandler(dispatcher, activeDirectory("Jane Roe"))

	resp, err := h.handle(context.Background(), authorizedRequest("jane@corp.example",
		`{"to":["bad"],"subject":"x","text":"y"}`))
	if err != nil {
		t.Fatalf("handle() error = %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", resp.StatusCode)
	}
}

func TestProviderHTTPClientIsInstrumented(t *testing.T) {
	client := newProviderHTTPClient()
	if _, ok := client.Transport.(*otelhttp.Transport); !ok {
		t.Fatalf("Transport = %T, want *otelhttp.Transport", client.Transport)
	}
}
