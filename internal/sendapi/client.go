// Package sendapi is the HTTP client for the transactional email provider.
package sendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Error types for provider operations.
var (
	ErrProvider        = errors.New("email provider error")
	ErrMessageNotFound = errors.New("provider message not found")
)

// HTTPDoer abstracts HTTP client operations for dependency inversion.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CredentialSource supplies the provider API key per request, so rotated keys
// take effect without restarting.
type CredentialSource interface {
	APIKey(ctx context.Context) (string, error)
}

// SendRequest is the provider's send payload.
type SendRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	CC      []string          `json:"cc,omitempty"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html,omitempty"`
	Text    string            `json:"text,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SendResult is the provider's send confirmation.
type SendResult struct {
	ID string `json:"id"`
}

// FetchedMessage is a provider message retrieved by id, used to complete
// webhook payloads that arrive without bodies.
type FetchedMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Client talks to the provider's REST API.
type Client struct {
	baseURL     string
	httpClient  HTTPDoer
	credentials CredentialSource
	maxRetries  int
	baseDelay   time.Duration
	sleepFunc   func(time.Duration)
}

// NewClient creates a Client with default retry settings.
func NewClient(baseURL string, httpClient HTTPDoer, credentials CredentialSource) *Client {
	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		credentials: credentials,
		maxRetries:  2,
		baseDelay:   100 * time.Millisecond,
		sleepFunc:   time.Sleep,
	}
}

// Send delivers a message through the provider. Sends are not retried: a
// timed-out POST may still have gone through, and duplicate sends are worse
// than a surfaced failure.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, providerError(resp)
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: bad send response: %v", ErrProvider, err)
	}
	return &result, nil
}

// FetchMessage retrieves a message by provider id, retrying transient
// failures with exponential backoff.
func (c *Client) FetchMessage(ctx context.Context, id string) (*FetchedMessage, error) {
	maxAttempts := c.maxRetries + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 && c.sleepFunc != nil {
			c.sleepFunc(c.baseDelay * time.Duration(1<<(attempt-1)))
		}

		msg, retryable, err := c.fetchOnce(ctx, id)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, id string) (*FetchedMessage, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/emails/"+id, nil)
	if err != nil {
		return nil, false, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrMessageNotFound
	case resp.StatusCode >= 500:
		return nil, true, providerError(resp)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, false, providerError(resp)
	}

	var msg FetchedMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, false, fmt.Errorf("%w: bad fetch response: %v", ErrProvider, err)
	}
	return &msg, false, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	key, err := c.credentials.APIKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain provider api key: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	return nil
}

// providerError extracts the provider's error message from a non-2xx response.
func providerError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("%w: %s (status %d)", ErrProvider, payload.Message, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
}
