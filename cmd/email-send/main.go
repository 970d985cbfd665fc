// Package main implements the admin outbound send Lambda handler.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/kestrelworks/mailroom/internal/contact"
	"github.com/kestrelworks/mailroom/internal/message"
	"github.com/kestrelworks/mailroom/internal/notify"
	"github.com/kestrelworks/mailroom/internal/outbound"
	"github.com/kestrelworks/mailroom/internal/secrets"
	"github.com/kestrelworks/mailroom/internal/sendapi"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// Dispatcher sends composed messages and persists the resulting copies.
type Dispatcher interface {
	Send(ctx context.Context, input *outbound.Input) (*outbound.Result, error)
}

// sendRequest is the compose payload accepted by the send endpoints.
type sendRequest struct {
	To        []string `json:"to"`
	CC        []string `json:"cc"`
	Subject   string   `json:"subject"`
	HTML      string   `json:"html"`
	Text      string   `json:"text"`
	InReplyTo string   `json:"inReplyTo"`
}

// handler sends mail from the shared admin identity.
type handler struct {
	dispatcher Dispatcher
	fromName   string
	fromEmail  string
}

func newHandler(dispatcher Dispatcher, fromName, fromEmail string) *handler {
	return &handler{
		dispatcher: dispatcher,
		fromName:   fromName,
		fromEmail:  fromEmail,
	}
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	tracer := otel.Tracer("mailroom-email-send")
	ctx, span := tracer.Start(ctx, "EmailSendHandler")
	defer span.End()

	req, resp := decodeSendRequest(request)
	if resp != nil {
		return *resp, nil
	}

	result, err := h.dispatcher.Send(ctx, &outbound.Input{
		Owner:     message.AdminMailbox,
		FromName:  h.fromName,
		FromEmail: h.fromEmail,
		To:        req.To,
		CC:        req.CC,
		Subject:   req.Subject,
		HTML:      req.HTML,
		Text:      req.Text,
		InReplyTo: req.InReplyTo,
	})
	if err != nil {
		return sendErrorResponse(ctx, err), nil
	}

	logger.InfoContext(ctx, "Admin email sent",
		slog.String("email_id", result.EmailID),
		slog.String("provider_id", result.ProviderID),
	)

	return respond(http.StatusCreated, map[string]any{
		"message":    "Email sent",
		"emailId":    result.EmailID,
		"providerId": result.ProviderID,
		"threadId":   result.ThreadID,
	}), nil
}

// decodeSendRequest parses the request body, returning a ready error
// response when it cannot be used.
func decodeSendRequest(request events.APIGatewayProxyRequest) (*sendRequest, *events.APIGatewayProxyResponse) {
	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			resp := respond(http.StatusBadRequest, map[string]string{"message": "Invalid request body encoding"})
			return nil, &resp
		}
		body = decoded
	}

	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		resp := respond(http.StatusBadRequest, map[string]string{"message": "Malformed request body"})
		return nil, &resp
	}
	return &req, nil
}

// sendErrorResponse maps dispatch failures onto HTTP statuses: compose
// mistakes are the caller's to fix, provider failures are a bad gateway.
func sendErrorResponse(ctx context.Context, err error) events.APIGatewayProxyResponse {
	var validationErr *outbound.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return respond(http.StatusBadRequest, map[string]any{
			"message":          "Invalid recipient addresses",
			"invalidAddresses": validationErr.Addresses,
		})
	case errors.Is(err, outbound.ErrNoRecipients):
		return respond(http.StatusBadRequest, map[string]string{"message": "At least one recipient is required"})
	case errors.Is(err, sendapi.ErrProvider):
		logger.ErrorContext(ctx, "Provider rejected send", slog.String("error", err.Error()))
		return respond(http.StatusBadGateway, map[string]string{"message": "Email provider rejected the message"})
	default:
		logger.ErrorContext(ctx, "Failed to send email", slog.String("error", err.Error()))
		return respond(http.StatusInternalServerError, map[string]string{"message": "Failed to send email"})
	}
}

func respond(status int, body any) events.APIGatewayProxyResponse {
	encoded, _ := json.Marshal(body)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(encoded),
	}
}

// apiKeySource adapts the SSM parameter cache to the send API's credential
// interface.
type apiKeySource struct {
	cache *secrets.Cache
	param string
}

func (s apiKeySource) APIKey(ctx context.Context) (string, error) {
	return s.cache.Get(ctx, s.param)
}

func newProviderHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

func main() {
	ctx := context.Background()

	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	tableName := os.Getenv("MAIL_TABLE_NAME")
	queueURL := os.Getenv("STORED_MAIL_QUEUE_URL")
	sendAPIBaseURL := os.Getenv("SEND_API_BASE_URL")
	sendAPIKeyParam := os.Getenv("SEND_API_KEY_PARAM")
	adminAddresses := os.Getenv("ADMIN_EMAIL_ADDRESSES")
	fromName := os.Getenv("ADMIN_FROM_NAME")
	fromEmail := os.Getenv("ADMIN_FROM_EMAIL")
	if sendAPIBaseURL == "" || sendAPIKeyParam == "" {
		logger.Error("FATAL: SEND_API_BASE_URL and SEND_API_KEY_PARAM are required")
		panic("SEND_API_BASE_URL and SEND_API_KEY_PARAM are required")
	}
	if fromEmail == "" {
		logger.Error("FATAL: ADMIN_FROM_EMAIL is required")
		panic("ADMIN_FROM_EMAIL is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	dynamoClient := dynamodb.NewFromConfig(cfg)
	cache := secrets.NewCache(ssm.NewFromConfig(cfg), secrets.DefaultTTL)

	var notifier notify.Publisher
	if queueURL != "" {
		notifier = notify.NewSQSPublisher(sqs.NewFromConfig(cfg), queueURL)
	}

	dispatcher := outbound.NewDispatcher(outbound.Config{
		Mailer:         sendapi.NewClient(sendAPIBaseURL, newProviderHTTPClient(), apiKeySource{cache: cache, param: sendAPIKeyParam}),
		Store:          message.NewRepository(dynamoClient, tableName),
		Contacts:       contact.NewRepository(dynamoClient, tableName),
		Notifier:       notifier,
		Logger:         logger,
		AdminAddresses: strings.Split(adminAddresses, ","),
	})

	h := newHandler(dispatcher, fromName, fromEmail)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
