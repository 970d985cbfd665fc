// Package main implements the inbound email webhook Lambda handler.
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
	"github.com/kestrelworks/mailroom/internal/dedup"
	"github.com/kestrelworks/mailroom/internal/directory"
	"github.com/kestrelworks/mailroom/internal/ingest"
	"github.com/kestrelworks/mailroom/internal/message"
	"github.com/kestrelworks/mailroom/internal/notify"
	"github.com/kestrelworks/mailroom/internal/secrets"
	"github.com/kestrelworks/mailroom/internal/sendapi"
	"github.com/kestrelworks/mailroom/internal/webhook"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SecretSource resolves named secrets.
type SecretSource interface {
	Get(ctx context.Context, name string) (string, error)
}

// Ingestor processes normalized webhook envelopes.
type Ingestor interface {
	Ingest(ctx context.Context, env *webhook.Envelope) (*ingest.Result, error)
}

// handler authenticates webhook deliveries and hands them to the pipeline.
type handler struct {
	ingestor    Ingestor
	secrets     SecretSource
	verifier    *webhook.Verifier
	secretParam string
	legacyParam string
}

func newHandler(ingestor Ingestor, src SecretSource, verifier *webhook.Verifier, secretParam, legacyParam string) *handler {
	return &handler{
		ingestor:    ingestor,
		secrets:     src,
		verifier:    verifier,
		secretParam: secretParam,
		legacyParam: legacyParam,
	}
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	tracer := otel.Tracer("mailroom-email-inbound")
	ctx, span := tracer.Start(ctx, "EmailInboundHandler")
	defer span.End()

	body := []byte(request.Body)
	if request.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(request.Body)
		if err != nil {
			return respond(http.StatusBadRequest, map[string]string{"message": "Invalid request body encoding"}), nil
		}
		body = decoded
	}

	if status, msg := h.authenticate(ctx, request.Headers, body); status != 0 {
		return respond(status, map[string]string{"message": msg}), nil
	}

	event, err := webhook.Decode(body)
	if err != nil {
		if errors.Is(err, webhook.ErrUnsupportedEvent) {
			// Acknowledge so the provider does not retry event types we
			// do not consume.
			return respond(http.StatusOK, map[string]string{"message": "Event ignored"}), nil
		}
		logger.WarnContext(ctx, "Rejected malformed webhook payload", slog.String("error", err.Error()))
		return respond(http.StatusBadRequest, map[string]string{"message": "Malformed webhook payload"}), nil
	}

	result, err := h.ingestor.Ingest(ctx, event.Envelope())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to process inbound email", slog.String("error", err.Error()))
		return respond(http.StatusInternalServerError, map[string]string{"message": "Failed to process email"}), nil
	}

	logger.InfoContext(ctx, "Inbound email processed",
		slog.String("email_id", result.EmailID),
		slog.Int("employee_copies", result.EmployeeCopies),
		slog.Bool("deduplicated", result.Deduplicated),
	)

	return respond(http.StatusCreated, map[string]any{
		"message":        "Email processed",
		"emailId":        result.EmailID,
		"employeeCopies": result.EmployeeCopies,
		"deduplicated":   result.Deduplicated,
	}), nil
}

// authenticate verifies the delivery's signature headers, falling back to
// the legacy shared-secret header. Deliveries without any authentication
// material are rejected. Returns a non-zero status on failure.
func (h *handler) authenticate(ctx context.Context, headers map[string]string, body []byte) (int, string) {
	sigHeaders := webhook.SignatureHeaders{
		ID:         header(headers, "svix-id"),
		Timestamp:  header(headers, "svix-timestamp"),
		Signatures: header(headers, "svix-signature"),
	}

	if sigHeaders.Present() {
		secret, err := h.secrets.Get(ctx, h.secretParam)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to load webhook signing secret", slog.String("error", err.Error()))
			return http.StatusInternalServerError, "Failed to process email"
		}
		if err := h.verifier.Verify(secret, sigHeaders, body); err != nil {
			logger.WarnContext(ctx, "Rejected webhook with invalid signature",
				slog.String("delivery_id", sigHeaders.ID),
				slog.String("error", err.Error()),
			)
			return http.StatusUnauthorized, "Invalid webhook signature"
		}
		return 0, ""
	}

	if presented := header(headers, "x-webhook-secret"); presented != "" && h.legacyParam != "" {
		secret, err := h.secrets.Get(ctx, h.legacyParam)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to load legacy webhook secret", slog.String("error", err.Error()))
			return http.StatusInternalServerError, "Failed to process email"
		}
		if err := h.verifier.VerifyLegacy(secret, presented); err != nil {
			logger.WarnContext(ctx, "Rejected webhook with invalid shared secret")
			return http.StatusUnauthorized, "Invalid webhook secret"
		}
		return 0, ""
	}

	logger.WarnContext(ctx, "Rejected unauthenticated webhook delivery")
	return http.StatusUnauthorized, "Missing webhook authentication"
}

// header does a case-insensitive lookup; API Gateway does not normalize
// header casing.
func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
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
	secretParam := os.Getenv("WEBHOOK_SECRET_PARAM")
	legacyParam := os.Getenv("WEBHOOK_LEGACY_SECRET_PARAM")
	if secretParam == "" {
		logger.Error("FATAL: WEBHOOK_SECRET_PARAM is required")
		panic("WEBHOOK_SECRET_PARAM is required")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	dynamoClient := dynamodb.NewFromConfig(cfg)
	msgRepo := message.NewRepository(dynamoClient, tableName)
	dirRepo := directory.NewDynamoDBRepository(dynamoClient, tableName)
	contacts := contact.NewRepository(dynamoClient, tableName)
	cache := secrets.NewCache(ssm.NewFromConfig(cfg), secrets.DefaultTTL)

	var fetcher ingest.BodyFetcher
	if sendAPIBaseURL != "" && sendAPIKeyParam != "" {
		fetcher = sendapi.NewClient(sendAPIBaseURL, newProviderHTTPClient(), apiKeySource{cache: cache, param: sendAPIKeyParam})
	}

	var notifier notify.Publisher
	if queueURL != "" {
		notifier = notify.NewSQSPublisher(sqs.NewFromConfig(cfg), queueURL)
	}

	pipeline := ingest.NewPipeline(ingest.Config{
		Store:    msgRepo,
		Gate:     dedup.NewEngine(msgRepo, logger),
		Resolver: directory.NewResolver(dirRepo),
		Fetcher:  fetcher,
		Contacts: contacts,
		Notifier: notifier,
		Logger:   logger,
	})

	h := newHandler(pipeline, cache, webhook.NewVerifier(), secretParam, legacyParam)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
