// Package main implements the mailbox listing Lambda handler.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/otel"

	"github.com/kestrelworks/mailroom/internal/message"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// defaultLimit caps listings when the caller does not ask for a size.
const defaultLimit = 50

// Lister reads stored message copies for one mailbox.
type Lister interface {
	ListByOwner(ctx context.Context, ownerEmail string, limit int32) ([]*message.Message, error)
	ListByThread(ctx context.Context, ownerEmail, threadID string, limit int32) ([]*message.Message, error)
}

// handler lists the authenticated employee's mailbox, newest first, or one
// conversation when a threadId is given.
type handler struct {
	lister Lister
}

func newHandler(lister Lister) *handler {
	return &handler{lister: lister}
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	tracer := otel.Tracer("mailroom-email-list")
	ctx, span := tracer.Start(ctx, "EmailListHandler")
	defer span.End()

	owner := authorizedEmail(request)
	if owner == "" {
		return respond(http.StatusUnauthorized, map[string]string{"message": "Missing sender identity"}), nil
	}
	owner = strings.ToLower(owner)

	limit := int32(defaultLimit)
	if raw := request.QueryStringParameters["limit"]; raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed <= 0 {
			return respond(http.StatusBadRequest, map[string]string{"message": "limit must be a positive integer"}), nil
		}
		limit = int32(parsed)
	}

	var (
		messages []*message.Message
		err      error
	)
	if threadID := request.QueryStringParameters["threadId"]; threadID != "" {
		messages, err = h.lister.ListByThread(ctx, owner, threadID, limit)
	} else {
		messages, err = h.lister.ListByOwner(ctx, owner, limit)
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to list mailbox",
			slog.String("owner_email", owner),
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, map[string]string{"message": "Failed to list messages"}), nil
	}

	return respond(http.StatusOK, map[string]any{"messages": messages}), nil
}

// authorizedEmail extracts the authenticated sender address from the API
// Gateway authorizer context, checking the flat form first and then JWT
// claims.
func authorizedEmail(request events.APIGatewayProxyRequest) string {
	auth := request.RequestContext.Authorizer
	if auth == nil {
		return ""
	}
	if email, ok := auth["email"].(string); ok && email != "" {
		return email
	}
	if claims, ok := auth["claims"].(map[string]any); ok {
		if email, ok := claims["email"].(string); ok {
			return email
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

func main() {
	ctx := context.Background()

	tp, err := xrayconfig.NewTracerProvider(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider", slog.String("error", err.Error()))
		panic(err)
	}
	otel.SetTracerProvider(tp)

	tableName := os.Getenv("MAIL_TABLE_NAME")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config", slog.String("error", err.Error()))
		panic(err)
	}

	repo := message.NewRepository(dynamodb.NewFromConfig(cfg), tableName)

	h := newHandler(repo)
	lambda.Start(otellambda.InstrumentHandler(h.handle, xrayconfig.WithRecommendedOptions(tp)...))
}
