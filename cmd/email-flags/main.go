// Package main implements the message flag update Lambda handler.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

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

// Flagger mutates the flag fields of one stored copy.
type Flagger interface {
	UpdateFlags(ctx context.Context, ownerEmail string, createdAt time.Time, id string, upd message.FlagUpdate) (*message.Message, error)
}

// flagRequest addresses one copy in the caller's mailbox and carries the
// flag changes. Omitted fields are left untouched.
type flagRequest struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	IsRead    *bool     `json:"isRead"`
	IsStarred *bool     `json:"isStarred"`
	Status    *string   `json:"status"`
	Labels    []string  `json:"labels"`
}

// handler applies flag updates scoped to the authenticated employee's own
// mailbox.
type handler struct {
	flagger Flagger
}

func newHandler(flagger Flagger) *handler {
	return &handler{flagger: flagger}
}

func (h *handler) handle(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	tracer := otel.Tracer("mailroom-email-flags")
	ctx, span := tracer.Start(ctx, "EmailFlagsHandler")
	defer span.End()

	owner := authorizedEmail(request)
	if owner == "" {
		return respond(http.StatusUnauthorized, map[string]string{"message": "Missing sender identity"}), nil
	}
	owner = strings.ToLower(owner)

	var req flagRequest
	if err := json.Unmarshal([]byte(request.Body), &req); err != nil {
		return respond(http.StatusBadRequest, map[string]string{"message": "Malformed request body"}), nil
	}
	if req.ID == "" || req.CreatedAt.IsZero() {
		return respond(http.StatusBadRequest, map[string]string{"message": "id and createdAt are required"}), nil
	}

	upd := message.FlagUpdate{
		IsRead:    req.IsRead,
		IsStarred: req.IsStarred,
		Labels:    req.Labels,
	}
	if req.Status != nil {
		status, ok := parseStatus(*req.Status)
		if !ok {
			return respond(http.StatusBadRequest, map[string]string{"message": "Invalid status value"}), nil
		}
		upd.Status = &status
	}

	updated, err := h.flagger.UpdateFlags(ctx, owner, req.CreatedAt, req.ID, upd)
	if errors.Is(err, message.ErrMessageNotFound) {
		return respond(http.StatusNotFound, map[string]string{"message": "Message not found"}), nil
	}
	if err != nil {
		logger.ErrorContext(ctx, "Failed to update message flags",
			slog.String("owner_email", owner),
			slog.String("id", req.ID),
			slog.String("error", err.Error()),
		)
		return respond(http.StatusInternalServerError, map[string]string{"message": "Failed to update message"}), nil
	}

	return respond(http.StatusOK, updated), nil
}

func parseStatus(s string) (message.Status, bool) {
	switch status := message.Status(s); status {
	case message.StatusReceived, message.StatusSent, message.StatusDeleted:
		return status, true
	default:
		return "", false
	}
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
