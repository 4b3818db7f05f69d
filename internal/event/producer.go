package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
	pkgkafka "github.com/gabrielcapiotti/mercado-backend/pkg/kafka"
	"github.com/gabrielcapiotti/mercado-backend/pkg/logger"
)

// Kafka topic constants for authentication domain events.
const (
	TopicUserRegistered      = "mercado.user.registered"
	TopicUserLoggedIn        = "mercado.user.logged_in"
	TopicTwoFactorCodeIssued = "mercado.auth.two_factor_code_issued"
)

// Aggregate type constant.
const AggregateTypeUser = "user"

// Source identifier for events originating from the auth service.
const SourceAuthService = "auth-service"

// UserRegisteredData is the payload for a user.registered event.
type UserRegisteredData struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Roles     []string `json:"roles"`
}

// UserLoggedInData is the payload for a user.logged_in event.
type UserLoggedInData struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	At        time.Time `json:"at"`
}

// TwoFactorCodeIssuedData is the payload for a two_factor_code_issued
// event. The notification service delivers the code; the code value itself
// rides the payload and never appears in logs.
type TwoFactorCodeIssuedData struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// envelope wraps the payload in the standard event envelope, stamping the
// request correlation ID when the context carries one.
func envelope(ctx context.Context, topic, aggregateID string, data any) (*pkgkafka.Event, error) {
	e, err := pkgkafka.NewEvent(topic, aggregateID, AggregateTypeUser, SourceAuthService, data)
	if err != nil {
		return nil, err
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		e.WithCorrelationID(id)
	}
	return e, nil
}

// Producer publishes authentication domain events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer for the auth service.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishUserRegistered publishes a user.registered event.
func (p *Producer) PublishUserRegistered(ctx context.Context, user *domain.User) error {
	data := UserRegisteredData{
		ID:        user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Roles:     user.Roles,
	}

	event, err := envelope(ctx, TopicUserRegistered, user.ID, data)
	if err != nil {
		return fmt.Errorf("create user.registered event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicUserRegistered, event); err != nil {
		return fmt.Errorf("publish user.registered event: %w", err)
	}

	p.logger.DebugContext(ctx, "published user.registered event",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)

	return nil
}

// PublishUserLoggedIn publishes a user.logged_in event.
func (p *Producer) PublishUserLoggedIn(ctx context.Context, user *domain.User, ip, userAgent string, at time.Time) error {
	data := UserLoggedInData{
		UserID:    user.ID,
		Email:     user.Email,
		IP:        ip,
		UserAgent: userAgent,
		At:        at,
	}

	event, err := envelope(ctx, TopicUserLoggedIn, user.ID, data)
	if err != nil {
		return fmt.Errorf("create user.logged_in event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicUserLoggedIn, event); err != nil {
		return fmt.Errorf("publish user.logged_in event: %w", err)
	}

	p.logger.DebugContext(ctx, "published user.logged_in event",
		slog.String("user_id", user.ID),
	)

	return nil
}

// PublishTwoFactorCodeIssued publishes a two_factor_code_issued event.
func (p *Producer) PublishTwoFactorCodeIssued(ctx context.Context, user *domain.User, code *domain.TwoFactorCode) error {
	data := TwoFactorCodeIssuedData{
		UserID:    user.ID,
		Email:     user.Email,
		Code:      code.Code,
		Method:    code.Method,
		ExpiresAt: code.ExpiresAt,
	}

	event, err := envelope(ctx, TopicTwoFactorCodeIssued, user.ID, data)
	if err != nil {
		return fmt.Errorf("create two_factor_code_issued event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicTwoFactorCodeIssued, event); err != nil {
		return fmt.Errorf("publish two_factor_code_issued event: %w", err)
	}

	p.logger.DebugContext(ctx, "published two_factor_code_issued event",
		slog.String("user_id", user.ID),
		slog.String("method", code.Method),
	)

	return nil
}
