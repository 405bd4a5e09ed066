package push

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carelink-backend/pkg/logger"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// Token represents a push notification token for a participant
type Token struct {
	ID            uuid.UUID `json:"id"`
	ParticipantID uuid.UUID `json:"participant_id"`
	Token         string    `json:"token"`
	Platform      string    `json:"platform,omitempty"` // ios, android, web
	Active        bool      `json:"active"`
	CreatedAt     int64     `json:"created_at"`
	UpdatedAt     int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByParticipantID(ctx context.Context, participantID uuid.UUID) ([]*Token, error)
	Delete(ctx context.Context, participantID uuid.UUID, token string) error
	MarkInactive(ctx context.Context, participantID uuid.UUID, token string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// NotifyIncomingCall pushes a ring alert to all of the target participant's
// devices. Best-effort: failures are logged and never affect call setup.
func (s *Service) NotifyIncomingCall(ctx context.Context, targetID, callID uuid.UUID, callerName string) {
	tokens, err := s.repo.GetByParticipantID(ctx, targetID)
	if err != nil {
		logger.Warn("Failed to load push tokens",
			zap.String("participant_id", targetID.String()),
			zap.Error(err))
		return
	}
	if len(tokens) == 0 {
		return
	}

	tokenStrings := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t.Active {
			tokenStrings = append(tokenStrings, t.Token)
		}
	}
	if len(tokenStrings) == 0 {
		return
	}

	notification := &Notification{
		Title:    "Incoming video call",
		Body:     fmt.Sprintf("%s is calling you", callerName),
		Priority: "high",
		Sound:    "ringtone",
		Category: "incoming_call",
		Data: map[string]string{
			"call_id":     callID.String(),
			"caller_name": callerName,
			"timestamp":   strconv.FormatInt(time.Now().Unix(), 10),
		},
	}

	result, err := s.provider.Send(ctx, notification, tokenStrings)
	if err != nil {
		logger.Warn("Failed to send incoming-call push",
			zap.String("call_id", callID.String()),
			zap.String("participant_id", targetID.String()),
			zap.Error(err))
		return
	}

	// Deactivate tokens the provider reported as dead
	for _, invalid := range result.InvalidTokens {
		if err := s.repo.MarkInactive(ctx, targetID, invalid); err != nil {
			logger.Warn("Failed to deactivate push token",
				zap.String("participant_id", targetID.String()),
				zap.Error(err))
		}
	}

	logger.Debug("Incoming-call push sent",
		zap.String("call_id", callID.String()),
		zap.Int("success", result.SuccessCount),
		zap.Int("failure", result.FailureCount))
}

// maskPushToken truncates a token for safe logging
func maskPushToken(token string) string {
	if len(token) <= 8 {
		return "********"
	}
	return token[:8] + "..."
}
