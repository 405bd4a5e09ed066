package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"carelink-backend/internal/database"
	"carelink-backend/pkg/push"
)

// PushTokenRepository stores device push tokens per participant in a Redis
// hash keyed by the token string.
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new PushTokenRepository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(participantID uuid.UUID) string {
	return fmt.Sprintf("push_tokens:%s", participantID)
}

// Store saves or overwrites a token for a participant
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal push token: %w", err)
	}

	err = r.client.Client.HSet(ctx, tokenKey(token.ParticipantID), token.Token, data).Err()
	if err != nil {
		return fmt.Errorf("failed to store push token: %w", err)
	}

	return nil
}

// GetByParticipantID returns all tokens registered for a participant
func (r *PushTokenRepository) GetByParticipantID(ctx context.Context, participantID uuid.UUID) ([]*push.Token, error) {
	values, err := r.client.Client.HGetAll(ctx, tokenKey(participantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load push tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(values))
	for _, raw := range values {
		var token push.Token
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			continue // Skip corrupt entries
		}
		tokens = append(tokens, &token)
	}

	return tokens, nil
}

// Delete removes a token for a participant
func (r *PushTokenRepository) Delete(ctx context.Context, participantID uuid.UUID, token string) error {
	err := r.client.Client.HDel(ctx, tokenKey(participantID), token).Err()
	if err != nil {
		return fmt.Errorf("failed to delete push token: %w", err)
	}
	return nil
}

// MarkInactive flags a token the provider reported as dead
func (r *PushTokenRepository) MarkInactive(ctx context.Context, participantID uuid.UUID, token string) error {
	raw, err := r.client.Client.HGet(ctx, tokenKey(participantID), token).Result()
	if err != nil {
		return fmt.Errorf("failed to load push token: %w", err)
	}

	var stored push.Token
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return fmt.Errorf("failed to unmarshal push token: %w", err)
	}

	stored.Active = false
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal push token: %w", err)
	}

	err = r.client.Client.HSet(ctx, tokenKey(participantID), token, data).Err()
	if err != nil {
		return fmt.Errorf("failed to update push token: %w", err)
	}

	return nil
}
