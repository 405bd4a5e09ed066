package redis

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"carelink-backend/internal/database"
	"carelink-backend/pkg/constants"
)

// PresenceRepository mirrors participant online status into Redis so sibling
// services (scheduling, notifications) can see who is connected. The
// in-memory registry inside the relay stays authoritative; this mirror is
// best-effort and its writes never gate call setup.
type PresenceRepository struct {
	client *database.RedisClient
}

// NewPresenceRepository creates a new PresenceRepository
func NewPresenceRepository(client *database.RedisClient) *PresenceRepository {
	return &PresenceRepository{client: client}
}

// SetOnline marks a participant as online
func (r *PresenceRepository) SetOnline(ctx context.Context, participantID uuid.UUID) error {
	key := fmt.Sprintf("presence:%s", participantID)

	// TTL so a crashed relay process cannot leave permanent ghosts
	err := r.client.Client.Set(ctx, key, "online", constants.PresenceMirrorTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set participant online: %w", err)
	}

	err = r.client.Client.SAdd(ctx, "presence:online", participantID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}

	return nil
}

// SetOffline marks a participant as offline
func (r *PresenceRepository) SetOffline(ctx context.Context, participantID uuid.UUID) error {
	key := fmt.Sprintf("presence:%s", participantID)

	err := r.client.Client.Del(ctx, key).Err()
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}

	err = r.client.Client.SRem(ctx, "presence:online", participantID.String()).Err()
	if err != nil {
		return fmt.Errorf("failed to remove from online set: %w", err)
	}

	return nil
}

// IsOnline checks the mirrored status of a participant
func (r *PresenceRepository) IsOnline(ctx context.Context, participantID uuid.UUID) (bool, error) {
	key := fmt.Sprintf("presence:%s", participantID)

	exists, err := r.client.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}

	return exists > 0, nil
}

// OnlineParticipants returns the ids of all mirrored-online participants
func (r *PresenceRepository) OnlineParticipants(ctx context.Context) ([]uuid.UUID, error) {
	idStrings, err := r.client.Client.SMembers(ctx, "presence:online").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online participants: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(idStrings))
	for _, idStr := range idStrings {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue // Skip invalid entries
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// IsDegraded reports whether Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
