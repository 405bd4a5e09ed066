package middleware

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	appJWT "carelink-backend/pkg/jwt"
)

// RedisRevocationChecker answers revocation lookups against Redis. The auth
// service writes a revoked_token entry when a participant signs out or an
// account is disabled; a signaling connection presenting that token is
// refused even though its signature still verifies.
type RedisRevocationChecker struct {
	client *redis.Client
}

// NewRedisRevocationChecker creates a checker backed by the shared Redis instance.
func NewRedisRevocationChecker(client *redis.Client) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked reports whether the token's jti has been revoked.
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	// Parse without verification; the auth middleware validated the
	// signature before asking about revocation.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &appJWT.Claims{})
	if err != nil {
		return false, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*appJWT.Claims)
	if !ok {
		return false, fmt.Errorf("invalid claims")
	}

	if claims.ID == "" {
		// Tokens issued without a jti cannot be revoked individually
		return false, nil
	}

	key := fmt.Sprintf("revoked_token:%s", claims.ID)
	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("revocation lookup failed: %w", err)
	}

	return exists > 0, nil
}
