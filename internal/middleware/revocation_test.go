package middleware

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appJWT "carelink-backend/pkg/jwt"
)

func TestIsTokenRevoked_MalformedToken(t *testing.T) {
	checker := NewRedisRevocationChecker(nil)

	_, err := checker.IsTokenRevoked(context.Background(), "not-a-token")
	assert.Error(t, err)
}

func TestIsTokenRevoked_TokenWithoutID(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &appJWT.Claims{})
	signed, err := token.SignedString([]byte("test-secret-key-of-sufficient-len"))
	require.NoError(t, err)

	// A jti-less token resolves without a Redis round trip
	checker := NewRedisRevocationChecker(nil)
	revoked, err := checker.IsTokenRevoked(context.Background(), signed)
	require.NoError(t, err)
	assert.False(t, revoked)
}
