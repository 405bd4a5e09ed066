package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisDB_UnreachableStartsDegraded(t *testing.T) {
	cfg := &RedisConfig{
		Host:    "localhost",
		Port:    1, // nothing listens here
		Timeout: 250 * time.Millisecond,
	}

	r := NewRedisDB(cfg)
	require.NotNil(t, r)
	require.NotNil(t, r.Client)
	defer r.Close()

	assert.True(t, r.IsDegraded())
}

func TestRedisClientClose_NilSafe(t *testing.T) {
	var r *RedisClient
	assert.NoError(t, r.Close())
}
