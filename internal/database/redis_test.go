package database

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient_Disabled(t *testing.T) {
	rdb, err := NewRedisClient(context.Background(), &config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, rdb)
}

func TestNewRedisClient_BadURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), &config.Config{RedisURL: "://nope"}, zerolog.Nop())
	assert.Error(t, err)
}
